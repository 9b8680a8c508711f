package cloud

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

const notFoundCode = "InvalidInstanceID.NotFound"

// ErrInstanceNotFound reports an instance id EC2 does not know (yet).
var ErrInstanceNotFound = errors.New("instance not found")

var (
	ErrNoInstances     = errors.New("no instance returned")
	ErrNilKeyMaterial  = errors.New("key pair created but no key material returned")
	ErrNilGroupID      = errors.New("security group created but no group ID returned")
	ErrNilInstanceData = errors.New("instance returned without ID or state")
)

// ec2API is the subset of *ec2.Client used here.
type ec2API interface {
	CreateKeyPair(ctx context.Context, in *ec2.CreateKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.CreateKeyPairOutput, error)
	DeleteKeyPair(ctx context.Context, in *ec2.DeleteKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error)
	CreateSecurityGroup(ctx context.Context, in *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	DeleteSecurityGroup(ctx context.Context, in *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
}

// EC2Client implements Client on top of the AWS SDK
type EC2Client struct {
	api ec2API
}

var _ Client = (*EC2Client)(nil)

// NewEC2Client builds a client for region using static credentials
func NewEC2Client(ctx context.Context, region, accessKey, secretKey string) (*EC2Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &EC2Client{api: ec2.NewFromConfig(cfg)}, nil
}

// CreateKeyPair creates an EC2-generated key pair
func (c *EC2Client) CreateKeyPair(ctx context.Context, name string, tags map[string]string) (string, error) {
	out, err := c.api.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:           aws.String(name),
		TagSpecifications: tagSpecification(types.ResourceTypeKeyPair, tags),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create key pair %s: %w", name, err)
	}
	if out.KeyMaterial == nil {
		return "", ErrNilKeyMaterial
	}
	return *out.KeyMaterial, nil
}

// DeleteKeyPair deletes a key pair by name
func (c *EC2Client) DeleteKeyPair(ctx context.Context, name string) error {
	_, err := c.api.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{
		KeyName: aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("failed to delete key pair %s: %w", name, err)
	}
	return nil
}

// CreateSecurityGroup creates a security group in the default VPC
func (c *EC2Client) CreateSecurityGroup(ctx context.Context, name, description string, tags map[string]string) (string, error) {
	out, err := c.api.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(name),
		Description:       aws.String(description),
		TagSpecifications: tagSpecification(types.ResourceTypeSecurityGroup, tags),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create security group %s: %w", name, err)
	}
	if out.GroupId == nil {
		return "", ErrNilGroupID
	}
	return *out.GroupId, nil
}

// AuthorizeIngress adds one inbound rule to a security group
func (c *EC2Client) AuthorizeIngress(ctx context.Context, groupID string, rule IngressRule) error {
	_, err := c.api.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:    aws.String(groupID),
		IpProtocol: aws.String(rule.Protocol),
		FromPort:   aws.Int32(rule.FromPort),
		ToPort:     aws.Int32(rule.ToPort),
		CidrIp:     aws.String(rule.CIDR),
	})
	if err != nil {
		return fmt.Errorf("failed to authorize %s %d-%d on %s: %w", rule.Protocol, rule.FromPort, rule.ToPort, groupID, err)
	}
	return nil
}

// DeleteSecurityGroup deletes a default-VPC security group by name
func (c *EC2Client) DeleteSecurityGroup(ctx context.Context, name string) error {
	_, err := c.api.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
		GroupName: aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("failed to delete security group %s: %w", name, err)
	}
	return nil
}

// RunInstance launches one instance
func (c *EC2Client) RunInstance(ctx context.Context, spec LaunchSpec) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:           aws.String(spec.ImageID),
		InstanceType:      types.InstanceType(spec.InstanceType),
		MinCount:          aws.Int32(1),
		MaxCount:          aws.Int32(1),
		KeyName:           aws.String(spec.KeyName),
		SecurityGroupIds:  []string{spec.SecurityGroupID},
		TagSpecifications: tagSpecification(types.ResourceTypeInstance, map[string]string{"Name": spec.Name}),
	}
	if spec.UserData != "" {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData)))
	}
	if spec.StopOnShutdown {
		input.InstanceInitiatedShutdownBehavior = types.ShutdownBehaviorStop
	}

	out, err := c.api.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run instance: %w", err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return "", ErrNoInstances
	}
	return *out.Instances[0].InstanceId, nil
}

// DescribeInstance fetches the current view of one instance
func (c *EC2Client) DescribeInstance(ctx context.Context, instanceID string) (*Instance, error) {
	out, err := c.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == notFoundCode {
			return nil, fmt.Errorf("failed to describe instance %s: %w: %w", instanceID, ErrInstanceNotFound, err)
		}
		return nil, fmt.Errorf("failed to describe instance %s: %w", instanceID, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			converted, err := fromSDKInstance(inst)
			if err != nil {
				return nil, err
			}
			return converted, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoInstances, instanceID)
}

// IsNotFound reports whether err means EC2 returned nothing for an instance
// id. Right after RunInstances this only means the id has not propagated.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound) || errors.Is(err, ErrNoInstances)
}

// ListInstances pages through every reservation in the region
func (c *EC2Client) ListInstances(ctx context.Context) ([]Instance, error) {
	var instances []Instance
	paginator := ec2.NewDescribeInstancesPaginator(c.api, &ec2.DescribeInstancesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list instances: %w", err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				converted, err := fromSDKInstance(inst)
				if err != nil {
					return nil, err
				}
				instances = append(instances, *converted)
			}
		}
	}
	return instances, nil
}

// CreateTags writes tags onto an instance
func (c *EC2Client) CreateTags(ctx context.Context, instanceID string, tags map[string]string) error {
	_, err := c.api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags:      toSDKTags(tags),
	})
	if err != nil {
		return fmt.Errorf("failed to tag instance %s: %w", instanceID, err)
	}
	return nil
}

// TerminateInstance terminates one instance
func (c *EC2Client) TerminateInstance(ctx context.Context, instanceID string) error {
	_, err := c.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("failed to terminate instance %s: %w", instanceID, err)
	}
	return nil
}

// StopInstances stops instances in a single request
func (c *EC2Client) StopInstances(ctx context.Context, instanceIDs []string, force bool) error {
	_, err := c.api.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: instanceIDs,
		Force:       aws.Bool(force),
	})
	if err != nil {
		return fmt.Errorf("failed to stop instances %v: %w", instanceIDs, err)
	}
	return nil
}

// toSDKTags converts a tag map into EC2 tags, sorted by key so requests are stable.
func toSDKTags(tags map[string]string) []types.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func tagSpecification(rt types.ResourceType, tags map[string]string) []types.TagSpecification {
	if len(tags) == 0 {
		return nil
	}
	return []types.TagSpecification{{
		ResourceType: rt,
		Tags:         toSDKTags(tags),
	}}
}

func fromSDKInstance(inst types.Instance) (*Instance, error) {
	if inst.InstanceId == nil || inst.State == nil {
		return nil, ErrNilInstanceData
	}
	tags := make(map[string]string, len(inst.Tags))
	for _, t := range inst.Tags {
		if t.Key == nil {
			continue
		}
		tags[*t.Key] = aws.ToString(t.Value)
	}
	return &Instance{
		ID:           *inst.InstanceId,
		State:        string(inst.State.Name),
		PublicDNS:    aws.ToString(inst.PublicDnsName),
		InstanceType: string(inst.InstanceType),
		ImageID:      aws.ToString(inst.ImageId),
		LaunchTime:   aws.ToTime(inst.LaunchTime),
		Tags:         tags,
	}, nil
}
