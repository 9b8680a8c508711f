package cloud

import (
	"context"
	"time"
)

// Instance states as reported by EC2.
const (
	StatePending      = "pending"
	StateRunning      = "running"
	StateStopping     = "stopping"
	StateStopped      = "stopped"
	StateShuttingDown = "shutting-down"
	StateTerminated   = "terminated"
)

// Instance is the provider-neutral view of a compute instance
type Instance struct {
	ID           string
	State        string
	PublicDNS    string
	InstanceType string
	ImageID      string
	LaunchTime   time.Time
	Tags         map[string]string
}

// Tag returns the value of key and whether the tag is present.
func (i Instance) Tag(key string) (string, bool) {
	v, ok := i.Tags[key]
	return v, ok
}

// IngressRule opens a port range for one protocol to a CIDR block.
type IngressRule struct {
	Protocol string
	FromPort int32
	ToPort   int32
	CIDR     string
}

// LaunchSpec describes the single instance launched for a popup.
type LaunchSpec struct {
	Name            string
	ImageID         string
	InstanceType    string
	KeyName         string
	SecurityGroupID string
	// UserData is raw cloud-config; the client encodes it.
	UserData string
	// StopOnShutdown makes an OS-level poweroff stop rather than terminate.
	StopOnShutdown bool
}

// Client is the set of cloud calls popup needs
type Client interface {
	// CreateKeyPair creates a named key pair and returns its private key material.
	CreateKeyPair(ctx context.Context, name string, tags map[string]string) (string, error)
	DeleteKeyPair(ctx context.Context, name string) error

	// CreateSecurityGroup returns the new group's ID.
	CreateSecurityGroup(ctx context.Context, name, description string, tags map[string]string) (string, error)
	AuthorizeIngress(ctx context.Context, groupID string, rule IngressRule) error
	DeleteSecurityGroup(ctx context.Context, name string) error

	// RunInstance launches exactly one instance and returns its ID.
	RunInstance(ctx context.Context, spec LaunchSpec) (string, error)
	DescribeInstance(ctx context.Context, instanceID string) (*Instance, error)
	// ListInstances returns every instance visible to the account, terminated ones included.
	ListInstances(ctx context.Context) ([]Instance, error)
	CreateTags(ctx context.Context, instanceID string, tags map[string]string) error

	TerminateInstance(ctx context.Context, instanceID string) error
	StopInstances(ctx context.Context, instanceIDs []string, force bool) error
}

// Live drops terminated instances.
func Live(instances []Instance) []Instance {
	return filterState(instances, func(state string) bool {
		return state != StateTerminated
	})
}

// Stoppable keeps pending and running instances. EC2 rejects a whole
// StopInstances batch if any id is already stopping or shutting down.
func Stoppable(instances []Instance) []Instance {
	return filterState(instances, func(state string) bool {
		return state == StatePending || state == StateRunning
	})
}

func filterState(instances []Instance, keep func(state string) bool) []Instance {
	kept := make([]Instance, 0, len(instances))
	for _, inst := range instances {
		if keep(inst.State) {
			kept = append(kept, inst)
		}
	}
	return kept
}
