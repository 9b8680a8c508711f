package provisioning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"popup/internal/cloud"
	"popup/internal/config"
	"popup/internal/keystore"
	"popup/internal/logging"
	"popup/internal/manifest"

	"go.uber.org/zap"
)

// ErrNotRunning is returned when a launched instance leaves pending for a state other than running.
var ErrNotRunning = errors.New("instance did not reach running state")

// Tag keys written on every popup instance.
const (
	TagOwner     = "owner"
	TagPopupID   = "popup_id"
	TagStartDate = "start_date"
	TagClient    = "client"
)

// Options are the per-invocation inputs of Create
type Options struct {
	Identity string
	Size     string
	Client   string
	// Lifetime in hours before the instance powers itself off; 0 disables.
	Lifetime int
}

// Result describes a created popup
type Result struct {
	PopupID          string
	Name             string
	InstanceID       string
	PublicDNS        string
	KeyPath          string
	Fingerprint      string
	RecordPath       string
	SSHConfigPath    string
	Artifacts        []string
	ConnectionString string
}

// Provisioner creates popups: key pair, security group, instance, tags and local manifest
type Provisioner struct {
	Client       cloud.Client
	Store        *manifest.Store
	Backup       keystore.Backup
	Sizes        map[string]Size
	BootInterval time.Duration
	LoginUser    string
	// Bootstrap is optional; nil skips the SSH setup step.
	Bootstrap *Bootstrap
	// Out receives the user-facing progress dots.
	Out io.Writer

	Now    func() time.Time
	NewTag func() string
}

// NewProvisioner wires a Provisioner from configuration
func NewProvisioner(client cloud.Client, store *manifest.Store, backup keystore.Backup, cfg *config.Config, out io.Writer) *Provisioner {
	return &Provisioner{
		Client:       client,
		Store:        store,
		Backup:       backup,
		Sizes:        SizeTable(cfg.Sizes),
		BootInterval: time.Duration(cfg.Polling.BootIntervalSeconds) * time.Second,
		LoginUser:    cfg.Bootstrap.User,
		Bootstrap:    NewBootstrap(cfg.Bootstrap),
		Out:          out,
		Now:          time.Now,
		NewTag:       NewTag,
	}
}

func (p *Provisioner) out() io.Writer {
	if p.Out == nil {
		return io.Discard
	}
	return p.Out
}

// Create provisions one popup. Nothing is rolled back on failure: resources
// created before the failing step stay in place.
func (p *Provisioner) Create(ctx context.Context, opts Options) (*Result, error) {
	if opts.Identity == "" {
		return nil, fmt.Errorf("identity is required")
	}

	size, err := ResolveSize(p.Sizes, opts.Size)
	if err != nil {
		return nil, err
	}

	now := p.now()
	date := DateStamp(now)
	tag := p.newTag()
	name := GroupName(opts.Identity, tag)
	loginUser := p.LoginUser
	if loginUser == "" {
		loginUser = config.DefaultLoginUser
	}

	log := logging.Logger().With(zap.String("popup_id", tag), zap.String("name", name))
	log.Info("Creating popup",
		zap.String("owner", opts.Identity),
		zap.String("size", opts.Size),
		zap.String("instance_type", size.InstanceType),
		zap.String("image_id", size.ImageID),
		zap.Int("lifetime_hours", opts.Lifetime))

	if err := p.Store.EnsureLayout(); err != nil {
		return nil, err
	}

	resourceTags := map[string]string{TagOwner: opts.Identity, TagPopupID: tag}
	result := &Result{PopupID: tag, Name: name}

	material, err := p.Client.CreateKeyPair(ctx, name, resourceTags)
	if err != nil {
		return nil, fmt.Errorf("create key pair: %w", err)
	}
	if result.KeyPath, err = p.Store.WriteKey(name, material); err != nil {
		return nil, err
	}
	if fp, err := manifest.Fingerprint(material); err != nil {
		log.Warn("Could not fingerprint key material", zap.Error(err))
	} else {
		result.Fingerprint = fp
	}
	if p.Backup != nil {
		if err := p.Backup.Save(ctx, name, material); err != nil {
			log.Warn("Failed to back up key material", zap.Error(err))
		}
	}
	log.Info("Key pair created", zap.String("key_path", result.KeyPath), zap.String("fingerprint", result.Fingerprint))

	description := fmt.Sprintf("Popup OpenVPN for %s (%s)", opts.Identity, date)
	groupID, err := p.Client.CreateSecurityGroup(ctx, name, description, resourceTags)
	if err != nil {
		return nil, fmt.Errorf("create security group: %w", err)
	}
	for _, rule := range IngressRules() {
		if err := p.Client.AuthorizeIngress(ctx, groupID, rule); err != nil {
			return nil, fmt.Errorf("authorize %s %d-%d: %w", rule.Protocol, rule.FromPort, rule.ToPort, err)
		}
	}
	log.Info("Security group created", zap.String("group_id", groupID))

	userData, err := GenerateCloudConfig(tag, opts.Lifetime)
	if err != nil {
		return nil, err
	}
	instanceID, err := p.Client.RunInstance(ctx, cloud.LaunchSpec{
		Name:            name,
		ImageID:         size.ImageID,
		InstanceType:    size.InstanceType,
		KeyName:         name,
		SecurityGroupID: groupID,
		UserData:        userData,
		StopOnShutdown:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("launch instance: %w", err)
	}
	result.InstanceID = instanceID
	log.Info("Instance launched", zap.String("instance_id", instanceID))

	fmt.Fprintln(p.out(), "...pending")
	inst, err := WaitWhile(ctx, p.Client, instanceID, cloud.StatePending, p.bootInterval(), p.out())
	fmt.Fprintln(p.out())
	if err != nil {
		return nil, err
	}
	if inst.State != cloud.StateRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, instanceID, inst.State)
	}
	result.PublicDNS = inst.PublicDNS

	instanceTags := map[string]string{
		TagPopupID:   tag,
		TagStartDate: date,
		TagOwner:     opts.Identity,
	}
	if opts.Client != "" {
		instanceTags[TagClient] = opts.Client
	}
	if err := p.Client.CreateTags(ctx, instanceID, instanceTags); err != nil {
		return nil, fmt.Errorf("tag instance: %w", err)
	}

	if result.RecordPath, err = p.Store.WriteRecord(date, inst.PublicDNS, tag, material); err != nil {
		return nil, err
	}
	if result.SSHConfigPath, err = p.Store.WriteSSHConfig(inst.PublicDNS, result.KeyPath, loginUser); err != nil {
		return nil, err
	}

	if p.Bootstrap != nil {
		log.Info("Bootstrapping popup", zap.String("host", inst.PublicDNS))
		artifacts, err := p.Bootstrap.Run(ctx, inst.PublicDNS, result.KeyPath, tag, p.Store.ArtifactDir(tag))
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		result.Artifacts = artifacts
	}

	result.ConnectionString = ConnectionString(result.KeyPath, loginUser, inst.PublicDNS)
	log.Info("Popup ready",
		zap.String("instance_id", instanceID),
		zap.String("host", inst.PublicDNS),
		zap.Strings("artifacts", result.Artifacts))
	return result, nil
}

func (p *Provisioner) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p *Provisioner) newTag() string {
	if p.NewTag == nil {
		return NewTag()
	}
	return p.NewTag()
}

func (p *Provisioner) bootInterval() time.Duration {
	if p.BootInterval <= 0 {
		return time.Duration(config.DefaultBootInterval) * time.Second
	}
	return p.BootInterval
}
