package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// ErrMissingCredentials is returned when the AWS credential variables are unset.
var ErrMissingCredentials = errors.New("missing AWS credentials")

const (
	DefaultRegion            = "us-east-1"
	DefaultLoginUser         = "ubuntu"
	DefaultBootInterval      = 30
	DefaultTerminateInterval = 10
)

// Config contains application configuration
type Config struct {
	// Credentials are only ever read from the environment.
	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`

	Region   string `yaml:"region"`
	Identity string `yaml:"identity"`

	// Home is the directory holding the .popup tree.
	Home string `yaml:"home"`

	// Sizes extends or overrides the built-in micro/small table.
	Sizes map[string]SizeConfig `yaml:"sizes"`

	Polling   PollingConfig   `yaml:"polling"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Etcd      EtcdConfig      `yaml:"etcd"`
}

// SizeConfig maps a size name to a machine type and image.
type SizeConfig struct {
	InstanceType string `yaml:"instance_type"`
	ImageID      string `yaml:"image_id"`
}

// PollingConfig holds the fixed state polling intervals, in seconds.
type PollingConfig struct {
	BootIntervalSeconds      int `yaml:"boot_interval_seconds"`
	TerminateIntervalSeconds int `yaml:"terminate_interval_seconds"`
}

// BootstrapConfig describes the optional post-create setup over SSH.
type BootstrapConfig struct {
	User           string   `yaml:"user"`
	SetupCommands  []string `yaml:"setup_commands"`
	Fetch          []string `yaml:"fetch"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Enabled reports whether anything has to run after the instance is up.
func (b BootstrapConfig) Enabled() bool {
	return len(b.SetupCommands) > 0 || len(b.Fetch) > 0
}

// EtcdConfig holds etcd endpoints used to back up key material.
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
}

// DefaultIdentity returns IAM_ID, falling back to USER and then the OS account.
func DefaultIdentity() string {
	if id := os.Getenv("IAM_ID"); id != "" {
		return id
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

// Path returns the config file location: POPUP_CONFIG or ~/.popup/config.yaml.
func Path() string {
	if p := os.Getenv("POPUP_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "popup.yaml"
	}
	return filepath.Join(home, ".popup", "config.yaml")
}

// Load loads configuration from the YAML file (if present) and the environment.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile is Load with an explicit config file path. A missing file is not an error.
func LoadFile(configPath string) (*Config, error) {
	config := &Config{
		Region: DefaultRegion,
		Polling: PollingConfig{
			BootIntervalSeconds:      DefaultBootInterval,
			TerminateIntervalSeconds: DefaultTerminateInterval,
		},
		Bootstrap: BootstrapConfig{
			User:           DefaultLoginUser,
			TimeoutSeconds: 300,
		},
	}

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.Region = os.ExpandEnv(config.Region)
	config.Identity = os.ExpandEnv(config.Identity)
	config.Home = os.ExpandEnv(config.Home)
	for i, cmd := range config.Bootstrap.SetupCommands {
		config.Bootstrap.SetupCommands[i] = os.ExpandEnv(cmd)
	}
	for i, ep := range config.Etcd.Endpoints {
		config.Etcd.Endpoints[i] = os.ExpandEnv(ep)
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		config.Region = region
	} else if region := os.Getenv("AWS_DEFAULT_REGION"); region != "" {
		config.Region = region
	}

	// IAM_ID wins over the file, then USER and the OS account fill a blank identity
	if id := os.Getenv("IAM_ID"); id != "" {
		config.Identity = id
	} else if config.Identity == "" {
		config.Identity = DefaultIdentity()
	}

	if config.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		config.Home = home
	}

	if config.Polling.BootIntervalSeconds <= 0 {
		config.Polling.BootIntervalSeconds = DefaultBootInterval
	}
	if config.Polling.TerminateIntervalSeconds <= 0 {
		config.Polling.TerminateIntervalSeconds = DefaultTerminateInterval
	}
	if config.Bootstrap.User == "" {
		config.Bootstrap.User = DefaultLoginUser
	}

	for name, size := range config.Sizes {
		if size.InstanceType == "" || size.ImageID == "" {
			return nil, fmt.Errorf("size %q needs both instance_type and image_id", name)
		}
	}

	config.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	if config.AccessKeyID == "" {
		return nil, fmt.Errorf("%w: AWS_ACCESS_KEY_ID is not set", ErrMissingCredentials)
	}
	config.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	if config.SecretAccessKey == "" {
		return nil, fmt.Errorf("%w: AWS_SECRET_ACCESS_KEY is not set", ErrMissingCredentials)
	}

	return config, nil
}
