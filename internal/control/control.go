package control

import (
	"context"
	"time"
)

// Controller runs commands on, and copies files from, a popup instance
type Controller interface {
	// Run executes a command on the remote host. Cancelling ctx kills the
	// remote session.
	Run(ctx context.Context, command string) error

	// Fetch copies a remote file or directory to localPath using SFTP.
	Fetch(remotePath, localPath string) error

	// Close closes the connection
	Close() error
}

// Config defines how to reach a popup over SSH
type Config struct {
	Host           string
	User           string
	PrivateKeyPath string
	// Timeout bounds how long to wait for port 22 to open after boot.
	Timeout    time.Duration
	SSHTimeout time.Duration
	PopupID    string
}

// Factory creates controllers; tests substitute their own.
type Factory func(ctx context.Context, config Config) (Controller, error)

// NewController opens an SSH controller
func NewController(ctx context.Context, config Config) (Controller, error) {
	return NewSSH(ctx, config)
}
