package provisioning

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"popup/internal/config"
	"popup/internal/control"
	"popup/internal/logging"

	"go.uber.org/zap"
)

// Bootstrap runs setup commands on a fresh popup and fetches the files it produced
type Bootstrap struct {
	User     string
	Commands []string
	Fetch    []string
	// Timeout bounds the wait for SSH to come up after the instance is running.
	Timeout time.Duration
	Connect control.Factory
}

// NewBootstrap builds a Bootstrap from config, or returns nil when there is nothing to do.
func NewBootstrap(cfg config.BootstrapConfig) *Bootstrap {
	if !cfg.Enabled() {
		return nil
	}
	return &Bootstrap{
		User:     cfg.User,
		Commands: cfg.SetupCommands,
		Fetch:    cfg.Fetch,
		Timeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
		Connect:  control.NewController,
	}
}

// Run connects to host with the popup key, runs every command in order and
// copies each fetch path into destDir. It returns the local paths written.
func (b *Bootstrap) Run(ctx context.Context, host, keyPath, popupID, destDir string) ([]string, error) {
	connect := b.Connect
	if connect == nil {
		connect = control.NewController
	}

	ctrl, err := connect(ctx, control.Config{
		Host:           host,
		User:           b.User,
		PrivateKeyPath: keyPath,
		Timeout:        b.Timeout,
		SSHTimeout:     30 * time.Second,
		PopupID:        popupID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", host, err)
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			logging.Logger().Warn("Failed to close controller", zap.String("host", host), zap.Error(err))
		}
	}()

	for i, cmd := range b.Commands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logging.Logger().Info("Running setup command",
			zap.String("popup_id", popupID),
			zap.Int("step", i+1),
			zap.Int("total", len(b.Commands)),
			zap.String("command", logging.Truncate(cmd)))
		if err := ctrl.Run(ctx, cmd); err != nil {
			return nil, fmt.Errorf("setup command %d failed: %w", i+1, err)
		}
	}

	var fetched []string
	for _, remote := range b.Fetch {
		if err := ctx.Err(); err != nil {
			return fetched, err
		}
		local := filepath.Join(destDir, path.Base(remote))
		if err := ctrl.Fetch(remote, local); err != nil {
			return fetched, fmt.Errorf("failed to fetch %s: %w", remote, err)
		}
		fetched = append(fetched, local)
	}

	return fetched, nil
}
