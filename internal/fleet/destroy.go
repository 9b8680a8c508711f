package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"popup/internal/cloud"
	"popup/internal/config"
	"popup/internal/keystore"
	"popup/internal/logging"
	"popup/internal/manifest"
	"popup/internal/provisioning"

	"go.uber.org/zap"
)

// Destroyer terminates popups and removes everything created with them
type Destroyer struct {
	Client            cloud.Client
	Store             *manifest.Store
	Backup            keystore.Backup
	Identity          string
	TerminateInterval time.Duration
	Out               io.Writer
}

// Destroy terminates every selected popup, waits for each to reach
// terminated, then deletes its security group, key pair and local files.
// Remote errors stop the run immediately; local files already gone are
// only logged.
func (d *Destroyer) Destroy(ctx context.Context, sel Selector) ([]Match, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	instances, err := d.Client.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	matches := Gather(cloud.Live(instances), d.Identity, sel)
	out := writer(d.Out)

	fmt.Fprintf(out, "Terminating %v\n", InstanceIDs(matches))
	for _, m := range matches {
		logging.Logger().Info("Terminating popup", zap.String("instance_id", m.InstanceID), zap.String("popup_id", m.Tag))
		if err := d.Client.TerminateInstance(ctx, m.InstanceID); err != nil {
			return nil, fmt.Errorf("terminate %s: %w", m.InstanceID, err)
		}
		fmt.Fprintf(out, "...waiting for instance %s to terminate\n", m.InstanceID)
		_, err := provisioning.WaitFor(ctx, d.Client, m.InstanceID, cloud.StateTerminated, d.interval(), out)
		fmt.Fprintln(out)
		if err != nil {
			return nil, err
		}
	}

	for _, m := range matches {
		name := provisioning.GroupName(d.Identity, m.Tag)

		fmt.Fprintln(out, "...delete security group")
		if err := d.Client.DeleteSecurityGroup(ctx, name); err != nil {
			return nil, fmt.Errorf("delete security group %s: %w", name, err)
		}

		fmt.Fprintln(out, "...delete keypair")
		if err := d.Client.DeleteKeyPair(ctx, name); err != nil {
			return nil, fmt.Errorf("delete key pair %s: %w", name, err)
		}
		if d.Backup != nil {
			if err := d.Backup.Delete(ctx, name); err != nil {
				logging.Logger().Warn("Failed to remove key backup", zap.String("name", name), zap.Error(err))
			}
		}

		fmt.Fprintln(out, "...cleanup local manifest and key")
		if err := d.cleanupLocal(name, m); err != nil {
			return nil, err
		}
	}

	return matches, nil
}

func (d *Destroyer) cleanupLocal(name string, m Match) error {
	if err := missingOK(d.Store.RemoveKey(name)); err != nil {
		return fmt.Errorf("remove key file: %w", err)
	}

	if err := missingOK(d.Store.RemoveRecord(m.Manifest, m.Tag)); err != nil {
		return fmt.Errorf("remove manifest: %w", err)
	}

	if m.Host != "" {
		if err := missingOK(d.Store.RemoveSSHConfig(m.Host)); err != nil {
			return fmt.Errorf("remove ssh config: %w", err)
		}
	}
	return nil
}

// missingOK logs a missing local file and swallows the error.
func missingOK(err error) error {
	if err != nil && errors.Is(err, os.ErrNotExist) {
		logging.Logger().Warn("Local file already removed", zap.Error(err))
		return nil
	}
	return err
}

func (d *Destroyer) interval() time.Duration {
	if d.TerminateInterval <= 0 {
		return time.Duration(config.DefaultTerminateInterval) * time.Second
	}
	return d.TerminateInterval
}

func writer(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
