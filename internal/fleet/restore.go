package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"popup/internal/cloud"
	"popup/internal/keystore"
	"popup/internal/logging"
	"popup/internal/manifest"
	"popup/internal/provisioning"

	"go.uber.org/zap"
)

// RestoreKeys rewrites keys/<name>.pem from the backup for every owned
// instance whose local key file is missing. It returns the paths written.
// A nil backup restores nothing.
func RestoreKeys(ctx context.Context, store *manifest.Store, backup keystore.Backup, identity string, instances []cloud.Instance, out io.Writer) ([]string, error) {
	if backup == nil {
		return nil, nil
	}

	var restored []string
	for _, inst := range instances {
		if owner, ok := inst.Tag(provisioning.TagOwner); !ok || owner != identity {
			continue
		}
		tag, ok := inst.Tag(provisioning.TagPopupID)
		if !ok {
			continue
		}

		name := provisioning.GroupName(identity, tag)
		if _, err := os.Stat(store.KeyPath(name)); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return restored, fmt.Errorf("stat key file: %w", err)
		}

		material, found, err := backup.Load(ctx, name)
		if err != nil {
			return restored, fmt.Errorf("load key %s: %w", name, err)
		}
		if !found {
			logging.Logger().Debug("No backup for missing key", zap.String("name", name))
			continue
		}

		if err := store.EnsureLayout(); err != nil {
			return restored, err
		}
		path, err := store.WriteKey(name, material)
		if err != nil {
			return restored, err
		}
		fmt.Fprintf(writer(out), "Restored key %s\n", path)
		logging.Logger().Info("Restored key from backup", zap.String("name", name), zap.String("key_path", path))
		restored = append(restored, path)
	}
	return restored, nil
}
