package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"popup/internal/logging"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keysPrefix = "/popup/keys"

// Backup mirrors popup key material somewhere other than the local disk
type Backup interface {
	// Save stores the key material for a key pair name
	Save(ctx context.Context, name, material string) error
	// Load returns previously saved material
	Load(ctx context.Context, name string) (string, bool, error)
	// Delete removes the key material
	Delete(ctx context.Context, name string) error
	// Close closes any connections
	Close() error
}

// kv is the part of the etcd client used here.
type kv interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
}

// EtcdBackup stores key material in etcd
type EtcdBackup struct {
	client *clientv3.Client
	kv     kv
	now    func() time.Time
}

// storedKey is the JSON document stored per key pair
type storedKey struct {
	Material string    `json:"material"`
	SavedAt  time.Time `json:"saved_at"`
}

// NewEtcdBackup connects to etcd
func NewEtcdBackup(endpoints []string) (*EtcdBackup, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdBackup{client: cli, kv: cli, now: time.Now}, nil
}

func keyFor(name string) string {
	return path.Join(keysPrefix, name)
}

// Save puts the key material under /popup/keys/<name>
func (b *EtcdBackup) Save(ctx context.Context, name, material string) error {
	data, err := json.Marshal(storedKey{Material: material, SavedAt: b.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal key %s: %w", name, err)
	}
	if _, err := b.kv.Put(ctx, keyFor(name), string(data)); err != nil {
		return fmt.Errorf("failed to save key %s to etcd: %w", name, err)
	}
	return nil
}

// Load reads the key material back
func (b *EtcdBackup) Load(ctx context.Context, name string) (string, bool, error) {
	resp, err := b.kv.Get(ctx, keyFor(name))
	if err != nil {
		return "", false, fmt.Errorf("failed to get key %s from etcd: %w", name, err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	var stored storedKey
	if err := json.Unmarshal(resp.Kvs[0].Value, &stored); err != nil {
		return "", false, fmt.Errorf("failed to unmarshal key %s: %w", name, err)
	}
	return stored.Material, true, nil
}

// Delete removes the key material from etcd
func (b *EtcdBackup) Delete(ctx context.Context, name string) error {
	if _, err := b.kv.Delete(ctx, keyFor(name)); err != nil {
		return fmt.Errorf("failed to delete key %s from etcd: %w", name, err)
	}
	return nil
}

// Close closes the etcd client
func (b *EtcdBackup) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

// NewBackup returns an etcd backup when endpoints are configured and
// reachable. Otherwise it returns nil and the local key file remains the
// only copy.
func NewBackup(endpoints []string) Backup {
	if len(endpoints) == 0 {
		logging.Logger().Debug("No etcd endpoints configured, key backup disabled")
		return nil
	}

	backup, err := NewEtcdBackup(endpoints)
	if err != nil {
		logging.Logger().Warn("Failed to connect to etcd, key backup disabled", zap.Error(err))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := backup.kv.Get(ctx, keysPrefix+"/"); err != nil {
		logging.Logger().Warn("etcd connection test failed, key backup disabled", zap.Error(err))
		backup.Close()
		return nil
	}

	logging.Logger().Info("Backing up popup keys to etcd", zap.Strings("endpoints", endpoints))
	return backup
}
