package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const (
	dirMode  = 0o700
	fileMode = 0o600
)

// Store manages the ~/.popup tree: key files, manifest records and ssh configs.
type Store struct {
	root string
}

// New returns a Store rooted at <home>/.popup.
func New(home string) *Store {
	return &Store{root: filepath.Join(home, ".popup")}
}

// Root returns the .popup directory.
func (s *Store) Root() string { return s.root }

func (s *Store) keysDir() string       { return filepath.Join(s.root, "keys") }
func (s *Store) manifestsDir() string  { return filepath.Join(s.root, "manifests") }
func (s *Store) sshConfigsDir() string { return filepath.Join(s.root, "config", "ssh_configs") }
func (s *Store) sshControlDir() string { return filepath.Join(s.root, "config", "ssh_control") }

// EnsureLayout creates the directory tree.
func (s *Store) EnsureLayout() error {
	for _, dir := range []string{s.keysDir(), s.manifestsDir(), s.sshConfigsDir(), s.sshControlDir()} {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// KeyFileName is the file name holding a key pair's private key.
func KeyFileName(name string) string {
	return name + ".pem"
}

// RecordName is the manifest file name for a popup.
func RecordName(date, host, tag string) string {
	return fmt.Sprintf("%s-%s-%s", date, host, tag)
}

// KeyPath returns the absolute path of a key pair's private key.
func (s *Store) KeyPath(name string) string {
	return filepath.Join(s.keysDir(), KeyFileName(name))
}

// RecordPath returns the absolute path of a manifest record.
func (s *Store) RecordPath(record string) string {
	return filepath.Join(s.manifestsDir(), record)
}

// ArtifactDir is where files fetched from a popup are stored.
func (s *Store) ArtifactDir(tag string) string {
	return filepath.Join(s.root, "config", tag)
}

// WriteKey writes key material to keys/<name>.pem with mode 0600.
func (s *Store) WriteKey(name, material string) (string, error) {
	path := s.KeyPath(name)
	if err := writePrivate(path, material); err != nil {
		return "", fmt.Errorf("failed to write key file: %w", err)
	}
	return path, nil
}

// WriteRecord writes the manifest record, whose content is the key material.
func (s *Store) WriteRecord(date, host, tag, material string) (string, error) {
	path := s.RecordPath(RecordName(date, host, tag))
	if err := writePrivate(path, material); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	return path, nil
}

// RemoveKey deletes keys/<name>.pem.
func (s *Store) RemoveKey(name string) error {
	return os.Remove(s.KeyPath(name))
}

// RemoveRecord deletes a manifest record. When record does not exist (a
// stopped instance has no public hostname, so the name cannot be rebuilt)
// any record ending in -<tag> is removed instead.
func (s *Store) RemoveRecord(record, tag string) error {
	err := fs.ErrNotExist
	if record != "" {
		err = os.Remove(s.RecordPath(record))
		if err == nil || !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	matches, globErr := filepath.Glob(filepath.Join(s.manifestsDir(), "*-"+tag))
	if globErr != nil {
		return globErr
	}
	if len(matches) == 0 {
		return err
	}
	for _, m := range matches {
		if rmErr := os.Remove(m); rmErr != nil {
			return rmErr
		}
	}
	return nil
}

// Records lists manifest file names.
func (s *Store) Records() ([]string, error) {
	entries, err := os.ReadDir(s.manifestsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Fingerprint parses PEM key material and returns its SHA256 public key fingerprint.
func Fingerprint(material string) (string, error) {
	signer, err := ssh.ParsePrivateKey([]byte(material))
	if err != nil {
		return "", fmt.Errorf("failed to parse key material: %w", err)
	}
	return ssh.FingerprintSHA256(signer.PublicKey()), nil
}

func writePrivate(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), fileMode); err != nil {
		return err
	}
	// WriteFile leaves an existing file's mode alone
	return os.Chmod(path, fileMode)
}
