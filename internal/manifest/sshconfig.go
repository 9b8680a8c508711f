package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

const sshConfigTemplate = `SendEnv LANG LC_* GIT_*
HashKnownHosts yes
GSSAPIAuthentication yes
GSSAPIDelegateCredentials no

Host {{.Host}}
	IdentityFile {{.KeyPath}}
	User {{.User}}
	ControlMaster auto
	ControlPath {{.ControlDir}}/%r@%h:%p
	ForwardAgent yes
`

// SSHConfigData represents the data for the per-host ssh config template
type SSHConfigData struct {
	Host       string
	KeyPath    string
	User       string
	ControlDir string
}

// RenderSSHConfig renders an ssh_config(5) fragment for one popup host.
func RenderSSHConfig(data SSHConfigData) (string, error) {
	tmpl, err := template.New("ssh-config").Parse(sshConfigTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse ssh config template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute ssh config template: %w", err)
	}
	return buf.String(), nil
}

// SSHConfigPath returns config/ssh_configs/<host>.
func (s *Store) SSHConfigPath(host string) string {
	return filepath.Join(s.sshConfigsDir(), host)
}

// WriteSSHConfig writes config/ssh_configs/<host>, usable with `ssh -F`.
func (s *Store) WriteSSHConfig(host, keyPath, user string) (string, error) {
	content, err := RenderSSHConfig(SSHConfigData{
		Host:       host,
		KeyPath:    keyPath,
		User:       user,
		ControlDir: s.sshControlDir(),
	})
	if err != nil {
		return "", err
	}
	path := s.SSHConfigPath(host)
	if err := writePrivate(path, content); err != nil {
		return "", fmt.Errorf("failed to write ssh config: %w", err)
	}
	return path, nil
}

// RemoveSSHConfig deletes config/ssh_configs/<host>.
func (s *Store) RemoveSSHConfig(host string) error {
	return os.Remove(s.SSHConfigPath(host))
}
