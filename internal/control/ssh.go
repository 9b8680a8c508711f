package control

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"popup/internal/logging"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	sshPort = "22"

	// sshPollInterval is the pause between attempts to reach port 22
	sshPollInterval = 10 * time.Second
	dialTimeout     = 5 * time.Second
)

// SSH is a controller backed by an SSH connection and an SFTP session on top of it
type SSH struct {
	client     *ssh.Client
	sftpClient *sftp.Client
	host       string
	user       string
	popupID    string
}

// escapeNewlines keeps multi-line remote output on one log line
func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

// safeClose closes a resource and logs any error
func safeClose(name string, closer func() error) {
	if err := closer(); err != nil {
		logging.Logger().Warn("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}

// NewSSH waits for the host's SSH port, then connects with the popup key.
// Cancelling ctx aborts both the wait and the handshake.
func NewSSH(ctx context.Context, config Config) (*SSH, error) {
	if config.PrivateKeyPath == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	signer, err := loadPrivateKeyFromFile(config.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	if err := waitForSSH(ctx, config.Host, config.Timeout); err != nil {
		return nil, fmt.Errorf("SSH not available: %w", err)
	}

	clientConfig := &ssh.ClientConfig{
		User: config.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		// Fresh instance, host key unknown until first contact
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         config.SSHTimeout,
	}

	client, err := dialSSH(ctx, net.JoinHostPort(config.Host, sshPort), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}

	logging.Logger().Info("SSH connection established",
		zap.String("user", config.User),
		zap.String("host", config.Host),
		zap.String("popup_id", config.PopupID))

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		safeClose("SSH client", client.Close)
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	return &SSH{
		client:     client,
		sftpClient: sftpClient,
		host:       config.Host,
		user:       config.User,
		popupID:    config.PopupID,
	}, nil
}

// dialSSH opens the TCP connection with ctx and runs the SSH handshake on it.
// The connection is closed if ctx ends before the handshake completes.
func dialSSH(ctx context.Context, addr string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := &net.Dialer{Timeout: clientConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if !stop() {
		if err == nil {
			safeClose("SSH connection", c.Close)
		}
		return nil, ctx.Err()
	}
	if err != nil {
		safeClose("TCP connection", conn.Close)
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Close closes the SFTP and SSH connections
func (s *SSH) Close() error {
	if s.sftpClient != nil {
		safeClose("SFTP client", s.sftpClient.Close)
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Run executes a command on the remote host
func (s *SSH) Run(ctx context.Context, command string) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer safeClose("SSH session", session.Close)

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	stop := context.AfterFunc(ctx, func() {
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
	})
	err = session.Run(command)
	if !stop() {
		err = ctx.Err()
	}

	logging.Logger().Info("Command executed",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("popup_id", s.popupID),
		zap.String("stdout", escapeNewlines(logging.Truncate(stdout.String()))),
		zap.String("stderr", escapeNewlines(logging.Truncate(stderr.String()))),
		zap.Bool("success", err == nil))

	if err != nil {
		return fmt.Errorf("command %q failed: %w", logging.TruncateN(command, 80), err)
	}
	return nil
}

// Fetch copies a file or directory from the remote host
func (s *SSH) Fetch(remotePath, localPath string) error {
	info, err := s.sftpClient.Stat(remotePath)
	if err != nil {
		return fmt.Errorf("failed to stat remote path %s: %w", remotePath, err)
	}

	if info.IsDir() {
		return s.fetchDirectory(remotePath, localPath)
	}

	n, err := s.copyFile(remotePath, localPath, info.Mode())
	if err != nil {
		return err
	}
	logging.Logger().Info("Fetched file",
		zap.String("remote_path", remotePath),
		zap.String("local_path", localPath),
		zap.String("popup_id", s.popupID),
		zap.Int64("size_bytes", n))
	return nil
}

// copyFile copies a single remote file, keeping its permission bits
func (s *SSH) copyFile(remotePath, localPath string, mode os.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o700); err != nil {
		return 0, fmt.Errorf("failed to create local directory: %w", err)
	}

	remoteFile, err := s.sftpClient.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open remote file: %w", err)
	}
	defer safeClose("remote file", remoteFile.Close)

	localFile, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create local file: %w", err)
	}
	defer safeClose("local file", localFile.Close)

	n, err := localFile.ReadFrom(remoteFile)
	if err != nil {
		return 0, fmt.Errorf("failed to copy file content: %w", err)
	}

	// VPN profiles carry secrets: never widen beyond owner access
	if err := os.Chmod(localPath, mode.Perm()&0o700); err != nil {
		logging.Logger().Warn("failed to set file permissions",
			zap.String("path", localPath),
			zap.Error(err))
	}
	return n, nil
}

// fetchDirectory walks a remote directory and copies every file under it
func (s *SSH) fetchDirectory(remotePath, localPath string) error {
	if err := os.MkdirAll(localPath, 0o700); err != nil {
		return fmt.Errorf("failed to create local directory: %w", err)
	}

	var files, total int64
	walker := s.sftpClient.Walk(remotePath)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return fmt.Errorf("failed to walk remote directory: %w", err)
		}

		rel, err := filepath.Rel(remotePath, walker.Path())
		if err != nil {
			return fmt.Errorf("failed to calculate relative path: %w", err)
		}
		if rel == "." {
			continue
		}

		target := filepath.Join(localPath, rel)
		info := walker.Stat()
		if info.IsDir() {
			if err := os.MkdirAll(target, 0o700); err != nil {
				return fmt.Errorf("failed to create local directory: %w", err)
			}
			continue
		}

		n, err := s.copyFile(walker.Path(), target, info.Mode())
		if err != nil {
			return err
		}
		files++
		total += n
	}

	logging.Logger().Info("Fetched directory",
		zap.String("remote_path", remotePath),
		zap.String("local_path", localPath),
		zap.String("popup_id", s.popupID),
		zap.Int64("files", files),
		zap.Int64("total_bytes", total))
	return nil
}

// waitForSSH polls port 22 every sshPollInterval until it accepts
// connections, timeout passes or ctx is cancelled. The wait never runs
// past timeout.
func waitForSSH(ctx context.Context, host string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(host, sshPort)
	dialer := &net.Dialer{Timeout: dialTimeout}
	for {
		conn, err := dialer.DialContext(waitCtx, "tcp", addr)
		if err == nil {
			safeClose("port check", conn.Close)
			return nil
		}

		timer := time.NewTimer(sshPollInterval)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("waiting for port %s on %s: %w", sshPort, host, ctxErr)
			}
			return fmt.Errorf("port %s on %s not open after %v: %w", sshPort, host, timeout, err)
		case <-timer.C:
		}
	}
}

// loadPrivateKeyFromFile reads a PEM private key into a signer
func loadPrivateKeyFromFile(path string) (ssh.Signer, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}
