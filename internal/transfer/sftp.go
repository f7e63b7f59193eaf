package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPConfig describes an SFTP backup target.
type SFTPConfig struct {
	Host           string `yaml:"host" json:"host"`
	Port           int    `yaml:"port" json:"port"`
	Username       string `yaml:"username" json:"username"`
	Password       string `yaml:"password,omitempty" json:"password,omitempty"`
	PrivateKeyPath string `yaml:"private_key_path,omitempty" json:"private_key_path,omitempty"`
	// HostKey is a base64-encoded expected host key. When set it pins the
	// server identity; otherwise KnownHostsFile is consulted.
	HostKey        string `yaml:"host_key,omitempty" json:"host_key,omitempty"`
	KnownHostsFile string `yaml:"known_hosts_file,omitempty" json:"known_hosts_file,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty" json:"connect_timeout,omitempty"`
}

// SFTPRemote implements Remote over an SSH connection.
type SFTPRemote struct {
	conn   *ssh.Client
	client *sftp.Client
	logger zerolog.Logger
}

// NewSFTPRemote dials the target and opens an SFTP session. A rejected
// credential or unverifiable host key surfaces as ErrAuthFailed.
func NewSFTPRemote(cfg SFTPConfig, logger zerolog.Logger) (*SFTPRemote, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	authMethods, err := cfg.authMethods()
	if err != nil {
		return nil, err
	}
	hostKeyCallback, err := cfg.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.ConnectTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "host key") {
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("open sftp session: %w", err)
	}

	return &SFTPRemote{
		conn:   sshClient,
		client: client,
		logger: logger.With().Str("component", "sftp").Str("host", cfg.Host).Logger(),
	}, nil
}

func (cfg SFTPConfig) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if cfg.PrivateKeyPath != "" {
		keyData, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no password or private key configured", ErrAuthFailed)
	}
	return methods, nil
}

func (cfg SFTPConfig) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if cfg.HostKey != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.HostKey)
		if err != nil {
			return nil, fmt.Errorf("decode host key: %w", err)
		}
		expected, err := ssh.ParsePublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse host key: %w", err)
		}
		return ssh.FixedHostKey(expected), nil
	}
	if cfg.KnownHostsFile != "" {
		callback, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		return callback, nil
	}
	return nil, fmt.Errorf("%w: no host key or known_hosts file configured", ErrAuthFailed)
}

// FetchHostKey connects to the target and captures its host key for
// pinning. The returned string goes into SFTPConfig.HostKey after the
// operator approves it.
func FetchHostKey(host string, port int) (string, error) {
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	var captured ssh.PublicKey
	cfg := &ssh.ClientConfig{
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			captured = key
			return nil
		},
		Timeout: 10 * time.Second,
	}
	// The handshake fails on auth, but by then the key is captured.
	_, _, _, _ = ssh.NewClientConn(conn, addr, cfg)
	if captured == nil {
		return "", fmt.Errorf("no host key received from %s", addr)
	}
	return base64.StdEncoding.EncodeToString(captured.Marshal()), nil
}

// EnsureDirectory creates path and any missing parents. Idempotent.
func (r *SFTPRemote) EnsureDirectory(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parts := strings.Split(path.Clean(remotePath), "/")
	current := ""
	for _, part := range parts {
		if part == "" {
			current = "/"
			continue
		}
		current = path.Join(current, part)
		if err := r.client.Mkdir(current); err != nil {
			if info, statErr := r.client.Stat(current); statErr == nil && info.IsDir() {
				continue
			}
			return fmt.Errorf("mkdir %s: %w", current, err)
		}
	}
	return nil
}

func (r *SFTPRemote) UploadTree(ctx context.Context, localDir, remoteDir string) error {
	if err := r.EnsureDirectory(ctx, remoteDir); err != nil {
		return err
	}
	return filepath.Walk(localDir, func(localPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, localPath)
		if err != nil {
			return err
		}
		target := path.Join(remoteDir, filepath.ToSlash(rel))
		if info.IsDir() {
			if rel == "." {
				return nil
			}
			return r.EnsureDirectory(ctx, target)
		}
		return r.uploadFile(localPath, target)
	})
}

func (r *SFTPRemote) uploadFile(localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := r.client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote %s: %w", remotePath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("upload %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote %s: %w", remotePath, err)
	}
	return nil
}

func (r *SFTPRemote) DownloadTree(ctx context.Context, remoteDir, localDir string) error {
	walker := r.client.Walk(remoteDir)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := walker.Err(); err != nil {
			return fmt.Errorf("walk %s: %w", remoteDir, err)
		}
		rel, err := filepath.Rel(remoteDir, walker.Path())
		if err != nil {
			return err
		}
		target := filepath.Join(localDir, rel)
		if walker.Stat().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			continue
		}
		if err := r.downloadFile(walker.Path(), target); err != nil {
			return err
		}
	}
	return nil
}

func (r *SFTPRemote) downloadFile(remotePath, localPath string) error {
	src, err := r.client.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", localPath, err)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("download %s: %w", remotePath, err)
	}
	return dst.Close()
}

func (r *SFTPRemote) List(ctx context.Context, remotePath string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := r.client.ReadDir(remotePath)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", remotePath, err)
	}
	out := make([]Entry, 0, len(infos))
	for _, info := range infos {
		out = append(out, Entry{Name: info.Name(), Size: info.Size(), IsDir: info.IsDir()})
	}
	return out, nil
}

func (r *SFTPRemote) Delete(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := r.client.Stat(remotePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", remotePath, err)
	}
	if !info.IsDir() {
		if err := r.client.Remove(remotePath); err != nil {
			return fmt.Errorf("remove %s: %w", remotePath, err)
		}
		return nil
	}
	entries, err := r.client.ReadDir(remotePath)
	if err != nil {
		return fmt.Errorf("list %s: %w", remotePath, err)
	}
	for _, e := range entries {
		if err := r.Delete(ctx, path.Join(remotePath, e.Name())); err != nil {
			return err
		}
	}
	if err := r.client.RemoveDirectory(remotePath); err != nil {
		return fmt.Errorf("remove dir %s: %w", remotePath, err)
	}
	return nil
}

func (r *SFTPRemote) StatSize(ctx context.Context, remotePath string) (int64, error) {
	var total int64
	walker := r.client.Walk(remotePath)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := walker.Err(); err != nil {
			return 0, fmt.Errorf("walk %s: %w", remotePath, err)
		}
		if !walker.Stat().IsDir() {
			total += walker.Stat().Size()
		}
	}
	return total, nil
}

func (r *SFTPRemote) Close() error {
	if err := r.client.Close(); err != nil {
		r.conn.Close()
		return err
	}
	return r.conn.Close()
}
