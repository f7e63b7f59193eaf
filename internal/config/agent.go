// Package config provides configuration for the agent and the server.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/linwinbackup/linwin/internal/transfer"
)

// ErrServerNotAuthorized is returned when the configured server URL does
// not match the authorized-servers allow list.
var ErrServerNotAuthorized = errors.New("server not authorized")

// DefaultConfigDir returns the default config directory (~/.linwin).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".linwin"), nil
}

// DefaultConfigPath returns the default config file path (~/.linwin/config.yaml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// TargetType selects the transfer backend for uploads.
type TargetType string

const (
	TargetNone  TargetType = ""
	TargetLocal TargetType = "local"
	TargetSFTP  TargetType = "sftp"
	TargetS3    TargetType = "s3"
)

// TargetConfig describes where finished snapshots are uploaded.
type TargetConfig struct {
	Type  TargetType           `yaml:"type,omitempty"`
	Local string               `yaml:"local,omitempty"`
	SFTP  *transfer.SFTPConfig `yaml:"sftp,omitempty"`
	S3    *transfer.S3Config   `yaml:"s3,omitempty"`
}

// AuthorizedServers is the allow list of control-plane servers the agent
// will talk to.
type AuthorizedServers struct {
	IPs             []string `yaml:"ips,omitempty"`
	Subnets         []string `yaml:"subnets,omitempty"`
	Hostnames       []string `yaml:"hostnames,omitempty"`
	TrustOnFirstUse bool     `yaml:"trust_on_first_use,omitempty"`
}

// Empty reports whether no allow-list entries are configured.
func (a AuthorizedServers) Empty() bool {
	return len(a.IPs) == 0 && len(a.Subnets) == 0 && len(a.Hostnames) == 0
}

// ScheduleOverride pins a local schedule entry regardless of what the
// server hands out.
type ScheduleOverride struct {
	Type string `yaml:"type"`
	Cron string `yaml:"cron"`
}

// AgentConfig holds the agent's configuration.
type AgentConfig struct {
	ServerURL         string             `yaml:"server_url,omitempty"`
	ClientID          string             `yaml:"client_id,omitempty"`
	Hostname          string             `yaml:"hostname,omitempty"`
	SourcePaths       []string           `yaml:"source_paths,omitempty"`
	BackupDir         string             `yaml:"backup_dir,omitempty"`
	KeyDir            string             `yaml:"key_dir,omitempty"`
	ListenAddr        string             `yaml:"listen_addr,omitempty"`
	ExcludeGroups     []string           `yaml:"exclude_groups,omitempty"`
	ExcludePatterns   []string           `yaml:"exclude_patterns,omitempty"`
	Schedules         []ScheduleOverride `yaml:"schedules,omitempty"`
	Target            TargetConfig       `yaml:"target,omitempty"`
	AuthorizedServers AuthorizedServers  `yaml:"authorized_servers,omitempty"`
}

// Validate checks that the configuration is sufficient to run backups.
func (c *AgentConfig) Validate() error {
	if len(c.SourcePaths) == 0 {
		return errors.New("source_paths is required")
	}
	if c.BackupDir == "" {
		return errors.New("backup_dir is required")
	}
	switch c.Target.Type {
	case TargetNone, TargetLocal, TargetSFTP, TargetS3:
	default:
		return fmt.Errorf("unknown target type %q", c.Target.Type)
	}
	if c.Target.Type == TargetSFTP && c.Target.SFTP == nil {
		return errors.New("target.sftp is required for sftp targets")
	}
	if c.Target.Type == TargetS3 && c.Target.S3 == nil {
		return errors.New("target.s3 is required for s3 targets")
	}
	return nil
}

// IsRegistered reports whether the agent has registered with a server.
func (c *AgentConfig) IsRegistered() bool {
	return c.ServerURL != "" && c.ClientID != ""
}

// CheckServerAuthorized verifies rawURL against the authorized-servers
// allow list. With an empty list and trust_on_first_use set the server is
// trusted and pinned into the list; pinned reports that this happened so
// the caller can log it and Save the config to persist the pin.
func (c *AgentConfig) CheckServerAuthorized(rawURL string) (pinned bool, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("parse server url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return false, fmt.Errorf("server url %q has no host", rawURL)
	}

	if c.AuthorizedServers.Empty() {
		if c.AuthorizedServers.TrustOnFirstUse {
			if ip := net.ParseIP(host); ip != nil {
				c.AuthorizedServers.IPs = append(c.AuthorizedServers.IPs, host)
			} else {
				c.AuthorizedServers.Hostnames = append(c.AuthorizedServers.Hostnames, host)
			}
			return true, nil
		}
		return false, fmt.Errorf("%w: allow list is empty and trust_on_first_use is off", ErrServerNotAuthorized)
	}

	for _, h := range c.AuthorizedServers.Hostnames {
		if h == host {
			return false, nil
		}
	}
	ip := net.ParseIP(host)
	if ip != nil {
		for _, allowed := range c.AuthorizedServers.IPs {
			if allowed == host {
				return false, nil
			}
		}
		for _, cidr := range c.AuthorizedServers.Subnets {
			_, network, err := net.ParseCIDR(cidr)
			if err != nil {
				return false, fmt.Errorf("invalid subnet %q in authorized_servers: %w", cidr, err)
			}
			if network.Contains(ip) {
				return false, nil
			}
		}
	}
	return false, fmt.Errorf("%w: %s", ErrServerNotAuthorized, host)
}

// Load reads the configuration from the given path. A missing file yields
// an empty config.
func Load(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &AgentConfig{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*AgentConfig, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to the given path. The directory is
// created 0700 and the file written 0600: the config can carry target
// credentials.
func (c *AgentConfig) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// SaveDefault writes the configuration to the default path.
func (c *AgentConfig) SaveDefault() error {
	path, err := DefaultConfigPath()
	if err != nil {
		return err
	}
	return c.Save(path)
}
