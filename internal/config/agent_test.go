package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     AgentConfig
		wantErr bool
	}{
		{
			name: "valid local target",
			cfg: AgentConfig{
				SourcePaths: []string{"/home"},
				BackupDir:   "/backups",
				Target:      TargetConfig{Type: TargetLocal, Local: "/mnt/backups"},
			},
			wantErr: false,
		},
		{
			name: "missing source paths",
			cfg: AgentConfig{
				BackupDir: "/backups",
			},
			wantErr: true,
		},
		{
			name: "missing backup dir",
			cfg: AgentConfig{
				SourcePaths: []string{"/home"},
			},
			wantErr: true,
		},
		{
			name: "sftp target without settings",
			cfg: AgentConfig{
				SourcePaths: []string{"/home"},
				BackupDir:   "/backups",
				Target:      TargetConfig{Type: TargetSFTP},
			},
			wantErr: true,
		},
		{
			name: "unknown target type",
			cfg: AgentConfig{
				SourcePaths: []string{"/home"},
				BackupDir:   "/backups",
				Target:      TargetConfig{Type: "ftp"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.IsRegistered() {
		t.Error("empty config reports registered")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := &AgentConfig{
		ServerURL:     "https://backup.internal:8300",
		ClientID:      "abc123",
		SourcePaths:   []string{"/etc", "/home"},
		BackupDir:     "/backups",
		ExcludeGroups: []string{"vcs", "temp"},
		AuthorizedServers: AuthorizedServers{
			Hostnames: []string{"backup.internal"},
		},
	}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("config mode = %v, want 0600", info.Mode().Perm())
		}
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.ServerURL != cfg.ServerURL || got.ClientID != cfg.ClientID {
		t.Errorf("Load() = %+v", got)
	}
	if len(got.ExcludeGroups) != 2 {
		t.Errorf("ExcludeGroups = %v", got.ExcludeGroups)
	}
	if !got.IsRegistered() {
		t.Error("IsRegistered() = false after round trip")
	}
}

func TestCheckServerAuthorized(t *testing.T) {
	tests := []struct {
		name    string
		servers AuthorizedServers
		url     string
		wantErr bool
	}{
		{
			name:    "hostname match",
			servers: AuthorizedServers{Hostnames: []string{"backup.internal"}},
			url:     "https://backup.internal:8300",
			wantErr: false,
		},
		{
			name:    "hostname mismatch",
			servers: AuthorizedServers{Hostnames: []string{"backup.internal"}},
			url:     "https://evil.example:8300",
			wantErr: true,
		},
		{
			name:    "ip match",
			servers: AuthorizedServers{IPs: []string{"10.0.0.5"}},
			url:     "http://10.0.0.5:8300",
			wantErr: false,
		},
		{
			name:    "subnet match",
			servers: AuthorizedServers{Subnets: []string{"10.0.0.0/24"}},
			url:     "http://10.0.0.99:8300",
			wantErr: false,
		},
		{
			name:    "subnet mismatch",
			servers: AuthorizedServers{Subnets: []string{"10.0.0.0/24"}},
			url:     "http://10.0.1.99:8300",
			wantErr: true,
		},
		{
			name:    "empty list without tofu",
			servers: AuthorizedServers{},
			url:     "http://10.0.0.5:8300",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &AgentConfig{AuthorizedServers: tt.servers}
			pinned, err := cfg.CheckServerAuthorized(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckServerAuthorized() error = %v, wantErr %v", err, tt.wantErr)
			}
			if pinned {
				t.Error("pinned = true for a configured allow list")
			}
			if tt.wantErr && err != nil && !errors.Is(err, ErrServerNotAuthorized) {
				t.Errorf("error = %v, want ErrServerNotAuthorized", err)
			}
		})
	}
}

func TestTrustOnFirstUsePinsServer(t *testing.T) {
	cfg := &AgentConfig{
		AuthorizedServers: AuthorizedServers{TrustOnFirstUse: true},
	}
	pinned, err := cfg.CheckServerAuthorized("https://backup.internal:8300")
	if err != nil {
		t.Fatalf("first use error = %v", err)
	}
	if !pinned {
		t.Error("pinned = false on first use")
	}
	if len(cfg.AuthorizedServers.Hostnames) != 1 {
		t.Fatalf("server not pinned: %+v", cfg.AuthorizedServers)
	}
	// A different server must now be rejected.
	if _, err := cfg.CheckServerAuthorized("https://other.example:8300"); !errors.Is(err, ErrServerNotAuthorized) {
		t.Errorf("second server error = %v, want ErrServerNotAuthorized", err)
	}
}
