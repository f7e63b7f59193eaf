package config

import "testing"

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg := LoadServerConfig()
	if cfg.Environment != EnvDevelopment {
		t.Errorf("Environment = %s, want development default", cfg.Environment)
	}
	if cfg.ListenAddr != ":8300" {
		t.Errorf("ListenAddr = %s", cfg.ListenAddr)
	}
	if cfg.Registry != RegistrySQLite {
		t.Errorf("Registry = %s, want sqlite default", cfg.Registry)
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("LINWIN_ENV", "production")
	t.Setenv("LINWIN_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("LINWIN_REGISTRY", "memory")
	t.Setenv("LINWIN_DATA_DIR", "/tmp/linwin-data")

	cfg := LoadServerConfig()
	if cfg.Environment != EnvProduction {
		t.Errorf("Environment = %s", cfg.Environment)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("ListenAddr = %s", cfg.ListenAddr)
	}
	if cfg.Registry != RegistryMemory {
		t.Errorf("Registry = %s", cfg.Registry)
	}
	if cfg.DataDir != "/tmp/linwin-data" {
		t.Errorf("DataDir = %s", cfg.DataDir)
	}
}

func TestLoadServerConfigInvalidValuesFallBack(t *testing.T) {
	t.Setenv("LINWIN_ENV", "qa")
	t.Setenv("LINWIN_REGISTRY", "postgres")

	cfg := LoadServerConfig()
	if cfg.Environment != EnvDevelopment {
		t.Errorf("Environment = %s, want fallback", cfg.Environment)
	}
	if cfg.Registry != RegistrySQLite {
		t.Errorf("Registry = %s, want fallback", cfg.Registry)
	}
}
