package config

import (
	"os"
	"strings"
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// RegistryBackend selects where the server persists its client registry.
type RegistryBackend string

const (
	RegistryMemory RegistryBackend = "memory"
	RegistrySQLite RegistryBackend = "sqlite"
)

// ServerConfig holds server-level configuration loaded from environment
// variables.
type ServerConfig struct {
	Environment Environment
	ListenAddr  string
	// DataDir holds the registry database and uploaded snapshots.
	DataDir string
	// KeyDir holds the server keypair.
	KeyDir   string
	Registry RegistryBackend
	// RateLimit is the per-client request budget, e.g. "100-M".
	RateLimit string
}

// LoadServerConfig reads server configuration from environment variables.
// Every value has a working default so a bare `linwin-server` starts.
func LoadServerConfig() ServerConfig {
	env := Environment(os.Getenv("LINWIN_ENV"))
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		env = EnvDevelopment
	}

	registry := RegistryBackend(os.Getenv("LINWIN_REGISTRY"))
	switch registry {
	case RegistryMemory, RegistrySQLite:
	default:
		registry = RegistrySQLite
	}

	return ServerConfig{
		Environment: env,
		ListenAddr:  getEnvString("LINWIN_LISTEN_ADDR", ":8300"),
		DataDir:     getEnvString("LINWIN_DATA_DIR", "/var/lib/linwin"),
		KeyDir:      getEnvString("LINWIN_KEY_DIR", "/var/lib/linwin/keys"),
		Registry:    registry,
		RateLimit:   getEnvString("LINWIN_RATE_LIMIT", "300-M"),
	}
}

func getEnvString(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}
