// Package main is the entrypoint for the linwin backup agent CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/linwinbackup/linwin/internal/agent"
	"github.com/linwinbackup/linwin/internal/config"
	"github.com/linwinbackup/linwin/internal/crypto"
	"github.com/linwinbackup/linwin/internal/excludes"
	"github.com/linwinbackup/linwin/internal/health"
	"github.com/linwinbackup/linwin/internal/manifest"
	"github.com/linwinbackup/linwin/internal/snapshot"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "linwin-agent",
		Short: "linwin backup agent",
		Long: `The linwin agent takes scheduled differential snapshots of the
configured source paths, uploads them to the backup target, and reports
to a linwin server.

Run 'linwin-agent register' to connect to a server.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newRegisterCmd(),
		newConfigCmd(),
		newStatusCmd(),
		newBackupCmd(),
		newRestoreCmd(),
		newSnapshotsCmd(),
		newStartCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("linwin-agent %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newRegisterCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this agent with a linwin server",
		Long: `Register this agent with a linwin server.

Registration generates the agent keypair if needed and delivers the
public key to the server. The server must be on the authorized-servers
allow list, or trust_on_first_use must be enabled to pin it now.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(serverURL)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "linwin server URL (required)")
	_ = cmd.MarkFlagRequired("server")
	return cmd
}

func runRegister(serverURL string) error {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("server URL must use http or https scheme")
	}
	serverURL = strings.TrimSuffix(serverURL, "/")

	cfg, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pinned, err := cfg.CheckServerAuthorized(serverURL)
	if err != nil {
		return fmt.Errorf("server rejected by allow list: %w", err)
	}
	if pinned {
		logger := newLogger()
		logger.Warn().
			Str("server", serverURL).
			Msg("trust_on_first_use: pinning server into the allow list")
	}

	cfgDir, err := config.DefaultConfigDir()
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	keys, err := crypto.LoadOrCreateKeyPair(keyDir(cfg, cfgDir))
	if err != nil {
		return fmt.Errorf("load keypair: %w", err)
	}

	if cfg.ClientID == "" {
		id, err := crypto.ClientID()
		if err != nil {
			return fmt.Errorf("derive client id: %w", err)
		}
		cfg.ClientID = id
	}
	if cfg.Hostname == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.Hostname = hostname
		}
	}

	logger := newLogger()
	client := agent.NewClient(serverURL, cfg.ClientID, keys, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Register(ctx, cfg.Hostname, runtime.GOOS, Version); err != nil {
		return fmt.Errorf("register with server: %w", err)
	}

	cfg.ServerURL = serverURL
	if err := cfg.SaveDefault(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	configPath, _ := config.DefaultConfigPath()
	fmt.Printf("Configuration saved to %s\n", configPath)
	fmt.Printf("Server:    %s\n", cfg.ServerURL)
	fmt.Printf("Client ID: %s\n", cfg.ClientID)
	fmt.Println("Registration complete. Run 'linwin-agent status' to verify the connection.")
	return nil
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage agent configuration",
	}
	cmd.AddCommand(newConfigShowCmd(), newConfigSetServerCmd(), newConfigExcludesCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			configPath, _ := config.DefaultConfigPath()
			fmt.Printf("Config file: %s\n", configPath)
			fmt.Println()

			if !cfg.IsRegistered() {
				fmt.Println("Agent is not registered. Run 'linwin-agent register' to set up.")
				return nil
			}

			fmt.Printf("Server URL:   %s\n", cfg.ServerURL)
			fmt.Printf("Client ID:    %s\n", cfg.ClientID)
			fmt.Printf("Hostname:     %s\n", cfg.Hostname)
			fmt.Printf("Backup dir:   %s\n", cfg.BackupDir)
			fmt.Printf("Source paths: %s\n", strings.Join(cfg.SourcePaths, ", "))
			if cfg.Target.Type != config.TargetNone {
				fmt.Printf("Target:       %s\n", cfg.Target.Type)
			}
			if len(cfg.ExcludeGroups) > 0 {
				fmt.Printf("Exclude groups: %s\n", strings.Join(cfg.ExcludeGroups, ", "))
			}
			return nil
		},
	}
}

func newConfigSetServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-server <url>",
		Short: "Set the server URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serverURL := args[0]
			parsed, err := url.Parse(serverURL)
			if err != nil {
				return fmt.Errorf("invalid server URL: %w", err)
			}
			if parsed.Scheme != "http" && parsed.Scheme != "https" {
				return errors.New("server URL must use http or https scheme")
			}

			cfg, err := config.LoadDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			serverURL = strings.TrimSuffix(serverURL, "/")
			pinned, err := cfg.CheckServerAuthorized(serverURL)
			if err != nil {
				return fmt.Errorf("server rejected by allow list: %w", err)
			}
			if pinned {
				logger := newLogger()
				logger.Warn().
					Str("server", serverURL).
					Msg("trust_on_first_use: pinning server into the allow list")
			}
			cfg.ServerURL = serverURL
			if err := cfg.SaveDefault(); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			fmt.Printf("Server URL set to: %s\n", cfg.ServerURL)
			return nil
		},
	}
}

func newConfigExcludesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "excludes",
		Short: "List the built-in exclude groups",
		Run: func(cmd *cobra.Command, args []string) {
			for _, g := range excludes.Library {
				fmt.Printf("%s - %s\n", g.Name, g.Description)
				for _, p := range g.Patterns {
					fmt.Printf("    %s\n", p)
				}
			}
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agent status and server connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.IsRegistered() {
				fmt.Println("Status: Not registered")
				fmt.Println("Run 'linwin-agent register' to connect to a server.")
				return nil
			}

			fmt.Printf("Server:   %s\n", cfg.ServerURL)
			fmt.Printf("Hostname: %s\n", cfg.Hostname)

			cfgDir, err := config.DefaultConfigDir()
			if err != nil {
				return fmt.Errorf("resolve config dir: %w", err)
			}
			status, readErr := agent.ReadStatusFile(cfgDir)
			if readErr == nil && status.LastBackup != nil {
				fmt.Printf("Last backup: %s (%s) at %s\n",
					status.LastBackup.SnapshotName,
					status.LastBackup.Outcome,
					status.LastBackup.FinishedAt.Format(time.RFC3339))
			}
			fmt.Println()

			fmt.Print("Checking server connection... ")
			keys, err := crypto.LoadOrCreateKeyPair(keyDir(cfg, cfgDir))
			if err != nil {
				return fmt.Errorf("load keypair: %w", err)
			}
			client := agent.NewClient(cfg.ServerURL, cfg.ClientID, keys, newLogger())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := client.CheckHealth(ctx); err != nil {
				fmt.Println("FAILED")
				return fmt.Errorf("connect to server: %w", err)
			}
			fmt.Println("OK")
			return nil
		},
	}
}

func newBackupCmd() *cobra.Command {
	var (
		typ    string
		source string
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Run a backup immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !agent.ValidType(typ) {
				return fmt.Errorf("unknown backup type %q (use full, incremental, or directory)", typ)
			}

			d, cleanup, err := buildDaemon()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			fmt.Printf("Running %s backup...\n", typ)
			result, err := d.TriggerBackupOf(ctx, typ, source)
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Println("Backup finished.")
			fmt.Printf("  Snapshot: %s\n", result.Manifest.SnapshotName())
			fmt.Printf("  Outcome:  %s\n", result.Outcome)
			fmt.Printf("  Files:    %d (%d skipped)\n", result.FilesTotal, result.FilesSkipped)
			fmt.Printf("  Bytes:    %d\n", result.BytesArchived)
			for _, s := range result.Skipped {
				fmt.Printf("  skipped %s: %s\n", s.Path, s.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&typ, "type", string(manifest.TypeIncremental), "Backup type: full, incremental, or directory")
	cmd.Flags().StringVar(&source, "source", "", "Back up only this directory instead of the configured source paths")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var (
		name    string
		target  string
		relPath string
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a snapshot or a single file",
		Long: `Restore a snapshot into the target directory. Incremental snapshots
are resolved through their base chain automatically. With --file only
that file is restored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("agent not configured: %w", err)
			}

			store, err := manifest.NewStore(cfg.BackupDir)
			if err != nil {
				return fmt.Errorf("open backup dir: %w", err)
			}
			engine := snapshot.New(store, nil, newLogger())

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if relPath != "" {
				fmt.Printf("Restoring %s from %s to %s...\n", relPath, name, target)
				if err := engine.RestoreFile(ctx, name, relPath, target); err != nil {
					return fmt.Errorf("restore file: %w", err)
				}
			} else {
				fmt.Printf("Restoring %s to %s...\n", name, target)
				if err := engine.Restore(ctx, name, target); err != nil {
					return fmt.Errorf("restore: %w", err)
				}
			}
			fmt.Println("Restore completed.")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "snapshot", "", "Snapshot name to restore (required)")
	cmd.Flags().StringVar(&target, "target", "", "Target directory (required)")
	cmd.Flags().StringVar(&relPath, "file", "", "Restore only this file (relative path)")
	_ = cmd.MarkFlagRequired("snapshot")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newSnapshotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots",
		Short: "List local snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.BackupDir == "" {
				return errors.New("backup_dir is not configured")
			}

			store, err := manifest.NewStore(cfg.BackupDir)
			if err != nil {
				return fmt.Errorf("open backup dir: %w", err)
			}
			names, err := store.List()
			if err != nil {
				return fmt.Errorf("list snapshots: %w", err)
			}
			if len(names) == 0 {
				fmt.Println("No snapshots found.")
				return nil
			}

			fmt.Printf("%-45s %-12s %-8s %12s\n", "SNAPSHOT", "TYPE", "FILES", "BYTES")
			for _, n := range names {
				m, err := store.Read(n)
				if err != nil {
					fmt.Printf("%-45s (unreadable: %v)\n", n, err)
					continue
				}
				fmt.Printf("%-45s %-12s %-8d %12d\n", n, m.Type, len(m.Files), m.TotalSize())
			}
			return nil
		},
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the agent daemon",
		Long: `Start the linwin agent as a long-running daemon.

The daemon sends periodic heartbeats, pulls the backup schedule from the
server, runs scheduled snapshots, and keeps results queued locally while
the server is unreachable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, cleanup, err := buildDaemon()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			fmt.Printf("linwin-agent %s starting...\n", Version)
			return d.Run(ctx)
		},
	}
}

// buildDaemon wires the full agent from the default config. The returned
// cleanup closes the queue store.
func buildDaemon() (*agent.Daemon, func(), error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("agent not configured: %w", err)
	}
	cfgDir, err := config.DefaultConfigDir()
	if err != nil {
		return nil, nil, fmt.Errorf("resolve config dir: %w", err)
	}
	logger := newLogger()

	if cfg.ServerURL != "" {
		pinned, err := cfg.CheckServerAuthorized(cfg.ServerURL)
		if err != nil {
			return nil, nil, fmt.Errorf("server rejected by allow list: %w", err)
		}
		if pinned {
			logger.Warn().
				Str("server", cfg.ServerURL).
				Msg("trust_on_first_use: pinning server into the allow list")
			if err := cfg.SaveDefault(); err != nil {
				return nil, nil, fmt.Errorf("persist server pin: %w", err)
			}
		}
	}

	keys, err := crypto.LoadOrCreateKeyPair(keyDir(cfg, cfgDir))
	if err != nil {
		return nil, nil, fmt.Errorf("load keypair: %w", err)
	}

	patterns := cfg.ExcludePatterns
	for _, name := range cfg.ExcludeGroups {
		group, ok := excludes.GroupByName(name)
		if !ok {
			return nil, nil, fmt.Errorf("unknown exclude group %q", name)
		}
		patterns = append(patterns, group.Patterns...)
	}
	matcher, err := excludes.NewMatcher(patterns)
	if err != nil {
		return nil, nil, fmt.Errorf("compile exclude patterns: %w", err)
	}

	store, err := manifest.NewStore(cfg.BackupDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open backup dir: %w", err)
	}
	engine := snapshot.New(store, matcher, logger)

	client := agent.NewClient(cfg.ServerURL, cfg.ClientID, keys, logger)
	queueStore, err := agent.NewSQLiteQueue(cfgDir, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open result queue: %w", err)
	}
	queue := agent.NewQueue(queueStore, client, agent.DefaultQueueConfig(), logger)
	collector := health.NewCollector(cfg.BackupDir)

	d := agent.NewDaemon(cfg, cfgDir, Version, client, queue, engine, collector, logger)
	return d, func() { queueStore.Close() }, nil
}

func keyDir(cfg *config.AgentConfig, cfgDir string) string {
	if cfg.KeyDir != "" {
		return cfg.KeyDir
	}
	return filepath.Join(cfgDir, "keys")
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}
