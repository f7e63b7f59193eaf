// Package main is the linwin management CLI. It operates directly on a
// backup data directory laid out as <client>/<snapshot>/, the layout
// agents produce when uploading.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/linwinbackup/linwin/internal/manifest"
	"github.com/linwinbackup/linwin/internal/retention"
)

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
	var dataDir string

	rootCmd := &cobra.Command{
		Use:          "linwin",
		Short:        "Manage linwin backup storage",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "/var/lib/linwin", "Backup data directory")

	rootCmd.AddCommand(
		newVersionCmd(),
		newListCmd(&dataDir),
		newDetailsCmd(&dataDir),
		newDeleteCmd(&dataDir),
		newUsageCmd(&dataDir),
		newPruneCmd(&dataDir),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("linwin %s (%s, built %s)\n", Version, Commit, BuildDate)
		},
	}
}

// listClients returns the client directories under the data dir.
func listClients(dataDir string) ([]string, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}
	var clients []string
	for _, e := range entries {
		if e.IsDir() {
			clients = append(clients, e.Name())
		}
	}
	sort.Strings(clients)
	return clients, nil
}

func clientStore(dataDir, client string) (*manifest.Store, error) {
	dir := filepath.Join(dataDir, client)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("client %q: %w", client, err)
	}
	return manifest.NewStore(dir)
}

func newListCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list [client]",
		Short: "List snapshots, for one client or all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var clients []string
			if len(args) == 1 {
				clients = args
			} else {
				var err error
				clients, err = listClients(*dataDir)
				if err != nil {
					return err
				}
			}

			for _, client := range clients {
				store, err := clientStore(*dataDir, client)
				if err != nil {
					return err
				}
				names, err := store.List()
				if err != nil {
					return fmt.Errorf("list snapshots for %s: %w", client, err)
				}

				fmt.Printf("%s (%d snapshots)\n", client, len(names))
				for _, n := range names {
					m, err := store.Read(n)
					if err != nil {
						fmt.Printf("  %-45s (unreadable: %v)\n", n, err)
						continue
					}
					base := ""
					if m.BaseBackup != "" {
						base = " <- " + m.BaseBackup
					}
					fmt.Printf("  %-45s %-12s %6d files %12d bytes%s\n",
						n, m.Type, len(m.Files), m.TotalSize(), base)
				}
			}
			return nil
		},
	}
}

func newDetailsCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "details <client> <snapshot>",
		Short: "Show manifest details for a snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, name := args[0], args[1]
			store, err := clientStore(*dataDir, client)
			if err != nil {
				return err
			}
			m, err := store.Read(name)
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}

			fmt.Printf("Snapshot: %s\n", name)
			fmt.Printf("Type:     %s\n", m.Type)
			fmt.Printf("Created:  %s\n", m.Timestamp)
			if m.BaseBackup != "" {
				fmt.Printf("Base:     %s\n", m.BaseBackup)
			}
			fmt.Printf("Files:    %d (%d bytes)\n", len(m.Files), m.TotalSize())
			if len(m.Deleted) > 0 {
				fmt.Printf("Deleted:  %d\n", len(m.Deleted))
				for _, p := range m.Deleted {
					fmt.Printf("  - %s\n", p)
				}
			}

			chain, err := store.Chain(name)
			if err == nil && len(chain) > 1 {
				fmt.Println("Restore chain:")
				for _, c := range chain {
					fmt.Printf("  %s\n", c.SnapshotName())
				}
			}

			dependents, err := store.Dependents(name)
			if err == nil && len(dependents) > 0 {
				fmt.Println("Dependent snapshots:")
				for _, d := range dependents {
					fmt.Printf("  %s\n", d)
				}
			}
			return nil
		},
	}
}

func newDeleteCmd(dataDir *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <client> <snapshot>",
		Short: "Delete a snapshot",
		Long: `Delete a snapshot from the data directory.

Snapshots that other incrementals depend on are refused unless --force
is given; forcing breaks the dependents' restore chains.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, name := args[0], args[1]
			store, err := clientStore(*dataDir, client)
			if err != nil {
				return err
			}

			dependents, err := store.Dependents(name)
			if err != nil && !errors.Is(err, manifest.ErrNotFound) {
				return fmt.Errorf("check dependents: %w", err)
			}
			if len(dependents) > 0 && !force {
				fmt.Printf("Refusing to delete %s: %d snapshot(s) depend on it:\n", name, len(dependents))
				for _, d := range dependents {
					fmt.Printf("  %s\n", d)
				}
				return errors.New("snapshot has dependents (use --force to delete anyway)")
			}

			if err := store.Delete(name); err != nil {
				return fmt.Errorf("delete snapshot: %w", err)
			}
			fmt.Printf("Deleted %s/%s\n", client, name)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Delete even if other snapshots depend on this one")
	return cmd
}

func newUsageCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show disk usage per client",
		RunE: func(cmd *cobra.Command, args []string) error {
			clients, err := listClients(*dataDir)
			if err != nil {
				return err
			}

			var total int64
			fmt.Printf("%-30s %10s %15s\n", "CLIENT", "SNAPSHOTS", "BYTES")
			for _, client := range clients {
				store, err := clientStore(*dataDir, client)
				if err != nil {
					return err
				}
				names, err := store.List()
				if err != nil {
					return fmt.Errorf("list snapshots for %s: %w", client, err)
				}
				usage, err := store.DiskUsage()
				if err != nil {
					return fmt.Errorf("disk usage for %s: %w", client, err)
				}
				fmt.Printf("%-30s %10d %15d\n", client, len(names), usage)
				total += usage
			}
			fmt.Printf("%-30s %10s %15d\n", "TOTAL", "", total)
			return nil
		},
	}
}

func newPruneCmd(dataDir *string) *cobra.Command {
	var (
		keepFulls int
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "prune <client>",
		Short: "Prune old snapshot generations for a client",
		Long: `Prune keeps the newest N full snapshots and every incremental that
depends on them; everything older is removed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := clientStore(*dataDir, args[0])
			if err != nil {
				return err
			}

			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
			pruner := retention.NewPruner(store, logger)
			policy := retention.Policy{KeepFulls: keepFulls}

			var plan *retention.Plan
			if dryRun {
				plan, err = pruner.Plan(policy)
			} else {
				plan, err = pruner.Apply(policy)
			}
			if err != nil {
				return fmt.Errorf("prune: %w", err)
			}

			verb := "Removed"
			if dryRun {
				verb = "Would remove"
			}
			fmt.Printf("Keeping %d snapshot(s). %s %d:\n", len(plan.Keep), verb, len(plan.Remove))
			for _, n := range plan.Remove {
				fmt.Printf("  %s\n", n)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&keepFulls, "keep-fulls", 2, "Number of full generations to keep")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be removed without deleting")
	return cmd
}
