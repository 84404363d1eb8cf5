package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"catalyst-go/internal/app"
	"catalyst-go/internal/config"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// readConfig loads the config file named by the defaults.
func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "serve", "gc").
func newApp(ctx context.Context, operation string) (*app.App, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.New(ctx, cfg, operation, passphrase)
	if err != nil {
		return nil, fmt.Errorf("initializing node: %w", err)
	}
	return a, nil
}

// passphrase reads the key passphrase from CATALYST_PASSPHRASE, or prompts
// for it when stdin is a terminal.
func passphrase() (string, error) {
	if p := os.Getenv("CATALYST_PASSPHRASE"); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("CATALYST_PASSPHRASE is not set and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Passphrase: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var rootCmd = &cobra.Command{
	Use:          "catalyst",
	Short:        "Content server node",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		nodeID := uuid.New().String()
		cfg := config.NewConfig(nodeID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Node ID:  %s\n", nodeID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Node ID:   %s\n", cfg.NodeID)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Listen:    %s\n", cfg.Server.Address)
		fmt.Printf("Database:  %s\n", cfg.Database.Type)
		fmt.Printf("Storage:   %s (encrypted: %t)\n", cfg.Storage.Type, cfg.Storage.Encrypted)
		fmt.Printf("Denylist:  %s\n", cfg.Denylist.Type)
		fmt.Printf("Peers:     %d\n", len(cfg.Sync.Peers))
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage storage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the storage key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		pass, err := passphrase()
		if err != nil {
			return fmt.Errorf("reading passphrase: %w", err)
		}
		if err := app.InitKeys(cfg, pass); err != nil {
			return err
		}
		fmt.Printf("Keys written to %s\n", cfg.Encryption.PublicKeyPath)
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the node",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "serve")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Serve(ctx)
	},
}

// gc command
var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete unreferenced content",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "gc")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.RunGC(cmd.Context())
		if err != nil {
			return fmt.Errorf("garbage collection failed: %w", err)
		}
		fmt.Printf("Scanned %d, deleted %d, failed %d in %s\n", res.Scanned, res.Deleted, res.Failed, res.Duration)
		return nil
	},
}

// snapshot command
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Generate due snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "snapshot")
		if err != nil {
			return err
		}
		defer a.Close()

		snaps, err := a.GenerateSnapshots(cmd.Context())
		if err != nil {
			return fmt.Errorf("generating snapshots: %w", err)
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots due.")
			return nil
		}
		for _, s := range snaps {
			fmt.Printf("%s  [%d, %d)  %d entities\n", s.Hash, s.InitTimestamp, s.EndTimestamp, s.NumberOfEntities)
		}
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull deployments from peers once",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "sync")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.SyncOnce(cmd.Context())
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		for _, p := range a.SyncStatus() {
			status := "ok"
			if p.LastError != "" {
				status = p.LastError
			}
			fmt.Printf("%-40s  processed %d  skipped %d  failed %d  %s\n", p.Address, p.Processed, p.Skipped, p.Failed, status)
		}
		fmt.Printf("%d peer(s): processed %d, skipped %d, failed %d, retried %d\n", res.Peers, res.Processed, res.Skipped, res.Failed, res.Retried)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	keysCmd.AddCommand(keysInitCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(failedCmd)
	rootCmd.AddCommand(denylistCmd)
	rootCmd.AddCommand(dbCmd)
}
