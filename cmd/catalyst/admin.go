package main

import (
	"fmt"
	"os"
	"time"

	"catalyst-go/internal/auth"
	"catalyst-go/internal/catalyst"

	"github.com/spf13/cobra"
)

func parseEntityType(s string) (catalyst.EntityType, error) {
	t := catalyst.EntityType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

func parseTarget(typ, id string) (catalyst.DenylistTarget, error) {
	t := catalyst.DenylistTarget{Type: catalyst.DenylistTargetType(typ), ID: id}
	if !t.Type.Valid() {
		return t, fmt.Errorf("unknown denylist target type %q", typ)
	}
	return t, nil
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
}

// failed command
var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Inspect deployments that failed during sync",
}

var failedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed deployments",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "failed-list")
		if err != nil {
			return err
		}
		defer a.Close()

		failed, err := a.ListFailed(cmd.Context())
		if err != nil {
			return err
		}
		if len(failed) == 0 {
			fmt.Println("No failed deployments.")
			return nil
		}
		for _, f := range failed {
			fmt.Printf("%s  %-8s  %-16s  %s  %s\n",
				formatMillis(f.FailureTimestamp), f.EntityType, f.Reason, f.EntityID, f.ErrorDescription)
		}
		return nil
	},
}

var failedClearCmd = &cobra.Command{
	Use:   "clear TYPE ENTITY_ID",
	Short: "Forget a failed deployment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType, err := parseEntityType(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), "failed-clear")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ClearFailed(cmd.Context(), args[1], entityType); err != nil {
			return err
		}
		fmt.Printf("Cleared %s\n", args[1])
		return nil
	},
}

var failedRetryCmd = &cobra.Command{
	Use:   "retry TYPE ENTITY_ID",
	Short: "Fetch and deploy a failed deployment again",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType, err := parseEntityType(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), "failed-retry")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.RetryFailed(cmd.Context(), args[1], entityType)
		if err != nil {
			return fmt.Errorf("retry failed: %w", err)
		}
		fmt.Printf("%s: %s\n", args[1], res.Status)
		return nil
	},
}

// denylist command
var denylistCmd = &cobra.Command{
	Use:   "denylist",
	Short: "Manage the denylist",
}

var denylistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List denylisted targets",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "denylist-list")
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.ListDenylist(cmd.Context())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Denylist is empty.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %-8s  %s  by %s\n", formatMillis(e.Timestamp), e.Target.Type, e.Target.ID, e.AuthChain.Signer())
		}
		return nil
	},
}

func denylistChangeCmd(action catalyst.DenylistAction, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(action) + " TYPE ID",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTarget(args[0], args[1])
			if err != nil {
				return err
			}
			keyPath, _ := cmd.Flags().GetString("key")
			if keyPath == "" {
				keyPath = os.Getenv("CATALYST_ADMIN_KEY")
			}
			if keyPath == "" {
				return fmt.Errorf("an admin key is required: use --key or CATALYST_ADMIN_KEY")
			}
			admin, err := auth.LoadIdentity(keyPath)
			if err != nil {
				return fmt.Errorf("loading admin key: %w", err)
			}

			a, err := newApp(cmd.Context(), "denylist-"+string(action))
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ChangeDenylist(cmd.Context(), action, target, admin); err != nil {
				return err
			}
			fmt.Printf("%s %s:%s\n", action, target.Type, target.ID)
			return nil
		},
	}
	cmd.Flags().StringP("key", "k", "", "File holding the administrator's hex private key")
	return cmd
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup DEST",
	Short: "Write a consistent copy of the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "db-backup")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.BackupDatabase(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		fmt.Printf("Database written to %s\n", args[0])
		return nil
	},
}

func init() {
	failedCmd.AddCommand(failedListCmd)
	failedCmd.AddCommand(failedClearCmd)
	failedCmd.AddCommand(failedRetryCmd)

	denylistCmd.AddCommand(denylistListCmd)
	denylistCmd.AddCommand(denylistChangeCmd(catalyst.DenylistAdd, "Denylist a target"))
	denylistCmd.AddCommand(denylistChangeCmd(catalyst.DenylistRemove, "Remove a target from the denylist"))

	dbCmd.AddCommand(dbBackupCmd)
}
