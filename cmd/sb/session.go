package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and manage persisted sessions",
	}

	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionPurgeCmd())
	cmd.AddCommand(newSessionMigrateCmd())
	cmd.AddCommand(newSessionDeleteCmd())
	return cmd
}

func newSessionListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			store, err := openStore(cfg, gormDB)
			if err != nil {
				return err
			}
			recs, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "No sessions found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tOWNER\tCHUNKS\tSIZE\tUPDATED\tLAST ACCESSED")
			for _, r := range recs {
				owner := r.Owner()
				if owner == "" {
					owner = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n", r.SessionID, owner, r.ChunkCount,
					r.TotalEncodedSize, r.UpdatedAt.Format(time.RFC3339), r.LastAccessed.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "signalbox.yaml", "path to signalbox config file")
	return cmd
}

func newSessionPurgeCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete sessions not accessed within the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			store, err := openStore(cfg, gormDB)
			if err != nil {
				return err
			}
			retention := olderThan
			if retention <= 0 {
				retention = time.Duration(cfg.Store.RetentionHrs) * time.Hour
			}
			n, err := store.PurgeStale(cmd.Context(), retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d session(s) idle for more than %s\n", n, retention)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "signalbox.yaml", "path to signalbox config file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention window (default store.retention_hours)")
	return cmd
}

func newSessionMigrateCmd() *cobra.Command {
	var (
		configPath string
		unbind     bool
	)

	cmd := &cobra.Command{
		Use:   "migrate <session-id> [endpoint]",
		Short: "Reassign a session to another endpoint",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target string
			switch {
			case unbind && len(args) == 2:
				return fmt.Errorf("give an endpoint or --unbind, not both")
			case !unbind && len(args) == 1:
				return fmt.Errorf("endpoint is required (or pass --unbind)")
			case len(args) == 2:
				target = args[1]
			}

			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			store, err := openStore(cfg, gormDB)
			if err != nil {
				return err
			}
			if err := store.Migrate(cmd.Context(), args[0], target); err != nil {
				return err
			}
			if target == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Session %s unbound\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Session %s migrated to %s\n", args[0], target)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "signalbox.yaml", "path to signalbox config file")
	cmd.Flags().BoolVar(&unbind, "unbind", false, "clear the owning endpoint")
	return cmd
}

func newSessionDeleteCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "delete [name]",
		Short: "Delete a persisted session, forcing a fresh QR pairing",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete without --yes")
			}
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			store, err := openStore(cfg, gormDB)
			if err != nil {
				return err
			}
			name := cfg.Store.SessionName
			if len(args) == 1 {
				name = args[0]
			}
			if err := store.Delete(cmd.Context(), name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s deleted\n", store.SessionID(name))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "signalbox.yaml", "path to signalbox config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion")
	return cmd
}
