package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gigflow/bootstrap"
	"gigflow/db"
	"gigflow/dispute"
	"gigflow/ledger"
)

func init() {
	rootCmd.AddCommand(migrateCmd, relayCmd, requeueCmd, reconcileCmd, ledgerCmd, disputesCmd)
	relayCmd.Flags().Bool("once", false, "run a single sweep and exit")
	disputesCmd.Flags().Int("limit", 50, "maximum disputes to list")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply embedded SQL migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDeps(cmd.Context(), func(d *bootstrap.Deps) error {
			if err := db.Migrate(cmd.Context(), d.Pool); err != nil {
				return err
			}
			d.Logger.Info("migrations applied")
			return nil
		})
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Redeliver pending notifications from the outbox",
	Long: `Claims pending and retryable outbox rows and hands them to the configured
notification sinks. Runs until interrupted unless --once is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		once, _ := cmd.Flags().GetBool("once")
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return withDeps(ctx, func(d *bootstrap.Deps) error {
			relay := d.Relay()
			if !once {
				return relay.Run(ctx)
			}
			n, err := relay.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered %d notification(s)\n", n)
			return nil
		})
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Move failed outbox rows back to pending",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDeps(cmd.Context(), func(d *bootstrap.Deps) error {
			n, err := d.Outbox.Requeue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d row(s)\n", n)
			return nil
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Rewrite cached profile totals from the ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDeps(cmd.Context(), func(d *bootstrap.Deps) error {
			fixed, err := ledger.NewReconciler(d.Pool, d.Logger).Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reconciled %d profile(s)\n", fixed)
			return nil
		})
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger USER_ID",
	Short: "Print a user's ledger totals and recent entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]
		return withDeps(cmd.Context(), func(d *bootstrap.Deps) error {
			t, err := ledger.UserTotals(cmd.Context(), d.Pool, userID)
			if err != nil {
				return err
			}
			entries, err := ledger.ForUser(cmd.Context(), d.Pool, userID, 20)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "spent %s  earned %s\n", t.Spent.StringFixed(2), t.Earned.StringFixed(2))
			for _, e := range entries {
				fmt.Fprintf(out, "%s  %-14s %-6s %10s  %s\n",
					e.CreatedAt.Format("2006-01-02 15:04"), e.Type, e.Direction, e.Amount.StringFixed(2), e.Description)
			}
			return nil
		})
	},
}

var disputesCmd = &cobra.Command{
	Use:   "disputes",
	Short: "List disputes awaiting an administrator",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withDeps(cmd.Context(), func(d *bootstrap.Deps) error {
			open, err := dispute.NewRepository().ListOpen(cmd.Context(), d.Pool, limit)
			if err != nil {
				return err
			}
			for _, x := range open {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  contract=%s  opened_by=%s  %s\n",
					x.ID, x.ContractID, x.OpenedBy, x.Reason)
			}
			d.Logger.Debug("listed open disputes", zap.Int("count", len(open)))
			return nil
		})
	},
}
