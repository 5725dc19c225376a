// Package cli defines the quotactl commands for operating the quota ledger.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/config"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/db"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/quota"
)

type options struct {
	dsn        string
	policyFile string
}

// NewRootCmd builds the command tree. Defaults come from the environment.
func NewRootCmd() *cobra.Command {
	cfg := config.Load()
	opts := &options{dsn: cfg.DBDSN, policyFile: cfg.PolicyFile}

	root := &cobra.Command{
		Use:           "quotactl",
		Short:         "Inspect and administer AI call quotas",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.dsn, "dsn", opts.dsn, "database DSN (prefix sqlite: for SQLite)")
	root.PersistentFlags().StringVar(&opts.policyFile, "policy", opts.policyFile, "quota policy YAML file")

	root.AddCommand(
		newShowCmd(opts),
		newStatsCmd(opts),
		newResetCmd(opts, "daily"),
		newResetCmd(opts, "monthly"),
		newSetTierCmd(opts),
	)
	return root
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withLedger opens the database, runs fn and closes the connection.
func (o *options) withLedger(ctx context.Context, fn func(*quota.Ledger) error) error {
	policy, err := config.LoadPolicy(o.policyFile)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}
	gdb, err := db.Open(o.dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if sqlDB, err := gdb.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := gdb.AutoMigrate(&quota.Record{}); err != nil {
		return fmt.Errorf("migrating quota table: %w", err)
	}
	return fn(quota.NewLedger(gdb, policy.Tiers))
}
