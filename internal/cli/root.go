// Package cli implements the meterctl command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ineyio/tokenmeter"
)

type app struct {
	dsn        string
	redisURL   string
	keyPrefix  string
	configPath string
	logJSON    bool

	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger

	ledger  tokenmeter.Ledger
	closers []func()
}

// NewRootCommand builds the meterctl command tree on the process streams.
func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdout, os.Stderr)
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "meterctl",
		Short:         "Operate a token metering ledger",
		Long:          "meterctl inspects and adjusts token balances, runs the reservation sweeper and sends metered chat requests.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVar(&a.dsn, "dsn", os.Getenv("TOKENMETER_DSN"), "Postgres connection string for the ledger")
	cmd.PersistentFlags().StringVar(&a.redisURL, "redis", os.Getenv("TOKENMETER_REDIS"), "Redis URL for the ledger (used when --dsn is empty)")
	cmd.PersistentFlags().StringVar(&a.keyPrefix, "prefix", "", "table prefix (Postgres) or key prefix (Redis); backend default when empty")
	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to the YAML config file")
	cmd.PersistentFlags().BoolVar(&a.logJSON, "log-json", false, "write logs as JSON")

	cmd.PersistentPreRun = func(*cobra.Command, []string) {
		var h slog.Handler = slog.NewTextHandler(a.stderr, nil)
		if a.logJSON {
			h = slog.NewJSONHandler(a.stderr, nil)
		}
		a.logger = slog.New(h)
	}

	cmd.AddCommand(
		newMigrateCmd(a),
		newBalanceCmd(a),
		newHistoryCmd(a),
		newAdjustCmd(a),
		newSweepCmd(a),
		newChatCmd(a),
	)
	return cmd
}

// config loads --config, or returns defaults when it is not set.
func (a *app) config() (tokenmeter.Config, error) {
	if a.configPath == "" {
		cfg := tokenmeter.Config{}.WithDefaults()
		return cfg, cfg.Validate()
	}
	return tokenmeter.LoadConfig(a.configPath)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	a.ledger = nil
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.stdout, format, args...)
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
