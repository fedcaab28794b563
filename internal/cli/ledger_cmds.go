package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ineyio/tokenmeter"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres ledger tables",
		Long: `Create the ledger tables if they do not exist. Safe to run repeatedly.
The Redis ledger keeps no schema and needs no migration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			if a.dsn == "" {
				if a.redisURL != "" {
					a.printf("redis ledger needs no migration\n")
					return nil
				}
				return errNoBackend
			}
			store, err := a.openPostgres(contextOf(cmd))
			if err != nil {
				return err
			}
			if err := store.EnsureSchema(contextOf(cmd)); err != nil {
				return err
			}
			a.logger.Info("ledger schema ready")
			return nil
		},
	}
}

func newBalanceCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "balance ACCOUNT",
		Short: "Show an account's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			l, err := a.openLedger(contextOf(cmd))
			if err != nil {
				return err
			}
			b, err := l.Balance(contextOf(cmd), args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return a.writeJSON(b)
			}
			a.printf("account:   %s\n", b.AccountID)
			a.printf("available: %d\n", b.Available)
			a.printf("reserved:  %d\n", b.Reserved)
			a.printf("spendable: %d\n", b.Spendable())
			a.printf("used:      %d\n", b.Used)
			a.printf("version:   %d\n", b.Version)
			if !b.UpdatedAt.IsZero() {
				a.printf("updated:   %s\n", b.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		page    tokenmeter.Page
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "history ACCOUNT",
		Short: "List an account's transactions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			l, err := a.openLedger(contextOf(cmd))
			if err != nil {
				return err
			}
			txs, err := l.History(contextOf(cmd), args[0], page.Normalize())
			if err != nil {
				return err
			}
			if jsonOut {
				return a.writeJSON(txs)
			}
			if len(txs) == 0 {
				a.printf("no transactions for %s\n", args[0])
				return nil
			}
			a.printf("%-20s %-8s %10s %10s %10s  %s\n", "TIME", "KIND", "AMOUNT", "AVAILABLE", "RESERVED", "DETAIL")
			a.printf("%s\n", strings.Repeat("-", 80))
			for _, tx := range txs {
				a.printf("%-20s %-8s %10d %10d %10d  %s\n",
					tx.CreatedAt.Format("2006-01-02 15:04:05"), tx.Kind, tx.Amount, tx.Available, tx.Reserved, detail(tx))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&page.Offset, "offset", 0, "skip this many transactions")
	cmd.Flags().IntVar(&page.Limit, "limit", tokenmeter.DefaultPageLimit, "maximum transactions to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func detail(tx tokenmeter.Transaction) string {
	switch tx.Kind {
	case tokenmeter.TxAdjust:
		return tx.Reason
	case tokenmeter.TxCommit:
		return fmt.Sprintf("estimated=%d correlation=%s", tx.Estimated, tx.CorrelationID)
	default:
		return "correlation=" + tx.CorrelationID
	}
}

func newAdjustCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "adjust ACCOUNT AMOUNT",
		Short: "Credit (positive) or debit (negative) an account",
		Long: `Credit or debit an account outside the reservation flow.

Examples:
  meterctl adjust user-42 50000 --reason "monthly grant"
  meterctl adjust user-42 -- -1200 --reason "refund reversal"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount %q: %w", args[1], tokenmeter.ErrInvalidAmount)
			}
			l, err := a.openLedger(contextOf(cmd))
			if err != nil {
				return err
			}
			tx, err := l.Adjust(contextOf(cmd), args[0], amount, reason)
			if err != nil {
				return err
			}
			a.logger.Info("balance adjusted",
				"account", tx.AccountID,
				"amount", amount,
				"reason", reason,
				"transaction_id", tx.ID,
			)
			a.printf("%s available=%d reserved=%d\n", tx.ID, tx.Available, tx.Reserved)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual adjustment", "reason recorded with the transaction")
	return cmd
}

func (a *app) writeJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
