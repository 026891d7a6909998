package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tutu-network/creditgate/internal/app/ledger"
	"github.com/tutu-network/creditgate/internal/infra/sqlite"
)

// ─── Credits CLI ────────────────────────────────────────────────────────────
// These commands operate on the local ledger database directly, so they work
// with or without a running server.

func init() {
	rootCmd.AddCommand(creditsCmd)
	creditsCmd.AddCommand(creditsBalanceCmd)
	creditsCmd.AddCommand(creditsGrantCmd)
	creditsCmd.AddCommand(creditsHistoryCmd)

	creditsGrantCmd.Flags().StringP("description", "d", "manual top-up", "Ledger entry description")
	creditsHistoryCmd.Flags().IntP("limit", "n", ledger.DefaultHistoryLimit, "Maximum entries to show")
}

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and adjust tenant credit balances",
}

// ─── credits balance ────────────────────────────────────────────────────────

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance TENANT",
	Short: "Show a tenant's balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(l *ledger.Ledger) error {
			bal, err := l.CheckBalance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s credits\n", args[0], bal)
			return nil
		})
	},
}

// ─── credits grant ──────────────────────────────────────────────────────────

var creditsGrantCmd = &cobra.Command{
	Use:   "grant TENANT AMOUNT",
	Short: "Add credits to a tenant",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(args[1])
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		desc, _ := cmd.Flags().GetString("description")

		return withLedger(func(l *ledger.Ledger) error {
			if _, err := l.CreditCredits(cmd.Context(), args[0], amount, desc); err != nil {
				return err
			}
			bal, err := l.CheckBalance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Granted %s credits to %s. Balance: %s\n", amount, args[0], bal)
			return nil
		})
	},
}

// ─── credits history ────────────────────────────────────────────────────────

var creditsHistoryCmd = &cobra.Command{
	Use:   "history TENANT",
	Short: "List a tenant's ledger entries, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		return withLedger(func(l *ledger.Ledger) error {
			txs, err := l.TransactionHistory(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(txs) == 0 {
				fmt.Fprintf(out, "No transactions for %s.\n", args[0])
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tKIND\tAMOUNT\tBALANCE\tDESCRIPTION\tREFERENCE")
			for _, tx := range txs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					tx.CreatedAt.Local().Format(time.DateTime), tx.Kind, tx.Amount,
					tx.BalanceAfter, tx.Description, tx.Reference)
			}
			return tw.Flush()
		})
	},
}

// withLedger opens the configured ledger for the duration of fn.
func withLedger(fn func(*ledger.Ledger) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	baseline, err := cfg.DefaultBalance()
	if err != nil {
		return err
	}

	db, err := sqlite.Open(cfg.Ledger.DataDir)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer db.Close()

	return fn(ledger.New(ledger.Config{DefaultBalance: baseline}, db))
}
