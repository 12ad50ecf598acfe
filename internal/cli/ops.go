package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/carelink/escortd/internal/app"
)

func init() {
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(settleCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(seedCmd)
}

// ─── sweep ──────────────────────────────────────────────────────────────────

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Return timed-out assignments to the pool once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, log, err := bootstrap()
		if err != nil {
			return err
		}
		defer log.Sync()
		defer a.Close()

		n, err := a.Grab.Reclaim(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Reclaimed %d order(s)\n", n)
		return nil
	},
}

// ─── settle ─────────────────────────────────────────────────────────────────

var settleCmd = &cobra.Command{
	Use:   "settle ORDER_ID",
	Short: "Settle a completed order's commission (safe to repeat)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, log, err := bootstrap()
		if err != nil {
			return err
		}
		defer log.Sync()
		defer a.Close()

		rep, err := a.Settlement.Settle(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(rep)
	},
}

// ─── reconcile ──────────────────────────────────────────────────────────────

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Settle stragglers, retry pending credits and report discrepancies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, log, err := bootstrap()
		if err != nil {
			return err
		}
		defer log.Sync()
		defer a.Close()

		res, err := a.Reconciliation.RunFullReconciliation(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

// ─── seed ───────────────────────────────────────────────────────────────────

var seedCmd = &cobra.Command{
	Use:   "seed [FILE]",
	Short: "Load a demo referral graph and open orders",
	Long:  `Load a seed fixture (default testdata/seed.json). Orders are only created when the database has none.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, log, err := bootstrap()
		if err != nil {
			return err
		}
		defer log.Sync()
		defer a.Close()

		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		return seedFrom(cmd.Context(), a, path)
	},
}

func seedFrom(ctx context.Context, a *app.App, path string) error {
	data, err := app.ReadSeedFile(path)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	res, err := a.Seed(ctx, data)
	if err != nil {
		return err
	}
	a.Log.Info("seeded", "orders", res.Orders, "paid", res.Paid)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
