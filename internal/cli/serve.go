package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/carelink/escortd/internal/api"
	"github.com/carelink/escortd/internal/app"
)

var serveSeed bool

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveSeed, "seed", false, "Load testdata/seed.json into an empty database on start")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the reclaim sweeper and settlement workers",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serveSeed {
		if err := seedFrom(ctx, a, ""); err != nil {
			log.Warn("seed failed", "error", err)
		}
	}

	cfg := a.Config
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewRouter(routerDeps(a)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("listening", "addr", srv.Addr, "api", "/api/v1")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.Grab.Run(ctx, a.SweepInterval)
	})

	g.Go(func() error {
		return a.Settlement.Run(ctx, cfg.Settlement.Workers)
	})

	g.Go(func() error {
		return a.Reconciliation.Run(ctx, a.ReconcileInterval)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("shutdown complete")
	return err
}

func routerDeps(a *app.App) api.Deps {
	return api.Deps{
		Orders:         a.Orders,
		Grab:           a.Grab,
		Settlement:     a.Settlement,
		OrderRepo:      a.OrderRepo,
		Distributions:  a.Distributions,
		Discrepancies:  a.Discrepancies,
		Ingestion:      a.Ingestion,
		Reconciliation: a.Reconciliation,
		Wallet:         a.Wallet,
		ClaimRate:      rate.Limit(a.Config.Grab.ClaimsPerSecond),
		ClaimBurst:     a.Config.Grab.ClaimBurst,
		Log:            a.Log,
	}
}
