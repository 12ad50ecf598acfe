// Package app wires the escortd components together from a Config.
package app

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/carelink/escortd/internal/commission"
	"github.com/carelink/escortd/internal/config"
	"github.com/carelink/escortd/internal/domain"
	"github.com/carelink/escortd/internal/grab"
	"github.com/carelink/escortd/internal/ingestion"
	"github.com/carelink/escortd/internal/logger"
	"github.com/carelink/escortd/internal/order"
	"github.com/carelink/escortd/internal/reconciliation"
	"github.com/carelink/escortd/internal/repository"
	"github.com/carelink/escortd/internal/settlement"
	"github.com/carelink/escortd/internal/strategy"
	"github.com/carelink/escortd/internal/wallet"
)

// App holds every long-lived component of a running instance.
type App struct {
	Config *config.Config
	Log    *logger.Logger
	DB     *sql.DB

	OrderRepo      *repository.OrderRepo
	Distributions  *repository.DistributionRepo
	Discrepancies  *repository.DiscrepancyRepo
	Referrals      *repository.ReferralRepo
	Strategies     *strategy.Registry
	Wallet         *wallet.Ledger
	Queue          settlement.Queue
	Settlement     *settlement.Orchestrator
	Orders         *order.Service
	Grab           *grab.Coordinator
	Ingestion      *ingestion.Service
	Reconciliation *reconciliation.Service

	SweepInterval     time.Duration
	ReconcileInterval time.Duration
}

// New opens the database and builds all services.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	claimTimeout, err := cfg.ClaimTimeout()
	if err != nil {
		return nil, err
	}
	sweepInterval, err := cfg.SweepInterval()
	if err != nil {
		return nil, err
	}
	window, err := cfg.ReconciliationWindow()
	if err != nil {
		return nil, err
	}
	reconcileInterval, err := cfg.ReconciliationInterval()
	if err != nil {
		return nil, err
	}
	snapshot, err := cfg.StrategySnapshot()
	if err != nil {
		return nil, err
	}

	log.Info("opening database", "path", cfg.Database.Path)
	db, err := repository.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("init db: %w", err)
	}

	a := &App{
		Config:        cfg,
		Log:           log,
		DB:            db,
		OrderRepo:     repository.NewOrderRepo(db),
		Distributions: repository.NewDistributionRepo(db),
		Discrepancies: repository.NewDiscrepancyRepo(db),
		Referrals:     repository.NewReferralRepo(db),
		Strategies:    strategy.NewRegistry(log),
		Wallet:        wallet.NewLedger(repository.NewWalletRepo(db)),
	}
	a.SweepInterval = sweepInterval
	a.ReconcileInterval = reconcileInterval

	if !a.Strategies.Known(snapshot.Name) {
		log.Warn("configured commission strategy is not registered, standard will be used",
			"strategy", snapshot.Name, "known", a.Strategies.Names())
	}

	switch cfg.Settlement.Queue {
	case "redis":
		q, err := settlement.NewRedisQueue(cfg.Settlement.RedisAddr, cfg.Settlement.RedisKey, log)
		if err != nil {
			db.Close()
			return nil, err
		}
		a.Queue = q
	default:
		a.Queue = settlement.NewMemoryQueue(cfg.Settlement.Buffer)
	}

	calc := commission.NewCalculator(a.Strategies, log)
	a.Settlement = settlement.NewOrchestrator(a.OrderRepo, a.Distributions, a.Referrals, calc, a.Wallet, a.Queue, log)
	a.Orders = order.NewService(a.OrderRepo, a.Settlement, func() domain.StrategyConfig { return snapshot }, log)
	a.Grab = grab.NewCoordinator(a.OrderRepo, claimTimeout, log)
	a.Ingestion = ingestion.NewService(a.Referrals, log)
	a.Reconciliation = reconciliation.NewService(a.OrderRepo, a.Distributions, a.Discrepancies, a.Settlement, window, log)

	return a, nil
}

// Close releases the queue connection and the database.
func (a *App) Close() error {
	qerr := a.Queue.Close()
	if err := a.DB.Close(); err != nil {
		return err
	}
	return qerr
}
