package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/carelink/escortd/internal/grab"
	"github.com/carelink/escortd/internal/ingestion"
	"github.com/carelink/escortd/internal/logger"
	"github.com/carelink/escortd/internal/order"
	"github.com/carelink/escortd/internal/reconciliation"
	"github.com/carelink/escortd/internal/repository"
	"github.com/carelink/escortd/internal/settlement"
	"github.com/carelink/escortd/internal/wallet"
)

// Deps are the services the HTTP layer dispatches to.
type Deps struct {
	Orders         *order.Service
	Grab           *grab.Coordinator
	Settlement     *settlement.Orchestrator
	OrderRepo      *repository.OrderRepo
	Distributions  *repository.DistributionRepo
	Discrepancies  *repository.DiscrepancyRepo
	Ingestion      *ingestion.Service
	Reconciliation *reconciliation.Service
	Wallet         *wallet.Ledger
	ClaimRate      rate.Limit
	ClaimBurst     int
	Log            *logger.Logger
}

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(d Deps) http.Handler {
	h := &Handlers{
		orders:    d.Orders,
		grab:      d.Grab,
		settle:    d.Settlement,
		orderRepo: d.OrderRepo,
		distRepo:  d.Distributions,
		discRepo:  d.Discrepancies,
		ingestion: d.Ingestion,
		recon:     d.Reconciliation,
		wallet:    d.Wallet,
		throttle:  newClaimThrottle(d.ClaimRate, d.ClaimBurst),
		validate:  validator.New(),
		log:       d.Log.With("component", "api"),
	}

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		// Orders.
		r.Post("/orders", h.CreateOrder)
		r.Get("/orders", h.ListOrders)
		r.Get("/orders/pool", h.ListPool)
		r.Route("/orders/{id}", func(r chi.Router) {
			r.Get("/", h.GetOrder)
			r.Get("/events", h.ListOrderEvents)
			r.Get("/distributions", h.ListOrderDistributions)
			r.Post("/payment", h.MarkPaid)
			r.Post("/claim", h.ClaimOrder)
			r.Post("/advance", h.AdvanceOrder)
			r.Post("/complete", h.CompleteOrder)
			r.Post("/cancel", h.CancelOrder)
			r.Post("/refund", h.RefundOrder)
			r.Post("/settle", h.SettleOrder)
		})

		// Distributions.
		r.Get("/distributions", h.ListDistributions)

		// Referrals.
		r.Post("/referrals/import", h.ImportReferrals)
		r.Get("/escorts/{id}/upline", h.GetUpline)
		r.Get("/escorts/{id}/wallet", h.GetWallet)

		// Reconciliation.
		r.Post("/reconcile", h.Reconcile)
		r.Get("/discrepancies", h.ListDiscrepancies)
		r.Get("/discrepancies/summary", h.GetDiscrepancySummary)

		// Dashboard.
		r.Get("/dashboard", h.GetDashboard)
	})

	return r
}
