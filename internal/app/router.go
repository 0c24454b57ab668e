package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/skp10216/dwt-price-center-sub002/internal/activity"
	"github.com/skp10216/dwt-price-center-sub002/internal/allocation"
	"github.com/skp10216/dwt-price-center-sub002/internal/bankimport"
	"github.com/skp10216/dwt-price-center-sub002/internal/counterparty"
	"github.com/skp10216/dwt-price-center-sub002/internal/observability"
	"github.com/skp10216/dwt-price-center-sub002/internal/periodlock"
	"github.com/skp10216/dwt-price-center-sub002/internal/upload"
	"github.com/skp10216/dwt-price-center-sub002/internal/voucher"
	"github.com/skp10216/dwt-price-center-sub002/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger              *slog.Logger
	Config              *Config
	CounterpartyHandler *counterparty.Handler
	VoucherHandler      *voucher.Handler
	AllocationHandler   *allocation.Handler
	PeriodLockHandler   *periodlock.Handler
	UploadHandler       *upload.Handler
	BankImportHandler   *bankimport.Handler
	ActivityHandler     *activity.Handler
	JobHandler          *jobs.Handler
	Metrics             *observability.Metrics
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	if !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		api.Route("/counterparties", params.CounterpartyHandler.MountRoutes)
		api.Route("/vouchers", params.VoucherHandler.MountRoutes)
		api.Route("/transactions", params.AllocationHandler.MountRoutes)
		api.Route("/periods", params.PeriodLockHandler.MountRoutes)
		api.Route("/uploads", params.UploadHandler.MountRoutes)
		api.Route("/bank-imports", params.BankImportHandler.MountRoutes)
		api.Route("/activity", params.ActivityHandler.MountRoutes)
		if params.JobHandler != nil {
			api.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}
