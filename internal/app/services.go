package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/skp10216/dwt-price-center-sub002/internal/activity"
	"github.com/skp10216/dwt-price-center-sub002/internal/allocation"
	"github.com/skp10216/dwt-price-center-sub002/internal/bankimport"
	"github.com/skp10216/dwt-price-center-sub002/internal/counterparty"
	"github.com/skp10216/dwt-price-center-sub002/internal/periodlock"
	"github.com/skp10216/dwt-price-center-sub002/internal/shared"
	"github.com/skp10216/dwt-price-center-sub002/internal/upload"
	"github.com/skp10216/dwt-price-center-sub002/internal/voucher"
	"github.com/skp10216/dwt-price-center-sub002/jobs"
)

// Services aggregates the wired domain services shared by the API server and
// the worker.
type Services struct {
	Activity     *activity.Service
	Counterparty *counterparty.Service
	Voucher      *voucher.Service
	Allocation   *allocation.Service
	PeriodLock   *periodlock.Service
	Upload       *upload.Service
	BankImport   *bankimport.Service
}

// periodGuard defers the voucher -> periodlock dependency until both
// services exist.
type periodGuard struct {
	svc *periodlock.Service
}

func (g *periodGuard) IsLocked(ctx context.Context, tradeDate time.Time) (bool, error) {
	return g.svc.IsLocked(ctx, tradeDate)
}

// BuildServices wires repositories and services onto the shared pool, redis
// client and queue client.
func BuildServices(cfg *Config, logger *slog.Logger, pool *pgxpool.Pool, redisClient *redis.Client, queue *jobs.Client) *Services {
	locks := shared.NewKeyMutex(redisClient)

	activitySvc := activity.NewService(activity.NewRepository(pool), logger, !cfg.IsProduction())

	matcher := counterparty.NewMatcher(cfg.MatchThreshold)
	counterpartySvc := counterparty.NewService(counterparty.NewRepository(pool), matcher, activitySvc, logger)

	guard := &periodGuard{}
	voucherSvc := voucher.NewService(voucher.NewRepository(pool), guard, locks, activitySvc, logger)
	periodLockSvc := periodlock.NewService(periodlock.NewRepository(pool), voucherSvc, locks, activitySvc, logger)
	guard.svc = periodLockSvc

	allocationSvc := allocation.NewService(allocation.NewRepository(pool), locks, activitySvc, logger)
	uploadSvc := upload.NewService(upload.NewRepository(pool), voucherSvc, counterpartySvc, queue, activitySvc, logger)
	bankImportSvc := bankimport.NewService(bankimport.NewRepository(pool), counterpartySvc, allocationSvc, queue, activitySvc, logger)

	return &Services{
		Activity:     activitySvc,
		Counterparty: counterpartySvc,
		Voucher:      voucherSvc,
		Allocation:   allocationSvc,
		PeriodLock:   periodLockSvc,
		Upload:       uploadSvc,
		BankImport:   bankImportSvc,
	}
}
