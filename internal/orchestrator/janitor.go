package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/registry"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/repository"
)

// Janitor revokes abandoned pending connections and purges expired states.
// Every pass is idempotent, so several nodes may run one.
type Janitor struct {
	registry registry.Registry
	states   repository.StateRepository
	stateTTL time.Duration
	grace    time.Duration
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// NewJanitor constructs a Janitor. A pending row is swept once stateTTL plus grace has passed since it was created.
// The state clock starts after the request-token call, and a consumed state may still be mid exchange,
// so grace must cover those broker round trips.
func NewJanitor(reg registry.Registry, states repository.StateRepository, stateTTL, grace, interval time.Duration, log *zap.Logger) *Janitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Janitor{registry: reg, states: states, stateTTL: stateTTL, grace: grace, interval: interval, log: log, now: time.Now}
}

// RunOnce performs a single sweep.
func (j *Janitor) RunOnce(ctx context.Context) error {
	now := j.now()
	ids, err := j.registry.SweepPending(ctx, now.Add(-j.stateTTL-j.grace), "abandoned")
	if err != nil {
		return err
	}
	purged, err := j.states.PurgeExpired(ctx, now)
	if err != nil {
		return err
	}
	if len(ids) > 0 || purged > 0 {
		j.log.Info("janitor sweep", zap.Int("revoked_pending", len(ids)), zap.Int64("purged_states", purged))
	}
	return nil
}

// Run sweeps every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	t := time.NewTicker(j.interval)
	defer t.Stop()
	for {
		if err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.log.Error("janitor sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
