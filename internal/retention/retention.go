package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"seatwatch/internal/logger"
	"seatwatch/internal/metrics"
)

// Store deletes read notifications created before a cutoff
type Store interface {
	PruneReadNotifications(ctx context.Context, before time.Time) (int64, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Pruner periodically deletes read notifications older than maxAge.
// Unread notifications are never pruned.
type Pruner struct {
	store    Store
	schedule cron.Schedule
	spec     string
	maxAge   time.Duration
	now      func() time.Time
}

// NewPruner validates spec, a five field cron expression or a descriptor
// such as "@hourly" or "@every 10m"
func NewPruner(store Store, spec string, maxAge time.Duration) (*Pruner, error) {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing retention schedule %q: %w", spec, err)
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive, got %s", maxAge)
	}
	return &Pruner{store: store, schedule: schedule, spec: spec, maxAge: maxAge, now: time.Now}, nil
}

// Run prunes on schedule until ctx is cancelled, then waits for a running prune
func (p *Pruner) Run(ctx context.Context) error {
	log := logger.WithComponent("retention")

	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(p.schedule, cron.FuncJob(func() {
		if _, err := p.PruneOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("retention run failed")
		}
	}))

	c.Start()
	log.Info().
		Str("schedule", p.spec).
		Dur("max_age", p.maxAge).
		Msg("retention started")

	<-ctx.Done()
	<-c.Stop().Done()
	log.Info().Msg("retention stopped")
	return nil
}

// PruneOnce deletes read notifications older than maxAge and returns how many
func (p *Pruner) PruneOnce(ctx context.Context) (int64, error) {
	log := logger.WithComponent("retention")
	cutoff := p.now().UTC().Add(-p.maxAge)

	start := time.Now()
	n, err := p.store.PruneReadNotifications(ctx, cutoff)
	if err != nil {
		metrics.RetentionRunsTotal.WithLabelValues("failed").Inc()
		return 0, fmt.Errorf("pruning notifications before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	metrics.RetentionRunsTotal.WithLabelValues("success").Inc()
	metrics.RetentionPrunedTotal.Add(float64(n))
	log.Info().
		Int64("pruned", n).
		Time("cutoff", cutoff).
		Dur("duration", time.Since(start)).
		Msg("read notifications pruned")
	return n, nil
}
