package tasks

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/IsaacDeMelo/botwpp/internal/observability"
)

const (
	DefaultSweepInterval     = time.Second
	DefaultRetention         = 5 * time.Minute
	DefaultTimeoutRetries    = 3
	DefaultTimeoutRetryDelay = 1200 * time.Millisecond
)

// Scheduler drives the periodic maintenance ticks: expiring overdue tasks,
// firing their timeout actions and pruning finished records.
type Scheduler struct {
	engine  *Engine
	store   Store
	metrics *observability.Metrics

	interval      time.Duration
	retention     time.Duration
	retryAttempts int
	retryDelay    time.Duration

	ticking atomic.Bool
}

func NewScheduler(engine *Engine, store Store, metrics *observability.Metrics, interval, retention time.Duration, retryAttempts int, retryDelay time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if retryAttempts < 1 {
		retryAttempts = DefaultTimeoutRetries
	}
	if retryDelay < 0 {
		retryDelay = DefaultTimeoutRetryDelay
	}
	return &Scheduler{
		engine:        engine,
		store:         store,
		metrics:       metrics,
		interval:      interval,
		retention:     retention,
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
	}
}

// Start runs the tick loop until the context is cancelled. One tick fires
// immediately so a restart settles overdue tasks without waiting a full
// interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.Tick(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one maintenance pass. A tick still in flight makes the next
// firing a no-op rather than queueing behind it.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		return
	}
	defer s.ticking.Store(false)

	start := time.Now()
	s.expireSweep(ctx)
	s.retentionSweep(ctx)
	if s.metrics != nil {
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
}

func (s *Scheduler) expireSweep(ctx context.Context) {
	all, err := s.store.GetAll(ctx)
	if err != nil {
		log.Printf("tasks: expire sweep read failed: %v", err)
		return
	}
	nowMs := time.Now().UnixMilli()

	active := 0
	for _, task := range all {
		if task.Matchable() {
			active++
		}
		if !task.Open() {
			continue
		}

		resolvedMs := task.ResolveExpiresAtMs()
		if resolvedMs == 0 || resolvedMs > nowMs {
			// Backfill the millisecond stamp so later sweeps and lazy
			// expiry checks compare against the same instant.
			if resolvedMs > 0 && task.ExpiresAtMs != resolvedMs {
				expiresAt := task.ExpiresAt
				if expiresAt == nil {
					at := time.UnixMilli(resolvedMs).UTC()
					expiresAt = &at
				}
				if _, err := s.store.Update(ctx, task.ID, Patch{ExpiresAtMs: &resolvedMs, ExpiresAt: expiresAt}); err != nil {
					log.Printf("tasks: expiry backfill %s failed: %v", task.ID, err)
				}
			}
			continue
		}

		now := time.Now().UTC()
		expired := TaskStatusExpired
		expiresAt := task.ExpiresAt
		if expiresAt == nil {
			at := time.UnixMilli(resolvedMs).UTC()
			expiresAt = &at
		}
		updated, err := s.store.Update(ctx, task.ID, Patch{
			Status:      &expired,
			ExpiredAt:   &now,
			ExpiresAt:   expiresAt,
			ExpiresAtMs: &resolvedMs,
		})
		if err != nil {
			log.Printf("tasks: expire %s failed: %v", task.ID, err)
			continue
		}
		s.engine.countTaskEvent("expired")

		if task.Matchable() {
			active--
		}

		if updated.OnTimeout == nil || updated.OnTimeout.Action == nil {
			continue
		}
		s.runTimeoutAction(ctx, updated)
	}

	if s.metrics != nil {
		s.metrics.ActiveTasks.Set(float64(active))
	}
}

func (s *Scheduler) runTimeoutAction(ctx context.Context, task Task) {
	outcome := s.engine.Runner().RunWithRetries(ctx, task.OnTimeout.Action, ActionContext{
		TaskID: task.ID,
		To:     task.To,
		Reason: "timeout",
	}, s.retryAttempts, s.retryDelay)
	if outcome == nil {
		return
	}
	s.engine.countActionRun(outcome)

	result := &ActionResult{}
	if task.ActionResult != nil {
		*result = *task.ActionResult
	}
	result.Timeout = outcome
	if _, err := s.store.Update(ctx, task.ID, Patch{ActionResult: result}); err != nil {
		log.Printf("tasks: record timeout action %s failed: %v", task.ID, err)
	}

	if outcome.OK {
		log.Printf("TASK_TIMEOUT_ACTION_OK id=%s to=%s attempts=%d", task.ID, task.To, outcome.AttemptsUsed)
	} else {
		log.Printf("TASK_TIMEOUT_ACTION_FAILED id=%s to=%s error=%s", task.ID, task.To, orDash(outcome.Error))
	}
}

func (s *Scheduler) retentionSweep(ctx context.Context) {
	all, err := s.store.GetAll(ctx)
	if err != nil {
		log.Printf("tasks: retention sweep read failed: %v", err)
		return
	}
	now := time.Now()

	for _, task := range all {
		if !task.Terminal() {
			continue
		}
		ref := task.TerminalAt()
		if ref.IsZero() || now.Sub(ref) < s.retention {
			continue
		}
		if _, err := s.store.Remove(ctx, task.ID); err != nil {
			log.Printf("tasks: retention delete %s failed: %v", task.ID, err)
		}
	}
}
