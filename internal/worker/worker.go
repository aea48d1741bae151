// Package worker drains the reconciliation task queue.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"billingsync/internal/observability"
	"billingsync/internal/queue"
)

// Queue is the subset of *queue.Queue the pool uses.
type Queue interface {
	Pop(ctx context.Context, timeout time.Duration) (queue.Task, error)
	Retry(ctx context.Context, task queue.Task, at time.Time) error
	PromoteDue(ctx context.Context, now time.Time, limit int) (int, error)
	Reap(ctx context.Context, now time.Time) (int, error)
	Ack(ctx context.Context, task queue.Task) error
	DeadLetter(ctx context.Context, task queue.Task) error
}

type Handler interface {
	HandleTask(ctx context.Context, task queue.Task) error
}

type Pool struct {
	Queue       Queue
	Handler     Handler
	Count       int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	PollTimeout time.Duration
	// PromoteEvery is how often due retries are moved back to the ready list
	// and expired leases are reaped.
	PromoteEvery time.Duration
	// Retryable decides whether a failed task is scheduled again. Nil treats
	// every error as retryable.
	Retryable func(error) bool
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Backoff returns base*2^(attempt-1), capped at ceiling.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

func (p *Pool) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Run blocks until ctx is canceled.
func (p *Pool) Run(ctx context.Context) error {
	count := p.Count
	if count <= 0 {
		count = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		id := i
		g.Go(func() error {
			p.loop(ctx, id)
			return nil
		})
	}
	g.Go(func() error {
		p.promoteLoop(ctx)
		return nil
	})
	p.Logger.Info().Int("workers", count).Msg("worker pool started")
	err := g.Wait()
	p.Logger.Info().Msg("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, id int) {
	timeout := p.PollTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := p.Queue.Pop(ctx, timeout)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.Logger.Warn().Err(err).Int("worker", id).Msg("pop task")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.Process(ctx, task)
	}
}

func (p *Pool) promoteLoop(ctx context.Context) {
	every := p.PromoteEvery
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Queue.PromoteDue(ctx, p.now(), 100); err != nil && ctx.Err() == nil {
				p.Logger.Warn().Err(err).Msg("promote due tasks")
			}
			n, err := p.Queue.Reap(ctx, p.now())
			if err != nil && ctx.Err() == nil {
				p.Logger.Warn().Err(err).Msg("reap expired tasks")
			}
			if n > 0 {
				p.Logger.Warn().Int("tasks", n).Msg("requeued tasks abandoned by a worker")
			}
		}
	}
}

// Process runs one task and settles it: done, retried later, dropped as
// terminal, or moved to the dead-letter list once attempts run out.
func (p *Pool) Process(ctx context.Context, task queue.Task) {
	task.Attempt++
	log := p.Logger.With().
		Str("task_id", task.ID).
		Str("kind", string(task.Kind)).
		Str("event_id", task.EventID).
		Str("account_id", task.AccountID).
		Int("attempt", task.Attempt).
		Logger()

	err := p.Handler.HandleTask(ctx, task)

	// Settle with a fresh context so shutdown does not lose the task.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err == nil {
		p.ack(settleCtx, log, task)
		observability.TasksTotal.WithLabelValues(string(task.Kind), "done").Inc()
		log.Debug().Msg("task done")
		return
	}
	task.LastError = err.Error()

	if p.Retryable != nil && !p.Retryable(err) {
		p.ack(settleCtx, log, task)
		observability.TasksTotal.WithLabelValues(string(task.Kind), "dropped").Inc()
		log.Error().Err(err).Msg("task failed permanently")
		return
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if task.Attempt >= maxAttempts {
		if derr := p.Queue.DeadLetter(settleCtx, task); derr != nil {
			log.Error().Err(derr).Msg("dead-letter task")
		}
		observability.TasksTotal.WithLabelValues(string(task.Kind), "dead_lettered").Inc()
		log.Error().Err(err).Msg("task exhausted retries")
		return
	}
	delay := Backoff(task.Attempt, p.BaseBackoff, p.MaxBackoff)
	if rerr := p.Queue.Retry(settleCtx, task, p.now().Add(delay)); rerr != nil {
		// The lease expires and Reap hands the task out again.
		log.Error().Err(rerr).Msg("schedule task retry")
		return
	}
	observability.TasksTotal.WithLabelValues(string(task.Kind), "retried").Inc()
	log.Warn().Err(err).Dur("backoff", delay).Msg("task failed; retry scheduled")
}

func (p *Pool) ack(ctx context.Context, log zerolog.Logger, task queue.Task) {
	if err := p.Queue.Ack(ctx, task); err != nil {
		log.Error().Err(err).Msg("ack task")
	}
}
