// Package scheduler drives the reconciler on a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/freightdesk/intake/internal/logging"
	"github.com/freightdesk/intake/internal/reconcile"
)

const (
	DefaultInterval = 30 * time.Second
	MaxBackoff      = 10 * time.Minute
)

// Runner processes one batch of mail.
type Runner interface {
	RunBatch(ctx context.Context) (*reconcile.BatchSummary, error)
}

// Status describes the most recent batch.
type Status struct {
	StartedAt time.Time               `json:"started_at"`
	Duration  string                  `json:"duration"`
	Summary   *reconcile.BatchSummary `json:"summary,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Failures  int32                   `json:"consecutive_failures"`
	NextRun   *time.Time              `json:"backoff_until,omitempty"`
}

type Scheduler struct {
	runner   Runner
	interval time.Duration
	cron     *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc

	// Serializes cron ticks with RunOnce; the mailbox client is not safe
	// for concurrent use.
	runMu sync.Mutex

	failures     atomic.Int32
	backoffUntil atomic.Int64 // unix nanos

	mu   sync.Mutex
	last *Status

	now func() time.Time
}

func New(runner Runner, interval time.Duration) (*Scheduler, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	logger := cron.PrintfLogger(logging.Log)
	c := cron.New(cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		runner:   runner,
		interval: interval,
		cron:     c,
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), s.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to schedule poll: %w", err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	logging.Log.WithField("interval", s.interval.String()).Info("scheduler started")
	s.cron.Start()
}

// Stop halts future ticks and cancels a running batch between messages.
// The returned context is done once the running batch has returned.
func (s *Scheduler) Stop() context.Context {
	s.cancel()
	ctx := s.cron.Stop()
	logging.Log.Info("scheduler stopping")
	return ctx
}

// RunOnce processes one batch now, ignoring any transport backoff.
func (s *Scheduler) RunOnce(ctx context.Context) (*reconcile.BatchSummary, error) {
	return s.run(ctx)
}

// Last returns the status of the most recent batch, or nil before the first.
func (s *Scheduler) Last() *Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	st := *s.last
	return &st
}

func (s *Scheduler) tick() {
	if until := s.backoffUntil.Load(); until > 0 && s.now().UnixNano() < until {
		return
	}
	s.run(s.ctx)
}

func (s *Scheduler) run(ctx context.Context) (*reconcile.BatchSummary, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	started := s.now()
	summary, err := s.runner.RunBatch(ctx)

	status := &Status{
		StartedAt: started.UTC(),
		Duration:  s.now().Sub(started).Round(time.Millisecond).String(),
		Summary:   summary,
	}
	if err != nil {
		status.Error = err.Error()
		s.handleFailure(err, status)
	} else {
		s.failures.Store(0)
		s.backoffUntil.Store(0)
	}

	s.mu.Lock()
	s.last = status
	s.mu.Unlock()
	return summary, err
}

// handleFailure counts consecutive transport failures and pushes the next
// tick out exponentially.
func (s *Scheduler) handleFailure(err error, status *Status) {
	failures := s.failures.Add(1)
	wait := Backoff(s.interval, int(failures))
	until := s.now().Add(wait)
	s.backoffUntil.Store(until.UnixNano())

	status.Failures = failures
	next := until.UTC()
	status.NextRun = &next

	logging.Log.WithError(err).Errorf("mail transport failed %d times, waiting %s before next poll", failures, wait)
}

// Backoff returns interval * 2^failures, capped at MaxBackoff.
func Backoff(interval time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures > 16 {
		return MaxBackoff
	}
	wait := interval * time.Duration(1<<failures)
	if wait > MaxBackoff || wait <= 0 {
		wait = MaxBackoff
	}
	return wait
}
