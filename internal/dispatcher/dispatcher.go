// Package dispatcher runs the scheduled-send loop: every poll interval it
// finds emails whose scheduled time has passed, transmits each one once and
// records the outcome.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/premail/premail/internal/config"
	"github.com/premail/premail/internal/database"
	"github.com/premail/premail/internal/logger"
	"github.com/premail/premail/internal/mailer"
	"github.com/premail/premail/internal/model"
	"github.com/premail/premail/internal/repository"
)

// lockKey is the Redis key of the cross-process tick lease
const lockKey = "premail:dispatcher:tick"

// Store is the part of the email store the dispatcher uses
type Store interface {
	ListDue(ctx context.Context, now time.Time, after *repository.DueCursor, limit int) ([]*model.Email, error)
	Claim(ctx context.Context, id string, at time.Time) (bool, error)
	MarkSent(ctx context.Context, id string, o repository.Outcome) (bool, error)
	MarkFailed(ctx context.Context, id string, o repository.Outcome) (bool, error)
	ReclaimStale(ctx context.Context, cutoff, at time.Time) (int64, error)
}

// Locker takes a short lease on a key. It returns database.ErrLockHeld when
// another owner has it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// TickResult summarizes one pass over the due set
type TickResult struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Due       int           `json:"due"`
	Sent      int           `json:"sent"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Reclaimed int64         `json:"reclaimed"`
	// LeaseHeld is set when another process owned the tick lease.
	LeaseHeld bool `json:"leaseHeld,omitempty"`
}

// Status is a point-in-time view of the dispatcher
type Status struct {
	Running      bool        `json:"running"`
	ClaimPolicy  string      `json:"claimPolicy"`
	PollInterval string      `json:"pollInterval"`
	Ticks        int64       `json:"ticks"`
	LastTick     *TickResult `json:"lastTick,omitempty"`
	LastError    string      `json:"lastError,omitempty"`
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLocker enables the cross-process tick lease when
// dispatcher.distributed_lock is set.
func WithLocker(l Locker) Option {
	return func(d *Dispatcher) { d.locker = l }
}

// Dispatcher is the scheduled-send loop
type Dispatcher struct {
	store  Store
	tx     mailer.Transmitter
	cfg    config.DispatcherConfig
	now    func() time.Time
	locker Locker
	log    *logger.Logger

	guard   Guard
	ticking sync.Mutex

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	ticks     int64
	lastTick  *TickResult
	lastError string
}

// New creates a new Dispatcher. Zero config values fall back to defaults.
func New(store Store, tx mailer.Transmitter, cfg config.DispatcherConfig, log *logger.Logger, opts ...Option) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.ClaimPolicy == "" {
		cfg.ClaimPolicy = config.ClaimPolicyClaim
	}
	if cfg.ReclaimAfter <= 0 {
		cfg.ReclaimAfter = 10 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.PollInterval
	}

	d := &Dispatcher{
		store: store,
		tx:    tx,
		cfg:   cfg,
		now:   time.Now,
		log:   log.WithComponent("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the loop in a goroutine. It returns false, and starts
// nothing, if a loop is already running.
func (d *Dispatcher) Start(ctx context.Context) bool {
	// Held until cancel and done are published, so a concurrent Stop
	// either sees them or runs before the guard is taken.
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.guard.TryStart() {
		d.log.Warn().Msg("Dispatcher already running, ignoring start")
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cancel = cancel
	d.done = done

	go func() {
		defer close(done)
		defer d.guard.Stop()
		d.loop(ctx)
	}()
	return true
}

// Run runs the loop in the calling goroutine until ctx is canceled
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.guard.TryStart() {
		return ErrAlreadyRunning
	}
	defer d.guard.Stop()

	d.loop(ctx)
	return nil
}

// Stop cancels the pending sleep and waits for the record in flight, if
// any, to finish. No new records are started.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the loop is active
func (d *Dispatcher) Running() bool {
	return d.guard.Running()
}

// Status returns the current dispatcher status
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Status{
		Running:      d.guard.Running(),
		ClaimPolicy:  d.cfg.ClaimPolicy,
		PollInterval: d.cfg.PollInterval.String(),
		Ticks:        d.ticks,
		LastError:    d.lastError,
	}
	if d.lastTick != nil {
		last := *d.lastTick
		s.LastTick = &last
	}
	return s
}

func (d *Dispatcher) loop(ctx context.Context) {
	d.log.Info().
		Dur("poll_interval", d.cfg.PollInterval).
		Str("claim_policy", d.cfg.ClaimPolicy).
		Int("workers", d.cfg.Workers).
		Msg("Dispatcher started")

	// First tick runs immediately.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("Dispatcher stopped")
			return
		case <-timer.C:
		}

		if _, err := d.Tick(ctx); err != nil {
			d.log.Error().Err(err).Msg("Dispatch tick failed")
		}
		timer.Reset(d.cfg.PollInterval)
	}
}

// Tick performs one pass: reclaim abandoned claims, collect the full due
// set, then attempt each record once. A store failure ends the tick early.
func (d *Dispatcher) Tick(ctx context.Context) (TickResult, error) {
	d.ticking.Lock()
	defer d.ticking.Unlock()

	res, err := d.tick(ctx)

	d.mu.Lock()
	d.ticks++
	d.lastTick = &res
	d.lastError = ""
	if err != nil {
		d.lastError = err.Error()
	}
	d.mu.Unlock()

	return res, err
}

func (d *Dispatcher) tick(ctx context.Context) (res TickResult, err error) {
	now := d.now()
	res.StartedAt = now
	defer func() {
		res.Duration = d.now().Sub(now)
		d.log.TickSummary(res.Due, res.Sent, res.Failed, res.Skipped, res.Duration)
	}()

	if d.cfg.DistributedLock && d.locker != nil {
		release, err := d.locker.TryLock(ctx, lockKey, d.cfg.LockTTL)
		if errors.Is(err, database.ErrLockHeld) {
			d.log.Debug().Msg("Tick lease held elsewhere, skipping tick")
			res.LeaseHeld = true
			return res, nil
		}
		if err != nil {
			return res, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				d.log.Warn().Err(err).Msg("Failed to release tick lease")
			}
		}()
	}

	if d.cfg.ClaimPolicy == config.ClaimPolicyClaim {
		n, err := d.store.ReclaimStale(ctx, now.Add(-d.cfg.ReclaimAfter), now)
		if err != nil {
			return res, storeFailure("reclaim", err)
		}
		if n > 0 {
			d.log.Warn().Int64("count", n).Msg("Reclaimed abandoned sending records")
		}
		res.Reclaimed = n
	}

	due, err := d.collectDue(ctx, now)
	if err != nil {
		return res, err
	}
	res.Due = len(due)
	if len(due) == 0 {
		return res, nil
	}

	if d.cfg.Workers > 1 {
		err = d.dispatchParallel(ctx, due, &res)
	} else {
		err = d.dispatchSequential(ctx, due, &res)
	}
	return res, err
}

// collectDue pages through the due query with a (scheduled_date, id) cursor
// until the set is exhausted. Duplicate ids are dropped.
func (d *Dispatcher) collectDue(ctx context.Context, now time.Time) ([]*model.Email, error) {
	var (
		due    []*model.Email
		seen   = make(map[string]struct{})
		cursor *repository.DueCursor
	)
	for {
		page, err := d.store.ListDue(ctx, now, cursor, d.cfg.PageSize)
		if err != nil {
			return nil, storeFailure("query due emails", err)
		}
		for _, e := range page {
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
			due = append(due, e)
		}
		if len(page) < d.cfg.PageSize {
			return due, nil
		}

		last := page[len(page)-1]
		if last.ScheduledDate == nil {
			return due, nil
		}
		cursor = &repository.DueCursor{ScheduledDate: *last.ScheduledDate, ID: last.ID}
	}
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeSkipped
)

func (r *TickResult) add(o outcome) {
	switch o {
	case outcomeSent:
		r.Sent++
	case outcomeFailed:
		r.Failed++
	case outcomeSkipped:
		r.Skipped++
	}
}

func (d *Dispatcher) dispatchSequential(ctx context.Context, due []*model.Email, res *TickResult) error {
	for i, e := range due {
		if ctx.Err() != nil {
			res.Skipped += len(due) - i
			return nil
		}
		o, err := d.process(ctx, e)
		if err != nil {
			return err
		}
		res.add(o)
	}
	return nil
}

func (d *Dispatcher) dispatchParallel(ctx context.Context, due []*model.Email, res *TickResult) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)

	var mu sync.Mutex
	started := 0
	for _, e := range due {
		if gctx.Err() != nil {
			break
		}
		started++
		g.Go(func() error {
			o, err := d.process(gctx, e)
			if err != nil {
				return err
			}
			mu.Lock()
			res.add(o)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	mu.Lock()
	res.Skipped += len(due) - started
	mu.Unlock()
	return err
}

// process attempts one record. Only store errors are returned; send
// failures become a failed record.
func (d *Dispatcher) process(ctx context.Context, e *model.Email) (outcome, error) {
	log := d.log.WithEmailID(e.ID).WithUserID(e.UserID)

	if d.cfg.ClaimPolicy == config.ClaimPolicyClaim {
		claimCtx, cancel := d.storeContext(ctx)
		claimed, err := d.store.Claim(claimCtx, e.ID, d.now())
		cancel()
		if err != nil {
			return outcomeSkipped, storeFailure("claim", err)
		}
		if !claimed {
			log.Debug().Msg("Email no longer scheduled, skipping")
			return outcomeSkipped, nil
		}
	}

	msg := mailer.Message{
		To:       e.To,
		Cc:       e.Cc,
		Bcc:      e.Bcc,
		Subject:  e.Subject,
		HTMLBody: e.HTMLBody,
		TextBody: e.Body,
	}
	result, attempts, sendErr := d.send(ctx, e.UserID, msg)
	if result != nil && result.RefreshedToken != nil {
		log.Debug().Msg("Credential refreshed during send")
	}

	writeCtx, cancel := d.storeContext(ctx)
	defer cancel()

	if sendErr == nil {
		ok, err := d.store.MarkSent(writeCtx, e.ID, repository.Outcome{
			MessageID: result.MessageID,
			Attempts:  attempts,
			At:        d.now(),
		})
		if err != nil {
			return outcomeSent, storeFailure("mark sent", err)
		}
		if !ok {
			log.Warn().Str("message_id", result.MessageID).Msg("Email changed while sending, outcome not recorded")
		}
		log.Info().Str("message_id", result.MessageID).Int("attempts", attempts).Msg("Scheduled email sent")
		return outcomeSent, nil
	}

	reason := mailer.Reason(sendErr)
	ok, err := d.store.MarkFailed(writeCtx, e.ID, repository.Outcome{
		Reason:   reason,
		Detail:   sendErr.Error(),
		Attempts: attempts,
		At:       d.now(),
	})
	if err != nil {
		return outcomeFailed, storeFailure("mark failed", err)
	}
	if !ok {
		log.Warn().Str("reason", reason).Msg("Email changed while sending, outcome not recorded")
	}
	log.Warn().Err(sendErr).Str("reason", reason).Int("attempts", attempts).Msg("Scheduled email failed")
	return outcomeFailed, nil
}

// storeContext detaches a record's store writes from shutdown so a record
// that was started always reaches a terminal write.
func (d *Dispatcher) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SendTimeout)
}

// send transmits msg, retrying transient failures up to MaxAttempts with
// doubling backoff. Each attempt gets its own timeout and ignores
// cancellation of ctx, which only stops further retries.
func (d *Dispatcher) send(ctx context.Context, userID string, msg mailer.Message) (*mailer.Result, int, error) {
	backoff := d.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SendTimeout)
		result, err := d.tx.Send(sendCtx, userID, msg)
		cancel()

		if err == nil || !mailer.IsTransient(err) || attempt >= d.cfg.MaxAttempts {
			return result, attempt, err
		}

		d.log.Debug().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("Transient send failure, retrying")
		select {
		case <-ctx.Done():
			return result, attempt, err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
