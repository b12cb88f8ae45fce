// Package services – ephemeral lifecycle manager
//
// LifecycleManager owns scheduled deletions of delivered messages. Each
// deletion is a row with an absolute fire time, so a restarted process picks
// up where the last one stopped; rows already due at startup run on the first
// dispatch.
//
// State machine per row:
//
//	scheduled --(due, claimed)--> attempting --+--> (row removed)   deleted / already absent
//	    ^                                      +--> scheduled       transient error, backoff
//	    |                                      +--> failed          permanent error or retries exhausted
//	    +------(lease expired: worker crashed)-+
//
// A dispatcher polls for due rows, claims each one with a lease, and hands it
// to a fixed pool of workers. Claims are conditional updates, so several
// processes sharing one database never attempt the same row concurrently.
// Failed deletions are logged and counted; they never reach the end user.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-deeplink-relay/internal/domain"
	"github.com/tbourn/go-deeplink-relay/internal/repo"
)

// LifecycleManager schedules and executes deletions of delivered messages.
type LifecycleManager struct {
	DB        *gorm.DB
	Messenger Messenger

	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Workers        int
	PollInterval   time.Duration
	Lease          time.Duration
	// CallTimeout bounds each delete call to the messenger.
	CallTimeout time.Duration
	// BatchSize caps rows fetched per poll.
	BatchSize int

	// Now defaults to time.Now; tests override it.
	Now func() time.Time

	wakeOnce sync.Once
	wake     chan struct{}
}

// NewLifecycleManager returns a manager with default retry and polling settings.
func NewLifecycleManager(db *gorm.DB, m Messenger) *LifecycleManager {
	return &LifecycleManager{
		DB:             db,
		Messenger:      m,
		MaxAttempts:    5,
		BackoffInitial: 30 * time.Second,
		BackoffMax:     30 * time.Minute,
		Workers:        4,
		PollInterval:   5 * time.Second,
		Lease:          2 * time.Minute,
		CallTimeout:    30 * time.Second,
		BatchSize:      100,
		Now:            time.Now,
	}
}

func (m *LifecycleManager) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

func (m *LifecycleManager) wakeCh() chan struct{} {
	m.wakeOnce.Do(func() { m.wake = make(chan struct{}, 1) })
	return m.wake
}

// Register schedules (chatID, messageID) for deletion after retention.
// Registering the same pair again replaces its fire time; there is never
// more than one pending deletion per message.
func (m *LifecycleManager) Register(ctx context.Context, chatID int64, messageID int, retention time.Duration) error {
	tr := otel.Tracer("services/LifecycleManager")
	ctx, span := tr.Start(ctx, "Register",
		trace.WithAttributes(
			attribute.Int64("chat.id", chatID),
			attribute.Int("message.id", messageID),
		),
	)
	defer span.End()

	now := m.now()
	if err := repo.UpsertDeletion(ctx, m.DB, chatID, messageID, now.Add(retention), now); err != nil {
		span.RecordError(err)
		return fmt.Errorf("register deletion: %w", err)
	}
	if retention <= m.PollInterval {
		select {
		case m.wakeCh() <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run dispatches due deletions until ctx is cancelled. It processes rows
// already due immediately, then polls every PollInterval.
func (m *LifecycleManager) Run(ctx context.Context) error {
	workers := m.Workers
	if workers < 1 {
		workers = 1
	}
	poll := m.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}

	jobs := make(chan domain.ScheduledDeletion)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range jobs {
				m.process(ctx, d)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	log.Info().Int("workers", workers).Dur("poll", poll).Msg("deletion lifecycle started")

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if err := m.dispatch(ctx, func(d domain.ScheduledDeletion) bool {
			select {
			case jobs <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("deletion dispatch failed")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("deletion lifecycle stopped")
			return nil
		case <-ticker.C:
		case <-m.wakeCh():
		}
	}
}

// RunOnce processes every deletion due now on the calling goroutine.
func (m *LifecycleManager) RunOnce(ctx context.Context) error {
	return m.dispatch(ctx, func(d domain.ScheduledDeletion) bool {
		m.process(ctx, d)
		return true
	})
}

// dispatch claims due rows batch by batch and passes each claimed row to
// handle. It stops early when handle returns false.
func (m *LifecycleManager) dispatch(ctx context.Context, handle func(domain.ScheduledDeletion) bool) error {
	batch := m.BatchSize
	if batch <= 0 {
		batch = 100
	}
	for {
		now := m.now()
		due, err := repo.DueDeletions(ctx, m.DB, now, batch)
		if err != nil {
			return err
		}
		claimed := 0
		for _, d := range due {
			ok, err := repo.ClaimDeletion(ctx, m.DB, d.ID, now, now.Add(m.Lease))
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			claimed++
			d.Status = domain.DeletionAttempting
			if !handle(d) {
				return ctx.Err()
			}
		}
		// A short or fully contended batch means nothing else is due.
		if len(due) < batch || claimed == 0 {
			return nil
		}
	}
}

// process performs one delete attempt for a claimed row.
func (m *LifecycleManager) process(ctx context.Context, d domain.ScheduledDeletion) {
	callCtx := ctx
	var cancel context.CancelFunc = func() {}
	if m.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, m.CallTimeout)
	}
	res, err := m.Messenger.Delete(callCtx, d.ChatID, d.MessageID)
	cancel()

	if ctx.Err() != nil {
		// Shutting down: leave the row leased; it is retried after the lease expires.
		return
	}

	// Bookkeeping outlives the call deadline.
	bctx, bcancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer bcancel()
	now := m.now()
	lg := log.With().Int64("chat_id", d.ChatID).Int("message_id", d.MessageID).Logger()

	if err == nil {
		if rerr := repo.RemoveDeletion(bctx, m.DB, d.ID); rerr != nil {
			lg.Error().Err(rerr).Msg("remove deletion row")
		}
		deletionsProcessed.WithLabelValues(res.String()).Inc()
		return
	}

	attempts := d.Attempts + 1
	if errors.Is(err, ErrPermanent) || attempts >= m.MaxAttempts {
		if ferr := repo.FailDeletion(bctx, m.DB, d.ID, attempts, err.Error(), now); ferr != nil {
			lg.Error().Err(ferr).Msg("mark deletion failed")
		}
		deletionsProcessed.WithLabelValues("failed").Inc()
		lg.Warn().Err(err).Int("attempts", attempts).Msg("giving up on message deletion")
		return
	}

	wait := m.backoff(attempts)
	if rerr := repo.RescheduleDeletion(bctx, m.DB, d.ID, attempts, now.Add(wait), err.Error(), now); rerr != nil {
		lg.Error().Err(rerr).Msg("reschedule deletion")
	}
	deletionsProcessed.WithLabelValues("retry").Inc()
	lg.Debug().Err(err).Int("attempts", attempts).Dur("retry_in", wait).Msg("deletion retry scheduled")
}

// backoff returns the delay before retry number attempts (1-based):
// BackoffInitial doubled per attempt, capped at BackoffMax.
func (m *LifecycleManager) backoff(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.BackoffInitial
	b.MaxInterval = m.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// LifecycleStats counts deletion rows by state.
type LifecycleStats struct {
	Scheduled  int64 `json:"scheduled"`
	Attempting int64 `json:"attempting"`
	Failed     int64 `json:"failed"`
}

// Stats returns current row counts by state.
func (m *LifecycleManager) Stats(ctx context.Context) (LifecycleStats, error) {
	counts, err := repo.CountDeletionsByStatus(ctx, m.DB)
	if err != nil {
		return LifecycleStats{}, err
	}
	return LifecycleStats{
		Scheduled:  counts[domain.DeletionScheduled],
		Attempting: counts[domain.DeletionAttempting],
		Failed:     counts[domain.DeletionFailed],
	}, nil
}
