// Package presence keeps the append-only attendance log.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/internal/sentinel"
)

// Store persists presence events. InsertPresence must be idempotent on the
// event ID, since failed writes are retried with the same ID.
type Store interface {
	InsertPresence(ctx context.Context, ev *models.PresenceEvent) error
	ListPresence(ctx context.Context, date string, offset, limit int) ([]models.PresenceEvent, int, error)
	GetPresence(ctx context.Context, id uuid.UUID) (*models.PresenceEvent, error)
	DeletePresence(ctx context.Context, id uuid.UUID) error
}

// Notifier is told about every recorded event.
type Notifier interface {
	NotifyPresence(ctx context.Context, ev *models.PresenceEvent) error
}

type Options struct {
	// Retries is the number of attempts after the first failed write.
	Retries int
	// Backoff is the delay step; attempt n waits n*Backoff.
	Backoff time.Duration
	Now     func() time.Time
}

type Recorder struct {
	store    Store
	notifier Notifier
	opts     Options
}

// NewRecorder builds a recorder. notifier may be nil.
func NewRecorder(store Store, notifier Notifier, opts Options) *Recorder {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{store: store, notifier: notifier, opts: opts}
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

// Record writes ev, retrying transient failures. The event ID is assigned
// here when unset. A write that still fails is reported as ErrStorage.
func (r *Recorder) Record(ctx context.Context, ev *models.PresenceEvent) (uuid.UUID, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			observability.PresenceRecordRetries.Inc()
		}
		err := r.store.InsertPresence(ctx, ev)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: r.opts.Backoff}, uint64(r.opts.Retries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		slog.Error("record presence event failed",
			"event_id", ev.ID, "identity_id", ev.IdentityID, "attempts", attempt, "error", err)
		return uuid.Nil, sentinel.Storage("record presence", err)
	}

	observability.PresenceEvents.WithLabelValues(string(ev.Source)).Inc()

	if r.notifier != nil {
		if err := r.notifier.NotifyPresence(ctx, ev); err != nil {
			slog.Warn("notify presence event", "event_id", ev.ID, "error", err)
		}
	}
	return ev.ID, nil
}

// List returns one day's events, newest first. An empty date means today in
// local time; the resolved date is returned alongside the page.
func (r *Recorder) List(ctx context.Context, date string, offset, limit int) ([]models.PresenceEvent, int, string, error) {
	if date == "" {
		date = r.opts.Now().Local().Format(models.DateLayout)
	} else if _, err := time.Parse(models.DateLayout, date); err != nil {
		return nil, 0, "", sentinel.Invalid(fmt.Sprintf("date %q is not YYYY-MM-DD", date))
	}

	events, total, err := r.store.ListPresence(ctx, date, offset, limit)
	if err != nil {
		return nil, 0, "", err
	}
	return events, total, date, nil
}

// Lookup fetches one event; unknown IDs yield sentinel.ErrNotFound.
func (r *Recorder) Lookup(ctx context.Context, id uuid.UUID) (*models.PresenceEvent, error) {
	ev, err := r.store.GetPresence(ctx, id)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, sentinel.Storage("get presence event", err)
	}
	return ev, err
}

func (r *Recorder) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.store.DeletePresence(ctx, id); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return err
		}
		return sentinel.Storage("delete presence event", err)
	}
	return nil
}
