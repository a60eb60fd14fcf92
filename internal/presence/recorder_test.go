package presence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/presence"
	"github.com/your-org/presence/internal/sentinel"
	"github.com/your-org/presence/internal/storage"
)

// flakyStore fails the first failures inserts.
type flakyStore struct {
	*storage.MemoryStore
	mu       sync.Mutex
	failures int
	attempts int
}

func (s *flakyStore) InsertPresence(ctx context.Context, ev *models.PresenceEvent) error {
	s.mu.Lock()
	s.attempts++
	fail := s.attempts <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return s.MemoryStore.InsertPresence(ctx, ev)
}

type captureNotifier struct {
	mu     sync.Mutex
	events []*models.PresenceEvent
	err    error
}

func (n *captureNotifier) NotifyPresence(_ context.Context, ev *models.PresenceEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func newEvent(startedAt time.Time) *models.PresenceEvent {
	return models.NewPresenceEvent(uuid.New(), startedAt, startedAt.Add(150*time.Millisecond), nil, []string{"staff"}, models.SourceSingle)
}

func TestRecordRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(), failures: 2}
	notifier := &captureNotifier{}
	r := presence.NewRecorder(store, notifier, presence.Options{Retries: 3, Backoff: time.Millisecond})

	ev := newEvent(time.Now())
	id, err := r.Record(context.Background(), ev)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	assert.Equal(t, 3, store.attempts)

	events, total, _, err := r.List(context.Background(), ev.Date, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, id, events[0].ID)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, id, notifier.events[0].ID)
}

func TestRecordGivesUpAsStorageFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(), failures: 100}
	notifier := &captureNotifier{}
	r := presence.NewRecorder(store, notifier, presence.Options{Retries: 2, Backoff: time.Millisecond})

	_, err := r.Record(context.Background(), newEvent(time.Now()))
	assert.ErrorIs(t, err, sentinel.ErrStorage)
	assert.Equal(t, 3, store.attempts)
	assert.Empty(t, notifier.events)
}

func TestRecordNotifierErrorIsNotFatal(t *testing.T) {
	r := presence.NewRecorder(storage.NewMemoryStore(), &captureNotifier{err: errors.New("nats down")}, presence.Options{})

	_, err := r.Record(context.Background(), newEvent(time.Now()))
	assert.NoError(t, err)
}

func TestListDefaultsToToday(t *testing.T) {
	today := time.Date(2024, 5, 2, 14, 0, 0, 0, time.Local)
	r := presence.NewRecorder(storage.NewMemoryStore(), nil, presence.Options{Now: func() time.Time { return today }})
	ctx := context.Background()

	_, err := r.Record(ctx, newEvent(today))
	require.NoError(t, err)
	_, err = r.Record(ctx, newEvent(today.AddDate(0, 0, -1)))
	require.NoError(t, err)

	events, total, date, err := r.List(ctx, "", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-02", date)
	assert.Equal(t, 1, total)
	require.Len(t, events, 1)
	assert.Equal(t, "14:00:00", events[0].Time)
	assert.Equal(t, int64(150), events[0].ProcessingMs)
}

func TestListRejectsMalformedDate(t *testing.T) {
	r := presence.NewRecorder(storage.NewMemoryStore(), nil, presence.Options{})
	_, _, _, err := r.List(context.Background(), "02/05/2024", 0, 10)
	assert.ErrorIs(t, err, sentinel.ErrInvalidInput)
}

func TestDelete(t *testing.T) {
	r := presence.NewRecorder(storage.NewMemoryStore(), nil, presence.Options{})
	ctx := context.Background()

	id, err := r.Record(ctx, newEvent(time.Now()))
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, id))
	assert.ErrorIs(t, r.Delete(ctx, id), sentinel.ErrNotFound)
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	r := presence.NewRecorder(storage.NewMemoryStore(), nil, presence.Options{})

	id, err := r.Record(ctx, newEvent(time.Now()))
	require.NoError(t, err)

	ev, err := r.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, ev.ID)
	assert.Equal(t, []string{"staff"}, ev.Tags)

	_, err = r.Lookup(ctx, uuid.New())
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}
