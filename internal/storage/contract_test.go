package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/presence/internal/gallery"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/sentinel"
)

// recordStore is what both backends provide.
type recordStore interface {
	gallery.Store
	InsertPresence(ctx context.Context, ev *models.PresenceEvent) error
	ListPresence(ctx context.Context, date string, offset, limit int) ([]models.PresenceEvent, int, error)
	GetPresence(ctx context.Context, id uuid.UUID) (*models.PresenceEvent, error)
	DeletePresence(ctx context.Context, id uuid.UUID) error
}

var (
	_ recordStore = (*MemoryStore)(nil)
	_ recordStore = (*PostgresStore)(nil)

	_ gallery.ObjectStore = (*MemoryObjects)(nil)
	_ gallery.ObjectStore = (*MinIOStore)(nil)
)

func ref(id uuid.UUID, name string) models.PhotoRef {
	return models.PhotoRef(id.String() + "/" + name + ".png")
}

// runStoreContract exercises the behaviour every backend must share.
// newStore must return an empty store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) recordStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		id := uuid.New()
		created, err := s.CreateIdentity(ctx, id, ref(id, id.String()))
		require.NoError(t, err)
		assert.Equal(t, id, created.ID)
		assert.Equal(t, []models.PhotoRef{ref(id, id.String())}, created.ReferencePhotos)
		assert.Empty(t, created.Tags)
		assert.NotNil(t, created.Tags)

		got, err := s.GetIdentity(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, created.ReferencePhotos, got.ReferencePhotos)
		assert.Equal(t, created.Seq, got.Seq)
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetIdentity(ctx, uuid.New())
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("list in insertion order with total", func(t *testing.T) {
		s := newStore(t)
		var ids []uuid.UUID
		for i := 0; i < 5; i++ {
			id := uuid.New()
			_, err := s.CreateIdentity(ctx, id, ref(id, "seed"))
			require.NoError(t, err)
			ids = append(ids, id)
		}

		page, total, err := s.ListIdentities(ctx, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, page, 2)
		assert.Equal(t, ids[1], page[0].ID)
		assert.Equal(t, ids[2], page[1].ID)

		page, total, err = s.ListIdentities(ctx, 10, 2)
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		assert.Empty(t, page)

		after, err := s.ListIdentitiesAfter(ctx, page0Seq(t, s), 10)
		require.NoError(t, err)
		require.Len(t, after, 4)
		assert.Equal(t, ids[1], after[0].ID)

		n, err := s.CountIdentities(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
	})

	t.Run("append respects cap", func(t *testing.T) {
		s := newStore(t)
		id := uuid.New()
		_, err := s.CreateIdentity(ctx, id, ref(id, "seed"))
		require.NoError(t, err)

		require.NoError(t, s.AppendPhoto(ctx, id, ref(id, "a"), 3))
		require.NoError(t, s.AppendPhoto(ctx, id, ref(id, "b"), 3))
		err = s.AppendPhoto(ctx, id, ref(id, "c"), 3)
		assert.ErrorIs(t, err, sentinel.ErrQuotaExceeded)

		got, err := s.GetIdentity(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []models.PhotoRef{ref(id, "seed"), ref(id, "a"), ref(id, "b")}, got.ReferencePhotos)

		err = s.AppendPhoto(ctx, uuid.New(), ref(id, "x"), 3)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("concurrent appends never exceed cap", func(t *testing.T) {
		s := newStore(t)
		id := uuid.New()
		_, err := s.CreateIdentity(ctx, id, ref(id, "seed"))
		require.NoError(t, err)

		const photoCap = 5
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.AppendPhoto(ctx, id, ref(id, uuid.NewString()), photoCap)
			}()
		}
		wg.Wait()

		got, err := s.GetIdentity(ctx, id)
		require.NoError(t, err)
		assert.Len(t, got.ReferencePhotos, photoCap)
	})

	t.Run("remove photo", func(t *testing.T) {
		s := newStore(t)
		id := uuid.New()
		_, err := s.CreateIdentity(ctx, id, ref(id, "seed"))
		require.NoError(t, err)
		require.NoError(t, s.AppendPhoto(ctx, id, ref(id, "a"), 10))

		assert.ErrorIs(t, s.RemovePhoto(ctx, id, ref(id, "nope")), sentinel.ErrNotFound)
		require.NoError(t, s.RemovePhoto(ctx, id, ref(id, "seed")))

		got, err := s.GetIdentity(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []models.PhotoRef{ref(id, "a")}, got.ReferencePhotos)

		assert.ErrorIs(t, s.RemovePhoto(ctx, id, ref(id, "a")), sentinel.ErrInvalidInput)
		assert.ErrorIs(t, s.RemovePhoto(ctx, uuid.New(), ref(id, "a")), sentinel.ErrNotFound)
	})

	t.Run("tags are set-like", func(t *testing.T) {
		s := newStore(t)
		id := uuid.New()
		_, err := s.CreateIdentity(ctx, id, ref(id, "seed"))
		require.NoError(t, err)

		got, err := s.AddTag(ctx, id, "staff")
		require.NoError(t, err)
		assert.Equal(t, []string{"staff"}, got.Tags)

		got, err = s.AddTag(ctx, id, "staff")
		require.NoError(t, err)
		assert.Equal(t, []string{"staff"}, got.Tags)

		got, err = s.AddTag(ctx, id, "night")
		require.NoError(t, err)
		assert.Equal(t, []string{"staff", "night"}, got.Tags)

		got, err = s.RemoveTag(ctx, id, "staff")
		require.NoError(t, err)
		assert.Equal(t, []string{"night"}, got.Tags)

		_, err = s.AddTag(ctx, uuid.New(), "x")
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
		_, err = s.RemoveTag(ctx, uuid.New(), "x")
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("delete identity", func(t *testing.T) {
		s := newStore(t)
		id := uuid.New()
		_, err := s.CreateIdentity(ctx, id, ref(id, "seed"))
		require.NoError(t, err)

		require.NoError(t, s.DeleteIdentity(ctx, id))
		_, err = s.GetIdentity(ctx, id)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
		assert.ErrorIs(t, s.DeleteIdentity(ctx, id), sentinel.ErrNotFound)
	})

	t.Run("presence list by date ordered newest first", func(t *testing.T) {
		s := newStore(t)
		identityID := uuid.New()
		base := time.Date(2024, 3, 10, 9, 0, 0, 0, time.Local)

		var ids []uuid.UUID
		for i, offset := range []time.Duration{0, 2 * time.Hour, time.Hour} {
			ev := models.NewPresenceEvent(identityID, base.Add(offset), base.Add(offset+time.Second), nil, []string{"t"}, models.SourceSingle)
			ev.ID = uuid.New()
			require.NoError(t, s.InsertPresence(ctx, ev), "event %d", i)
			ids = append(ids, ev.ID)
		}
		other := models.NewPresenceEvent(identityID, base.AddDate(0, 0, 1), base.AddDate(0, 0, 1), nil, nil, models.SourceBatch)
		other.ID = uuid.New()
		require.NoError(t, s.InsertPresence(ctx, other))

		events, total, err := s.ListPresence(ctx, "2024-03-10", 0, 10)
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, events, 3)
		assert.Equal(t, []uuid.UUID{ids[1], ids[2], ids[0]}, []uuid.UUID{events[0].ID, events[1].ID, events[2].ID})
		assert.Equal(t, "11:00:00", events[0].Time)
		assert.Equal(t, []string{"t"}, events[0].Tags)
		assert.Nil(t, events[0].CapturedPhoto)

		page, total, err := s.ListPresence(ctx, "2024-03-10", 2, 10)
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, page, 1)
		assert.Equal(t, ids[0], page[0].ID)
	})

	t.Run("presence insert is idempotent and delete", func(t *testing.T) {
		s := newStore(t)
		captured := models.PhotoRef("a/b.png")
		now := time.Now()
		ev := models.NewPresenceEvent(uuid.New(), now, now, &captured, nil, models.SourceCapture)
		ev.ID = uuid.New()

		require.NoError(t, s.InsertPresence(ctx, ev))
		require.NoError(t, s.InsertPresence(ctx, ev))

		events, total, err := s.ListPresence(ctx, ev.Date, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, events, 1)
		require.NotNil(t, events[0].CapturedPhoto)
		assert.Equal(t, captured, *events[0].CapturedPhoto)

		got, err := s.GetPresence(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, ev.IdentityID, got.IdentityID)
		assert.Equal(t, models.SourceCapture, got.Source)

		require.NoError(t, s.DeletePresence(ctx, ev.ID))
		assert.ErrorIs(t, s.DeletePresence(ctx, ev.ID), sentinel.ErrNotFound)
		_, err = s.GetPresence(ctx, ev.ID)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})
}

func page0Seq(t *testing.T, s recordStore) int64 {
	t.Helper()
	page, _, err := s.ListIdentities(context.Background(), 0, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	return page[0].Seq
}
