package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/your-org/presence/internal/config"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/sentinel"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	return NewPostgresStoreFromDSN(cfg.DSN(), cfg.MaxConns)
}

func NewPostgresStoreFromDSN(dsn string, maxConns int) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Identities ---

const identityColumns = `id, seq, reference_photos, tags, created_at, updated_at`

func scanIdentity(row pgx.Row) (*models.Identity, error) {
	var (
		ident  models.Identity
		photos []string
	)
	if err := row.Scan(&ident.ID, &ident.Seq, &photos, &ident.Tags, &ident.CreatedAt, &ident.UpdatedAt); err != nil {
		return nil, err
	}
	ident.ReferencePhotos = make([]models.PhotoRef, len(photos))
	for i, p := range photos {
		ident.ReferencePhotos[i] = models.PhotoRef(p)
	}
	if ident.Tags == nil {
		ident.Tags = []string{}
	}
	return &ident, nil
}

func (s *PostgresStore) collectIdentities(rows pgx.Rows) ([]models.Identity, error) {
	defer rows.Close()
	out := make([]models.Identity, 0)
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, sentinel.Storage("scan identity", err)
		}
		out = append(out, *ident)
	}
	if err := rows.Err(); err != nil {
		return nil, sentinel.Storage("iterate identities", err)
	}
	return out, nil
}

func (s *PostgresStore) ListIdentities(ctx context.Context, offset, limit int) ([]models.Identity, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM identities`).Scan(&total); err != nil {
		return nil, 0, sentinel.Storage("count identities", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+identityColumns+` FROM identities ORDER BY seq LIMIT $1 OFFSET $2`,
		limit, max(offset, 0))
	if err != nil {
		return nil, 0, sentinel.Storage("list identities", err)
	}
	items, err := s.collectIdentities(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *PostgresStore) ListIdentitiesAfter(ctx context.Context, afterSeq int64, limit int) ([]models.Identity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE seq > $1 ORDER BY seq LIMIT $2`,
		afterSeq, limit)
	if err != nil {
		return nil, sentinel.Storage("list identities", err)
	}
	return s.collectIdentities(rows)
}

func (s *PostgresStore) GetIdentity(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	ident, err := scanIdentity(s.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identityNotFound(id)
		}
		return nil, sentinel.Storage("get identity", err)
	}
	return ident, nil
}

func (s *PostgresStore) CreateIdentity(ctx context.Context, id uuid.UUID, seed models.PhotoRef) (*models.Identity, error) {
	ident, err := scanIdentity(s.pool.QueryRow(ctx,
		`INSERT INTO identities (id, reference_photos, tags) VALUES ($1, $2, '{}')
		 RETURNING `+identityColumns,
		id, []string{string(seed)}))
	if err != nil {
		return nil, sentinel.Storage("create identity", err)
	}
	return ident, nil
}

// AppendPhoto is a single conditional update, so the cap holds even for
// writers that do not take the identity lock.
func (s *PostgresStore) AppendPhoto(ctx context.Context, id uuid.UUID, ref models.PhotoRef, limit int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE identities
		 SET reference_photos = array_append(reference_photos, $2), updated_at = NOW()
		 WHERE id = $1 AND cardinality(reference_photos) < $3`,
		id, string(ref), limit)
	if err != nil {
		return sentinel.Storage("append photo", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	exists, err := s.identityExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return identityNotFound(id)
	}
	return fmt.Errorf("identity %s: %w", id, sentinel.ErrQuotaExceeded)
}

func (s *PostgresStore) RemovePhoto(ctx context.Context, id uuid.UUID, ref models.PhotoRef) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return sentinel.Storage("begin remove photo", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var photos []string
	err = tx.QueryRow(ctx,
		`SELECT reference_photos FROM identities WHERE id = $1 FOR UPDATE`, id).Scan(&photos)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return identityNotFound(id)
		}
		return sentinel.Storage("load photos", err)
	}

	found := false
	for _, p := range photos {
		if p == string(ref) {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("photo %s: %w", ref, sentinel.ErrNotFound)
	}
	if len(photos) == 1 {
		return sentinel.Invalid("cannot remove the last reference photo")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE identities SET reference_photos = array_remove(reference_photos, $2), updated_at = NOW()
		 WHERE id = $1`, id, string(ref)); err != nil {
		return sentinel.Storage("remove photo", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return sentinel.Storage("commit remove photo", err)
	}
	return nil
}

func (s *PostgresStore) AddTag(ctx context.Context, id uuid.UUID, tag string) (*models.Identity, error) {
	return s.updateTags(ctx, id, "add tag",
		`UPDATE identities
		 SET tags = CASE WHEN $2 = ANY(tags) THEN tags ELSE array_append(tags, $2) END,
		     updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+identityColumns, tag)
}

func (s *PostgresStore) RemoveTag(ctx context.Context, id uuid.UUID, tag string) (*models.Identity, error) {
	return s.updateTags(ctx, id, "remove tag",
		`UPDATE identities SET tags = array_remove(tags, $2), updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+identityColumns, tag)
}

func (s *PostgresStore) updateTags(ctx context.Context, id uuid.UUID, op, query, tag string) (*models.Identity, error) {
	ident, err := scanIdentity(s.pool.QueryRow(ctx, query, id, tag))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identityNotFound(id)
		}
		return nil, sentinel.Storage(op, err)
	}
	return ident, nil
}

func (s *PostgresStore) DeleteIdentity(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return sentinel.Storage("delete identity", err)
	}
	if tag.RowsAffected() == 0 {
		return identityNotFound(id)
	}
	return nil
}

func (s *PostgresStore) CountIdentities(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM identities`).Scan(&n); err != nil {
		return 0, sentinel.Storage("count identities", err)
	}
	return n, nil
}

func (s *PostgresStore) identityExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM identities WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, sentinel.Storage("check identity", err)
	}
	return exists, nil
}

// --- Presence events ---

// InsertPresence is idempotent on event ID so retried writes never duplicate.
func (s *PostgresStore) InsertPresence(ctx context.Context, ev *models.PresenceEvent) error {
	var captured *string
	if ev.CapturedPhoto != nil {
		c := string(*ev.CapturedPhoto)
		captured = &c
	}
	tags := ev.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO presence_events
		   (id, identity_id, event_date, event_time, started_at, finished_at, processing_ms, captured_photo, tags, source)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.IdentityID, ev.Date, ev.Time, ev.StartedAt, ev.FinishedAt,
		ev.ProcessingMs, captured, tags, string(ev.Source))
	if err != nil {
		return sentinel.Storage("insert presence event", err)
	}
	return nil
}

const presenceColumns = `id, identity_id, event_date, event_time, started_at, finished_at, processing_ms,
		        captured_photo, tags, source, created_at`

func scanPresence(row pgx.Row) (*models.PresenceEvent, error) {
	var (
		ev       models.PresenceEvent
		captured *string
		source   string
	)
	if err := row.Scan(&ev.ID, &ev.IdentityID, &ev.Date, &ev.Time, &ev.StartedAt, &ev.FinishedAt,
		&ev.ProcessingMs, &captured, &ev.Tags, &source, &ev.CreatedAt); err != nil {
		return nil, err
	}
	if captured != nil {
		ref := models.PhotoRef(*captured)
		ev.CapturedPhoto = &ref
	}
	if ev.Tags == nil {
		ev.Tags = []string{}
	}
	ev.Source = models.PresenceSource(source)
	return &ev, nil
}

func (s *PostgresStore) ListPresence(ctx context.Context, date string, offset, limit int) ([]models.PresenceEvent, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM presence_events WHERE event_date = $1`, date).Scan(&total); err != nil {
		return nil, 0, sentinel.Storage("count presence events", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+presenceColumns+`
		 FROM presence_events
		 WHERE event_date = $1
		 ORDER BY event_date DESC, event_time DESC, started_at DESC
		 LIMIT $2 OFFSET $3`, date, limit, max(offset, 0))
	if err != nil {
		return nil, 0, sentinel.Storage("list presence events", err)
	}
	defer rows.Close()

	events := make([]models.PresenceEvent, 0)
	for rows.Next() {
		ev, err := scanPresence(rows)
		if err != nil {
			return nil, 0, sentinel.Storage("scan presence event", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, sentinel.Storage("iterate presence events", err)
	}
	return events, total, nil
}

func (s *PostgresStore) GetPresence(ctx context.Context, id uuid.UUID) (*models.PresenceEvent, error) {
	ev, err := scanPresence(s.pool.QueryRow(ctx,
		`SELECT `+presenceColumns+` FROM presence_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("presence event %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, sentinel.Storage("get presence event", err)
	}
	return ev, nil
}

func (s *PostgresStore) DeletePresence(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM presence_events WHERE id = $1`, id)
	if err != nil {
		return sentinel.Storage("delete presence event", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("presence event %s: %w", id, sentinel.ErrNotFound)
	}
	return nil
}
