package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/sentinel"
)

// MemoryStore keeps identities and presence events in process. It satisfies
// the same contracts as PostgresStore and backs the "memory" storage backend.
type MemoryStore struct {
	mu         sync.RWMutex
	seq        int64
	identities []*models.Identity // ordered by Seq
	byID       map[uuid.UUID]*models.Identity
	events     map[uuid.UUID]*models.PresenceEvent
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[uuid.UUID]*models.Identity),
		events: make(map[uuid.UUID]*models.PresenceEvent),
		now:    time.Now,
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// --- Identities ---

func (s *MemoryStore) ListIdentities(_ context.Context, offset, limit int) ([]models.Identity, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.identities)
	if offset < 0 {
		offset = 0
	}
	if offset >= total || limit <= 0 {
		return []models.Identity{}, total, nil
	}
	end := min(offset+limit, total)

	out := make([]models.Identity, 0, end-offset)
	for _, ident := range s.identities[offset:end] {
		out = append(out, *ident.Clone())
	}
	return out, total, nil
}

func (s *MemoryStore) ListIdentitiesAfter(_ context.Context, afterSeq int64, limit int) ([]models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := sort.Search(len(s.identities), func(i int) bool {
		return s.identities[i].Seq > afterSeq
	})
	out := make([]models.Identity, 0)
	for _, ident := range s.identities[start:] {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, *ident.Clone())
	}
	return out, nil
}

func (s *MemoryStore) GetIdentity(_ context.Context, id uuid.UUID) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ident, ok := s.byID[id]
	if !ok {
		return nil, identityNotFound(id)
	}
	return ident.Clone(), nil
}

func (s *MemoryStore) CreateIdentity(_ context.Context, id uuid.UUID, seed models.PhotoRef) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[id]; exists {
		return nil, sentinel.Storage("create identity", fmt.Errorf("identity %s already exists", id))
	}
	s.seq++
	now := s.now()
	ident := &models.Identity{
		ID:              id,
		Seq:             s.seq,
		ReferencePhotos: []models.PhotoRef{seed},
		Tags:            []string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.identities = append(s.identities, ident)
	s.byID[id] = ident

	return ident.Clone(), nil
}

func (s *MemoryStore) AppendPhoto(_ context.Context, id uuid.UUID, ref models.PhotoRef, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.byID[id]
	if !ok {
		return identityNotFound(id)
	}
	if len(ident.ReferencePhotos) >= limit {
		return fmt.Errorf("identity %s: %w", id, sentinel.ErrQuotaExceeded)
	}
	ident.ReferencePhotos = append(ident.ReferencePhotos, ref)
	ident.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) RemovePhoto(_ context.Context, id uuid.UUID, ref models.PhotoRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.byID[id]
	if !ok {
		return identityNotFound(id)
	}
	idx := -1
	for i, p := range ident.ReferencePhotos {
		if p == ref {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("photo %s: %w", ref, sentinel.ErrNotFound)
	}
	if len(ident.ReferencePhotos) == 1 {
		return sentinel.Invalid("cannot remove the last reference photo")
	}
	ident.ReferencePhotos = append(ident.ReferencePhotos[:idx:idx], ident.ReferencePhotos[idx+1:]...)
	ident.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) AddTag(_ context.Context, id uuid.UUID, tag string) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.byID[id]
	if !ok {
		return nil, identityNotFound(id)
	}
	if !ident.HasTag(tag) {
		ident.Tags = append(ident.Tags, tag)
		ident.UpdatedAt = s.now()
	}
	return ident.Clone(), nil
}

func (s *MemoryStore) RemoveTag(_ context.Context, id uuid.UUID, tag string) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.byID[id]
	if !ok {
		return nil, identityNotFound(id)
	}
	kept := ident.Tags[:0:0]
	for _, t := range ident.Tags {
		if t != tag {
			kept = append(kept, t)
		}
	}
	if len(kept) != len(ident.Tags) {
		ident.Tags = kept
		ident.UpdatedAt = s.now()
	}
	return ident.Clone(), nil
}

func (s *MemoryStore) DeleteIdentity(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return identityNotFound(id)
	}
	delete(s.byID, id)
	for i, ident := range s.identities {
		if ident.ID == id {
			s.identities = append(s.identities[:i], s.identities[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) CountIdentities(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.identities), nil
}

// --- Presence events ---

// InsertPresence is idempotent on event ID.
func (s *MemoryStore) InsertPresence(_ context.Context, ev *models.PresenceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[ev.ID]; exists {
		return nil
	}
	cp := *ev
	cp.Tags = append([]string{}, ev.Tags...)
	s.events[ev.ID] = &cp
	return nil
}

func (s *MemoryStore) ListPresence(_ context.Context, date string, offset, limit int) ([]models.PresenceEvent, int, error) {
	s.mu.RLock()
	matched := make([]models.PresenceEvent, 0)
	for _, ev := range s.events {
		if ev.Date == date {
			cp := *ev
			cp.Tags = append([]string{}, ev.Tags...)
			matched = append(matched, cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if c := strings.Compare(a.Date, b.Date); c != 0 {
			return c > 0
		}
		if c := strings.Compare(a.Time, b.Time); c != 0 {
			return c > 0
		}
		return a.StartedAt.After(b.StartedAt)
	})

	total := len(matched)
	if offset < 0 {
		offset = 0
	}
	if offset >= total || limit <= 0 {
		return []models.PresenceEvent{}, total, nil
	}
	return matched[offset:min(offset+limit, total)], total, nil
}

func (s *MemoryStore) GetPresence(_ context.Context, id uuid.UUID) (*models.PresenceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("presence event %s: %w", id, sentinel.ErrNotFound)
	}
	cp := *ev
	cp.Tags = append([]string{}, ev.Tags...)
	return &cp, nil
}

func (s *MemoryStore) DeletePresence(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[id]; !ok {
		return fmt.Errorf("presence event %s: %w", id, sentinel.ErrNotFound)
	}
	delete(s.events, id)
	return nil
}

func identityNotFound(id uuid.UUID) error {
	return fmt.Errorf("identity %s: %w", id, sentinel.ErrNotFound)
}

// MemoryObjects is an in-process object store for the "memory" backend.
type MemoryObjects struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryObjects() *MemoryObjects {
	return &MemoryObjects{objects: make(map[string][]byte)}
}

func (m *MemoryObjects) PutObject(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryObjects) GetObject(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, sentinel.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryObjects) DeleteObject(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryObjects) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
		}
	}
	return nil
}

// Keys lists stored keys under prefix in lexical order.
func (m *MemoryObjects) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *MemoryObjects) Ping(context.Context) error { return nil }
