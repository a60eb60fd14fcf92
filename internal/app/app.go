// Package app builds the service graph shared by the API and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/your-org/presence/internal/api"
	"github.com/your-org/presence/internal/api/handlers"
	"github.com/your-org/presence/internal/api/ws"
	"github.com/your-org/presence/internal/config"
	"github.com/your-org/presence/internal/gallery"
	"github.com/your-org/presence/internal/ingest"
	"github.com/your-org/presence/internal/locks"
	"github.com/your-org/presence/internal/matcher"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/presence"
	"github.com/your-org/presence/internal/queue"
	"github.com/your-org/presence/internal/recognition"
	"github.com/your-org/presence/internal/sentinel"
	"github.com/your-org/presence/internal/storage"
	"github.com/your-org/presence/internal/verify"
)

// store is what both the gallery and the presence log need from persistence.
type store interface {
	gallery.Store
	presence.Store
}

type Options struct {
	// Hub receives presence events directly when no NATS server is
	// configured. It may be nil.
	Hub *ws.Hub
	// Verifier overrides the configured verifier backend.
	Verifier verify.Verifier
}

type Services struct {
	Config      *config.Config
	Gallery     *gallery.Gallery
	Recorder    *presence.Recorder
	Recognition *recognition.Service
	// Producer is nil when NATS is not configured.
	Producer *queue.Producer
	Checks   map[string]handlers.Pinger

	closers []func()
}

// New connects the configured backends and wires the recognition service.
// On error everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, opts Options) (svc *Services, err error) {
	s := &Services{Config: cfg, Checks: map[string]handlers.Pinger{}}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	st, err := s.openStore(ctx)
	if err != nil {
		return nil, err
	}
	objects, err := s.openObjects(ctx)
	if err != nil {
		return nil, err
	}
	locker, err := s.openLocker()
	if err != nil {
		return nil, err
	}

	verifier := opts.Verifier
	if verifier == nil {
		v, closeVerifier, err := verify.New(cfg.Verifier, cfg.Vision)
		if err != nil {
			return nil, fmt.Errorf("init verifier: %w", err)
		}
		s.closers = append(s.closers, closeVerifier)
		verifier = v
	}

	photos := gallery.NewPhotoManager(objects, cfg.Gallery.PhotoCap)
	s.Gallery = gallery.New(st, photos, locker, cfg.Gallery.PublicBaseURL)

	m := matcher.NewLinear(s.Gallery, photos, verifier, matcher.Options{
		Parallelism: cfg.Matcher.Parallelism,
		PageSize:    cfg.Matcher.PageSize,
		Timeout:     cfg.Verifier.Timeout,
	})

	var notifier presence.Notifier
	if cfg.NATS.URL != "" {
		producer, err := queue.NewProducer(cfg.NATS.URL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, producer.Close)
		if err := producer.EnsureStreams(ctx); err != nil {
			return nil, err
		}
		s.Producer = producer
		s.Checks["nats"] = producer
		notifier = producer
	} else if opts.Hub != nil {
		notifier = &api.HubNotifier{Hub: opts.Hub, PhotoURL: s.Gallery.PhotoURL}
	}

	s.Recorder = presence.NewRecorder(st, notifier, presence.Options{
		Retries: cfg.Presence.RecordRetries,
		Backoff: cfg.Presence.RetryBackoff,
	})

	s.Recognition = recognition.NewService(s.Gallery, m, s.Recorder, locker,
		ingest.NewFFmpegExtractor(cfg.Video.FFmpegPath, cfg.Video.FrameWidth),
		recognition.Options{
			Recheck:     cfg.Enrollment.Recheck,
			FrameStride: cfg.Video.FrameStride,
		})

	slog.Info("services ready",
		"storage", cfg.Storage.Backend,
		"objects", cfg.Storage.Objects,
		"verifier", cfg.Verifier.Backend,
		"shared_locks", cfg.Locks.RedisURL != "",
		"queue", s.Producer != nil,
	)
	return s, nil
}

func (s *Services) openStore(ctx context.Context) (store, error) {
	if s.Config.Storage.Backend == "memory" {
		return storage.NewMemoryStore(), nil
	}

	db, err := storage.NewPostgresStore(s.Config.Database)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, db.Close)
	if err := db.Migrate(ctx); err != nil {
		return nil, err
	}
	s.Checks["postgres"] = db
	return db, nil
}

func (s *Services) openObjects(ctx context.Context) (gallery.ObjectStore, error) {
	if s.Config.Storage.Objects == "memory" {
		return storage.NewMemoryObjects(), nil
	}

	minioStore, err := storage.NewMinIOStore(s.Config.MinIO)
	if err != nil {
		return nil, err
	}
	if err := minioStore.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	s.Checks["minio"] = minioStore
	return minioStore, nil
}

func (s *Services) openLocker() (locks.Locker, error) {
	if s.Config.Locks.RedisURL == "" {
		return locks.NewKeyedMutex(), nil
	}

	locker, err := locks.NewRedisLocker(s.Config.Locks.RedisURL, s.Config.Locks.TTL, s.Config.Locks.RetryDelay)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() {
		if err := locker.Close(); err != nil {
			slog.Warn("close redis locker", "error", err)
		}
	})
	s.Checks["redis"] = locker
	return locker, nil
}

// HandleCapture recognizes a queued capture. A redelivered task returns the
// outcome already recorded for its ID. Captures that can never succeed are
// marked permanent so the queue drops them.
func (s *Services) HandleCapture(ctx context.Context, task *models.CaptureTask) error {
	observed := task.CapturedAt
	probe := recognition.Probe{Image: task.Image, Source: task.Source, CaptureID: task.ID}
	if !observed.IsZero() {
		probe.ObservedAt = &observed
	}

	res, err := s.Recognition.Recognize(ctx, probe)
	if errors.Is(err, sentinel.ErrInvalidInput) {
		return queue.Permanent(fmt.Errorf("capture %s: %w", task.ID, err))
	}
	if err != nil {
		return fmt.Errorf("capture %s: %w", task.ID, err)
	}

	slog.Debug("capture processed", "capture_id", task.ID, "identity_id", res.IdentityID, "event_id", res.EventID)
	return nil
}

// Close releases backends in reverse order of opening.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
