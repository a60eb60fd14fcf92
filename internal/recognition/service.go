// Package recognition resolves probes to identities and records presence.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/presence/internal/gallery"
	"github.com/your-org/presence/internal/ingest"
	"github.com/your-org/presence/internal/locks"
	"github.com/your-org/presence/internal/matcher"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/internal/sentinel"
)

// enrollmentKey is the lock key of the global enrollment critical section.
// Identity keys are UUIDs and never collide with it.
const enrollmentKey = "enrollment"

func captureKey(id uuid.UUID) string { return "capture:" + id.String() }

// Gallery is the subset of gallery.Gallery the service drives.
type Gallery interface {
	Enroll(ctx context.Context, png []byte) (*models.Identity, error)
	Append(ctx context.Context, id uuid.UUID, png []byte) (gallery.AppendResult, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Identity, error)
	PhotoURL(ref models.PhotoRef) string
}

type Recorder interface {
	Record(ctx context.Context, ev *models.PresenceEvent) (uuid.UUID, error)
	// Lookup returns sentinel.ErrNotFound for an unknown event.
	Lookup(ctx context.Context, id uuid.UUID) (*models.PresenceEvent, error)
}

// FrameSource splits a video into sampled frames.
type FrameSource interface {
	Frames(ctx context.Context, video io.Reader, stride int, fn ingest.FrameCallback) error
}

type Probe struct {
	Image []byte
	// ObservedAt is the client capture time; nil means now.
	ObservedAt *time.Time
	Source     models.PresenceSource
	// CaptureID makes processing at-most-once per capture: it becomes the
	// presence event ID, and a capture that already has an event returns
	// that event's outcome without touching the gallery.
	CaptureID uuid.UUID
}

type Result struct {
	IdentityID      uuid.UUID
	Tags            []string
	PrimaryPhoto    models.PhotoRef
	PrimaryPhotoURL string
	CapturedPhoto   models.PhotoRef
	IsNew           bool
	Linked          bool
	// Replayed is set when the capture had been recorded before.
	Replayed        bool
	EventID         uuid.UUID
	ProcessingMs    int64
}

type Options struct {
	// Recheck re-scans identities enrolled since the first scan before a new
	// identity is created.
	Recheck     bool
	FrameStride int

	// CommitTimeout bounds the gallery and presence writes that follow a
	// resolved probe. They run detached from the caller's cancellation.
	CommitTimeout time.Duration
	Now           func() time.Time
}

type Service struct {
	gallery  Gallery
	matcher  matcher.Matcher
	recorder Recorder
	locker   locks.Locker
	frames   FrameSource
	opts     Options
}

// NewService wires the orchestrator. locker guards enrollment; frames may be
// nil when video processing is not offered.
func NewService(g Gallery, m matcher.Matcher, recorder Recorder, locker locks.Locker, frames FrameSource, opts Options) *Service {
	if opts.FrameStride < 1 {
		opts.FrameStride = 2
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		gallery:  g,
		matcher:  m,
		recorder: recorder,
		locker:   locker,
		frames:   frames,
		opts:     opts,
	}
}

// outcome is the gallery side of one recognition.
type outcome struct {
	identity *models.Identity
	captured models.PhotoRef
	isNew    bool
	linked   bool
}

// Recognize resolves the probe to an existing identity or enrolls a new one,
// then records a presence event. Success means the photo and the event are
// both persisted.
func (s *Service) Recognize(ctx context.Context, p Probe) (Result, error) {
	startedAt := s.opts.Now()
	if p.ObservedAt != nil {
		startedAt = *p.ObservedAt
	}
	if p.Source == "" {
		p.Source = models.SourceSingle
	}
	timer := time.Now()

	res, err := s.recognize(ctx, p, startedAt)
	observability.RecognitionDuration.WithLabelValues(string(p.Source)).Observe(time.Since(timer).Seconds())
	if err != nil {
		observability.Recognitions.WithLabelValues(string(p.Source), "error").Inc()
		return Result{}, err
	}

	label := "matched"
	switch {
	case res.Replayed:
		label = "replayed"
	case res.IsNew:
		label = "enrolled"
	}
	observability.Recognitions.WithLabelValues(string(p.Source), label).Inc()
	return res, nil
}

func (s *Service) recognize(ctx context.Context, p Probe, startedAt time.Time) (Result, error) {
	png, err := NormalizeImage(p.Image)
	if err != nil {
		return Result{}, err
	}

	if p.CaptureID != uuid.Nil {
		unlock, err := s.locker.Lock(ctx, captureKey(p.CaptureID))
		if err != nil {
			return Result{}, fmt.Errorf("lock capture %s: %w", p.CaptureID, err)
		}
		defer unlock()

		res, done, err := s.replay(ctx, p.CaptureID)
		if err != nil || done {
			return res, err
		}
	}

	match, err := s.matcher.Resolve(ctx, png)
	if err != nil {
		return Result{}, fmt.Errorf("resolve probe: %w", err)
	}

	// From here on the identity is mutated; the audit record must follow
	// even if the caller has gone away.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CommitTimeout)
	defer cancel()

	var out outcome
	linkedExisting := false
	if match.Matched {
		out, linkedExisting, err = s.appendCapture(commitCtx, match.IdentityID, png)
		if err != nil {
			return Result{}, err
		}
	}
	if !linkedExisting {
		out, err = s.enroll(ctx, commitCtx, png, match.LastSeq)
		if err != nil {
			return Result{}, err
		}
	}

	identity, err := s.refresh(commitCtx, out.identity)
	if err != nil {
		return Result{}, err
	}

	finishedAt := s.opts.Now()
	captured := out.captured
	ev := models.NewPresenceEvent(identity.ID, startedAt, finishedAt, &captured, identity.Tags, p.Source)
	ev.ID = p.CaptureID
	eventID, err := s.recorder.Record(commitCtx, ev)
	if err != nil {
		return Result{}, err
	}

	slog.Info("probe recognized",
		"identity_id", identity.ID,
		"new", out.isNew,
		"linked", out.linked,
		"source", p.Source,
		"comparisons", match.Comparisons,
		"processing_ms", ev.ProcessingMs,
	)

	primary := identity.PrimaryPhoto()
	return Result{
		IdentityID:      identity.ID,
		Tags:            identity.Tags,
		PrimaryPhoto:    primary,
		PrimaryPhotoURL: s.gallery.PhotoURL(primary),
		CapturedPhoto:   out.captured,
		IsNew:           out.isNew,
		Linked:          out.linked,
		EventID:         eventID,
		ProcessingMs:    ev.ProcessingMs,
	}, nil
}

// appendCapture adds the capture to a matched identity. ok is false when the
// identity disappeared after the scan and the probe must be enrolled.
func (s *Service) appendCapture(ctx context.Context, id uuid.UUID, png []byte) (outcome, bool, error) {
	ar, err := s.gallery.Append(ctx, id, png)
	if errors.Is(err, sentinel.ErrNotFound) {
		slog.Info("matched identity deleted before append, enrolling probe", "identity_id", id)
		return outcome{}, false, nil
	}
	if err != nil {
		return outcome{}, false, err
	}
	return outcome{identity: ar.Identity, captured: ar.Captured, linked: ar.Linked}, true, nil
}

// enroll runs the global enrollment critical section. With re-check enabled,
// identities enrolled after the first scan (Seq > afterSeq) are compared
// first, so concurrent probes of one unseen face converge on one identity.
// Waiting for the section and the re-check follow ctx; writes use commitCtx.
func (s *Service) enroll(ctx, commitCtx context.Context, png []byte, afterSeq int64) (outcome, error) {
	unlock, err := s.locker.Lock(ctx, enrollmentKey)
	if err != nil {
		return outcome{}, fmt.Errorf("lock enrollment: %w", err)
	}
	defer unlock()

	if s.opts.Recheck {
		again, err := s.matcher.ResolveAfter(ctx, png, afterSeq)
		if err != nil {
			return outcome{}, fmt.Errorf("re-check probe: %w", err)
		}
		if again.Matched {
			out, ok, err := s.appendCapture(commitCtx, again.IdentityID, png)
			if err != nil || ok {
				return out, err
			}
		}
	}

	identity, err := s.gallery.Enroll(commitCtx, png)
	if err != nil {
		return outcome{}, err
	}
	return outcome{identity: identity, captured: identity.PrimaryPhoto(), isNew: true, linked: true}, nil
}

// replay returns the outcome of a capture that was already recorded. done is
// false when no event exists yet.
func (s *Service) replay(ctx context.Context, captureID uuid.UUID) (Result, bool, error) {
	ev, err := s.recorder.Lookup(ctx, captureID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, sentinel.Storage("look up capture", err)
	}

	res := Result{
		IdentityID:   ev.IdentityID,
		Tags:         ev.Tags,
		Replayed:     true,
		EventID:      ev.ID,
		ProcessingMs: ev.ProcessingMs,
	}
	if ev.CapturedPhoto != nil {
		res.CapturedPhoto = *ev.CapturedPhoto
	}
	if identity, err := s.gallery.Get(ctx, ev.IdentityID); err == nil {
		res.Tags = identity.Tags
		res.PrimaryPhoto = identity.PrimaryPhoto()
		res.PrimaryPhotoURL = s.gallery.PhotoURL(res.PrimaryPhoto)
	}

	slog.Info("capture already recorded", "capture_id", captureID, "identity_id", ev.IdentityID)
	return res, true, nil
}

// refresh re-reads the identity so the response carries tags added while the
// probe was processed. A concurrently deleted identity keeps its snapshot.
func (s *Service) refresh(ctx context.Context, snapshot *models.Identity) (*models.Identity, error) {
	current, err := s.gallery.Get(ctx, snapshot.ID)
	switch {
	case err == nil:
		return current, nil
	case errors.Is(err, sentinel.ErrNotFound):
		slog.Info("identity deleted during recognition, using snapshot", "identity_id", snapshot.ID)
		return snapshot, nil
	default:
		return nil, sentinel.Storage("refresh identity", err)
	}
}

type BatchItem struct {
	Image []byte
	// TimestampMs is the client capture time in Unix milliseconds; 0 means now.
	TimestampMs int64
}

type BatchResult struct {
	Index  int
	Result *Result
	Err    error
}

// RecognizeBatch processes items in order. A failing item is reported in its
// own result and does not stop the batch.
func (s *Service) RecognizeBatch(ctx context.Context, items []BatchItem) []BatchResult {
	results := make([]BatchResult, len(items))
	for i, item := range items {
		results[i].Index = i
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}

		p := Probe{Image: item.Image, Source: models.SourceBatch}
		if item.TimestampMs > 0 {
			observed := time.UnixMilli(item.TimestampMs)
			p.ObservedAt = &observed
		}

		res, err := s.Recognize(ctx, p)
		if err != nil {
			slog.Warn("batch item failed", "index", i, "error", err)
			results[i].Err = err
			continue
		}
		results[i].Result = &res
	}
	return results
}

type FrameResult struct {
	Frame  int
	Result *Result
	Err    error
}

// ProcessVideo recognizes every FrameStride-th frame of video. Frame failures
// are reported per frame; only an unreadable video fails the call.
func (s *Service) ProcessVideo(ctx context.Context, video io.Reader) ([]FrameResult, error) {
	if s.frames == nil {
		return nil, errors.New("video processing is not configured")
	}

	var results []FrameResult
	err := s.frames.Frames(ctx, video, s.opts.FrameStride, func(index int, frame []byte) error {
		res, err := s.Recognize(ctx, Probe{Image: frame, Source: models.SourceVideo})
		fr := FrameResult{Frame: index}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("video frame failed", "frame", index, "error", err)
			fr.Err = err
		} else {
			fr.Result = &res
		}
		results = append(results, fr)
		return nil
	})
	if errors.Is(err, ingest.ErrNoFrames) {
		return nil, sentinel.Invalid("video has no decodable frames")
	}
	if err != nil {
		return results, fmt.Errorf("extract frames: %w", err)
	}
	return results, nil
}
