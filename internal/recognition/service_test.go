package recognition_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/your-org/presence/internal/gallery"
	"github.com/your-org/presence/internal/ingest"
	"github.com/your-org/presence/internal/locks"
	"github.com/your-org/presence/internal/matcher"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/presence"
	"github.com/your-org/presence/internal/recognition"
	"github.com/your-org/presence/internal/sentinel"
	"github.com/your-org/presence/internal/storage"
	"github.com/your-org/presence/internal/verify"
)

var clock = time.Date(2024, 1, 2, 9, 30, 0, 0, time.Local)

// sameBytes matches byte-identical images, optionally after a delay so that
// concurrent scans overlap.
type sameBytes struct{ delay time.Duration }

func (v sameBytes) Verify(ctx context.Context, a, b []byte) (verify.Result, error) {
	if v.delay > 0 {
		select {
		case <-time.After(v.delay):
		case <-ctx.Done():
			return verify.Result{}, ctx.Err()
		}
	}
	return verify.Result{Matched: bytes.Equal(a, b)}, nil
}

func face(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: shade, G: 255 - shade, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type engine struct {
	store    *storage.MemoryStore
	objects  *storage.MemoryObjects
	gallery  *gallery.Gallery
	recorder *presence.Recorder
	service  *recognition.Service
}

type engineOptions struct {
	photoCap int
	delay    time.Duration
	recorder recognition.Recorder
	frames   recognition.FrameSource
	wrap     func(recognition.Gallery) recognition.Gallery
	events   func(*storage.MemoryStore) presence.Store
}

func newEngine(o engineOptions) *engine {
	if o.photoCap == 0 {
		o.photoCap = 1000
	}
	now := func() time.Time { return clock }

	store := storage.NewMemoryStore()
	objects := storage.NewMemoryObjects()
	locker := locks.NewKeyedMutex()
	g := gallery.New(store, gallery.NewPhotoManager(objects, o.photoCap), locker, "http://localhost:9000/faces/")
	m := matcher.NewLinear(g, g.Photos(), sameBytes{delay: o.delay}, matcher.Options{Parallelism: 4, PageSize: 50})
	var events presence.Store = store
	if o.events != nil {
		events = o.events(store)
	}
	rec := presence.NewRecorder(events, nil, presence.Options{Retries: 1, Backoff: time.Millisecond, Now: now})

	var recorder recognition.Recorder = rec
	if o.recorder != nil {
		recorder = o.recorder
	}
	var svcGallery recognition.Gallery = g
	if o.wrap != nil {
		svcGallery = o.wrap(g)
	}

	return &engine{
		store:    store,
		objects:  objects,
		gallery:  g,
		recorder: rec,
		service: recognition.NewService(svcGallery, m, recorder, locker, o.frames,
			recognition.Options{Recheck: true, FrameStride: 2, Now: now}),
	}
}

type RecognitionSuite struct {
	suite.Suite
	ctx context.Context
}

func TestRecognitionSuite(t *testing.T) {
	suite.Run(t, new(RecognitionSuite))
}

func (s *RecognitionSuite) SetupTest() {
	s.ctx = context.Background()
}

func (s *RecognitionSuite) recognize(e *engine, img []byte) recognition.Result {
	res, err := e.service.Recognize(s.ctx, recognition.Probe{Image: img})
	s.Require().NoError(err)
	return res
}

func (s *RecognitionSuite) events(e *engine) []models.PresenceEvent {
	events, total, _, err := e.recorder.List(s.ctx, clock.Format(models.DateLayout), 0, 1000)
	s.Require().NoError(err)
	s.Require().Len(events, total)
	return events
}

func (s *RecognitionSuite) TestEndToEndScenario() {
	e := newEngine(engineOptions{})
	imgA := face(s.T(), 10)

	first := s.recognize(e, imgA)
	s.True(first.IsNew)
	s.Empty(first.Tags)
	s.Equal(first.CapturedPhoto, first.PrimaryPhoto)
	s.Equal("http://localhost:9000/faces/"+string(first.PrimaryPhoto), first.PrimaryPhotoURL)

	second := s.recognize(e, imgA)
	s.False(second.IsNew)
	s.True(second.Linked)
	s.Equal(first.IdentityID, second.IdentityID)
	s.Equal(first.PrimaryPhoto, second.PrimaryPhoto)

	ident, err := e.gallery.Get(s.ctx, first.IdentityID)
	s.Require().NoError(err)
	s.Len(ident.ReferencePhotos, 2)

	_, err = e.gallery.AddTag(s.ctx, first.IdentityID, "staff")
	s.Require().NoError(err)
	listed, total, err := e.gallery.List(s.ctx, 0, 10)
	s.Require().NoError(err)
	s.Equal(1, total)
	s.Equal([]string{"staff"}, listed[0].Tags)

	third := s.recognize(e, imgA)
	s.Equal([]string{"staff"}, third.Tags)

	s.Require().NoError(e.gallery.Delete(s.ctx, first.IdentityID))
	_, err = e.gallery.Get(s.ctx, first.IdentityID)
	s.ErrorIs(err, sentinel.ErrNotFound)

	events := s.events(e)
	s.Len(events, 3)
	for _, ev := range events {
		s.Equal(first.IdentityID, ev.IdentityID)
		s.Equal(models.SourceSingle, ev.Source)
	}
}

func (s *RecognitionSuite) TestUnseenProbeEnrollsFreshIdentity() {
	e := newEngine(engineOptions{})
	known := s.recognize(e, face(s.T(), 1))

	res := s.recognize(e, face(s.T(), 2))
	s.True(res.IsNew)
	s.NotEqual(known.IdentityID, res.IdentityID)

	ident, err := e.gallery.Get(s.ctx, res.IdentityID)
	s.Require().NoError(err)
	s.Len(ident.ReferencePhotos, 1)
	s.Empty(ident.Tags)

	count, err := e.gallery.Count(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, count)
}

func (s *RecognitionSuite) TestQuotaBoundary() {
	e := newEngine(engineOptions{photoCap: 3})
	img := face(s.T(), 50)

	id := s.recognize(e, img).IdentityID
	s.recognize(e, img) // cap-1 photos

	atCap := s.recognize(e, img)
	s.True(atCap.Linked)

	over := s.recognize(e, img)
	s.False(over.Linked)
	s.NotEmpty(over.CapturedPhoto)

	ident, err := e.gallery.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Len(ident.ReferencePhotos, 3)
	s.False(ident.HasPhoto(over.CapturedPhoto))

	// the unlinked capture is kept for the audit trail
	data, err := e.objects.GetObject(s.ctx, string(over.CapturedPhoto))
	s.Require().NoError(err)
	s.NotEmpty(data)

	events := s.events(e)
	s.Len(events, 4)
	for _, ev := range events {
		s.Require().NotNil(ev.CapturedPhoto)
	}
}

func (s *RecognitionSuite) TestConcurrentMatchesAreNeverLost() {
	const k = 20
	for _, photoCap := range []int{1000, 5} {
		e := newEngine(engineOptions{photoCap: photoCap, delay: time.Millisecond})
		img := face(s.T(), 77)
		id := s.recognize(e, img).IdentityID

		var wg sync.WaitGroup
		errs := make(chan error, k)
		for i := 0; i < k; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := e.service.Recognize(s.ctx, recognition.Probe{Image: img})
				if err == nil && res.IdentityID != id {
					err = errors.New("probe resolved to another identity")
				}
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			s.NoError(err)
		}

		ident, err := e.gallery.Get(s.ctx, id)
		s.Require().NoError(err)
		s.Len(ident.ReferencePhotos, min(1+k, photoCap))
		s.Len(s.events(e), 1+k)
	}
}

func (s *RecognitionSuite) TestConcurrentUnseenProbesConvergeWithRecheck() {
	e := newEngine(engineOptions{delay: 2 * time.Millisecond})
	img := face(s.T(), 200)

	const k = 8
	ids := make([]uuid.UUID, k)
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.service.Recognize(s.ctx, recognition.Probe{Image: img})
			if s.NoError(err) {
				ids[i] = res.IdentityID
			}
		}()
	}
	wg.Wait()

	count, err := e.gallery.Count(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, count)
	for _, id := range ids {
		s.Equal(ids[0], id)
	}
}

func (s *RecognitionSuite) TestObservedAtDrivesEventTimestamps() {
	e := newEngine(engineOptions{})
	observed := clock.Add(-1500 * time.Millisecond)

	res, err := e.service.Recognize(s.ctx, recognition.Probe{Image: face(s.T(), 3), ObservedAt: &observed})
	s.Require().NoError(err)
	s.Equal(int64(1500), res.ProcessingMs)

	events := s.events(e)
	s.Require().Len(events, 1)
	s.True(observed.Equal(events[0].StartedAt))
	s.Equal(res.EventID, events[0].ID)
	s.Equal(observed.Format(models.TimeLayout), events[0].Time)
}

func (s *RecognitionSuite) TestMalformedProbeHasNoSideEffects() {
	e := newEngine(engineOptions{})

	_, err := e.service.Recognize(s.ctx, recognition.Probe{Image: []byte("definitely not a png")})
	s.ErrorIs(err, sentinel.ErrInvalidInput)

	_, err = e.service.Recognize(s.ctx, recognition.Probe{})
	s.ErrorIs(err, sentinel.ErrInvalidInput)

	count, err := e.gallery.Count(s.ctx)
	s.Require().NoError(err)
	s.Zero(count)
	s.Empty(s.events(e))
	s.Empty(e.objects.Keys(""))
}

type brokenRecorder struct{}

func (brokenRecorder) Record(context.Context, *models.PresenceEvent) (uuid.UUID, error) {
	return uuid.Nil, sentinel.Storage("record presence", errors.New("disk full"))
}

func (brokenRecorder) Lookup(_ context.Context, id uuid.UUID) (*models.PresenceEvent, error) {
	return nil, fmt.Errorf("presence event %s: %w", id, sentinel.ErrNotFound)
}

func (s *RecognitionSuite) TestPresenceFailureIsSurfaced() {
	e := newEngine(engineOptions{recorder: brokenRecorder{}})

	_, err := e.service.Recognize(s.ctx, recognition.Probe{Image: face(s.T(), 9)})
	s.ErrorIs(err, sentinel.ErrStorage)
}

// vanishingGallery deletes the matched identity right before the append.
type vanishingGallery struct {
	*gallery.Gallery
	once sync.Once
}

func (g *vanishingGallery) Append(ctx context.Context, id uuid.UUID, png []byte) (gallery.AppendResult, error) {
	g.once.Do(func() { _ = g.Gallery.Delete(ctx, id) })
	return g.Gallery.Append(ctx, id, png)
}

func (s *RecognitionSuite) TestMatchDeletedBeforeAppendEnrolls() {
	e := newEngine(engineOptions{wrap: func(g recognition.Gallery) recognition.Gallery {
		return &vanishingGallery{Gallery: g.(*gallery.Gallery)}
	}})
	img := face(s.T(), 120)

	first := s.recognize(e, img)
	second := s.recognize(e, img)

	s.True(second.IsNew)
	s.NotEqual(first.IdentityID, second.IdentityID)
	_, err := e.gallery.Get(s.ctx, first.IdentityID)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

// ctxBoundEvents fails writes once the context is done, as a database
// driver does.
type ctxBoundEvents struct {
	*storage.MemoryStore
}

func (e ctxBoundEvents) InsertPresence(ctx context.Context, ev *models.PresenceEvent) error {
	if err := ctx.Err(); err != nil {
		return sentinel.Storage("insert presence event", err)
	}
	return e.MemoryStore.InsertPresence(ctx, ev)
}

// cancellingGallery cancels the caller right after a capture is linked.
type cancellingGallery struct {
	*gallery.Gallery
	cancel context.CancelFunc
}

func (g *cancellingGallery) Append(ctx context.Context, id uuid.UUID, png []byte) (gallery.AppendResult, error) {
	res, err := g.Gallery.Append(ctx, id, png)
	g.cancel()
	return res, err
}

func (s *RecognitionSuite) TestCallerCancellationAfterLinkStillRecords() {
	cg := &cancellingGallery{cancel: func() {}}
	e := newEngine(engineOptions{
		events: func(m *storage.MemoryStore) presence.Store { return ctxBoundEvents{m} },
		wrap: func(g recognition.Gallery) recognition.Gallery {
			cg.Gallery = g.(*gallery.Gallery)
			return cg
		},
	})
	img := face(s.T(), 77)
	first := s.recognize(e, img)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	cg.cancel = cancel

	second, err := e.service.Recognize(ctx, recognition.Probe{Image: img})
	s.Require().NoError(err)
	s.Equal(first.IdentityID, second.IdentityID)
	s.Require().Error(ctx.Err())

	ident, err := e.gallery.Get(s.ctx, first.IdentityID)
	s.Require().NoError(err)
	s.Len(ident.ReferencePhotos, 2)
	s.Len(s.events(e), 2, "every linked capture has its presence event")
}

func (s *RecognitionSuite) TestCaptureIsProcessedOnce() {
	e := newEngine(engineOptions{})
	img := face(s.T(), 33)
	captureID := uuid.New()

	first, err := e.service.Recognize(s.ctx, recognition.Probe{Image: img, CaptureID: captureID})
	s.Require().NoError(err)
	s.Equal(captureID, first.EventID)
	s.False(first.Replayed)

	again, err := e.service.Recognize(s.ctx, recognition.Probe{Image: img, CaptureID: captureID})
	s.Require().NoError(err)
	s.True(again.Replayed)
	s.Equal(first.IdentityID, again.IdentityID)
	s.Equal(captureID, again.EventID)
	s.Equal(first.PrimaryPhotoURL, again.PrimaryPhotoURL)

	ident, err := e.gallery.Get(s.ctx, first.IdentityID)
	s.Require().NoError(err)
	s.Len(ident.ReferencePhotos, 1)
	s.Len(s.events(e), 1)
}

func (s *RecognitionSuite) TestConcurrentRedeliveriesRecordOneEvent() {
	e := newEngine(engineOptions{delay: 5 * time.Millisecond})
	img := face(s.T(), 44)
	seed := s.recognize(e, img)
	captureID := uuid.New()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.service.Recognize(s.ctx, recognition.Probe{Image: img, CaptureID: captureID})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		s.Require().NoError(err)
	}

	ident, err := e.gallery.Get(s.ctx, seed.IdentityID)
	s.Require().NoError(err)
	s.Len(ident.ReferencePhotos, 2, "one seed plus one linked capture")
	s.Len(s.events(e), 2)
}

func (s *RecognitionSuite) TestBatchIsolatesFailures() {
	e := newEngine(engineOptions{})
	ts := clock.Add(-2 * time.Second).UnixMilli()

	results := e.service.RecognizeBatch(s.ctx, []recognition.BatchItem{
		{Image: face(s.T(), 30), TimestampMs: ts},
		{Image: []byte("garbage"), TimestampMs: ts},
		{Image: face(s.T(), 30), TimestampMs: ts},
	})
	s.Require().Len(results, 3)

	s.NoError(results[0].Err)
	s.True(results[0].Result.IsNew)
	s.Equal(int64(2000), results[0].Result.ProcessingMs)

	s.ErrorIs(results[1].Err, sentinel.ErrInvalidInput)
	s.Nil(results[1].Result)

	s.NoError(results[2].Err)
	s.Equal(results[0].Result.IdentityID, results[2].Result.IdentityID)

	events := s.events(e)
	s.Len(events, 2)
	for _, ev := range events {
		s.Equal(models.SourceBatch, ev.Source)
		s.Equal(ts, ev.StartedAt.UnixMilli())
	}
}

// staticFrames replays fixed frames as if every stride-th one was sampled.
type staticFrames struct{ frames [][]byte }

func (f staticFrames) Frames(_ context.Context, _ io.Reader, stride int, fn ingest.FrameCallback) error {
	if len(f.frames) == 0 {
		return ingest.ErrNoFrames
	}
	for i, fr := range f.frames {
		if err := fn(i*stride, fr); err != nil {
			return err
		}
	}
	return nil
}

func (s *RecognitionSuite) TestProcessVideo() {
	img := face(s.T(), 60)
	e := newEngine(engineOptions{frames: staticFrames{frames: [][]byte{img, []byte("torn frame"), img}}})

	results, err := e.service.ProcessVideo(s.ctx, bytes.NewReader(nil))
	s.Require().NoError(err)
	s.Require().Len(results, 3)
	s.Equal([]int{0, 2, 4}, []int{results[0].Frame, results[1].Frame, results[2].Frame})
	s.NoError(results[0].Err)
	s.Error(results[1].Err)
	s.Equal(results[0].Result.IdentityID, results[2].Result.IdentityID)

	for _, ev := range s.events(e) {
		s.Equal(models.SourceVideo, ev.Source)
	}
}

func (s *RecognitionSuite) TestProcessVideoWithoutFrames() {
	e := newEngine(engineOptions{frames: staticFrames{}})
	_, err := e.service.ProcessVideo(s.ctx, bytes.NewReader(nil))
	s.ErrorIs(err, sentinel.ErrInvalidInput)
}

func TestNormalizeImage(t *testing.T) {
	out, err := recognition.NormalizeImage(face(t, 5))
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())

	_, err = recognition.NormalizeImage([]byte("%PDF-1.4"))
	assert.ErrorIs(t, err, sentinel.ErrInvalidInput)
}
