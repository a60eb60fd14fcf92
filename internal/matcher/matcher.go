// Package matcher resolves a probe image to an identity in the gallery.
package matcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/internal/sentinel"
	"github.com/your-org/presence/internal/verify"
)

// Result of a gallery scan. LastSeq is the highest identity sequence number
// the scan covered; identities enrolled later have a larger Seq.
type Result struct {
	IdentityID  uuid.UUID
	Matched     bool
	LastSeq     int64
	Comparisons int
}

// Matcher is implemented by scan strategies.
type Matcher interface {
	Resolve(ctx context.Context, probe []byte) (Result, error)
	// ResolveAfter only considers identities with Seq > afterSeq.
	ResolveAfter(ctx context.Context, probe []byte, afterSeq int64) (Result, error)
}

// Source lists identities in insertion order.
type Source interface {
	ListIdentitiesAfter(ctx context.Context, afterSeq int64, limit int) ([]models.Identity, error)
}

// PhotoLoader fetches reference photo bytes.
type PhotoLoader interface {
	Load(ctx context.Context, ref models.PhotoRef) ([]byte, error)
}

type Options struct {
	// Parallelism is the number of verifier calls in flight per window.
	Parallelism int
	// PageSize is the number of identities fetched per store round trip.
	PageSize int
	// Timeout bounds each verifier call; a timeout counts as a non-match.
	Timeout time.Duration
}

// Linear is the first-match scan: identities in listing order, photos in
// stored order, stop at the first verified pair. Calls run in windows of
// Parallelism candidates and the lowest (identity, photo) position in a window
// wins, so the outcome equals that of a sequential scan.
type Linear struct {
	source   Source
	photos   PhotoLoader
	verifier verify.Verifier
	opts     Options
}

func NewLinear(source Source, photos PhotoLoader, verifier verify.Verifier, opts Options) *Linear {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if opts.PageSize < 1 {
		opts.PageSize = 200
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Linear{source: source, photos: photos, verifier: verifier, opts: opts}
}

type candidate struct {
	identityID uuid.UUID
	ref        models.PhotoRef
}

func (m *Linear) Resolve(ctx context.Context, probe []byte) (Result, error) {
	return m.ResolveAfter(ctx, probe, 0)
}

func (m *Linear) ResolveAfter(ctx context.Context, probe []byte, afterSeq int64) (Result, error) {
	res := Result{LastSeq: afterSeq}
	defer func() { observability.ScanComparisons.Observe(float64(res.Comparisons)) }()

	for {
		page, err := m.source.ListIdentitiesAfter(ctx, res.LastSeq, m.opts.PageSize)
		if err != nil {
			return res, err
		}
		if len(page) == 0 {
			return res, nil
		}

		var candidates []candidate
		for _, ident := range page {
			for _, ref := range ident.ReferencePhotos {
				candidates = append(candidates, candidate{identityID: ident.ID, ref: ref})
			}
		}

		for start := 0; start < len(candidates); start += m.opts.Parallelism {
			window := candidates[start:min(start+m.opts.Parallelism, len(candidates))]
			winner, calls, err := m.scanWindow(ctx, probe, window)
			res.Comparisons += calls
			if err != nil {
				return res, err
			}
			if winner >= 0 {
				res.IdentityID = window[winner].identityID
				res.Matched = true
				return res, nil
			}
		}

		res.LastSeq = page[len(page)-1].Seq
		if len(page) < m.opts.PageSize {
			return res, nil
		}
	}
}

// scanWindow compares the probe with every candidate in window concurrently
// and returns the index of the first match, or -1.
func (m *Linear) scanWindow(ctx context.Context, probe []byte, window []candidate) (int, int, error) {
	matched := make([]bool, len(window))
	called := make([]bool, len(window))

	// compare absorbs verifier failures; the group only fails once the
	// caller's context is done, and then the remaining loads are skipped.
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range window {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			matched[i], called[i] = m.compare(gctx, probe, c)
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return -1, 0, err
	}

	calls := 0
	winner := -1
	for i := range window {
		if called[i] {
			calls++
		}
		if matched[i] && winner < 0 {
			winner = i
		}
	}
	return winner, calls, nil
}

// compare never fails: missing photos are skipped and verifier errors or
// timeouts count as non-matches.
func (m *Linear) compare(ctx context.Context, probe []byte, c candidate) (matched, called bool) {
	ref, err := m.photos.Load(ctx, c.ref)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			slog.Debug("reference photo gone, skipping", "identity_id", c.identityID, "ref", c.ref)
		} else if ctx.Err() == nil {
			slog.Warn("load reference photo", "identity_id", c.identityID, "ref", c.ref, "error", err)
		}
		return false, false
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	start := time.Now()
	res, err := m.verifier.Verify(callCtx, probe, ref)
	observability.VerifierDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil && res.Matched:
		observability.VerifierCalls.WithLabelValues("match").Inc()
		return true, true
	case err == nil:
		observability.VerifierCalls.WithLabelValues("no_match").Inc()
		return false, true
	case ctx.Err() != nil:
		// caller gave up; reported by scanWindow
		return false, true
	case errors.Is(err, context.DeadlineExceeded):
		observability.VerifierCalls.WithLabelValues("timeout").Inc()
		slog.Warn("verifier timed out, treating as no match",
			"identity_id", c.identityID, "ref", c.ref, "timeout", m.opts.Timeout.String())
		return false, true
	default:
		observability.VerifierCalls.WithLabelValues("error").Inc()
		slog.Warn("verifier failed, treating as no match",
			"identity_id", c.identityID, "ref", c.ref, "error", errors.Join(sentinel.ErrVerifier, err))
		return false, true
	}
}
