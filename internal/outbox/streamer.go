// Package outbox delivers certificate events recorded in the database to the
// notification topic and the rendering bucket. The database row is the
// source of truth for retries; delivery never touches the certificate.
package outbox

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/certification/internal/models"
	"github.com/ILLUVRSE/certification/internal/store"
)

type Config struct {
	// BatchSize is how many events one claim fetches. Defaults to 10.
	BatchSize int
	// PollInterval is the idle sleep between empty claims. Defaults to 3s.
	PollInterval time.Duration
	// MaxConcurrency bounds events processed at once. Defaults to 5.
	MaxConcurrency int
	// MaxAttempts stops retrying an event after this many claims. Defaults to 10.
	MaxAttempts int
	// StaleAfter reclaims events left in_progress by a crashed worker.
	// Defaults to 5m.
	StaleAfter time.Duration
	// EventTimeout bounds one produce and archive sequence. Defaults to 30s.
	EventTimeout time.Duration
}

type Streamer struct {
	store    store.Store
	producer Producer
	archiver Archiver
	cfg      Config
}

// NewStreamer builds a streamer. A nil producer or archiver skips that leg.
func NewStreamer(s store.Store, producer Producer, archiver Archiver, cfg Config) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 30 * time.Second
	}
	return &Streamer{store: s, producer: producer, archiver: archiver, cfg: cfg}
}

// Run polls until ctx is cancelled, then closes the producer.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[outbox.streamer] starting (batch=%d, concurrency=%d, maxAttempts=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency, s.cfg.MaxAttempts)
	defer log.Printf("[outbox.streamer] stopped")
	defer func() {
		if s.producer != nil {
			_ = s.producer.Close()
		}
	}()

	for {
		n, err := s.RunOnce(ctx)
		if err != nil {
			log.Printf("[outbox.streamer] fetch pending: %v", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// RunOnce claims one batch and processes it, returning how many events were
// claimed. Per-event failures are recorded on the row, not returned.
func (s *Streamer) RunOnce(ctx context.Context) (int, error) {
	staleBefore := time.Now().UTC().Add(-s.cfg.StaleAfter)
	events, err := s.store.FetchPendingEvents(ctx, s.cfg.BatchSize, s.cfg.MaxAttempts, staleBefore)
	if err != nil {
		return 0, err
	}
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, ev := range events {
		g.Go(func() error {
			if err := s.process(ctx, ev); err != nil {
				log.Printf("[outbox.streamer] event %s (%s, attempt %d): %v", ev.ID, ev.EventType, ev.Attempts, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(events), nil
}

func (s *Streamer) process(parent context.Context, ev models.CertificateEvent) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.EventTimeout)
	defer cancel()
	// Results are recorded even when shutdown cancels the delivery.
	markCtx := context.WithoutCancel(parent)

	fail := func(err error) error {
		if merr := s.store.MarkEventResult(markCtx, ev.ID, "", false, err.Error()); merr != nil {
			return fmt.Errorf("%w (mark failed: %v)", err, merr)
		}
		return err
	}

	var producedAt time.Time
	if s.producer != nil {
		value, err := Envelope(ev)
		if err != nil {
			return fail(err)
		}
		producedAt, err = s.producer.Produce(ctx, []byte(ev.CertificateID.String()), value)
		if err != nil {
			return fail(fmt.Errorf("kafka produce: %w", err))
		}
	}

	var key string
	if s.archiver != nil {
		var err error
		key, err = s.archiver.Archive(ctx, ev)
		if err != nil {
			return fail(fmt.Errorf("s3 archive: %w", err))
		}
	}

	if err := s.store.MarkEventResult(markCtx, ev.ID, key, true, ""); err != nil {
		return fmt.Errorf("mark event delivered: %w", err)
	}
	log.Printf("[outbox.streamer] event %s delivered: certificate=%s type=%s produced_at=%s archived_key=%q",
		ev.ID, ev.CertificateID, ev.EventType, producedAt.Format(time.RFC3339Nano), key)
	return nil
}
