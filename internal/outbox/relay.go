package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"minibank/internal/observability"
)

// StreamName is the JetStream stream carrying minibank domain events.
const StreamName = "MINIBANK_EVENTS"

// Relay drains unpublished outbox records to NATS JetStream.
// Subjects follow the pattern: minibank.payments.events.{event_type}
type Relay struct {
	store   Store
	js      jetstream.JetStream
	metrics *observability.Metrics
	log     zerolog.Logger

	pollInterval time.Duration
	batchSize    int
	maxRetries   int
	retention    time.Duration
}

type RelayConfig struct {
	PollInterval time.Duration // default 500ms
	BatchSize    int           // default 100
	MaxRetries   int           // default 10
	Retention    time.Duration // published rows kept this long, default 24h
}

func NewRelay(store Store, js jetstream.JetStream, metrics *observability.Metrics, log zerolog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Relay{
		store:        store,
		js:           js,
		metrics:      metrics,
		log:          log,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		maxRetries:   cfg.MaxRetries,
		retention:    cfg.Retention,
	}
}

// Run polls the store and publishes pending records until ctx is cancelled.
// Publish failures are retried on the next pass; records that exhaust
// maxRetries are left in place and flagged for operator attention.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if err := r.publishPending(ctx); err != nil {
				r.log.Warn().Err(err).Msg("outbox pass failed")
			}

		case <-cleanup.C:
			removed, err := r.store.DeletePublishedBefore(ctx, time.Now().UTC().Add(-r.retention))
			if err != nil {
				r.log.Warn().Err(err).Msg("outbox cleanup failed")
				continue
			}
			if removed > 0 {
				r.metrics.OutboxCleaned.Add(float64(removed))
				r.log.Info().Int64("removed", removed).Msg("outbox cleanup")
			}
		}
	}
}

func (r *Relay) publishPending(ctx context.Context) error {
	pending, err := r.store.FetchUnpublished(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("fetch unpublished: %w", err)
	}
	r.metrics.OutboxPending.Set(float64(len(pending)))

	for _, rec := range pending {
		if rec.RetryCount >= r.maxRetries {
			// Stuck row. Keep it for the audit trail but stop retrying;
			// needs a human to look at LastError.
			r.log.Error().
				Str("event_id", rec.EventID).
				Str("event_type", rec.EventType).
				Int("retries", rec.RetryCount).
				Str("last_error", rec.LastError).
				Msg("outbox record exhausted retries, operator attention required")
			continue
		}

		subject := fmt.Sprintf("minibank.payments.events.%s", rec.EventType)
		if _, err := r.js.Publish(ctx, subject, rec.Payload); err != nil {
			r.metrics.OutboxPublishErrs.Inc()
			if ferr := r.store.RecordFailure(ctx, rec.ID, err.Error()); ferr != nil {
				r.log.Error().Err(ferr).Str("event_id", rec.EventID).Msg("record outbox failure")
			}
			r.log.Warn().Err(err).Str("event_id", rec.EventID).Str("subject", subject).Msg("outbox publish failed")
			continue
		}

		if err := r.store.MarkPublished(ctx, rec.ID); err != nil {
			// The event went out but the row stayed pending; the next pass
			// republishes it. Consumers dedup by event id.
			r.log.Error().Err(err).Str("event_id", rec.EventID).Msg("mark published")
			continue
		}
		r.metrics.OutboxPublished.Inc()
	}
	return nil
}

// EnsureEventsStream creates the outbound events stream.
func EnsureEventsStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"minibank.payments.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create events stream: %w", err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
