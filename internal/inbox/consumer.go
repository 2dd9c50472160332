package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"minibank/internal/event"
	"minibank/internal/observability"
)

// AccountsStreamName is the JetStream stream carrying upstream account events.
const AccountsStreamName = "MINIBANK_ACCOUNTS"

const consumerName = "minibank-accounts"

// Handler applies the side effects of one inbound event. It must be safe
// to call again for an event whose previous attempt failed mid-way.
type Handler func(ctx context.Context, env event.Envelope) error

// Consumer reads upstream account events from NATS JetStream, dedups them
// through the inbox store, and hands fresh ones to the handler.
type Consumer struct {
	store   Store
	js      jetstream.JetStream
	handler Handler
	metrics *observability.Metrics
	log     zerolog.Logger

	cc jetstream.ConsumeContext
}

func NewConsumer(store Store, js jetstream.JetStream, handler Handler, metrics *observability.Metrics, log zerolog.Logger) *Consumer {
	return &Consumer{
		store:   store,
		js:      js,
		handler: handler,
		metrics: metrics,
		log:     log,
	}
}

// Start creates the durable consumer and begins processing. Messages use
// explicit ACK; handler failures NAK for redelivery up to MaxDeliver.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, AccountsStreamName, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: "minibank.accounts.events.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		c.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}
	c.cc = cc

	c.log.Info().Str("stream", AccountsStreamName).Str("consumer", consumerName).Msg("inbox consumer started")
	return nil
}

// Stop halts message delivery.
func (c *Consumer) Stop() {
	if c.cc != nil {
		c.cc.Stop()
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg jetstream.Msg) {
	var env event.Envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		// Malformed payloads never become valid; ack so they don't loop.
		c.log.Error().Err(err).Str("subject", msg.Subject()).Msg("drop malformed inbound event")
		msg.Ack()
		return
	}

	fresh, err := c.store.InsertIfAbsent(ctx, Record{
		EventID:   env.EventID,
		EventType: env.EventType,
		Payload:   msg.Data(),
	})
	if err != nil {
		c.log.Warn().Err(err).Str("event_id", env.EventID).Msg("inbox insert failed")
		msg.Nak()
		return
	}
	if !fresh {
		existing, ok, _ := c.store.Get(ctx, env.EventID)
		if ok && existing.Processed {
			c.metrics.InboxDuplicates.Inc()
			msg.Ack()
			return
		}
		// Seen but not processed: a previous attempt died between insert
		// and handler completion. Fall through and run the handler again.
	}

	if err := c.handler(ctx, env); err != nil {
		c.metrics.InboxFailures.Inc()
		if ferr := c.store.RecordFailure(ctx, env.EventID, err.Error()); ferr != nil {
			c.log.Error().Err(ferr).Str("event_id", env.EventID).Msg("record inbox failure")
		}
		c.log.Warn().Err(err).Str("event_id", env.EventID).Str("event_type", env.EventType).Msg("inbound event handler failed")
		msg.Nak()
		return
	}

	if err := c.store.MarkProcessed(ctx, env.EventID); err != nil {
		c.log.Error().Err(err).Str("event_id", env.EventID).Msg("mark processed")
		msg.Nak()
		return
	}
	c.metrics.InboxProcessed.WithLabelValues(env.EventType).Inc()
	msg.Ack()
}

// EnsureAccountsStream creates the inbound account events stream.
func EnsureAccountsStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      AccountsStreamName,
		Subjects:  []string{"minibank.accounts.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create accounts stream: %w", err)
	}
	return nil
}
