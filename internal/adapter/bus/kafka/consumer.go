package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ordercore/internal/adapter/observability"
	"github.com/fairyhunter13/ordercore/internal/dlq"
	"github.com/fairyhunter13/ordercore/internal/domain"
	"github.com/fairyhunter13/ordercore/internal/inbox"
)

// Dispatcher routes decoded envelopes to registered handlers by event type.
// Events with no handler are skipped; a consumer group only subscribes to the
// types it cares about, everything else on the topic is someone else's.
type Dispatcher struct {
	handlers map[string]domain.EventHandler
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[string]domain.EventHandler{}}
}

// On registers a handler for an event type. Last registration wins.
func (d *Dispatcher) On(eventType string, h domain.EventHandler) {
	d.handlers[eventType] = h
}

// Dispatch invokes the handler for the envelope's type, if any.
func (d *Dispatcher) Dispatch(ctx domain.Context, ev domain.Envelope) error {
	h, ok := d.handlers[ev.EventType]
	if !ok {
		observability.LoggerFromContext(ctx).Debug("no handler for event type, skipping",
			slog.String("event_type", ev.EventType))
		return nil
	}
	return h(ctx, ev)
}

// ConsumerOptions configures one consumer group member.
type ConsumerOptions struct {
	Brokers  []string
	ClientID string
	GroupID  string
	Topics   []string
}

// Consumer reads envelopes off the bus and feeds them through the inbox
// engine. Offsets are marked only after the engine consumed the delivery or
// declared it poison, so unprocessed records are redelivered.
type Consumer struct {
	client   *kgo.Client
	engine   *inbox.Engine
	dispatch *Dispatcher
	dlq      *dlq.Service
	opts     ConsumerOptions
}

// NewConsumer constructs a group consumer. dlqSvc quarantines records whose
// bytes do not decode into an envelope at all; it may be nil in tests.
func NewConsumer(opts ConsumerOptions, engine *inbox.Engine, dispatch *Dispatcher, dlqSvc *dlq.Service) (*Consumer, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.consumer: no seed brokers provided")
	}
	if opts.GroupID == "" {
		return nil, fmt.Errorf("op=kafka.consumer: missing required group ID")
	}
	if len(opts.Topics) == 0 {
		return nil, fmt.Errorf("op=kafka.consumer: no topics to consume")
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(opts.Brokers...),
		kgo.ClientID(opts.ClientID),
		kgo.ConsumerGroup(opts.GroupID),
		kgo.ConsumeTopics(opts.Topics...),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.consumer: %w", err)
	}
	slog.Info("bus consumer created",
		slog.String("group_id", opts.GroupID),
		slog.Any("topics", opts.Topics))
	return &Consumer{client: client, engine: engine, dispatch: dispatch, dlq: dlqSvc, opts: opts}, nil
}

// Run polls until ctx is done. Records in one partition are processed in
// order; a failing record stops that partition for this poll so the failed
// offset is redelivered before its successors.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		for _, fe := range fetches.Errors() {
			slog.Error("fetch error",
				slog.String("topic", fe.Topic),
				slog.Int("partition", int(fe.Partition)),
				slog.Any("error", fe.Err))
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, record := range p.Records {
				if err := c.processRecord(ctx, record); err != nil {
					slog.Warn("record processing failed, partition paused until redelivery",
						slog.String("topic", record.Topic),
						slog.Int("partition", int(record.Partition)),
						slog.Int64("offset", record.Offset),
						slog.Any("error", err))
					return
				}
				c.client.MarkCommitRecords(record)
			}
		})
	}
}

// processRecord decodes and consumes one record. A nil return means the
// offset may be committed: the event was processed, suppressed as a
// duplicate, skipped, or quarantined as poison.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	ev, err := domain.DecodeEnvelope(record.Value)
	if err != nil {
		// Bytes that are not an envelope can never succeed; park them.
		slog.Error("undecodable record",
			slog.String("topic", record.Topic),
			slog.Int64("offset", record.Offset),
			slog.Any("error", err))
		if c.dlq != nil {
			garbled := domain.Envelope{
				EventID:   uuid.New(),
				EventType: "malformed",
				Payload:   record.Value,
			}
			if qErr := c.dlq.Quarantine(ctx, garbled, c.engine.Consumer(), record.Topic, 0, err); qErr != nil {
				return qErr
			}
		}
		return nil
	}

	if ev.CorrelationID != "" {
		ctx = observability.ContextWithCorrelationID(ctx, ev.CorrelationID)
	}
	ctx = observability.ContextWithLogger(ctx, observability.LoggerFromContext(ctx).With(
		slog.String("event_id", ev.EventID.String()),
		slog.String("event_type", ev.EventType)))

	err = c.engine.Consume(ctx, ev, record.Topic, c.dispatch.Dispatch)
	if err == nil || errors.Is(err, domain.ErrPoison) {
		return nil
	}
	return err
}

// Close leaves the group and closes the client.
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
