package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ordercore/internal/domain"
	"github.com/fairyhunter13/ordercore/internal/resilience"
)

// ProducerOptions configures the bus producer.
type ProducerOptions struct {
	Brokers     []string
	ClientID    string
	TopicPrefix string
	// PublishTimeout bounds one Publish call end to end.
	PublishTimeout time.Duration
	// Retry is applied around each publish; the breaker trips inside it.
	Retry   resilience.RetryPolicy
	Breaker *resilience.CircuitBreaker
}

// Producer implements domain.EventPublisher on a kgo client. Records are
// acked by all in-sync replicas before Publish returns.
type Producer struct {
	client  *kgo.Client
	opts    ProducerOptions
	breaker *resilience.CircuitBreaker
}

// NewProducer constructs a Producer and verifies broker connectivity lazily;
// the first Publish dials.
func NewProducer(opts ProducerOptions) (*Producer, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.producer: no seed brokers provided")
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryPolicy()
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(opts.Brokers...),
		kgo.ClientID(opts.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.RequestRetries(10),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.producer: %w", err)
	}
	slog.Info("bus producer created",
		slog.Any("brokers", opts.Brokers),
		slog.String("client_id", opts.ClientID))
	return &Producer{client: client, opts: opts, breaker: opts.Breaker}, nil
}

// Publish delivers one envelope with retry and circuit breaking. Failures
// after the retry budget surface as ErrTransient; the outbox processor keeps
// the row and tries again later.
func (p *Producer) Publish(ctx domain.Context, e domain.Envelope) error {
	return p.PublishBatch(ctx, []domain.Envelope{e})
}

// PublishBatch delivers envelopes as one produce request. Partial failure
// fails the whole batch; outbox rows are only marked per successful message
// by the caller, so over-delivery is absorbed downstream by the inbox.
func (p *Producer) PublishBatch(ctx domain.Context, events []domain.Envelope) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(events))
	for i := range events {
		rec, err := p.record(events[i])
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.PublishTimeout)
	defer cancel()

	err := resilience.Retry(ctx, p.opts.Retry, func() error {
		return p.produce(ctx, records)
	})
	if err != nil {
		return fmt.Errorf("op=kafka.publish: %w: %v", domain.ErrTransient, err)
	}
	return nil
}

func (p *Producer) produce(ctx context.Context, records []*kgo.Record) error {
	op := func() error {
		return p.client.ProduceSync(ctx, records...).FirstErr()
	}
	if p.breaker != nil {
		return p.breaker.Execute(op)
	}
	return op()
}

// record maps an envelope to its wire record: topic derived from the
// producing service, key from the aggregate, metadata in headers.
func (p *Producer) record(e domain.Envelope) (*kgo.Record, error) {
	value, err := domain.EncodeEnvelope(e)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: Topic(p.opts.TopicPrefix, e.Producer),
		Key:   []byte(e.AggregateID.String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event-id", Value: []byte(e.EventID.String())},
			{Key: "event-type", Value: []byte(e.EventType)},
			{Key: "schema-version", Value: []byte(e.SchemaVersion)},
			{Key: "correlation-id", Value: []byte(e.CorrelationID)},
			{Key: "timestamp", Value: []byte(e.OccurredOn.Format(time.RFC3339))},
		},
	}, nil
}

// Client exposes the underlying kgo client for admin operations.
func (p *Producer) Client() *kgo.Client { return p.client }

// Close flushes and closes the client.
func (p *Producer) Close() {
	if p.client != nil {
		p.client.Close()
	}
}
