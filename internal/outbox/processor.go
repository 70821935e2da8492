// Package outbox implements the transactional outbox: events are persisted
// atomically with the aggregate mutation that produced them, and a background
// processor drains them to the bus with at-least-once delivery and
// per-aggregate ordering.
package outbox

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ordercore/internal/adapter/observability"
	"github.com/fairyhunter13/ordercore/internal/dlq"
	"github.com/fairyhunter13/ordercore/internal/domain"
)

// Stage converts envelopes into outbox rows and appends them through repo.
// Callers invoke it inside their unit of work so the rows commit with the
// aggregate change; nothing is ever published directly.
func Stage(ctx domain.Context, repo domain.OutboxRepository, events ...domain.Envelope) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]domain.OutboxMessage, 0, len(events))
	for _, ev := range events {
		m, err := domain.NewOutboxMessage(ev)
		if err != nil {
			return fmt.Errorf("op=outbox.stage: %w", err)
		}
		msgs = append(msgs, m)
	}
	return repo.Append(ctx, msgs...)
}

// Options configures the background processor.
type Options struct {
	BatchSize    int
	MaxRetries   int
	PollInterval time.Duration
	Retention    time.Duration
	// RetryBase and RetryCap shape the per-row redelivery backoff
	// min(cap, base * 2^retryCount).
	RetryBase time.Duration
	RetryCap  time.Duration
}

// DefaultOptions returns the core defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:    100,
		MaxRetries:   domain.MaxOutboxRetries,
		PollInterval: time.Second,
		Retention:    7 * 24 * time.Hour,
		RetryBase:    time.Second,
		RetryCap:     30 * time.Second,
	}
}

// Processor drains the outbox of one service. Row locks serialize it against
// horizontally scaled replicas; crashing mid-batch only re-delivers rows whose
// processed_at update did not commit, which the bus's consumers absorb.
type Processor struct {
	repo    domain.OutboxRepository
	uow     domain.UnitOfWork
	bus     domain.EventPublisher
	dlq     *dlq.Service
	service string
	opts    Options
}

// NewProcessor constructs a Processor for the named service.
func NewProcessor(repo domain.OutboxRepository, uow domain.UnitOfWork, bus domain.EventPublisher, dlqSvc *dlq.Service, service string, opts Options) *Processor {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = def.Retention
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = def.RetryBase
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = def.RetryCap
	}
	return &Processor{repo: repo, uow: uow, bus: bus, dlq: dlqSvc, service: service, opts: opts}
}

// Run polls until the context ends.
func (p *Processor) Run(ctx domain.Context) error {
	slog.Info("outbox processor starting",
		slog.String("service", p.service),
		slog.Int("batch_size", p.opts.BatchSize),
		slog.Duration("poll_interval", p.opts.PollInterval))

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox processor stopping", slog.String("service", p.service))
			return ctx.Err()
		case <-ticker.C:
			if n, err := p.ProcessBatch(ctx); err != nil {
				slog.Error("outbox batch failed",
					slog.String("service", p.service),
					slog.Any("error", err))
			} else if n > 0 {
				slog.Debug("outbox batch drained",
					slog.String("service", p.service),
					slog.Int("published", n))
			}
		}
	}
}

// ProcessBatch drains one batch and returns how many rows were published.
// The whole batch runs in one transaction holding the row locks, so a
// concurrent processor skips these rows entirely.
func (p *Processor) ProcessBatch(ctx domain.Context) (int, error) {
	start := time.Now()
	defer func() { observability.OutboxBatchDuration.Observe(time.Since(start).Seconds()) }()

	published := 0
	err := p.uow.WithinTx(ctx, func(txCtx domain.Context) error {
		rows, err := p.repo.LockUnprocessed(txCtx, time.Now().UTC(), p.opts.BatchSize, p.opts.MaxRetries)
		if err != nil {
			return fmt.Errorf("op=outbox.batch: lock: %w", err)
		}

		// A failed publish for an aggregate blocks its later rows in this
		// batch so per-aggregate order survives retries.
		blocked := map[string]bool{}
		for _, row := range rows {
			key := row.AggregateID.String()
			if blocked[key] {
				continue
			}
			if err := p.processRow(txCtx, row); err != nil {
				blocked[key] = true
				continue
			}
			published++
		}
		return nil
	})
	return published, err
}

func (p *Processor) processRow(ctx domain.Context, row domain.OutboxMessage) error {
	ev, err := domain.DecodeEnvelope(row.Payload)
	if err != nil {
		// Unparseable rows can never publish; quarantine immediately.
		return p.quarantine(ctx, row, err)
	}

	if pubErr := p.bus.Publish(ctx, ev); pubErr != nil {
		observability.OutboxPublishFailuresTotal.WithLabelValues(p.service, row.EventType).Inc()
		if row.RetryCount+1 >= p.opts.MaxRetries {
			return p.quarantine(ctx, row, pubErr)
		}
		next := time.Now().UTC().Add(p.backoff(row.RetryCount + 1))
		if err := p.repo.MarkFailed(ctx, row.ID, pubErr.Error(), next); err != nil {
			return fmt.Errorf("op=outbox.row: mark failed: %w", err)
		}
		slog.Warn("outbox publish failed",
			slog.String("service", p.service),
			slog.String("outbox_id", row.ID),
			slog.String("event_type", row.EventType),
			slog.Int("retry_count", row.RetryCount+1),
			slog.Time("next_attempt_at", next),
			slog.Any("error", pubErr))
		return pubErr
	}

	if err := p.repo.MarkProcessed(ctx, row.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=outbox.row: mark processed: %w", err)
	}
	observability.OutboxPublishedTotal.WithLabelValues(p.service, row.EventType).Inc()
	return nil
}

// quarantine copies the row to the DLQ and tombstones processed_at so it is
// never selected again.
func (p *Processor) quarantine(ctx domain.Context, row domain.OutboxMessage, cause error) error {
	if p.dlq != nil {
		ev, decErr := domain.DecodeEnvelope(row.Payload)
		if decErr != nil {
			// Synthesize a minimal envelope so the snapshot still lands in DLQ.
			ev = domain.Envelope{
				EventID:       row.AggregateID,
				AggregateID:   row.AggregateID,
				EventType:     row.EventType,
				SchemaVersion: domain.SchemaVersion,
				Producer:      p.service,
				OccurredOn:    row.OccurredAt,
				CorrelationID: row.CorrelationID,
				Payload:       row.Payload,
			}
		}
		if err := p.dlq.Quarantine(ctx, ev, p.service+"-outbox", "", row.RetryCount+1, cause); err != nil {
			return fmt.Errorf("op=outbox.quarantine: %w", err)
		}
	}
	observability.OutboxQuarantinedTotal.WithLabelValues(p.service).Inc()
	if err := p.repo.MarkProcessed(ctx, row.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=outbox.quarantine: tombstone: %w", err)
	}
	slog.Error("outbox row quarantined",
		slog.String("service", p.service),
		slog.String("outbox_id", row.ID),
		slog.String("event_type", row.EventType),
		slog.Any("error", cause))
	return cause
}

func (p *Processor) backoff(retryCount int) time.Duration {
	d := p.opts.RetryBase
	for i := 0; i < retryCount && d < p.opts.RetryCap; i++ {
		d *= 2
	}
	if d > p.opts.RetryCap {
		d = p.opts.RetryCap
	}
	return d
}

// RunCleanup purges processed rows older than the retention window on a
// fixed cadence.
func (p *Processor) RunCleanup(ctx domain.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-p.opts.Retention)
			n, err := p.repo.PurgeProcessedBefore(ctx, cutoff)
			if err != nil {
				slog.Error("outbox cleanup failed",
					slog.String("service", p.service),
					slog.Any("error", err))
				continue
			}
			if n > 0 {
				slog.Info("outbox cleanup purged rows",
					slog.String("service", p.service),
					slog.Int64("purged", n),
					slog.Time("cutoff", cutoff))
			}
		}
	}
}
