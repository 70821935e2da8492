package saga

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ordercore/internal/domain"
)

const timeoutScanBatch = 50

// TimeoutScanner periodically fails the current step of saga instances whose
// response deadline has passed, so stuck sagas compensate instead of hanging.
type TimeoutScanner struct {
	orch     *Orchestrator
	sagas    domain.SagaRepository
	interval time.Duration
}

// NewTimeoutScanner constructs a scanner for one orchestrator.
func NewTimeoutScanner(orch *Orchestrator, sagas domain.SagaRepository, interval time.Duration) *TimeoutScanner {
	return &TimeoutScanner{orch: orch, sagas: sagas, interval: interval}
}

// Run ticks until ctx is done. Each tick is independent; a failing tick is
// logged and the next one retried.
func (s *TimeoutScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Scan(ctx); err != nil {
				slog.Error("saga timeout scan failed", slog.Any("error", err))
			}
		}
	}
}

// Scan fails every due instance once. Instances that raced with a late
// response are skipped inside InjectTimeout.
func (s *TimeoutScanner) Scan(ctx context.Context) error {
	due, err := s.sagas.DueTimeouts(ctx, time.Now().UTC(), timeoutScanBatch)
	if err != nil {
		return err
	}
	for _, inst := range due {
		slog.Warn("saga step deadline exceeded",
			slog.String("saga_type", inst.Type),
			slog.String("saga_id", inst.ID.String()),
			slog.Int("step", inst.CurrentStep))
		if err := s.orch.InjectTimeout(ctx, inst.ID); err != nil {
			slog.Error("saga timeout injection failed",
				slog.String("saga_id", inst.ID.String()),
				slog.Any("error", err))
		}
	}
	return nil
}
