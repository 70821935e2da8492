package inventory

import (
	"context"
	"log/slog"
	"time"
)

const expireScanBatch = 100

// Expirer sweeps overdue reservations on a fixed interval so abandoned
// checkouts return their stock without waiting on any event.
type Expirer struct {
	svc      *Service
	interval time.Duration
}

// NewExpirer constructs the sweep worker.
func NewExpirer(svc *Service, interval time.Duration) *Expirer {
	return &Expirer{svc: svc, interval: interval}
}

// Run ticks until ctx is done.
func (e *Expirer) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.svc.ExpireDueReservations(ctx, time.Now().UTC(), expireScanBatch)
			if err != nil {
				slog.Error("reservation expiry sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				slog.Info("reservations expired", slog.Int("products", n))
			}
		}
	}
}
