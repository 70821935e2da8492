// Package memory provides an in-process event bus implementing the publisher
// port. It exists for tests and local wiring: delivery is synchronous and in
// publish order, which matches the per-partition ordering guarantee of the
// real bus for a single aggregate.
package memory

import (
	"sync"

	"github.com/fairyhunter13/ordercore/internal/domain"
)

// Subscriber receives every published envelope.
type Subscriber func(ev domain.Envelope)

// Bus is an in-process domain.EventPublisher. The zero value is not usable;
// call NewBus.
type Bus struct {
	mu        sync.Mutex
	subs      []Subscriber
	published []domain.Envelope
	// FailNext makes the next n publishes fail with ErrTransient. Tests use
	// it to exercise outbox retry paths.
	failNext int
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for all future publishes.
func (b *Bus) Subscribe(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// FailNext makes the next n publish calls fail.
func (b *Bus) FailNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
}

// Publish delivers the envelope to every subscriber synchronously.
func (b *Bus) Publish(_ domain.Context, e domain.Envelope) error {
	b.mu.Lock()
	if b.failNext > 0 {
		b.failNext--
		b.mu.Unlock()
		return domain.ErrTransient
	}
	b.published = append(b.published, e)
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
	return nil
}

// PublishBatch delivers envelopes in order, stopping at the first failure.
func (b *Bus) PublishBatch(ctx domain.Context, events []domain.Envelope) error {
	for i := range events {
		if err := b.Publish(ctx, events[i]); err != nil {
			return err
		}
	}
	return nil
}

// Published returns a copy of everything published so far.
func (b *Bus) Published() []domain.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Envelope, len(b.published))
	copy(out, b.published)
	return out
}
