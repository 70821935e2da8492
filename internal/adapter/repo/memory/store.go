// Package memory implements every repository port on in-process maps. It
// backs unit tests and local experiments; WithinTx snapshots the whole store
// and restores it on error, approximating database rollback.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ordercore/internal/domain"
)

type inboxKey struct {
	eventID  uuid.UUID
	consumer string
}

// Store holds all state shared by the repository views.
type Store struct {
	mu sync.Mutex
	// txMu serializes units of work so a snapshot covers one writer.
	txMu sync.Mutex

	outbox   map[string]domain.OutboxMessage
	inbox    map[inboxKey]domain.InboxMessage
	dlq      map[string]domain.DeadLetterMessage
	dlqOrder []string
	sagas    map[uuid.UUID]domain.SagaInstance
	products map[uuid.UUID]domain.Product
	orders   map[uuid.UUID]domain.Order
	payments map[uuid.UUID]domain.Payment
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		outbox:   map[string]domain.OutboxMessage{},
		inbox:    map[inboxKey]domain.InboxMessage{},
		dlq:      map[string]domain.DeadLetterMessage{},
		sagas:    map[uuid.UUID]domain.SagaInstance{},
		products: map[uuid.UUID]domain.Product{},
		orders:   map[uuid.UUID]domain.Order{},
		payments: map[uuid.UUID]domain.Payment{},
	}
}

type memTxKey struct{}

// WithinTx implements domain.UnitOfWork by snapshot and restore. Nested calls
// join the outer transaction.
func (s *Store) WithinTx(ctx domain.Context, fn func(ctx domain.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	err := fn(context.WithValue(ctx, memTxKey{}, struct{}{}))
	if err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type storeSnapshot struct {
	outbox   map[string]domain.OutboxMessage
	inbox    map[inboxKey]domain.InboxMessage
	dlq      map[string]domain.DeadLetterMessage
	dlqOrder []string
	sagas    map[uuid.UUID]domain.SagaInstance
	products map[uuid.UUID]domain.Product
	orders   map[uuid.UUID]domain.Order
	payments map[uuid.UUID]domain.Payment
}

func (s *Store) snapshot() storeSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := storeSnapshot{
		outbox:   make(map[string]domain.OutboxMessage, len(s.outbox)),
		inbox:    make(map[inboxKey]domain.InboxMessage, len(s.inbox)),
		dlq:      make(map[string]domain.DeadLetterMessage, len(s.dlq)),
		dlqOrder: append([]string(nil), s.dlqOrder...),
		sagas:    make(map[uuid.UUID]domain.SagaInstance, len(s.sagas)),
		products: make(map[uuid.UUID]domain.Product, len(s.products)),
		orders:   make(map[uuid.UUID]domain.Order, len(s.orders)),
		payments: make(map[uuid.UUID]domain.Payment, len(s.payments)),
	}
	for k, v := range s.outbox {
		snap.outbox[k] = v
	}
	for k, v := range s.inbox {
		snap.inbox[k] = v
	}
	for k, v := range s.dlq {
		snap.dlq[k] = cloneDLQ(v)
	}
	for k, v := range s.sagas {
		snap.sagas[k] = cloneSaga(v)
	}
	for k, v := range s.products {
		snap.products[k] = cloneProduct(v)
	}
	for k, v := range s.orders {
		snap.orders[k] = cloneOrder(v)
	}
	for k, v := range s.payments {
		snap.payments[k] = v
	}
	return snap
}

func (s *Store) restore(snap storeSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = snap.outbox
	s.inbox = snap.inbox
	s.dlq = snap.dlq
	s.dlqOrder = snap.dlqOrder
	s.sagas = snap.sagas
	s.products = snap.products
	s.orders = snap.orders
	s.payments = snap.payments
}

func cloneProduct(p domain.Product) domain.Product {
	out := p
	out.Reservations = append([]domain.StockReservation(nil), p.Reservations...)
	return out
}

func cloneOrder(o domain.Order) domain.Order {
	out := o
	out.Items = append([]domain.OrderLine(nil), o.Items...)
	return out
}

func cloneSaga(s domain.SagaInstance) domain.SagaInstance {
	out := s
	out.History = append([]domain.SagaStepRecord(nil), s.History...)
	out.Data = append([]byte(nil), s.Data...)
	return out
}

func cloneDLQ(m domain.DeadLetterMessage) domain.DeadLetterMessage {
	out := m
	out.Payload = append([]byte(nil), m.Payload...)
	out.StatusChanges = append([]domain.DLQStatusChange(nil), m.StatusChanges...)
	return out
}
