package memory

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ordercore/internal/domain"
)

// OutboxRepo is the outbox view over a Store.
type OutboxRepo struct{ s *Store }

// Outbox returns the outbox repository view.
func (s *Store) Outbox() *OutboxRepo { return &OutboxRepo{s: s} }

func (r *OutboxRepo) Append(_ domain.Context, msgs ...domain.OutboxMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range msgs {
		if _, ok := r.s.outbox[m.ID]; ok {
			return fmt.Errorf("op=outbox.append: %w: id %s", domain.ErrConflict, m.ID)
		}
		r.s.outbox[m.ID] = m
	}
	return nil
}

func (r *OutboxRepo) LockUnprocessed(_ domain.Context, now time.Time, limit, maxRetries int) ([]domain.OutboxMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.OutboxMessage
	for _, m := range r.s.outbox {
		if m.ProcessedAt == nil && !m.NextAttemptAt.After(now) && m.RetryCount <= maxRetries {
			out = append(out, m)
		}
	}
	// ULIDs sort lexicographically in creation order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *OutboxRepo) MarkProcessed(_ domain.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.outbox[id]
	if !ok {
		return fmt.Errorf("op=outbox.mark_processed: %w: id %s", domain.ErrNotFound, id)
	}
	m.ProcessedAt = &at
	r.s.outbox[id] = m
	return nil
}

func (r *OutboxRepo) MarkFailed(_ domain.Context, id string, lastError string, nextAttempt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.outbox[id]
	if !ok {
		return fmt.Errorf("op=outbox.mark_failed: %w: id %s", domain.ErrNotFound, id)
	}
	m.RetryCount++
	m.LastError = lastError
	m.NextAttemptAt = nextAttempt
	r.s.outbox[id] = m
	return nil
}

func (r *OutboxRepo) PurgeProcessedBefore(_ domain.Context, cutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, m := range r.s.outbox {
		if m.ProcessedAt != nil && m.ProcessedAt.Before(cutoff) {
			delete(r.s.outbox, id)
			n++
		}
	}
	return n, nil
}

// Rows returns every stored row; tests inspect it directly.
func (r *OutboxRepo) Rows() []domain.OutboxMessage {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.OutboxMessage, 0, len(r.s.outbox))
	for _, m := range r.s.outbox {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InboxRepo is the inbox view over a Store.
type InboxRepo struct{ s *Store }

// Inbox returns the inbox repository view.
func (s *Store) Inbox() *InboxRepo { return &InboxRepo{s: s} }

func (r *InboxRepo) Insert(_ domain.Context, m domain.InboxMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := inboxKey{m.EventID, m.Consumer}
	if _, ok := r.s.inbox[k]; ok {
		return fmt.Errorf("op=inbox.insert: %w: event %s already seen by %s", domain.ErrConflict, m.EventID, m.Consumer)
	}
	r.s.inbox[k] = m
	return nil
}

func (r *InboxRepo) Get(_ domain.Context, eventID uuid.UUID, consumer string) (domain.InboxMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.inbox[inboxKey{eventID, consumer}]
	if !ok {
		return domain.InboxMessage{}, fmt.Errorf("op=inbox.get: %w", domain.ErrNotFound)
	}
	return m, nil
}

func (r *InboxRepo) MarkProcessed(_ domain.Context, eventID uuid.UUID, consumer string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := inboxKey{eventID, consumer}
	m, ok := r.s.inbox[k]
	if !ok {
		return fmt.Errorf("op=inbox.mark_processed: %w", domain.ErrNotFound)
	}
	m.Status = domain.InboxProcessed
	m.ProcessedAt = &at
	r.s.inbox[k] = m
	return nil
}

func (r *InboxRepo) Reset(_ domain.Context, eventID uuid.UUID, consumer string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := inboxKey{eventID, consumer}
	m, ok := r.s.inbox[k]
	if !ok {
		return fmt.Errorf("op=inbox.reset: %w", domain.ErrNotFound)
	}
	m.Status = domain.InboxReceived
	m.RetryCount = 0
	m.LastError = ""
	m.ProcessedAt = nil
	r.s.inbox[k] = m
	return nil
}

func (r *InboxRepo) MarkFailed(_ domain.Context, eventID uuid.UUID, consumer string, lastError string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := inboxKey{eventID, consumer}
	m, ok := r.s.inbox[k]
	if !ok {
		return fmt.Errorf("op=inbox.mark_failed: %w", domain.ErrNotFound)
	}
	m.Status = domain.InboxFailed
	m.RetryCount++
	m.LastError = lastError
	r.s.inbox[k] = m
	return nil
}

// DLQRepo is the dead-letter view over a Store.
type DLQRepo struct{ s *Store }

// DLQ returns the dead-letter repository view.
func (s *Store) DLQ() *DLQRepo { return &DLQRepo{s: s} }

func (r *DLQRepo) Insert(_ domain.Context, m domain.DeadLetterMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.dlq[m.ID]; ok {
		return fmt.Errorf("op=dlq.insert: %w: id %s", domain.ErrConflict, m.ID)
	}
	r.s.dlq[m.ID] = cloneDLQ(m)
	r.s.dlqOrder = append(r.s.dlqOrder, m.ID)
	return nil
}

func (r *DLQRepo) Get(_ domain.Context, id string) (domain.DeadLetterMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.dlq[id]
	if !ok {
		return domain.DeadLetterMessage{}, fmt.Errorf("op=dlq.get: %w", domain.ErrNotFound)
	}
	return cloneDLQ(m), nil
}

func (r *DLQRepo) List(_ domain.Context, f domain.DLQFilter) ([]domain.DeadLetterMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []domain.DeadLetterMessage
	// Newest first.
	for i := len(r.s.dlqOrder) - 1; i >= 0 && len(out) < limit; i-- {
		m := r.s.dlq[r.s.dlqOrder[i]]
		if f.Consumer != "" && m.Consumer != f.Consumer {
			continue
		}
		if f.EventType != "" && m.EventType != f.EventType {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		out = append(out, cloneDLQ(m))
	}
	return out, nil
}

func (r *DLQRepo) UpdateStatus(_ domain.Context, id string, change domain.DLQStatusChange) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.dlq[id]
	if !ok {
		return fmt.Errorf("op=dlq.update_status: %w", domain.ErrNotFound)
	}
	if m.Status == domain.DLQResolved || m.Status == domain.DLQDiscarded {
		return fmt.Errorf("op=dlq.update_status: %w: message %s is terminal", domain.ErrConflict, id)
	}
	m.Status = change.To
	m.StatusChanges = append(m.StatusChanges, change)
	r.s.dlq[id] = m
	return nil
}

// SagaRepo is the saga view over a Store.
type SagaRepo struct{ s *Store }

// Sagas returns the saga repository view.
func (s *Store) Sagas() *SagaRepo { return &SagaRepo{s: s} }

func (r *SagaRepo) Insert(_ domain.Context, inst domain.SagaInstance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.sagas[inst.ID]; ok {
		return fmt.Errorf("op=saga.insert: %w: id %s", domain.ErrConflict, inst.ID)
	}
	for _, existing := range r.s.sagas {
		if existing.Type == inst.Type && existing.CorrelationID == inst.CorrelationID {
			return fmt.Errorf("op=saga.insert: %w: %s/%s", domain.ErrConflict, inst.Type, inst.CorrelationID)
		}
	}
	inst.Version = 1
	r.s.sagas[inst.ID] = cloneSaga(inst)
	return nil
}

func (r *SagaRepo) Get(_ domain.Context, id uuid.UUID) (domain.SagaInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	inst, ok := r.s.sagas[id]
	if !ok {
		return domain.SagaInstance{}, fmt.Errorf("op=saga.get: %w", domain.ErrNotFound)
	}
	return cloneSaga(inst), nil
}

func (r *SagaRepo) FindByCorrelationID(_ domain.Context, sagaType, correlationID string) (domain.SagaInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, inst := range r.s.sagas {
		if inst.Type == sagaType && inst.CorrelationID == correlationID {
			return cloneSaga(inst), nil
		}
	}
	return domain.SagaInstance{}, fmt.Errorf("op=saga.find: %w: %s/%s", domain.ErrNotFound, sagaType, correlationID)
}

func (r *SagaRepo) Update(_ domain.Context, inst domain.SagaInstance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.sagas[inst.ID]
	if !ok {
		return fmt.Errorf("op=saga.update: %w", domain.ErrNotFound)
	}
	if stored.Version != inst.Version {
		return fmt.Errorf("op=saga.update: %w: version %d is stale for saga %s", domain.ErrConflict, inst.Version, inst.ID)
	}
	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	r.s.sagas[inst.ID] = cloneSaga(inst)
	return nil
}

func (r *SagaRepo) DueTimeouts(_ domain.Context, now time.Time, limit int) ([]domain.SagaInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.SagaInstance
	for _, inst := range r.s.sagas {
		if inst.State == domain.SagaRunning && inst.TimeoutAt != nil && !inst.TimeoutAt.After(now) {
			out = append(out, cloneSaga(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeoutAt.Before(*out[j].TimeoutAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ProductRepo is the inventory view over a Store.
type ProductRepo struct{ s *Store }

// Products returns the product repository view.
func (s *Store) Products() *ProductRepo { return &ProductRepo{s: s} }

// Create inserts a brand-new product at row version 1.
func (r *ProductRepo) Create(_ domain.Context, p domain.Product) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.products[p.ID]; ok {
		return fmt.Errorf("op=product.create: %w: id %s", domain.ErrConflict, p.ID)
	}
	p.RowVersion = 1
	r.s.products[p.ID] = cloneProduct(p)
	return nil
}

func (r *ProductRepo) Get(_ domain.Context, id uuid.UUID) (domain.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.products[id]
	if !ok {
		return domain.Product{}, fmt.Errorf("op=product.get: %w: %s", domain.ErrNotFound, id)
	}
	return cloneProduct(p), nil
}

func (r *ProductRepo) Save(_ domain.Context, p domain.Product) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.products[p.ID]
	if !ok {
		return fmt.Errorf("op=product.save: %w: %s", domain.ErrNotFound, p.ID)
	}
	if stored.RowVersion != p.RowVersion {
		return fmt.Errorf("op=product.save: %w: row version %d is stale for product %s", domain.ErrConflict, p.RowVersion, p.ID)
	}
	p.RowVersion++
	r.s.products[p.ID] = cloneProduct(p)
	return nil
}

func (r *ProductRepo) FindByOrderID(_ domain.Context, orderID uuid.UUID) ([]domain.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Product
	for _, p := range r.s.products {
		for _, res := range p.Reservations {
			if res.OrderID == orderID && res.Status == domain.ReservationActive {
				out = append(out, cloneProduct(p))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (r *ProductRepo) IDsWithDueReservations(_ domain.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []uuid.UUID
	for _, p := range r.s.products {
		for _, res := range p.Reservations {
			if res.Status == domain.ReservationActive && now.After(res.ExpiresAt) {
				out = append(out, p.ID)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// OrderRepo is the order view over a Store.
type OrderRepo struct{ s *Store }

// Orders returns the order repository view.
func (s *Store) Orders() *OrderRepo { return &OrderRepo{s: s} }

func (r *OrderRepo) Insert(_ domain.Context, o domain.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.orders[o.ID]; ok {
		return fmt.Errorf("op=order.insert: %w: id %s", domain.ErrConflict, o.ID)
	}
	o.RowVersion = 1
	r.s.orders[o.ID] = cloneOrder(o)
	return nil
}

func (r *OrderRepo) Get(_ domain.Context, id uuid.UUID) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("op=order.get: %w: %s", domain.ErrNotFound, id)
	}
	return cloneOrder(o), nil
}

func (r *OrderRepo) Save(_ domain.Context, o domain.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.orders[o.ID]
	if !ok {
		return fmt.Errorf("op=order.save: %w: %s", domain.ErrNotFound, o.ID)
	}
	if stored.RowVersion != o.RowVersion {
		return fmt.Errorf("op=order.save: %w: row version %d is stale for order %s", domain.ErrConflict, o.RowVersion, o.ID)
	}
	o.RowVersion++
	r.s.orders[o.ID] = cloneOrder(o)
	return nil
}

// PaymentRepo is the payment view over a Store.
type PaymentRepo struct{ s *Store }

// Payments returns the payment repository view.
func (s *Store) Payments() *PaymentRepo { return &PaymentRepo{s: s} }

func (r *PaymentRepo) Insert(_ domain.Context, p domain.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.payments {
		if existing.OrderID == p.OrderID {
			return fmt.Errorf("op=payment.insert: %w: order %s already has a payment", domain.ErrConflict, p.OrderID)
		}
	}
	r.s.payments[p.ID] = p
	return nil
}

func (r *PaymentRepo) GetByOrderID(_ domain.Context, orderID uuid.UUID) (domain.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.payments {
		if p.OrderID == orderID {
			return p, nil
		}
	}
	return domain.Payment{}, fmt.Errorf("op=payment.get: %w: order %s", domain.ErrNotFound, orderID)
}

func (r *PaymentRepo) Save(_ domain.Context, p domain.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.payments[p.ID]; !ok {
		return fmt.Errorf("op=payment.save: %w: id %s", domain.ErrNotFound, p.ID)
	}
	r.s.payments[p.ID] = p
	return nil
}
