package domain

// UnitOfWork runs fn inside one database transaction. Repositories called
// with the derived context join that transaction, so an aggregate mutation,
// its outbox rows, and any inbox marker commit or roll back together. The
// transaction is rolled back when fn returns an error or the context is
// cancelled mid-flight.
type UnitOfWork interface {
	WithinTx(ctx Context, fn func(ctx Context) error) error
}

// EventPublisher is the bus producer port. Publish is at-least-once: an error
// means the broker may or may not have the record, and callers (the outbox
// processor) retry until the broker acks. Partitioning is by AggregateID.
type EventPublisher interface {
	Publish(ctx Context, e Envelope) error
	PublishBatch(ctx Context, events []Envelope) error
}

// EventHandler processes one integration event. Handlers run inside the inbox
// unit of work; returning an error rolls back every side effect of this
// delivery.
type EventHandler func(ctx Context, e Envelope) error
