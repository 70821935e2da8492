package domain

import "github.com/google/uuid"

// Integration-event type names. These are the wire contract between services;
// renaming one is a breaking change.
const (
	EventOrderCreated                  = "OrderCreated"
	EventOrderConfirmed                = "OrderConfirmed"
	EventOrderCancelled                = "OrderCancelled"
	EventInventoryReservationRequested = "InventoryReservationRequested"
	EventInventoryReservationConfirmed = "InventoryReservationConfirmed"
	EventInventoryReservationFailed    = "InventoryReservationFailed"
	EventReleaseReservation            = "ReleaseReservation"
	EventPaymentRequested              = "PaymentRequested"
	EventPaymentConfirmed              = "PaymentConfirmed"
	EventPaymentFailed                 = "PaymentFailed"
	EventRefundPayment                 = "RefundPayment"
	EventStockReserved                 = "StockReserved"
	EventStockDeducted                 = "StockDeducted"
	EventStockReleased                 = "StockReleased"
	EventReservationExpired            = "ReservationExpired"
	EventStockAdjusted                 = "StockAdjusted"
	EventLowStockDetected              = "LowStockDetected"
)

// Service names as declared in envelope Producer fields and topic names.
const (
	ServiceOrder     = "order"
	ServiceInventory = "inventory"
	ServicePayment   = "payment"
)

// OrderLine is one purchased item inside an order-scoped event.
type OrderLine struct {
	ProductID      uuid.UUID `json:"productId"`
	Quantity       int64     `json:"quantity"`
	UnitPriceCents int64     `json:"unitPriceCents"`
}

type OrderCreated struct {
	OrderID          uuid.UUID   `json:"orderId"`
	CustomerID       uuid.UUID   `json:"customerId"`
	Items            []OrderLine `json:"items"`
	TotalAmountCents int64       `json:"totalAmountCents"`
	Currency         string      `json:"currency"`
}

func (OrderCreated) EventType() string { return EventOrderCreated }

type OrderConfirmed struct {
	OrderID uuid.UUID `json:"orderId"`
}

func (OrderConfirmed) EventType() string { return EventOrderConfirmed }

type OrderCancelled struct {
	OrderID uuid.UUID `json:"orderId"`
	Reason  string    `json:"reason"`
}

func (OrderCancelled) EventType() string { return EventOrderCancelled }

type InventoryReservationRequested struct {
	OrderID    uuid.UUID   `json:"orderId"`
	Items      []OrderLine `json:"items"`
	TTLSeconds int64       `json:"ttlSeconds"`
}

func (InventoryReservationRequested) EventType() string { return EventInventoryReservationRequested }

type InventoryReservationConfirmed struct {
	OrderID uuid.UUID `json:"orderId"`
}

func (InventoryReservationConfirmed) EventType() string { return EventInventoryReservationConfirmed }

type InventoryReservationFailed struct {
	OrderID uuid.UUID `json:"orderId"`
	Reason  string    `json:"reason"`
}

func (InventoryReservationFailed) EventType() string { return EventInventoryReservationFailed }

type ReleaseReservation struct {
	OrderID uuid.UUID `json:"orderId"`
	Reason  string    `json:"reason"`
}

func (ReleaseReservation) EventType() string { return EventReleaseReservation }

type PaymentRequested struct {
	OrderID     uuid.UUID `json:"orderId"`
	AmountCents int64     `json:"amountCents"`
	Currency    string    `json:"currency"`
}

func (PaymentRequested) EventType() string { return EventPaymentRequested }

type PaymentConfirmed struct {
	OrderID   uuid.UUID `json:"orderId"`
	PaymentID uuid.UUID `json:"paymentId"`
}

func (PaymentConfirmed) EventType() string { return EventPaymentConfirmed }

type PaymentFailed struct {
	OrderID uuid.UUID `json:"orderId"`
	Reason  string    `json:"reason"`
}

func (PaymentFailed) EventType() string { return EventPaymentFailed }

type RefundPayment struct {
	OrderID uuid.UUID `json:"orderId"`
	Reason  string    `json:"reason"`
}

func (RefundPayment) EventType() string { return EventRefundPayment }

type StockReserved struct {
	ProductID     uuid.UUID `json:"productId"`
	OrderID       uuid.UUID `json:"orderId"`
	ReservationID uuid.UUID `json:"reservationId"`
	Quantity      int64     `json:"quantity"`
}

func (StockReserved) EventType() string { return EventStockReserved }

type StockDeducted struct {
	ProductID uuid.UUID `json:"productId"`
	OrderID   uuid.UUID `json:"orderId"`
	Quantity  int64     `json:"quantity"`
}

func (StockDeducted) EventType() string { return EventStockDeducted }

type StockReleased struct {
	ProductID uuid.UUID `json:"productId"`
	OrderID   uuid.UUID `json:"orderId"`
	Quantity  int64     `json:"quantity"`
}

func (StockReleased) EventType() string { return EventStockReleased }

type ReservationExpired struct {
	ProductID     uuid.UUID `json:"productId"`
	OrderID       uuid.UUID `json:"orderId"`
	ReservationID uuid.UUID `json:"reservationId"`
	Quantity      int64     `json:"quantity"`
}

func (ReservationExpired) EventType() string { return EventReservationExpired }

type StockAdjusted struct {
	ProductID uuid.UUID `json:"productId"`
	Delta     int64     `json:"delta"`
	Reason    string    `json:"reason"`
}

func (StockAdjusted) EventType() string { return EventStockAdjusted }

type LowStockDetected struct {
	ProductID    uuid.UUID `json:"productId"`
	Available    int64     `json:"available"`
	ReorderLevel int64     `json:"reorderLevel"`
}

func (LowStockDetected) EventType() string { return EventLowStockDetected }

// RegisterCoreEvents installs constructors for every event type of the core
// at the current schema version.
func RegisterCoreEvents(r *Registry) {
	r.Register(EventOrderCreated, SchemaVersion, func() EventPayload { return &OrderCreated{} })
	r.Register(EventOrderConfirmed, SchemaVersion, func() EventPayload { return &OrderConfirmed{} })
	r.Register(EventOrderCancelled, SchemaVersion, func() EventPayload { return &OrderCancelled{} })
	r.Register(EventInventoryReservationRequested, SchemaVersion, func() EventPayload { return &InventoryReservationRequested{} })
	r.Register(EventInventoryReservationConfirmed, SchemaVersion, func() EventPayload { return &InventoryReservationConfirmed{} })
	r.Register(EventInventoryReservationFailed, SchemaVersion, func() EventPayload { return &InventoryReservationFailed{} })
	r.Register(EventReleaseReservation, SchemaVersion, func() EventPayload { return &ReleaseReservation{} })
	r.Register(EventPaymentRequested, SchemaVersion, func() EventPayload { return &PaymentRequested{} })
	r.Register(EventPaymentConfirmed, SchemaVersion, func() EventPayload { return &PaymentConfirmed{} })
	r.Register(EventPaymentFailed, SchemaVersion, func() EventPayload { return &PaymentFailed{} })
	r.Register(EventRefundPayment, SchemaVersion, func() EventPayload { return &RefundPayment{} })
	r.Register(EventStockReserved, SchemaVersion, func() EventPayload { return &StockReserved{} })
	r.Register(EventStockDeducted, SchemaVersion, func() EventPayload { return &StockDeducted{} })
	r.Register(EventStockReleased, SchemaVersion, func() EventPayload { return &StockReleased{} })
	r.Register(EventReservationExpired, SchemaVersion, func() EventPayload { return &ReservationExpired{} })
	r.Register(EventStockAdjusted, SchemaVersion, func() EventPayload { return &StockAdjusted{} })
	r.Register(EventLowStockDetected, SchemaVersion, func() EventPayload { return &LowStockDetected{} })
}
