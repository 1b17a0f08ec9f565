package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderDraft          OrderStatus = "DRAFT"
	OrderActive         OrderStatus = "ACTIVE"
	OrderPendingPayment OrderStatus = "PENDING_PAYMENT"
	OrderSuspended      OrderStatus = "SUSPENDED"
	OrderPaid           OrderStatus = "PAID"
	OrderCancelled      OrderStatus = "CANCELLED"
	OrderVoided         OrderStatus = "VOIDED"
	OrderRefunded       OrderStatus = "REFUNDED"
)

// Terminal statuses are retained for audit and never transition further.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderPaid, OrderCancelled, OrderVoided, OrderRefunded:
		return true
	}
	return false
}

// Locking statuses claim exclusive use of the order's table.
func (s OrderStatus) Locking() bool {
	switch s {
	case OrderDraft, OrderActive, OrderPendingPayment:
		return true
	}
	return false
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderDraft, OrderActive, OrderPendingPayment, OrderSuspended,
		OrderPaid, OrderCancelled, OrderVoided, OrderRefunded:
		return true
	}
	return false
}

// lockingStatuses as a []string for status = ANY($n) predicates.
func lockingStatuses() []string {
	return []string{string(OrderDraft), string(OrderActive), string(OrderPendingPayment)}
}

type DraftStatus string

const (
	DraftActive DraftStatus = "ACTIVE"
	// DraftSuspended marks a draft held as customer credit. Deleting one
	// requires a supervisor PIN.
	DraftSuspended DraftStatus = "SUSPENDED"
)

type MovementReason string

const (
	ReasonAdjust   MovementReason = "ADJUST"
	ReasonTransfer MovementReason = "TRANSFER"
	ReasonRefund   MovementReason = "REFUND"
)

type Branch struct {
	ID               int
	Code             string
	Name             string
	AllowOverselling bool
	OrderSeq         int64
	CreatedAt        time.Time
}

type Section struct {
	ID       int
	BranchID int
	Name     string
}

type Product struct {
	ID        int
	BranchID  int
	Code      string
	Name      string
	UnitPrice decimal.Decimal
	IsActive  bool
	CreatedAt time.Time
}

// StockMovement is one immutable row of the stock ledger.
type StockMovement struct {
	ID          int
	ProductID   int
	BranchID    int
	SectionFrom *int
	SectionTo   *int
	Quantity    decimal.Decimal // signed delta
	Reason      MovementReason
	Tag         MovementTag
	CreatedAt   time.Time
}

type Order struct {
	ID             int
	BranchID       int
	SectionID      *int
	TableID        *int
	WaiterID       *int
	Status         OrderStatus
	OrderNumber    int64
	Subtotal       decimal.Decimal
	Discount       decimal.Decimal
	Tax            decimal.Decimal
	TaxRate        decimal.Decimal
	Total          decimal.Decimal
	IdempotencyKey *string
	Items          []OrderItem
	Payments       []OrderPayment
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type OrderItem struct {
	ID        int
	OrderID   int
	ProductID int
	Quantity  decimal.Decimal // negative for return lines
	UnitPrice decimal.Decimal
}

type OrderPayment struct {
	ID             int
	OrderID        int
	Method         string
	Amount         decimal.Decimal
	IdempotencyKey *string
	CreatedAt      time.Time
}

// CartLine is one entry of a draft's cart snapshot, stored as JSONB.
type CartLine struct {
	ProductID int             `json:"productId"`
	Quantity  decimal.Decimal `json:"qty"`
	UnitPrice decimal.Decimal `json:"price"`
}

type Draft struct {
	ID             int
	BranchID       int
	SectionID      *int
	TableID        *int
	WaiterID       *int
	OrderID        *int
	Status         DraftStatus
	ReservationKey *string
	Cart           []CartLine
	Subtotal       decimal.Decimal
	Discount       decimal.Decimal
	Tax            decimal.Decimal
	TaxRate        decimal.Decimal
	Total          decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type SalesReturn struct {
	ID             int
	OrderID        int
	Amount         decimal.Decimal
	IdempotencyKey *string
	CreatedAt      time.Time
}

type SaleEvent struct {
	ID           int
	OrderID      int
	Action       string
	StatusBefore string
	StatusAfter  string
	ActorID      *int
	Metadata     map[string]any
	CreatedAt    time.Time
}
