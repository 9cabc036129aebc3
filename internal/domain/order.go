package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Instruction is the order side.
type Instruction int

const (
	InstructionBuy Instruction = iota
	InstructionSell
	InstructionBuyToCover
	InstructionSellShort
)

// OrderType selects market/limit/stop semantics.
type OrderType int

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
	OrderTypeStop
	OrderTypeStopLimit
)

// Session is the trading session the order is eligible for.
type Session int

const (
	SessionNormal Session = iota
	SessionAM
	SessionPM
	SessionSeamless
)

// Duration is the time in force.
type Duration int

const (
	DurationDay Duration = iota
	DurationGTC          // good till canceled
	DurationFOK          // fill or kill
	DurationIOC          // immediate or cancel
)

// OrderRequest is the caller's intent. Treat it as a value: the lifecycle
// keeps its own copy once submitted, and a replace carries a new request.
type OrderRequest struct {
	Symbol      string
	Quantity    int64
	Instruction Instruction
	OrderType   OrderType
	Session     Session
	Duration    Duration
	Price       *decimal.Decimal
	StopPrice   *decimal.Decimal
}

// Clone returns a deep copy (price pointers included).
func (r OrderRequest) Clone() OrderRequest {
	out := r
	if r.Price != nil {
		p := *r.Price
		out.Price = &p
	}
	if r.StopPrice != nil {
		p := *r.StopPrice
		out.StopPrice = &p
	}
	return out
}

// Validate enforces the local invariants. It never touches the network.
func (r OrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return &ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	if r.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be a positive integer"}
	}
	if _, err := r.Instruction.wire(); err != nil {
		return &ValidationError{Field: "instruction", Reason: err.Error()}
	}
	if _, err := r.OrderType.wire(); err != nil {
		return &ValidationError{Field: "orderType", Reason: err.Error()}
	}
	if _, err := r.Session.wire(); err != nil {
		return &ValidationError{Field: "session", Reason: err.Error()}
	}
	if _, err := r.Duration.wire(); err != nil {
		return &ValidationError{Field: "duration", Reason: err.Error()}
	}
	needsPrice := r.OrderType == OrderTypeLimit || r.OrderType == OrderTypeStopLimit
	needsStop := r.OrderType == OrderTypeStop || r.OrderType == OrderTypeStopLimit
	if needsPrice && r.Price == nil {
		return &ValidationError{Field: "price", Reason: "required for limit and stop-limit orders"}
	}
	if needsStop && r.StopPrice == nil {
		return &ValidationError{Field: "stopPrice", Reason: "required for stop and stop-limit orders"}
	}
	if r.Price != nil && !r.Price.IsPositive() {
		return &ValidationError{Field: "price", Reason: "must be positive"}
	}
	if r.StopPrice != nil && !r.StopPrice.IsPositive() {
		return &ValidationError{Field: "stopPrice", Reason: "must be positive"}
	}
	return nil
}

// OrderStatus is the last known client-side status of a submitted order.
type OrderStatus string

const (
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusReplaced  OrderStatus = "replaced"
)

// IsFinal reports whether no further transition is expected.
func (s OrderStatus) IsFinal() bool {
	return s == OrderStatusRejected || s == OrderStatusCancelled || s == OrderStatusReplaced
}

// OutstandingOrder tracks one order id. Status changes only in response to
// REST results.
type OutstandingOrder struct {
	AccountID  string       `json:"accountId"`
	OrderID    string       `json:"orderId"`
	Request    OrderRequest `json:"-"`
	Status     OrderStatus  `json:"status"`
	ReplacedBy string       `json:"replacedBy,omitempty"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// ValidationError is a local rejection that never reached the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order: %s %s", e.Field, e.Reason)
}
