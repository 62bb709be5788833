// Package order implements the trade-request lifecycle: validation,
// idempotent persistence, and execution against the LMSR market maker.
package order

import (
	"time"

	"predictioncore/internal/money"
	"predictioncore/internal/orderstate"
	"predictioncore/internal/pricing"
)

// TradeRequest is what the HTTP boundary hands to the MarketDispatcher.
type TradeRequest struct {
	UserID      string
	MarketID    string
	Outcome     pricing.Outcome
	Quantity    float64
	ClientNonce string // optional; derived if empty
}

// Order is the domain record tracked through NEW -> ... -> terminal.
type Order struct {
	ID                string
	Nonce             string
	UserID            string
	MarketID          string
	Outcome           pricing.Outcome
	Quantity          float64
	FilledQuantity    float64
	Cost              money.Money
	AverageFillPrice  money.Money
	TransactionID     string
	Status            orderstate.State
	RejectionReason   string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// Fill records a full execution: market orders always fill completely,
// so filledQuantity is always the full requested quantity.
func (o *Order) Fill(quantity float64, cost money.Money, transactionID string, now time.Time) {
	o.FilledQuantity = quantity
	o.Cost = cost
	if quantity != 0 {
		o.AverageFillPrice, _ = cost.Divide(money.OfFloat(quantity))
	}
	o.TransactionID = transactionID
	o.Status = orderstate.Filled
	o.UpdatedAt = now
	completed := now
	o.CompletedAt = &completed
}

// IsActive reports whether the order can still be cancelled.
func (o *Order) IsActive() bool {
	return o.Status == orderstate.Open || o.Status == orderstate.Partial
}
