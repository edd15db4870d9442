// Package storage defines persistence interfaces for the bridge. The status
// API and receipt reconstruction read finished payment attempts back out of a
// PaymentStore.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/registerlabs/posbridge/internal/money"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Payment outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

// PaymentRecord is one finished payment attempt.
type PaymentRecord struct {
	ID            string       `json:"id"`
	OrderID       string       `json:"order_id"`
	IntentID      string       `json:"intent_id"`
	Amount        money.Amount `json:"amount"`
	TipAmount     money.Amount `json:"tip_amount"`
	CardBrand     string       `json:"card_brand,omitempty"`
	CardLast4     string       `json:"card_last4,omitempty"`
	TransactionID string       `json:"transaction_id,omitempty"`
	Outcome       string       `json:"outcome"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// PaymentStore persists finished payment attempts.
type PaymentStore interface {
	RecordPayment(ctx context.Context, rec PaymentRecord) (PaymentRecord, error)
	GetPayment(ctx context.Context, id string) (PaymentRecord, error)
	ListPayments(ctx context.Context, limit int) ([]PaymentRecord, error)
}
