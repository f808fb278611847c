// Package journal keeps an off-ledger trail of every transition the engine
// submitted. Receipts are for operators and auditors; the ledger stays the
// source of truth.
package journal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/atmx/lbe-engine/internal/asset"
	"github.com/atmx/lbe-engine/internal/model"
)

// ErrNoBucket is returned when the S3 sink is configured without a bucket.
var ErrNoBucket = errors.New("journal: s3 bucket required")

// Receipt summarises one accepted tx.
type Receipt struct {
	TxID        string           `json:"tx_id"`
	EventID     model.EventID    `json:"event_id"`
	Kind        string           `json:"kind"`
	SubmittedAt time.Time        `json:"submitted_at"`
	Consumed    []model.RecordID `json:"consumed"`
	Produced    []model.RecordID `json:"produced"`
	Outputs     []model.Payout   `json:"outputs,omitempty"`
	Mint        asset.Value      `json:"mint,omitempty"`
}

// NewReceipt builds the receipt of a sealed tx.
func NewReceipt(tx *model.Tx, at time.Time) Receipt {
	produced := make([]model.RecordID, len(tx.Produced))
	for i, r := range tx.Produced {
		produced[i] = r.ID
	}
	return Receipt{
		TxID:        tx.ID,
		EventID:     tx.EventID,
		Kind:        tx.Label,
		SubmittedAt: at,
		Consumed:    tx.ConsumedIDs(),
		Produced:    produced,
		Outputs:     tx.Outputs,
		Mint:        tx.Mint,
	}
}

// Sink persists receipts.
type Sink interface {
	Write(ctx context.Context, r Receipt) error
}

// MemorySink keeps receipts in memory. Used for testing and development.
type MemorySink struct {
	mu       sync.Mutex
	receipts []Receipt
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(_ context.Context, r Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

// Receipts returns a copy of what was written, oldest first.
func (s *MemorySink) Receipts() []Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Receipt(nil), s.receipts...)
}
