package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lbe-engine/internal/model"
)

type entry struct {
	record model.Record
	spent  bool
}

// MemoryLedger implements Ledger with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[model.RecordID]*entry
	order   []model.RecordID
	txs     []model.Tx
	now     func() time.Time
}

// NewMemoryLedger creates a ledger holding only the genesis registries.
func NewMemoryLedger(rent decimal.Decimal) *MemoryLedger {
	l := &MemoryLedger{
		records: make(map[model.RecordID]*entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
	l.apply(GenesisTx(rent), l.now())
	return l
}

// SetTime pins protocol time to t.
func (l *MemoryLedger) SetTime(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = func() time.Time { return t }
}

// Advance moves a pinned clock forward by d.
func (l *MemoryLedger) Advance(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.now().Add(d)
	l.now = func() time.Time { return t }
}

func (l *MemoryLedger) CurrentTime(_ context.Context) (time.Time, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.now(), nil
}

func (l *MemoryLedger) Records(_ context.Context, kind model.Kind, id model.EventID) ([]model.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []model.Record
	for _, rid := range l.order {
		e := l.records[rid]
		if !e.spent && e.record.Kind == kind && e.record.EventID == id {
			result = append(result, e.record.Clone())
		}
	}
	return result, nil
}

func (l *MemoryLedger) Treasuries(_ context.Context) ([]model.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []model.Record
	for _, rid := range l.order {
		e := l.records[rid]
		if !e.spent && e.record.Kind == model.KindTreasury {
			result = append(result, e.record.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EventID < result[j].EventID })
	return result, nil
}

func (l *MemoryLedger) Transactions(_ context.Context, id model.EventID) ([]model.Tx, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []model.Tx
	for _, tx := range l.txs {
		if tx.EventID == id {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (l *MemoryLedger) Submit(_ context.Context, tx *model.Tx) (string, error) {
	if err := tx.Balance(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[model.RecordID]bool)
	check := func(r model.Record) error {
		if seen[r.ID] {
			return fmt.Errorf("%w: %s listed twice", ErrConflict, r.ID)
		}
		seen[r.ID] = true
		e, ok := l.records[r.ID]
		if !ok || e.spent {
			return fmt.Errorf("%w: %s", ErrConflict, r.ID)
		}
		if !matchesLive(e.record, r) {
			return fmt.Errorf("%w: %s does not match the live record", ErrConflict, r.ID)
		}
		return nil
	}
	for _, r := range tx.Consumed {
		if err := check(r); err != nil {
			return "", err
		}
	}
	for _, r := range tx.References {
		if err := check(r); err != nil {
			return "", err
		}
	}

	tx.Seal()
	for _, prev := range l.txs {
		if prev.ID == tx.ID {
			return "", fmt.Errorf("%w: tx %s already accepted", ErrConflict, tx.ID)
		}
	}
	l.apply(tx, l.now())
	return tx.ID, nil
}

// apply must be called with mu held (or before the ledger is shared).
func (l *MemoryLedger) apply(tx *model.Tx, now time.Time) {
	for _, r := range tx.Consumed {
		l.records[r.ID].spent = true
	}
	for i := range tx.Produced {
		tx.Produced[i].CreatedAt = now
		r := tx.Produced[i].Clone()
		l.records[r.ID] = &entry{record: r}
		l.order = append(l.order, r.ID)
	}
	l.txs = append(l.txs, *tx)
}
