package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/lbe-engine/internal/model"
)

// CachedLedger wraps a primary Ledger (PostgreSQL) with a Redis read-through
// cache of live record sets. Submits go to the primary and invalidate every
// record set the tx touched; reads check Redis first then fall back to the
// primary.
type CachedLedger struct {
	primary Ledger
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedLedger creates a cached wrapper around a primary ledger.
func NewCachedLedger(primary Ledger, rdb *redis.Client, ttl time.Duration) *CachedLedger {
	return &CachedLedger{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (l *CachedLedger) Submit(ctx context.Context, tx *model.Tx) (string, error) {
	id, err := l.primary.Submit(ctx, tx)
	if err != nil {
		// A conflict means our cached view of the inputs is stale.
		if errors.Is(err, ErrConflict) {
			l.invalidate(ctx, tx.Consumed, tx.References)
		}
		return "", err
	}
	l.invalidate(ctx, tx.Consumed, tx.Produced)
	return id, nil
}

// --- Read-through (check cache first) ---

func (l *CachedLedger) Records(ctx context.Context, kind model.Kind, id model.EventID) ([]model.Record, error) {
	key := recordsKey(kind, id)
	data, err := l.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var records []model.Record
		if json.Unmarshal(data, &records) == nil {
			return records, nil
		}
	}

	// Cache miss: read from primary.
	records, err := l.primary.Records(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(records); err == nil {
		l.rdb.Set(ctx, key, data, l.ttl)
	}
	return records, nil
}

// --- Passthrough (not cached) ---

func (l *CachedLedger) Treasuries(ctx context.Context) ([]model.Record, error) {
	return l.primary.Treasuries(ctx)
}

func (l *CachedLedger) Transactions(ctx context.Context, id model.EventID) ([]model.Tx, error) {
	return l.primary.Transactions(ctx, id)
}

func (l *CachedLedger) CurrentTime(ctx context.Context) (time.Time, error) {
	return l.primary.CurrentTime(ctx)
}

// --- Cache helpers ---

func (l *CachedLedger) invalidate(ctx context.Context, sets ...[]model.Record) {
	seen := make(map[string]bool)
	var keys []string
	for _, records := range sets {
		for _, r := range records {
			k := recordsKey(r.Kind, r.EventID)
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	if len(keys) > 0 {
		l.rdb.Del(ctx, keys...)
	}
}

func recordsKey(kind model.Kind, id model.EventID) string {
	return fmt.Sprintf("lbe:records:%s:%s", kind, id)
}
