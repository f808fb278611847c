// Package ledger defines the record store the settlement engine runs on.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache over another ledger), and in-memory (for testing).
//
// Records are append-only. Submitting a tx marks its consumed records spent
// and inserts its produced records in one atomic step.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lbe-engine/internal/asset"
	"github.com/atmx/lbe-engine/internal/model"
)

var (
	// ErrConflict means a consumed or referenced record is already spent or
	// never existed. The caller should re-read and rebuild.
	ErrConflict = errors.New("ledger: record already spent")

	// ErrUnavailable wraps I/O failures talking to the backing store.
	ErrUnavailable = errors.New("ledger: unavailable")

	// ErrUnbalanced is returned for txs whose value movements do not add up.
	ErrUnbalanced = model.ErrUnbalanced
)

// Ledger is the persistence interface.
type Ledger interface {
	// Records returns the live records of kind for an event or registry.
	Records(ctx context.Context, kind model.Kind, id model.EventID) ([]model.Record, error)

	// Treasuries returns every live Treasury, ordered by event identifier.
	Treasuries(ctx context.Context) ([]model.Record, error)

	// Submit validates and applies tx atomically, returning its identifier.
	Submit(ctx context.Context, tx *model.Tx) (string, error)

	// Transactions returns the accepted txs of an event, oldest first.
	Transactions(ctx context.Context, id model.EventID) ([]model.Tx, error)

	// CurrentTime is the protocol time every validator agrees on.
	CurrentTime(ctx context.Context) (time.Time, error)
}

// matchesLive reports whether claimed still describes the stored live
// record: same kind, identifier, value and payload. Timestamps are ignored.
func matchesLive(live, claimed model.Record) bool {
	if live.Kind != claimed.Kind || live.EventID != claimed.EventID || !live.Value.Equal(claimed.Value) {
		return false
	}
	a, errA := payloadOf(live)
	b, errB := payloadOf(claimed)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

func payloadOf(r model.Record) ([]byte, error) {
	r.ID, r.CreatedAt, r.Value = "", time.Time{}, nil
	return json.Marshal(r)
}

// GenesisAddress funds the initial registry entries.
const GenesisAddress = "genesis"

// GenesisTx produces the empty LBE and AMM registries.
func GenesisTx(rent decimal.Decimal) *model.Tx {
	entry := model.FactoryEntry{Head: model.FactoryHead, Tail: model.FactoryTail}
	tx := &model.Tx{
		Label: "genesis",
		Produced: []model.Record{
			model.NewFactoryRecord(model.RegistryLBE, entry, asset.Lovelaces(rent)),
			model.NewFactoryRecord(model.RegistryAMM, entry, asset.Lovelaces(rent)),
		},
		Inputs: []model.Payout{{Address: GenesisAddress, Value: asset.Lovelaces(rent.Add(rent))}},
	}
	tx.Seal()
	return tx
}
