// Package event reconstructs the aggregate view of one LBE from the ledger's
// live records. Nothing here is cached between reads; every projection is
// recomputed from the records it was loaded with.
package event

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/lbe-engine/internal/model"
)

// ErrNotFound is returned when no live Treasury exists for an identifier.
var ErrNotFound = errors.New("event: not found")

// ErrCorrupt is returned when the live records break a structural invariant
// such as a duplicated singleton.
var ErrCorrupt = errors.New("event: inconsistent records")

// RecordSource returns the live records of one kind for an event or
// registry identifier.
type RecordSource interface {
	Records(ctx context.Context, kind model.Kind, id model.EventID) ([]model.Record, error)
}

// Aggregate is one event's Treasury together with its satellite records.
type Aggregate struct {
	Treasury model.Record
	Manager  *model.Record
	Sellers  []model.Record // ascending index
	Orders   []model.Record // ascending owner
	Pool     *model.Record
}

// Load reads every live record of the event. A Pool record sharing the
// identifier is loaded too, since a pool created elsewhere cancels the event.
func Load(ctx context.Context, src RecordSource, id model.EventID) (*Aggregate, error) {
	treasuries, err := src.Records(ctx, model.KindTreasury, id)
	if err != nil {
		return nil, err
	}
	switch len(treasuries) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case 1:
	default:
		return nil, fmt.Errorf("%w: %d treasuries for %s", ErrCorrupt, len(treasuries), id)
	}

	agg := &Aggregate{Treasury: treasuries[0]}

	managers, err := src.Records(ctx, model.KindManager, id)
	if err != nil {
		return nil, err
	}
	if len(managers) > 1 {
		return nil, fmt.Errorf("%w: %d managers for %s", ErrCorrupt, len(managers), id)
	}
	if len(managers) == 1 {
		agg.Manager = &managers[0]
	}

	if agg.Sellers, err = src.Records(ctx, model.KindSeller, id); err != nil {
		return nil, err
	}
	sort.Slice(agg.Sellers, func(i, j int) bool {
		return agg.Sellers[i].Seller.Index < agg.Sellers[j].Seller.Index
	})

	if agg.Orders, err = src.Records(ctx, model.KindOrder, id); err != nil {
		return nil, err
	}
	sort.Slice(agg.Orders, func(i, j int) bool {
		return agg.Orders[i].Order.Owner < agg.Orders[j].Order.Owner
	})

	pools, err := src.Records(ctx, model.KindPool, id)
	if err != nil {
		return nil, err
	}
	if len(pools) > 0 {
		agg.Pool = &pools[0]
	}
	return agg, nil
}

// ID returns the event identifier.
func (a *Aggregate) ID() model.EventID {
	return a.Treasury.EventID
}

// State returns the Treasury payload.
func (a *Aggregate) State() model.Treasury {
	return *a.Treasury.Treasury
}

// OutstandingSellerCount is the number of shards not yet folded into the
// manager. It is zero once the manager is collected.
func (a *Aggregate) OutstandingSellerCount() int64 {
	if a.Manager == nil {
		return 0
	}
	return a.Manager.Manager.SellerCount
}

// RemainingToCollect is reserveRaise + totalPenalty - collectedFund.
func (a *Aggregate) RemainingToCollect() decimal.Decimal {
	return a.Treasury.Treasury.RemainingToCollect()
}

// IsFinal reports that every contribution has been merged into the Treasury.
func (a *Aggregate) IsFinal() bool {
	t := a.Treasury.Treasury
	return t.IsManagerCollected && t.RemainingToCollect().IsZero()
}

// UncollectedOrders returns up to limit orders still holding their funds.
// A limit of zero or less returns all of them.
func (a *Aggregate) UncollectedOrders(limit int) []model.Record {
	return a.orders(false, limit)
}

// CollectedOrders returns up to limit orders awaiting redeem or refund.
func (a *Aggregate) CollectedOrders(limit int) []model.Record {
	return a.orders(true, limit)
}

// orders takes at most one order per owner so a batch never lists an owner
// twice; a second order of the same owner waits for the next batch.
func (a *Aggregate) orders(collected bool, limit int) []model.Record {
	var out []model.Record
	owners := make(map[string]bool)
	for _, r := range a.Orders {
		if r.Order.IsCollected != collected || owners[r.Order.Owner] {
			continue
		}
		owners[r.Order.Owner] = true
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// SellerBatch returns up to limit seller shards in index order.
func (a *Aggregate) SellerBatch(limit int) []model.Record {
	if limit <= 0 || limit >= len(a.Sellers) {
		return append([]model.Record(nil), a.Sellers...)
	}
	return append([]model.Record(nil), a.Sellers[:limit]...)
}

// OrderOf returns the live order of owner, if any.
func (a *Aggregate) OrderOf(owner string) *model.Record {
	for i := range a.Orders {
		if a.Orders[i].Order.Owner == owner {
			return &a.Orders[i]
		}
	}
	return nil
}

// SellerAt returns the live shard with the given index, if any.
func (a *Aggregate) SellerAt(index int64) *model.Record {
	for i := range a.Sellers {
		if a.Sellers[i].Seller.Index == index {
			return &a.Sellers[i]
		}
	}
	return nil
}

// SellerIndices lists the indices of live shards in ascending order.
func (a *Aggregate) SellerIndices() []int64 {
	out := make([]int64, len(a.Sellers))
	for i, s := range a.Sellers {
		out[i] = s.Seller.Index
	}
	return out
}

// Snapshot is the immutable input of the phase classifier.
type Snapshot struct {
	Treasury   model.Treasury
	Manager    *model.Manager
	PoolExists bool
}

// Snapshot copies the fields the classifier needs.
func (a *Aggregate) Snapshot() Snapshot {
	s := Snapshot{
		Treasury:   *a.Treasury.Treasury,
		PoolExists: a.Pool != nil,
	}
	if a.Manager != nil {
		m := *a.Manager.Manager
		s.Manager = &m
	}
	return s
}
