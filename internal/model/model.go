// Package model defines the ledger records of a Liquidity Bootstrapping Event
// (LBE) and the transaction shape that moves between them.
//
// Records are immutable. Every state change consumes existing records and
// produces new ones; nothing is updated in place.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"

	"github.com/atmx/lbe-engine/internal/asset"
)

// EventID identifies one event. It is derived from the (base, raise) asset
// pair, so at most one event per pair can be open.
type EventID string

// NewEventID hashes the ordered asset pair. The AMM pool for the same pair
// shares the identifier.
func NewEventID(base, raise asset.Asset) EventID {
	a, b := base, raise
	if b.Less(a) {
		a, b = b, a
	}
	sum := blake2b.Sum256([]byte(a.String() + "|" + b.String()))
	return EventID(hex.EncodeToString(sum[:]))
}

// Factory registries are linked lists of identifiers. Their records are
// keyed by the registry name instead of an event identifier.
const (
	RegistryLBE EventID = "registry:lbe"
	RegistryAMM EventID = "registry:amm"
)

// Sentinels bounding every factory list. Hex identifiers sort strictly
// between them.
const (
	FactoryHead = ""
	FactoryTail = "g"
)

// Kind tags the payload carried by a Record.
type Kind string

const (
	KindFactory  Kind = "factory"
	KindTreasury Kind = "treasury"
	KindManager  Kind = "manager"
	KindSeller   Kind = "seller"
	KindOrder    Kind = "order"
	KindPool     Kind = "pool"
)

// CancelReason says why an event was cancelled. The reasons are mutually
// exclusive and each has its own legality rule.
type CancelReason string

const (
	CancelByOwner          CancelReason = "by_owner"
	CancelBelowMinimum     CancelReason = "below_minimum"
	CancelCreatedElsewhere CancelReason = "created_elsewhere"
)

// PenaltyConfig charges Percent of every net withdrawal made at or after
// StartTime.
type PenaltyConfig struct {
	StartTime time.Time `json:"penalty_start_time"`
	Percent   int64     `json:"percent"`
}

// EventParams are fixed at creation and only change through an owner
// update before the discovery window opens.
type EventParams struct {
	BaseAsset         asset.Asset      `json:"base_asset"`
	RaiseAsset        asset.Asset      `json:"raise_asset"`
	ReserveBase       decimal.Decimal  `json:"reserve_base"`
	StartTime         time.Time        `json:"start_time"`
	EndTime           time.Time        `json:"end_time"`
	MinimumRaise      *decimal.Decimal `json:"minimum_raise,omitempty"`
	MaximumRaise      *decimal.Decimal `json:"maximum_raise,omitempty"`
	MinimumOrderRaise *decimal.Decimal `json:"minimum_order_raise,omitempty"`
	PoolAllocation    int64            `json:"pool_allocation"` // percent sent to the pool
	PoolBaseFee       int64            `json:"pool_base_fee"`   // basis points
	Penalty           *PenaltyConfig   `json:"penalty,omitempty"`
	Revocable         bool             `json:"revocable"`
	Owner             string           `json:"owner"`
	Receiver          string           `json:"receiver"`
}

// EventID returns the identifier derived from the asset pair.
func (p EventParams) EventID() EventID {
	return NewEventID(p.BaseAsset, p.RaiseAsset)
}

// Treasury is the singleton accounting record of an open event.
type Treasury struct {
	EventParams

	CollectedFund      decimal.Decimal `json:"collected_fund"`
	ReserveRaise       decimal.Decimal `json:"reserve_raise"`
	TotalPenalty       decimal.Decimal `json:"total_penalty"`
	TotalLiquidity     decimal.Decimal `json:"total_liquidity"`
	IsManagerCollected bool            `json:"is_manager_collected"`
	IsCancelled        bool            `json:"is_cancelled"`
}

// RemainingToCollect is what the orders still hold once the manager totals
// are known: reserveRaise + totalPenalty - collectedFund.
func (t Treasury) RemainingToCollect() decimal.Decimal {
	return t.ReserveRaise.Add(t.TotalPenalty).Sub(t.CollectedFund)
}

// Manager accumulates seller shards until it is merged into the Treasury.
type Manager struct {
	SellerCount  int64           `json:"seller_count"`
	ReserveRaise decimal.Decimal `json:"reserve_raise"`
	TotalPenalty decimal.Decimal `json:"total_penalty"`
}

// Seller is one accumulator shard. Owner paid its rent and receives it back
// when the shard is counted.
type Seller struct {
	Index         int64           `json:"index"`
	Owner         string          `json:"owner"`
	Amount        decimal.Decimal `json:"amount"`
	PenaltyAmount decimal.Decimal `json:"penalty_amount"`
}

// Order is a contributor's position in one event.
type Order struct {
	Owner         string          `json:"owner"`
	SellerIndex   int64           `json:"seller_index"`
	Amount        decimal.Decimal `json:"amount"`
	PenaltyAmount decimal.Decimal `json:"penalty_amount"`
	IsCollected   bool            `json:"is_collected"`
}

// Total is the raise held by the order: amount + penaltyAmount.
func (o Order) Total() decimal.Decimal {
	return o.Amount.Add(o.PenaltyAmount)
}

// FactoryEntry is one link (Head, Tail) of a registry list.
type FactoryEntry struct {
	Head string `json:"head"`
	Tail string `json:"tail"`
}

// Brackets reports whether id fits strictly between Head and Tail, which
// proves id is not yet registered.
func (f FactoryEntry) Brackets(id string) bool {
	return f.Head < id && id < f.Tail
}

// Pool is the AMM pool created at settlement. Assets are stored in
// canonical order.
type Pool struct {
	AssetA         asset.Asset     `json:"asset_a"`
	AssetB         asset.Asset     `json:"asset_b"`
	ReserveA       decimal.Decimal `json:"reserve_a"`
	ReserveB       decimal.Decimal `json:"reserve_b"`
	TotalLiquidity decimal.Decimal `json:"total_liquidity"`
	BaseFee        int64           `json:"base_fee"`
}

// RecordID is assigned by the ledger when the producing tx is accepted:
// {txID}#{outputIndex}.
type RecordID string

// Record is a ledger entry. Exactly one payload pointer matching Kind is set.
type Record struct {
	ID        RecordID    `json:"id,omitempty"`
	Kind      Kind        `json:"kind"`
	EventID   EventID     `json:"event_id"`
	Value     asset.Value `json:"value"`
	CreatedAt time.Time   `json:"created_at"`

	Factory  *FactoryEntry `json:"factory,omitempty"`
	Treasury *Treasury     `json:"treasury,omitempty"`
	Manager  *Manager      `json:"manager,omitempty"`
	Seller   *Seller       `json:"seller,omitempty"`
	Order    *Order        `json:"order,omitempty"`
	Pool     *Pool         `json:"pool,omitempty"`
}

func NewFactoryRecord(registry EventID, f FactoryEntry, v asset.Value) Record {
	return Record{Kind: KindFactory, EventID: registry, Value: v, Factory: &f}
}

func NewTreasuryRecord(t Treasury, v asset.Value) Record {
	return Record{Kind: KindTreasury, EventID: t.EventID(), Value: v, Treasury: &t}
}

func NewManagerRecord(id EventID, m Manager, v asset.Value) Record {
	return Record{Kind: KindManager, EventID: id, Value: v, Manager: &m}
}

func NewSellerRecord(id EventID, s Seller, v asset.Value) Record {
	return Record{Kind: KindSeller, EventID: id, Value: v, Seller: &s}
}

func NewOrderRecord(id EventID, o Order, v asset.Value) Record {
	return Record{Kind: KindOrder, EventID: id, Value: v, Order: &o}
}

func NewPoolRecord(id EventID, p Pool, v asset.Value) Record {
	return Record{Kind: KindPool, EventID: id, Value: v, Pool: &p}
}

// Clone copies the record so callers cannot alias ledger state.
func (r Record) Clone() Record {
	c := r
	c.Value = asset.Value{}.Plus(r.Value)
	if r.Factory != nil {
		f := *r.Factory
		c.Factory = &f
	}
	if r.Treasury != nil {
		t := *r.Treasury
		c.Treasury = &t
	}
	if r.Manager != nil {
		m := *r.Manager
		c.Manager = &m
	}
	if r.Seller != nil {
		s := *r.Seller
		c.Seller = &s
	}
	if r.Order != nil {
		o := *r.Order
		c.Order = &o
	}
	if r.Pool != nil {
		p := *r.Pool
		c.Pool = &p
	}
	return c
}

// DecimalPtr is a helper for the optional decimal fields of EventParams.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
