// Package transition turns a validated transition request into a balanced
// ledger tx: the records it consumes and references, the records it
// produces and the funds it moves in and out of the ledger.
//
// Builders never submit. Every amount is recomputed from the records in
// the step, so a step built from a stale read simply fails at the ledger.
package transition

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lbe-engine/internal/amm"
	"github.com/atmx/lbe-engine/internal/asset"
	"github.com/atmx/lbe-engine/internal/model"
	"github.com/atmx/lbe-engine/internal/settlement"
	"github.com/atmx/lbe-engine/internal/validation"
)

// ErrUnknownStep is returned by Build for a Step it cannot dispatch.
var ErrUnknownStep = errors.New("transition: unknown step")

// Config carries ledger-specific limits and addresses.
type Config struct {
	SellerBatchSize    int
	OrderBatchSize     int
	DefaultSellerCount int64
	RecordRent         decimal.Decimal // native units locked by every record
	BatcherAddress     string          // pays rent for records created at settlement
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		SellerBatchSize:    20,
		OrderBatchSize:     20,
		DefaultSellerCount: 20,
		RecordRent:         decimal.NewFromInt(2_000_000),
		BatcherAddress:     "addr_batcher",
	}
}

// Builder constructs txs for every transition kind.
type Builder struct {
	cfg Config
}

func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// Config returns the builder configuration.
func (b *Builder) Config() Config {
	return b.cfg
}

// Build dispatches step to its builder and checks the result balances.
func (b *Builder) Build(step Step, now time.Time) (*model.Tx, error) {
	var (
		tx  *model.Tx
		err error
	)
	switch s := step.(type) {
	case Create:
		tx, err = b.Create(s, now)
	case Update:
		tx, err = b.Update(s, now)
	case CancelByOwner:
		tx, err = b.CancelByOwner(s, now)
	case CancelBelowMinimum:
		tx, err = b.CancelBelowMinimum(s)
	case CancelCreatedElsewhere:
		tx, err = b.CancelCreatedElsewhere(s)
	case Order:
		tx, err = b.Order(s, now)
	case AddSellers:
		tx, err = b.AddSellers(s, now)
	case CountSellers:
		tx, err = b.CountSellers(s, now)
	case CollectManager:
		tx, err = b.CollectManager(s, now)
	case CollectOrders:
		tx, err = b.CollectOrders(s)
	case CreatePool:
		tx, err = b.CreatePool(s)
	case Redeem:
		tx, err = b.Redeem(s)
	case Refund:
		tx, err = b.Refund(s)
	case Close:
		tx, err = b.Close(s)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownStep, step)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Balance(); err != nil {
		return nil, fmt.Errorf("transition: %s: %w", step.Kind(), err)
	}
	return tx, nil
}

func (b *Builder) rent() asset.Value {
	return asset.Lovelaces(b.cfg.RecordRent)
}

func (b *Builder) rents(n int64) asset.Value {
	return asset.Lovelaces(b.cfg.RecordRent.Mul(decimal.NewFromInt(n)))
}

func newTx(kind Kind, id model.EventID) *model.Tx {
	return &model.Tx{Label: string(kind), EventID: id}
}

// pay appends a payout unless v is empty.
func pay(tx *model.Tx, addr string, v asset.Value) {
	if !v.IsZero() {
		tx.Outputs = append(tx.Outputs, model.Payout{Address: addr, Value: v})
	}
}

// fund appends an input unless v is empty.
func fund(tx *model.Tx, addr string, v asset.Value) {
	if !v.IsZero() {
		tx.Inputs = append(tx.Inputs, model.Payout{Address: addr, Value: v})
	}
}

// --- Owner transitions ---

// Create splits the factory slot around the new identifier and mints the
// Treasury, the Manager and the seller shards. The owner funds the base
// reserve and the rent of every new record.
func (b *Builder) Create(s Create, now time.Time) (*model.Tx, error) {
	count := s.SellerCount
	if count == 0 {
		count = b.cfg.DefaultSellerCount
	}
	if err := validation.Create(s.Factory, s.Params, count, now); err != nil {
		return nil, err
	}
	p := s.Params
	id := p.EventID()
	f := s.Factory.Factory

	tx := newTx(KindCreate, id)
	tx.Consumed = []model.Record{s.Factory}
	tx.Produced = []model.Record{
		model.NewFactoryRecord(model.RegistryLBE, model.FactoryEntry{Head: f.Head, Tail: string(id)}, s.Factory.Value),
		model.NewFactoryRecord(model.RegistryLBE, model.FactoryEntry{Head: string(id), Tail: f.Tail}, b.rent()),
		model.NewTreasuryRecord(model.Treasury{EventParams: p}, b.rent().Add(p.BaseAsset, p.ReserveBase)),
		model.NewManagerRecord(id, model.Manager{SellerCount: count}, b.rent()),
	}
	for i := int64(0); i < count; i++ {
		tx.Produced = append(tx.Produced, model.NewSellerRecord(id, model.Seller{Index: i, Owner: p.Owner}, b.rent()))
	}
	fund(tx, p.Owner, b.rents(count+3).Add(p.BaseAsset, p.ReserveBase))
	return tx, nil
}

// Update reproduces the Treasury with new parameters. A changed base
// reserve is topped up from, or refunded to, the owner.
func (b *Builder) Update(s Update, now time.Time) (*model.Tx, error) {
	if err := validation.Update(s.Treasury, s.Params, s.Caller, now); err != nil {
		return nil, err
	}
	t := *s.Treasury.Treasury
	diff := s.Params.ReserveBase.Sub(t.ReserveBase)
	t.EventParams = s.Params

	tx := newTx(KindUpdate, s.Treasury.EventID)
	tx.Consumed = []model.Record{s.Treasury}
	tx.Produced = []model.Record{model.NewTreasuryRecord(t, s.Treasury.Value.Add(t.BaseAsset, diff))}
	switch {
	case diff.IsPositive():
		fund(tx, t.Owner, asset.New(t.BaseAsset, diff))
	case diff.IsNegative():
		pay(tx, t.Owner, asset.New(t.BaseAsset, diff.Neg()))
	}
	return tx, nil
}

func (b *Builder) CancelByOwner(s CancelByOwner, now time.Time) (*model.Tx, error) {
	if err := validation.CancelByOwner(s.Treasury, s.Caller, now); err != nil {
		return nil, err
	}
	return cancel(KindCancelByOwner, s.Treasury), nil
}

func (b *Builder) CancelBelowMinimum(s CancelBelowMinimum) (*model.Tx, error) {
	if err := validation.CancelBelowMinimum(s.Treasury); err != nil {
		return nil, err
	}
	return cancel(KindCancelBelowMinimum, s.Treasury), nil
}

func (b *Builder) CancelCreatedElsewhere(s CancelCreatedElsewhere) (*model.Tx, error) {
	if err := validation.CancelCreatedElsewhere(s.Treasury, s.Pool); err != nil {
		return nil, err
	}
	tx := cancel(KindCancelCreatedElsewhere, s.Treasury)
	tx.References = []model.Record{s.Pool}
	return tx, nil
}

// cancel flips the flag only; funds stay until refund and close.
func cancel(kind Kind, treasury model.Record) *model.Tx {
	t := *treasury.Treasury
	t.IsCancelled = true
	tx := newTx(kind, treasury.EventID)
	tx.Consumed = []model.Record{treasury}
	tx.Produced = []model.Record{model.NewTreasuryRecord(t, treasury.Value)}
	return tx
}

// --- Contributor transitions ---

// Order applies a signed change to the owner's order. The Treasury is only
// referenced, so contributors on different shards never contend.
func (b *Builder) Order(s Order, now time.Time) (*model.Tx, error) {
	if err := validation.Order(s.Treasury, s.Seller, s.Existing, s.Owner, s.Delta, now); err != nil {
		return nil, err
	}
	t := s.Treasury.Treasury
	id := s.Treasury.EventID
	raise := t.RaiseAsset

	tx := newTx(KindOrder, id)
	tx.References = []model.Record{s.Treasury}
	tx.Consumed = []model.Record{s.Seller}

	prev := model.Order{Owner: s.Owner, SellerIndex: s.Seller.Seller.Index}
	held := b.rent()
	if s.Existing != nil {
		prev = *s.Existing.Order
		held = s.Existing.Value
		tx.Consumed = append(tx.Consumed, *s.Existing)
	} else {
		fund(tx, s.Owner, b.rent())
	}

	next := prev
	next.Amount = prev.Amount.Add(s.Delta)
	penalty, err := settlement.Penalty(now, prev.Amount, next.Amount, t.Penalty)
	if err != nil {
		return nil, err
	}
	next.PenaltyAmount = prev.PenaltyAmount.Add(penalty)

	seller := *s.Seller.Seller
	seller.Amount = seller.Amount.Add(s.Delta)
	seller.PenaltyAmount = seller.PenaltyAmount.Add(penalty)
	tx.Produced = []model.Record{model.NewSellerRecord(id, seller, s.Seller.Value)}

	held = held.Add(raise, s.Delta.Add(penalty))
	out := asset.Value{}
	if s.Delta.IsPositive() {
		fund(tx, s.Owner, asset.New(raise, s.Delta))
	} else {
		out = asset.New(raise, s.Delta.Neg().Sub(penalty))
	}

	if next.Amount.IsZero() && next.PenaltyAmount.IsZero() {
		out = out.Plus(held)
	} else {
		tx.Produced = append(tx.Produced, model.NewOrderRecord(id, next, held))
	}
	pay(tx, s.Owner, out)
	return tx, nil
}

// AddSellers mints Count more shards owned by the caller, numbered after
// the existing ones.
func (b *Builder) AddSellers(s AddSellers, now time.Time) (*model.Tx, error) {
	if err := validation.AddSellers(s.Treasury, s.Manager, s.Count, now); err != nil {
		return nil, err
	}
	id := s.Treasury.EventID
	m := *s.Manager.Manager
	first := m.SellerCount
	m.SellerCount += s.Count

	tx := newTx(KindAddSellers, id)
	tx.References = []model.Record{s.Treasury}
	tx.Consumed = []model.Record{s.Manager}
	tx.Produced = []model.Record{model.NewManagerRecord(id, m, s.Manager.Value)}
	for i := int64(0); i < s.Count; i++ {
		tx.Produced = append(tx.Produced, model.NewSellerRecord(id, model.Seller{Index: first + i, Owner: s.Caller}, b.rent()))
	}
	fund(tx, s.Caller, b.rents(s.Count))
	return tx, nil
}

// --- Worker transitions ---

// CountSellers folds a batch of shards into the Manager and returns each
// shard's rent to its owner.
func (b *Builder) CountSellers(s CountSellers, now time.Time) (*model.Tx, error) {
	if err := validation.CountSellers(s.Treasury, s.Manager, s.Sellers, b.cfg.SellerBatchSize, now); err != nil {
		return nil, err
	}
	id := s.Treasury.EventID
	m := *s.Manager.Manager

	tx := newTx(KindCountSellers, id)
	tx.References = []model.Record{s.Treasury}
	tx.Consumed = append([]model.Record{s.Manager}, s.Sellers...)
	for _, r := range s.Sellers {
		m.ReserveRaise = m.ReserveRaise.Add(r.Seller.Amount)
		m.TotalPenalty = m.TotalPenalty.Add(r.Seller.PenaltyAmount)
		pay(tx, r.Seller.Owner, r.Value)
	}
	m.SellerCount -= int64(len(s.Sellers))
	tx.Produced = []model.Record{model.NewManagerRecord(id, m, s.Manager.Value)}
	return tx, nil
}

// CollectManager merges the Manager totals into the Treasury. The Manager
// ceases to exist and its rent goes back to the owner.
func (b *Builder) CollectManager(s CollectManager, now time.Time) (*model.Tx, error) {
	if err := validation.CollectManager(s.Treasury, s.Manager, now); err != nil {
		return nil, err
	}
	t := *s.Treasury.Treasury
	m := s.Manager.Manager
	t.ReserveRaise = t.ReserveRaise.Add(m.ReserveRaise)
	t.TotalPenalty = t.TotalPenalty.Add(m.TotalPenalty)
	t.IsManagerCollected = true

	tx := newTx(KindCollectManager, s.Treasury.EventID)
	tx.Consumed = []model.Record{s.Treasury, s.Manager}
	tx.Produced = []model.Record{model.NewTreasuryRecord(t, s.Treasury.Value)}
	pay(tx, t.Owner, s.Manager.Value)
	return tx, nil
}

// CollectOrders moves the funds of a batch of orders into the Treasury and
// leaves the orders behind as collected claims.
func (b *Builder) CollectOrders(s CollectOrders) (*model.Tx, error) {
	if err := validation.CollectOrders(s.Treasury, s.Orders, b.cfg.OrderBatchSize); err != nil {
		return nil, err
	}
	t := *s.Treasury.Treasury
	id := s.Treasury.EventID

	tx := newTx(KindCollectOrders, id)
	tx.Consumed = append([]model.Record{s.Treasury}, s.Orders...)
	tx.Produced = make([]model.Record, 0, len(s.Orders)+1)

	sum := decimal.Zero
	for _, r := range s.Orders {
		o := *r.Order
		total := o.Total()
		sum = sum.Add(total)
		o.IsCollected = true
		tx.Produced = append(tx.Produced, model.NewOrderRecord(id, o, r.Value.Add(t.RaiseAsset, total.Neg())))
	}
	t.CollectedFund = t.CollectedFund.Add(sum)
	tx.Produced = append([]model.Record{model.NewTreasuryRecord(t, s.Treasury.Value.Add(t.RaiseAsset, sum))}, tx.Produced...)
	return tx, nil
}

// CreatePool seeds the AMM pool, pays the receiver its share and leaves
// the contributors' LP and any excess raise in the Treasury.
func (b *Builder) CreatePool(s CreatePool) (*model.Tx, error) {
	plan, err := validation.CreatePool(s.Treasury, s.Factory, s.PoolExists)
	if err != nil {
		return nil, err
	}
	t := *s.Treasury.Treasury
	id := s.Treasury.EventID
	lp := amm.LPAsset(id)
	f := s.Factory.Factory

	t.TotalLiquidity = plan.Liquidity
	held := s.Treasury.Value.
		Add(t.BaseAsset, t.ReserveBase.Neg()).
		Add(t.RaiseAsset, plan.EffectiveRaise.Neg()).
		Add(lp, plan.Liquidity)
	poolValue := b.rent().Add(t.BaseAsset, plan.PoolBase).Add(t.RaiseAsset, plan.PoolRaise)

	tx := newTx(KindCreatePool, id)
	tx.Consumed = []model.Record{s.Treasury, s.Factory}
	tx.Produced = []model.Record{
		model.NewTreasuryRecord(t, held),
		model.NewPoolRecord(id, plan.Pool, poolValue),
		model.NewFactoryRecord(model.RegistryAMM, model.FactoryEntry{Head: f.Head, Tail: string(id)}, s.Factory.Value),
		model.NewFactoryRecord(model.RegistryAMM, model.FactoryEntry{Head: string(id), Tail: f.Tail}, b.rent()),
	}
	tx.Mint = asset.New(lp, plan.Liquidity)
	fund(tx, b.cfg.BatcherAddress, b.rents(2))
	pay(tx, t.Receiver, asset.New(t.BaseAsset, plan.ReceiverBase).Add(t.RaiseAsset, plan.ReceiverRaise))
	return tx, nil
}

// Redeem pays each collected order its LP share and bonus refund and
// destroys it. Pro-rata shares use the Treasury totals fixed at settlement;
// only collectedFund shrinks.
func (b *Builder) Redeem(s Redeem) (*model.Tx, error) {
	if err := validation.Redeem(s.Treasury, s.Orders, b.cfg.OrderBatchSize); err != nil {
		return nil, err
	}
	t := *s.Treasury.Treasury
	lp := amm.LPAsset(s.Treasury.EventID)

	tx := newTx(KindRedeem, s.Treasury.EventID)
	tx.Consumed = append([]model.Record{s.Treasury}, s.Orders...)

	paid := asset.Value{}
	for _, r := range s.Orders {
		o := r.Order
		lpAmount, bonus, err := settlement.RedeemAmounts(o.Amount, t.TotalPenalty, t.ReserveRaise, t.TotalLiquidity, t.MaximumRaise)
		if err != nil {
			return nil, err
		}
		share := asset.New(lp, lpAmount).Add(t.RaiseAsset, bonus)
		paid = paid.Plus(share)
		t.CollectedFund = t.CollectedFund.Sub(o.Total())
		pay(tx, o.Owner, r.Value.Plus(share))
	}
	tx.Produced = []model.Record{model.NewTreasuryRecord(t, s.Treasury.Value.Minus(paid))}
	return tx, nil
}

// Refund returns each collected order's amount and penalty and destroys it.
func (b *Builder) Refund(s Refund) (*model.Tx, error) {
	if err := validation.Refund(s.Treasury, s.Orders, b.cfg.OrderBatchSize); err != nil {
		return nil, err
	}
	t := *s.Treasury.Treasury

	tx := newTx(KindRefund, s.Treasury.EventID)
	tx.Consumed = append([]model.Record{s.Treasury}, s.Orders...)

	sum := decimal.Zero
	for _, r := range s.Orders {
		o := r.Order
		total := o.Total()
		sum = sum.Add(total)
		t.CollectedFund = t.CollectedFund.Sub(total)
		t.ReserveRaise = t.ReserveRaise.Sub(o.Amount)
		t.TotalPenalty = t.TotalPenalty.Sub(o.PenaltyAmount)
		pay(tx, o.Owner, r.Value.Add(t.RaiseAsset, total))
	}
	tx.Produced = []model.Record{model.NewTreasuryRecord(t, s.Treasury.Value.Add(t.RaiseAsset, sum.Neg()))}
	return tx, nil
}

// Close unlinks the event from the LBE registry and returns everything the
// Treasury still holds, plus the freed registry rent, to the owner.
func (b *Builder) Close(s Close) (*model.Tx, error) {
	if err := validation.Close(s.Treasury, s.Left, s.Right, s.Caller); err != nil {
		return nil, err
	}
	t := s.Treasury.Treasury

	tx := newTx(KindClose, s.Treasury.EventID)
	tx.Consumed = []model.Record{s.Treasury, s.Left, s.Right}
	tx.Produced = []model.Record{
		model.NewFactoryRecord(model.RegistryLBE, model.FactoryEntry{Head: s.Left.Factory.Head, Tail: s.Right.Factory.Tail}, s.Left.Value),
	}
	pay(tx, t.Owner, s.Treasury.Value.Plus(s.Right.Value))
	return tx, nil
}
