// Package validation defines the preconditions of every LBE transition.
//
// Each predicate re-derives what it needs from the records it is given and
// from the caller-supplied protocol time, and fails with a named Violation.
// Transition builders call these before constructing a tx; they are also
// the reference definition of which transitions the protocol accepts.
package validation

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lbe-engine/internal/amm"
	"github.com/atmx/lbe-engine/internal/model"
	"github.com/atmx/lbe-engine/internal/settlement"
)

const (
	// MinPoolAllocation is the lowest share of base and raise that must seed
	// the pool.
	MinPoolAllocation = 70

	// MaxPenaltyPercent caps the late-withdrawal penalty.
	MaxPenaltyPercent = 25
)

// --- Creation and owner operations ---

// Params checks event configuration.
func Params(p model.EventParams, now time.Time) error {
	switch {
	case p.BaseAsset == p.RaiseAsset:
		return fmt.Errorf("%w: base and raise asset are both %s", ErrInvalidParams, p.BaseAsset)
	case !p.ReserveBase.IsPositive():
		return fmt.Errorf("%w: reserve base must be positive", ErrInvalidParams)
	case !p.ReserveBase.IsInteger():
		return fmt.Errorf("%w: reserve base %s", ErrFractionalAmount, p.ReserveBase)
	case p.StartTime.Before(now):
		return fmt.Errorf("%w: start %s is in the past", ErrTimeWindow, p.StartTime.Format(time.RFC3339))
	case !p.StartTime.Before(p.EndTime):
		return fmt.Errorf("%w: start must precede end", ErrInvalidParams)
	case p.PoolAllocation < MinPoolAllocation || p.PoolAllocation > 100:
		return fmt.Errorf("%w: pool allocation %d outside [%d, 100]", ErrInvalidParams, p.PoolAllocation, MinPoolAllocation)
	case p.PoolBaseFee < 0 || p.PoolBaseFee >= amm.FeeDenominator:
		return fmt.Errorf("%w: pool base fee %d", ErrInvalidParams, p.PoolBaseFee)
	case p.Owner == "" || p.Receiver == "":
		return fmt.Errorf("%w: owner and receiver are required", ErrInvalidParams)
	}
	if err := positive("minimum raise", p.MinimumRaise); err != nil {
		return err
	}
	if err := positive("maximum raise", p.MaximumRaise); err != nil {
		return err
	}
	if err := positive("minimum order raise", p.MinimumOrderRaise); err != nil {
		return err
	}
	if p.MinimumRaise != nil && p.MaximumRaise != nil && p.MinimumRaise.GreaterThan(*p.MaximumRaise) {
		return fmt.Errorf("%w: minimum raise exceeds maximum raise", ErrInvalidParams)
	}
	if pc := p.Penalty; pc != nil {
		if pc.Percent <= 0 || pc.Percent > MaxPenaltyPercent {
			return fmt.Errorf("%w: penalty percent %d outside (0, %d]", ErrInvalidParams, pc.Percent, MaxPenaltyPercent)
		}
		if !pc.StartTime.After(p.StartTime) || pc.StartTime.After(p.EndTime) {
			return fmt.Errorf("%w: penalty start must fall in (start, end]", ErrInvalidParams)
		}
	}
	return nil
}

// Create checks a new event against the LBE factory slot it will split.
func Create(factory model.Record, p model.EventParams, sellerCount int64, now time.Time) error {
	if err := Params(p, now); err != nil {
		return err
	}
	if sellerCount < 1 {
		return fmt.Errorf("%w: at least one seller shard is required", ErrInvalidParams)
	}
	return bracketing(factory, model.RegistryLBE, string(p.EventID()))
}

// Update checks an owner parameter change. Only legal before the discovery
// window opens; the asset pair and owner are the event's identity.
func Update(treasury model.Record, p model.EventParams, caller string, now time.Time) error {
	t, err := treasuryOf(treasury)
	if err != nil {
		return err
	}
	if caller != t.Owner {
		return ErrUnauthorized
	}
	if t.IsCancelled {
		return ErrEventAlreadyCancelled
	}
	if !now.Before(t.StartTime) {
		return fmt.Errorf("%w: parameters are frozen once discovery starts", ErrTimeWindow)
	}
	if p.BaseAsset != t.BaseAsset || p.RaiseAsset != t.RaiseAsset {
		return fmt.Errorf("%w: asset pair cannot change", ErrIdentityMismatch)
	}
	if p.Owner != t.Owner {
		return fmt.Errorf("%w: owner cannot change", ErrInvalidParams)
	}
	return Params(p, now)
}

// CancelByOwner allows the owner to cancel before discovery starts, or up to
// the end of discovery when the event is revocable.
func CancelByOwner(treasury model.Record, caller string, now time.Time) error {
	t, err := treasuryOf(treasury)
	if err != nil {
		return err
	}
	if caller != t.Owner {
		return ErrUnauthorized
	}
	if t.IsCancelled {
		return ErrEventAlreadyCancelled
	}
	if now.Before(t.StartTime) {
		return nil
	}
	if t.Revocable && !now.After(t.EndTime) {
		return nil
	}
	return fmt.Errorf("%w: owner cancellation window closed", ErrTimeWindow)
}

// CancelBelowMinimum requires manager collection to prove that the total
// raise cannot seed the pool.
func CancelBelowMinimum(treasury model.Record) error {
	t, err := treasuryOf(treasury)
	if err != nil {
		return err
	}
	if err := unsettled(t); err != nil {
		return err
	}
	if !t.IsManagerCollected {
		return ErrManagerNotCollected
	}
	_, err = settlement.PlanPool(*t, t.ReserveRaise.Add(t.TotalPenalty))
	switch {
	case err == nil:
		return ErrRaiseMeetsMinimum
	case errors.Is(err, settlement.ErrBelowMinimum):
		return nil
	default:
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
}

// CancelCreatedElsewhere requires a live pool record for the same pair.
func CancelCreatedElsewhere(treasury, pool model.Record) error {
	t, err := treasuryOf(treasury)
	if err != nil {
		return err
	}
	if err := unsettled(t); err != nil {
		return err
	}
	if pool.Kind != model.KindPool || pool.Pool == nil {
		return ErrNoPool
	}
	if pool.EventID != treasury.EventID {
		return fmt.Errorf("%w: pool %s", ErrIdentityMismatch, pool.EventID)
	}
	return nil
}

// --- Contributor operations ---

// Order checks a deposit (delta > 0) or withdrawal (delta < 0) by owner
// routed through seller. existing is the owner's live order, if any.
func Order(treasury, seller model.Record, existing *model.Record, owner string, delta decimal.Decimal, now time.Time) error {
	t, err := treasuryOf(treasury)
	if err != nil {
		return err
	}
	if err := expect(seller, model.KindSeller, treasury.EventID); err != nil {
		return err
	}
	if t.IsCancelled {
		return ErrEventAlreadyCancelled
	}
	if now.Before(t.StartTime) || now.After(t.EndTime) {
		return fmt.Errorf("%w: orders only during discovery", ErrTimeWindow)
	}
	if owner == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidParams)
	}
	if delta.IsZero() {
		return fmt.Errorf("%w: zero change", ErrInvalidAmount)
	}
	if !delta.IsInteger() {
		return fmt.Errorf("%w: change %s", ErrFractionalAmount, delta)
	}

	current := decimal.Zero
	if existing != nil {
		if err := expect(*existing, model.KindOrder, treasury.EventID); err != nil {
			return err
		}
		o := existing.Order
		if o.Owner != owner {
			return fmt.Errorf("%w: order belongs to %s", ErrUnauthorized, o.Owner)
		}
		if o.IsCollected {
			return ErrOrderCollected
		}
		if o.SellerIndex != seller.Seller.Index {
			return fmt.Errorf("%w: order uses shard %d", ErrSellerMismatch, o.SellerIndex)
		}
		current = o.Amount
	}

	next := current.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: withdrawal of %s exceeds order amount %s", ErrInvalidAmount, delta.Neg(), current)
	}
	if floor := t.MinimumOrderRaise; floor != nil && next.IsPositive() && next.LessThan(*floor) {
		return fmt.Errorf("%w: %s < %s", ErrBelowMinimumOrder, next, floor)
	}
	return nil
}

// AddSellers checks minting count extra shards before discovery ends.
func AddSellers(treasury, manager model.Record, count int64, now time.Time) error {
	t, err := treasuryOf(treasury)
	if err != nil {
		return err
	}
	if err := expect(manager, model.KindManager, treasury.EventID); err != nil {
		return err
	}
	if t.IsCancelled {
		return ErrEventAlreadyCancelled
	}
	if now.After(t.EndTime) {
		return fmt.Errorf("%w: discovery has ended", ErrTimeWindow)
	}
	if count < 1 {
		return fmt.Errorf("%w: seller count must be positive", ErrInvalidAmount)
	}
	return nil
}

// --- Worker operations ---

// CountSellers checks folding a batch of seller shards into the manager.
func CountSellers(treasury, manager model.Record, sellers []model.Record, limit int, now time.Time) error {
	t, err := treasuryOf(treasury)
	if err != nil {
		return err
	}
	if err := expect(manager, model.KindManager, treasury.EventID); err != nil {
		return err
	}
	if err := discoveryClosed(t, now); err != nil {
		return err
	}
	if t.IsManagerCollected {
		return ErrManagerCollected
	}
	if err := batch(len(sellers), limit); err != nil {
		return err
	}
	if int64(len(sellers)) > manager.Manager.SellerCount {
		return fmt.Errorf("%w: %d shards but manager expects %d", ErrBatchSize, len(sellers), manager.Manager.SellerCount)
	}
	seen := make(map[int64]bool, len(sellers))
	for _, s := range sellers {
		if err := expect(s, model.KindSeller, treasury.EventID); err != nil {
			return err
		}
		if seen[s.Seller.Index] {
			return fmt.Errorf("%w: seller %d", ErrDuplicateRecord, s.Seller.Index)
		}
		seen[s.Seller.Index] = true
		if s.Seller.Amount.IsNegative() || s.Seller.PenaltyAmount.IsNegative() {
			return fmt.Errorf("%w: seller %d has negative totals", ErrInvalidAmount, s.Seller.Index)
		}
	}
	return nil
}

// CollectManager checks merging a fully counted manager into the Treasury.
func CollectManager(treasury, manager model.Record, now time.Time) error {
	t, err := treasuryOf(treasury)
	if err != nil {
		return err
	}
	if err := expect(manager, model.KindManager, treasury.EventID); err != nil {
		return err
	}
	if err := discoveryClosed(t, now); err != nil {
		return err
	}
	if t.IsManagerCollected {
		return ErrManagerCollected
	}
	if manager.Manager.SellerCount != 0 {
		return fmt.Errorf("%w: %d remaining", ErrOutstandingSellers, manager.Manager.SellerCount)
	}
	return nil
}

// CollectOrders checks moving a batch of order funds into the Treasury.
func CollectOrders(treasury model.Record, orders []model.Record, limit int) error {
	t, err := treasuryOf(treasury)
	if err != nil {
		return err
	}
	if !t.IsManagerCollected {
		return ErrManagerNotCollected
	}
	remaining := t.RemainingToCollect()
	if !remaining.IsPositive() {
		return ErrNothingToCollect
	}
	if err := batch(len(orders), limit); err != nil {
		return err
	}
	sum, err := orderTotals(treasury.EventID, orders, false)
	if err != nil {
		return err
	}
	if sum.GreaterThan(remaining) {
		return fmt.Errorf("%w: collecting %s with %s remaining", ErrOverCollected, sum, remaining)
	}
	return nil
}

// CreatePool checks settlement into an AMM pool and returns the plan the
// builder must follow.
func CreatePool(treasury, ammFactory model.Record, poolExists bool) (settlement.PoolPlan, error) {
	t, err := treasuryOf(treasury)
	if err != nil {
		return settlement.PoolPlan{}, err
	}
	if err := unsettled(t); err != nil {
		return settlement.PoolPlan{}, err
	}
	if !t.IsManagerCollected {
		return settlement.PoolPlan{}, ErrManagerNotCollected
	}
	if !t.RemainingToCollect().IsZero() {
		return settlement.PoolPlan{}, fmt.Errorf("%w: %s remaining", ErrOrdersOutstanding, t.RemainingToCollect())
	}
	if poolExists {
		return settlement.PoolPlan{}, ErrPoolExists
	}
	if err := bracketing(ammFactory, model.RegistryAMM, string(treasury.EventID)); err != nil {
		return settlement.PoolPlan{}, err
	}
	if !treasury.Value.Get(t.RaiseAsset).GreaterThanOrEqual(t.CollectedFund) ||
		!treasury.Value.Get(t.BaseAsset).GreaterThanOrEqual(t.ReserveBase) {
		return settlement.PoolPlan{}, fmt.Errorf("%w: treasury holds %s", ErrInsufficientFunds, treasury.Value)
	}

	plan, err := settlement.PlanPool(*t, t.CollectedFund)
	if errors.Is(err, settlement.ErrBelowMinimum) {
		return settlement.PoolPlan{}, fmt.Errorf("%w: %v", ErrRaiseBelowMinimum, err)
	}
	if err != nil {
		return settlement.PoolPlan{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return plan, nil
}

// Redeem checks paying out LP and bonus refunds for collected orders.
func Redeem(treasury model.Record, orders []model.Record, limit int) error {
	t, err := treasuryOf(treasury)
	if err != nil {
		return err
	}
	if t.IsCancelled {
		return ErrEventAlreadyCancelled
	}
	if !t.TotalLiquidity.IsPositive() {
		return ErrNotSettled
	}
	if err := batch(len(orders), limit); err != nil {
		return err
	}
	sum, err := orderTotals(treasury.EventID, orders, true)
	if err != nil {
		return err
	}
	if sum.GreaterThan(t.CollectedFund) {
		return fmt.Errorf("%w: redeeming %s of %s", ErrOverCollected, sum, t.CollectedFund)
	}
	return nil
}

// Refund checks returning collected contributions of a cancelled event.
func Refund(treasury model.Record, orders []model.Record, limit int) error {
	t, err := treasuryOf(treasury)
	if err != nil {
		return err
	}
	if !t.IsCancelled {
		return ErrEventNotCancelled
	}
	if !t.IsManagerCollected {
		return ErrManagerNotCollected
	}
	if err := batch(len(orders), limit); err != nil {
		return err
	}
	amount, penalty := decimal.Zero, decimal.Zero
	for _, r := range orders {
		if r.Order != nil {
			amount = amount.Add(r.Order.Amount)
			penalty = penalty.Add(r.Order.PenaltyAmount)
		}
	}
	sum, err := orderTotals(treasury.EventID, orders, true)
	if err != nil {
		return err
	}
	if sum.GreaterThan(t.CollectedFund) || amount.GreaterThan(t.ReserveRaise) || penalty.GreaterThan(t.TotalPenalty) {
		return fmt.Errorf("%w: refunding %s", ErrOverCollected, sum)
	}
	return nil
}

// Close checks removing a fully refunded, cancelled event and merging its
// two factory links back into one.
func Close(treasury, left, right model.Record, caller string) error {
	t, err := treasuryOf(treasury)
	if err != nil {
		return err
	}
	if caller != t.Owner {
		return ErrUnauthorized
	}
	if !t.IsCancelled {
		return ErrEventNotCancelled
	}
	if !t.IsManagerCollected {
		return ErrManagerNotCollected
	}
	if !t.ReserveRaise.IsZero() || !t.TotalPenalty.IsZero() || !t.CollectedFund.IsZero() {
		return ErrFundsRemaining
	}
	id := string(treasury.EventID)
	for _, f := range []model.Record{left, right} {
		if f.Kind != model.KindFactory || f.Factory == nil || f.EventID != model.RegistryLBE {
			return fmt.Errorf("%w: expected lbe factory entry", ErrUnexpectedRecord)
		}
	}
	if left.Factory.Tail != id || right.Factory.Head != id {
		return ErrFactoryMismatch
	}
	return nil
}

// --- helpers ---

func treasuryOf(r model.Record) (*model.Treasury, error) {
	if r.Kind != model.KindTreasury || r.Treasury == nil {
		return nil, fmt.Errorf("%w: expected treasury, got %s", ErrUnexpectedRecord, r.Kind)
	}
	if r.Treasury.EventID() != r.EventID {
		return nil, fmt.Errorf("%w: treasury payload does not match %s", ErrIdentityMismatch, r.EventID)
	}
	return r.Treasury, nil
}

func expect(r model.Record, kind model.Kind, id model.EventID) error {
	ok := r.Kind == kind
	switch kind {
	case model.KindManager:
		ok = ok && r.Manager != nil
	case model.KindSeller:
		ok = ok && r.Seller != nil
	case model.KindOrder:
		ok = ok && r.Order != nil
	}
	if !ok {
		return fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedRecord, kind, r.Kind)
	}
	if r.EventID != id {
		return fmt.Errorf("%w: %s %s belongs to %s", ErrIdentityMismatch, kind, r.ID, r.EventID)
	}
	return nil
}

func bracketing(factory model.Record, registry model.EventID, id string) error {
	if factory.Kind != model.KindFactory || factory.Factory == nil || factory.EventID != registry {
		return fmt.Errorf("%w: expected %s factory entry", ErrUnexpectedRecord, registry)
	}
	if !factory.Factory.Brackets(id) {
		return fmt.Errorf("%w: (%s, %s) does not bracket %s", ErrFactoryMismatch, factory.Factory.Head, factory.Factory.Tail, id)
	}
	return nil
}

func unsettled(t *model.Treasury) error {
	if t.IsCancelled {
		return ErrEventAlreadyCancelled
	}
	if !t.TotalLiquidity.IsZero() {
		return ErrAlreadySettled
	}
	return nil
}

func discoveryClosed(t *model.Treasury, now time.Time) error {
	if t.IsCancelled || now.After(t.EndTime) {
		return nil
	}
	return fmt.Errorf("%w: discovery still open", ErrTimeWindow)
}

func batch(n, limit int) error {
	if n == 0 || (limit > 0 && n > limit) {
		return fmt.Errorf("%w: %d records, limit %d", ErrBatchSize, n, limit)
	}
	return nil
}

func positive(name string, v *decimal.Decimal) error {
	switch {
	case v == nil:
		return nil
	case !v.IsPositive():
		return fmt.Errorf("%w: %s must be positive", ErrInvalidParams, name)
	case !v.IsInteger():
		return fmt.Errorf("%w: %s %s", ErrFractionalAmount, name, v)
	}
	return nil
}

// orderTotals sums amount+penalty over orders with the wanted collected flag.
func orderTotals(id model.EventID, orders []model.Record, collected bool) (decimal.Decimal, error) {
	sum := decimal.Zero
	seen := make(map[string]bool, len(orders))
	for _, r := range orders {
		if err := expect(r, model.KindOrder, id); err != nil {
			return decimal.Zero, err
		}
		o := r.Order
		if seen[o.Owner] {
			return decimal.Zero, fmt.Errorf("%w: order of %s", ErrDuplicateRecord, o.Owner)
		}
		seen[o.Owner] = true
		if o.IsCollected != collected {
			if collected {
				return decimal.Zero, fmt.Errorf("%w: order of %s", ErrOrderNotCollected, o.Owner)
			}
			return decimal.Zero, fmt.Errorf("%w: order of %s", ErrOrderCollected, o.Owner)
		}
		if o.Amount.IsNegative() || o.PenaltyAmount.IsNegative() {
			return decimal.Zero, fmt.Errorf("%w: order of %s", ErrInvalidAmount, o.Owner)
		}
		sum = sum.Add(o.Total())
	}
	return sum, nil
}
