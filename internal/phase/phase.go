// Package phase decides which settlement transition an event is eligible
// for. Classification is a pure function of a snapshot and protocol time.
package phase

import (
	"time"

	"github.com/atmx/lbe-engine/internal/event"
	"github.com/atmx/lbe-engine/internal/settlement"
)

// Action is a worker-driven transition, or None.
type Action int

const (
	None Action = iota
	CountSellers
	CollectManager
	CollectOrders
	CreatePool
	CancelBelowMinimum
	CancelCreatedElsewhere
	RedeemOrders
	RefundOrders
)

var actionNames = [...]string{
	None:                   "none",
	CountSellers:           "count_sellers",
	CollectManager:         "collect_manager",
	CollectOrders:          "collect_orders",
	CreatePool:             "create_pool",
	CancelBelowMinimum:     "cancel_below_minimum",
	CancelCreatedElsewhere: "cancel_created_elsewhere",
	RedeemOrders:           "redeem_orders",
	RefundOrders:           "refund_orders",
}

func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return "unknown"
	}
	return actionNames[a]
}

// Classify returns the first eligible action in batcher priority order.
// An uncancelled event still inside its discovery window has none.
func Classify(s event.Snapshot, now time.Time) Action {
	t := s.Treasury
	if !t.IsCancelled && !now.After(t.EndTime) {
		return None
	}

	if !t.IsManagerCollected {
		if s.Manager == nil {
			return None
		}
		if s.Manager.SellerCount > 0 {
			return CountSellers
		}
		return CollectManager
	}

	remaining := t.RemainingToCollect()
	if remaining.IsPositive() {
		return CollectOrders
	}

	if remaining.IsZero() && !t.IsCancelled && t.TotalLiquidity.IsZero() {
		if s.PoolExists {
			return CancelCreatedElsewhere
		}
		if _, err := settlement.PlanPool(t, t.CollectedFund); err != nil {
			return CancelBelowMinimum
		}
		return CreatePool
	}

	if t.TotalLiquidity.IsPositive() && t.CollectedFund.IsPositive() {
		return RedeemOrders
	}
	if t.IsCancelled && t.CollectedFund.IsPositive() {
		return RefundOrders
	}
	return None
}

// State is a coarse lifecycle label for read views.
type State string

const (
	Pending         State = "pending"
	Discovery       State = "discovery"
	CountingSellers State = "counting_sellers"
	CollectingMgr   State = "collect_manager"
	CollectingOrder State = "collect_orders"
	Settling        State = "settling"
	Redeeming       State = "redeeming"
	Refunding       State = "refunding"
	Settled         State = "settled"
	Closable        State = "closable"
)

// StateOf labels the snapshot at now.
func StateOf(s event.Snapshot, now time.Time) State {
	t := s.Treasury
	if !t.IsCancelled {
		if now.Before(t.StartTime) {
			return Pending
		}
		if !now.After(t.EndTime) {
			return Discovery
		}
	}
	switch Classify(s, now) {
	case CountSellers:
		return CountingSellers
	case CollectManager:
		return CollectingMgr
	case CollectOrders:
		return CollectingOrder
	case CreatePool, CancelBelowMinimum, CancelCreatedElsewhere:
		return Settling
	case RedeemOrders:
		return Redeeming
	case RefundOrders:
		return Refunding
	}
	if t.IsCancelled {
		return Closable
	}
	return Settled
}
