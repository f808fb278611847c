package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lbe-engine/internal/amm"
	"github.com/atmx/lbe-engine/internal/event"
	"github.com/atmx/lbe-engine/internal/model"
	"github.com/atmx/lbe-engine/internal/phase"
)

// EventView is the read model of one event.
type EventView struct {
	ID                 model.EventID    `json:"id"`
	State              phase.State      `json:"state"`
	NextAction         string           `json:"next_action"`
	Treasury           model.Treasury   `json:"treasury"`
	Manager            *model.Manager   `json:"manager,omitempty"`
	Sellers            []model.Seller   `json:"sellers"`
	OrderCount         int              `json:"order_count"`
	RemainingToCollect decimal.Decimal  `json:"remaining_to_collect"`
	Pool               *model.Pool      `json:"pool,omitempty"`
	PoolPrice          *decimal.Decimal `json:"pool_price,omitempty"` // AssetA in units of AssetB
}

// NewEventView projects agg at protocol time now.
func NewEventView(agg *event.Aggregate, now time.Time) EventView {
	snap := agg.Snapshot()
	v := EventView{
		ID:                 agg.ID(),
		State:              phase.StateOf(snap, now),
		NextAction:         phase.Classify(snap, now).String(),
		Treasury:           snap.Treasury,
		Manager:            snap.Manager,
		Sellers:            make([]model.Seller, 0, len(agg.Sellers)),
		OrderCount:         len(agg.Orders),
		RemainingToCollect: agg.RemainingToCollect(),
	}
	for _, s := range agg.Sellers {
		v.Sellers = append(v.Sellers, *s.Seller)
	}
	if agg.Pool != nil {
		v.Pool = agg.Pool.Pool
		price := amm.SpotPrice(*v.Pool)
		v.PoolPrice = &price
	}
	return v
}
