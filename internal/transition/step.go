package transition

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/lbe-engine/internal/model"
)

// Kind names a transition. It doubles as the tx label.
type Kind string

const (
	KindCreate                 Kind = "create"
	KindUpdate                 Kind = "update"
	KindCancelByOwner          Kind = "cancel_by_owner"
	KindCancelBelowMinimum     Kind = "cancel_below_minimum"
	KindCancelCreatedElsewhere Kind = "cancel_created_elsewhere"
	KindOrder                  Kind = "order"
	KindAddSellers             Kind = "add_sellers"
	KindCountSellers           Kind = "count_sellers"
	KindCollectManager         Kind = "collect_manager"
	KindCollectOrders          Kind = "collect_orders"
	KindCreatePool             Kind = "create_pool"
	KindRedeem                 Kind = "redeem"
	KindRefund                 Kind = "refund"
	KindClose                  Kind = "close"
)

// Step is one transition request together with the records it reads.
// The set of implementations is closed; Build dispatches over all of them.
type Step interface {
	Kind() Kind
	step()
}

// Create opens a new event in the slot of an LBE factory entry.
type Create struct {
	Factory     model.Record
	Params      model.EventParams
	SellerCount int64 // zero selects the configured default
}

// Update replaces the configuration of an event that has not started.
type Update struct {
	Treasury model.Record
	Params   model.EventParams
	Caller   string
}

type CancelByOwner struct {
	Treasury model.Record
	Caller   string
}

type CancelBelowMinimum struct {
	Treasury model.Record
}

// CancelCreatedElsewhere cancels because Pool already exists for the pair.
type CancelCreatedElsewhere struct {
	Treasury model.Record
	Pool     model.Record
}

// Order deposits (Delta > 0) or withdraws (Delta < 0) through one shard.
type Order struct {
	Treasury model.Record
	Seller   model.Record
	Existing *model.Record
	Owner    string
	Delta    decimal.Decimal
}

type AddSellers struct {
	Treasury model.Record
	Manager  model.Record
	Count    int64
	Caller   string
}

type CountSellers struct {
	Treasury model.Record
	Manager  model.Record
	Sellers  []model.Record
}

type CollectManager struct {
	Treasury model.Record
	Manager  model.Record
}

type CollectOrders struct {
	Treasury model.Record
	Orders   []model.Record
}

// CreatePool settles into a new AMM pool. Factory is the AMM registry
// entry bracketing the event identifier.
type CreatePool struct {
	Treasury   model.Record
	Factory    model.Record
	PoolExists bool
}

type Redeem struct {
	Treasury model.Record
	Orders   []model.Record
}

type Refund struct {
	Treasury model.Record
	Orders   []model.Record
}

// Close removes a drained, cancelled event. Left and Right are the LBE
// registry entries ending at and starting from the event identifier.
type Close struct {
	Treasury model.Record
	Left     model.Record
	Right    model.Record
	Caller   string
}

func (Create) Kind() Kind                 { return KindCreate }
func (Update) Kind() Kind                 { return KindUpdate }
func (CancelByOwner) Kind() Kind          { return KindCancelByOwner }
func (CancelBelowMinimum) Kind() Kind     { return KindCancelBelowMinimum }
func (CancelCreatedElsewhere) Kind() Kind { return KindCancelCreatedElsewhere }
func (Order) Kind() Kind                  { return KindOrder }
func (AddSellers) Kind() Kind             { return KindAddSellers }
func (CountSellers) Kind() Kind           { return KindCountSellers }
func (CollectManager) Kind() Kind         { return KindCollectManager }
func (CollectOrders) Kind() Kind          { return KindCollectOrders }
func (CreatePool) Kind() Kind             { return KindCreatePool }
func (Redeem) Kind() Kind                 { return KindRedeem }
func (Refund) Kind() Kind                 { return KindRefund }
func (Close) Kind() Kind                  { return KindClose }

func (Create) step()                 {}
func (Update) step()                 {}
func (CancelByOwner) step()          {}
func (CancelBelowMinimum) step()     {}
func (CancelCreatedElsewhere) step() {}
func (Order) step()                  {}
func (AddSellers) step()             {}
func (CountSellers) step()           {}
func (CollectManager) step()         {}
func (CollectOrders) step()          {}
func (CreatePool) step()             {}
func (Redeem) step()                 {}
func (Refund) step()                 {}
func (Close) step()                  {}
