package validation

import "errors"

// ErrValidation matches every violation via errors.Is.
var ErrValidation = errors.New("validation failure")

// Violation is a named precondition failure. It is never retried
// automatically; callers surface it to whoever requested the transition.
type Violation struct {
	Name string
	msg  string
}

func newViolation(name, msg string) *Violation {
	return &Violation{Name: name, msg: msg}
}

func (v *Violation) Error() string {
	return "validation: " + v.msg
}

// Is lets errors.Is(err, ErrValidation) match any violation.
func (v *Violation) Is(target error) bool {
	return target == ErrValidation
}

// NameOf returns the violation name carried by err, or "" when err is not a
// violation.
func NameOf(err error) string {
	var v *Violation
	if errors.As(err, &v) {
		return v.Name
	}
	return ""
}

var (
	ErrIdentityMismatch      = newViolation("IdentityMismatch", "records belong to different events")
	ErrUnexpectedRecord      = newViolation("UnexpectedRecord", "record kind does not fit the transition")
	ErrInvalidParams         = newViolation("InvalidParams", "invalid event parameters")
	ErrUnauthorized          = newViolation("Unauthorized", "caller is not the event owner")
	ErrTimeWindow            = newViolation("TimeWindowViolation", "outside the allowed time window")
	ErrEventAlreadyCancelled = newViolation("EventAlreadyCancelled", "event already cancelled")
	ErrEventNotCancelled     = newViolation("EventNotCancelled", "event is not cancelled")
	ErrRaiseBelowMinimum     = newViolation("RaiseBelowMinimum", "raise below minimum")
	ErrRaiseMeetsMinimum     = newViolation("RaiseMeetsMinimum", "raise meets minimum")
	ErrOutstandingSellers    = newViolation("OutstandingSellers", "seller shards not yet counted")
	ErrManagerCollected      = newViolation("ManagerAlreadyCollected", "manager already collected")
	ErrManagerNotCollected   = newViolation("ManagerNotCollected", "manager not yet collected")
	ErrOrdersOutstanding     = newViolation("OrdersOutstanding", "orders not yet collected")
	ErrNothingToCollect      = newViolation("NothingToCollect", "no funds left to collect")
	ErrOverCollected         = newViolation("OverCollected", "amounts exceed treasury accounting")
	ErrAlreadySettled        = newViolation("AlreadySettled", "pool already created for event")
	ErrNotSettled            = newViolation("NotSettled", "pool not created for event")
	ErrPoolExists            = newViolation("PoolExists", "a pool already exists for the pair")
	ErrNoPool                = newViolation("NoPool", "no pool exists for the pair")
	ErrInvalidAmount         = newViolation("InvalidAmount", "invalid amount")
	ErrFractionalAmount      = newViolation("FractionalAmount", "amount is not a whole number of units")
	ErrBelowMinimumOrder     = newViolation("BelowMinimumOrder", "order below minimum order raise")
	ErrBatchSize             = newViolation("BatchSize", "batch empty or above limit")
	ErrOrderCollected        = newViolation("OrderCollected", "order already collected")
	ErrOrderNotCollected     = newViolation("OrderNotCollected", "order not yet collected")
	ErrDuplicateRecord       = newViolation("DuplicateRecord", "record listed twice")
	ErrSellerMismatch        = newViolation("SellerMismatch", "order routed through another seller shard")
	ErrFundsRemaining        = newViolation("FundsRemaining", "contributions not yet refunded")
	ErrFactoryMismatch       = newViolation("FactoryMismatch", "factory entries do not bracket the identifier")
	ErrInsufficientFunds     = newViolation("InsufficientFunds", "record value does not cover its accounting")
)
