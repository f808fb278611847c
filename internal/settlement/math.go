// Package settlement holds the pure arithmetic of an event: withdrawal
// penalties, the pool seeding plan and pro-rata redemption.
//
// Every division rounds down. Rounding loss stays with the Treasury; no
// function here can hand out more than the pool it divides.
package settlement

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lbe-engine/internal/amm"
	"github.com/atmx/lbe-engine/internal/model"
)

// ErrBelowMinimum is returned by PlanPool when the raise cannot seed a pool:
// below minimumRaise, nothing raised, or too little liquidity.
var ErrBelowMinimum = errors.New("settlement: raise below minimum")

var (
	// ErrFractional is returned when an operand is not a whole number of units.
	ErrFractional = errors.New("settlement: fractional amount")

	ErrDivisionByZero = errors.New("settlement: division by zero")
)

var hundred = decimal.NewFromInt(100)

// InitialLiquidity is the pool's own minting rule.
func InitialLiquidity(reserveA, reserveB decimal.Decimal) decimal.Decimal {
	return amm.InitialLiquidity(reserveA, reserveB)
}

// Penalty charged when an order moves from totalIn to totalOut at now.
// Only the withdrawn delta is charged, and only from the penalty start time.
func Penalty(now time.Time, totalIn, totalOut decimal.Decimal, cfg *model.PenaltyConfig) (decimal.Decimal, error) {
	if cfg == nil || now.Before(cfg.StartTime) {
		return decimal.Zero, nil
	}
	if totalOut.GreaterThanOrEqual(totalIn) {
		return decimal.Zero, nil
	}
	return FloorMulDiv(totalIn.Sub(totalOut), decimal.NewFromInt(cfg.Percent), hundred)
}

// Excess is the raise collected above maxRaise, refunded pro-rata as a bonus.
func Excess(totalPenalty, reserveRaise decimal.Decimal, maxRaise *decimal.Decimal) decimal.Decimal {
	if maxRaise == nil {
		return decimal.Zero
	}
	over := totalPenalty.Add(reserveRaise).Sub(*maxRaise)
	if over.IsNegative() {
		return decimal.Zero
	}
	return over
}

// RedeemAmounts splits the Treasury's LP and excess raise by the
// contributor's share userAmount/reserveRaise.
func RedeemAmounts(userAmount, totalPenalty, reserveRaise, totalLiquidity decimal.Decimal, maxRaise *decimal.Decimal) (lpAmount, bonusRefund decimal.Decimal, err error) {
	if !reserveRaise.IsPositive() || !userAmount.IsPositive() {
		return decimal.Zero, decimal.Zero, nil
	}
	excess := Excess(totalPenalty, reserveRaise, maxRaise)
	if lpAmount, err = FloorMulDiv(totalLiquidity, userAmount, reserveRaise); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if bonusRefund, err = FloorMulDiv(excess, userAmount, reserveRaise); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return lpAmount, bonusRefund, nil
}

// PoolPlan is the fund split of a successful settlement.
type PoolPlan struct {
	EffectiveRaise decimal.Decimal // min(raised, maximumRaise)
	PoolBase       decimal.Decimal
	PoolRaise      decimal.Decimal
	ReceiverBase   decimal.Decimal
	ReceiverRaise  decimal.Decimal
	Excess         decimal.Decimal // raised - EffectiveRaise, kept for bonus refunds
	Pool           model.Pool
	Liquidity      decimal.Decimal // LP minted to the Treasury
}

// PlanPool computes how raised funds and the base reserve are split between
// the pool, the receiver and the Treasury.
func PlanPool(t model.Treasury, raised decimal.Decimal) (PoolPlan, error) {
	if !raised.IsPositive() {
		return PoolPlan{}, fmt.Errorf("%w: nothing raised", ErrBelowMinimum)
	}
	if t.MinimumRaise != nil && raised.LessThan(*t.MinimumRaise) {
		return PoolPlan{}, fmt.Errorf("%w: raised %s < minimum %s", ErrBelowMinimum, raised, t.MinimumRaise)
	}

	effective := raised
	if t.MaximumRaise != nil && t.MaximumRaise.LessThan(raised) {
		effective = *t.MaximumRaise
	}
	alloc := decimal.NewFromInt(t.PoolAllocation)
	poolBase, err := FloorMulDiv(t.ReserveBase, alloc, hundred)
	if err != nil {
		return PoolPlan{}, err
	}
	poolRaise, err := FloorMulDiv(effective, alloc, hundred)
	if err != nil {
		return PoolPlan{}, err
	}

	pool, minted, err := amm.NewPool(t.BaseAsset, t.RaiseAsset, poolBase, poolRaise, t.PoolBaseFee)
	if errors.Is(err, amm.ErrInsufficientLiquidity) {
		return PoolPlan{}, fmt.Errorf("%w: %w", ErrBelowMinimum, err)
	}
	if err != nil {
		return PoolPlan{}, err
	}

	return PoolPlan{
		EffectiveRaise: effective,
		PoolBase:       poolBase,
		PoolRaise:      poolRaise,
		ReceiverBase:   t.ReserveBase.Sub(poolBase),
		ReceiverRaise:  effective.Sub(poolRaise),
		Excess:         raised.Sub(effective),
		Pool:           pool,
		Liquidity:      minted,
	}, nil
}

// FloorMulDiv computes floor(a * b / c) for non-negative integers.
// Fractional operands are rejected rather than truncated.
func FloorMulDiv(a, b, c decimal.Decimal) (decimal.Decimal, error) {
	for _, v := range []decimal.Decimal{a, b, c} {
		if !v.IsInteger() {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrFractional, v)
		}
	}
	if c.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	num := new(big.Int).Mul(a.BigInt(), b.BigInt())
	return decimal.NewFromBigInt(new(big.Int).Quo(num, c.BigInt()), 0), nil
}
