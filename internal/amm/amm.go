// Package amm implements the constant-product pool rules that a settled event
// seeds its pool with.
//
// The settlement engine must mint exactly what the pool contract would mint,
// so liquidity math is integer-only: floor(sqrt(reserveA * reserveB)) over
// math/big, with MinimumLiquidity locked in the pool forever.
//
// All monetary values use shopspring/decimal, never float64.
package amm

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/atmx/lbe-engine/internal/asset"
	"github.com/atmx/lbe-engine/internal/model"
)

// LPPolicyID is the minting policy of every pool's liquidity token.
const LPPolicyID = "e4214b7cce62ac6fbba385d164df48e157eae5863521b4b67ca71d86"

// FeeDenominator scales PoolBaseFee (basis points).
const FeeDenominator = 10000

var (
	// ErrInsufficientLiquidity is returned when a pool would mint no more
	// than MinimumLiquidity.
	ErrInsufficientLiquidity = errors.New("amm: initial liquidity does not exceed the minimum")

	// ErrSameAsset is returned when both sides of a pool are one asset.
	ErrSameAsset = errors.New("amm: pool assets must differ")

	// ErrInvalidFee is returned for a fee outside [0, FeeDenominator).
	ErrInvalidFee = errors.New("amm: fee must be in [0, 10000) basis points")

	// MinimumLiquidity is burned at pool creation and never redeemable.
	MinimumLiquidity = decimal.NewFromInt(10)

	// PriceScale is the number of decimal places for spot price rounding.
	PriceScale int32 = 8
)

// InitialLiquidity computes floor(sqrt(reserveA * reserveB)).
// Negative reserves are a programming error and panic.
func InitialLiquidity(reserveA, reserveB decimal.Decimal) decimal.Decimal {
	if reserveA.IsNegative() || reserveB.IsNegative() {
		panic("amm: negative reserve")
	}
	product := new(big.Int).Mul(reserveA.BigInt(), reserveB.BigInt())
	return decimal.NewFromBigInt(new(big.Int).Sqrt(product), 0)
}

// LPAsset returns the liquidity token of the pool for id.
func LPAsset(id model.EventID) asset.Asset {
	return asset.Asset{PolicyID: LPPolicyID, TokenName: string(id)}
}

// NewPool seeds a pool with the given reserves. It returns the pool record
// payload and the liquidity minted to the depositor, which is the initial
// liquidity minus MinimumLiquidity.
func NewPool(x, y asset.Asset, reserveX, reserveY decimal.Decimal, baseFee int64) (model.Pool, decimal.Decimal, error) {
	if x == y {
		return model.Pool{}, decimal.Zero, ErrSameAsset
	}
	if baseFee < 0 || baseFee >= FeeDenominator {
		return model.Pool{}, decimal.Zero, ErrInvalidFee
	}
	total := InitialLiquidity(reserveX, reserveY)
	if total.LessThanOrEqual(MinimumLiquidity) {
		return model.Pool{}, decimal.Zero, ErrInsufficientLiquidity
	}

	p := model.Pool{
		AssetA:         x,
		AssetB:         y,
		ReserveA:       reserveX,
		ReserveB:       reserveY,
		TotalLiquidity: total,
		BaseFee:        baseFee,
	}
	if y.Less(x) {
		p.AssetA, p.AssetB = y, x
		p.ReserveA, p.ReserveB = reserveY, reserveX
	}
	return p, total.Sub(MinimumLiquidity), nil
}

// SpotPrice returns the price of AssetA in units of AssetB.
func SpotPrice(p model.Pool) decimal.Decimal {
	if p.ReserveA.IsZero() {
		return decimal.Zero
	}
	return p.ReserveB.DivRound(p.ReserveA, PriceScale)
}
