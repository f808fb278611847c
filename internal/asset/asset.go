// Package asset handles fungible asset identifiers and multi-asset value
// arithmetic for ledger records and payouts.
//
// All amounts use shopspring/decimal and hold whole units of the asset.
package asset

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// lovelaceName is the textual form of the ledger's native asset.
const lovelaceName = "lovelace"

// assetRegex matches: {policyID}.{tokenName}
// Example: e16c2dc8ae937e8d3790c7fd7168d7b994621ba14ca11415f39fed72.4d494e
var assetRegex = regexp.MustCompile(`^([0-9a-f]{56})\.([0-9a-f]{0,64})$`)

var (
	ErrInvalidAsset   = errors.New("asset: invalid asset identifier")
	ErrNegativeAmount = errors.New("asset: negative amount")
)

// Asset identifies one fungible token. The zero value is the native asset.
type Asset struct {
	PolicyID  string
	TokenName string
}

// Lovelace is the native asset used for record rent.
var Lovelace = Asset{}

// Parse parses and validates an asset identifier.
// Format: lovelace | {policyID}.{tokenNameHex}
func Parse(s string) (Asset, error) {
	if s == lovelaceName {
		return Lovelace, nil
	}
	matches := assetRegex.FindStringSubmatch(s)
	if matches == nil {
		return Asset{}, fmt.Errorf("%w: %q (expected lovelace or {policy}.{token})", ErrInvalidAsset, s)
	}
	return Asset{PolicyID: matches[1], TokenName: matches[2]}, nil
}

// MustParse is Parse for identifiers known at compile time.
func MustParse(s string) Asset {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Asset) IsLovelace() bool {
	return a.PolicyID == "" && a.TokenName == ""
}

func (a Asset) String() string {
	if a.IsLovelace() {
		return lovelaceName
	}
	return a.PolicyID + "." + a.TokenName
}

// Less orders assets by policy then token name; the native asset sorts first.
func (a Asset) Less(b Asset) bool {
	if a.PolicyID != b.PolicyID {
		return a.PolicyID < b.PolicyID
	}
	return a.TokenName < b.TokenName
}

func (a Asset) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Asset) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value is a bag of asset amounts. Methods never mutate the receiver and
// drop zero entries from their results.
type Value map[Asset]decimal.Decimal

// New returns a value holding amt of a.
func New(a Asset, amt decimal.Decimal) Value {
	return Value{}.Add(a, amt)
}

// Lovelaces returns a value holding n units of the native asset.
func Lovelaces(n decimal.Decimal) Value {
	return New(Lovelace, n)
}

// Get returns the amount held of a (zero when absent).
func (v Value) Get(a Asset) decimal.Decimal {
	return v[a]
}

// Add returns a copy of v with amt added to a.
func (v Value) Add(a Asset, amt decimal.Decimal) Value {
	out := v.clone()
	sum := out[a].Add(amt)
	if sum.IsZero() {
		delete(out, a)
	} else {
		out[a] = sum
	}
	return out
}

// Plus returns v + o.
func (v Value) Plus(o Value) Value {
	out := v.clone()
	for a, amt := range o {
		out = out.Add(a, amt)
	}
	return out
}

// Minus returns v - o. The result may hold negative amounts; use Validate
// when a non-negative bag is required.
func (v Value) Minus(o Value) Value {
	out := v.clone()
	for a, amt := range o {
		out = out.Add(a, amt.Neg())
	}
	return out
}

func (v Value) IsZero() bool {
	for _, amt := range v {
		if !amt.IsZero() {
			return false
		}
	}
	return true
}

// Equal compares two bags ignoring zero entries.
func (v Value) Equal(o Value) bool {
	return v.Minus(o).IsZero()
}

// Validate rejects bags holding negative amounts.
func (v Value) Validate() error {
	for a, amt := range v {
		if amt.IsNegative() {
			return fmt.Errorf("%w: %s %s", ErrNegativeAmount, amt.String(), a)
		}
	}
	return nil
}

// Assets returns the assets held, in canonical order.
func (v Value) Assets() []Asset {
	assets := make([]Asset, 0, len(v))
	for a, amt := range v {
		if !amt.IsZero() {
			assets = append(assets, a)
		}
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Less(assets[j]) })
	return assets
}

func (v Value) String() string {
	parts := make([]string, 0, len(v))
	for _, a := range v.Assets() {
		parts = append(parts, v[a].String()+" "+a.String())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (v Value) clone() Value {
	out := make(Value, len(v))
	for a, amt := range v {
		if !amt.IsZero() {
			out[a] = amt
		}
	}
	return out
}
