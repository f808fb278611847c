package model

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/atmx/lbe-engine/internal/asset"
)

// ErrUnbalanced is returned when a tx creates or destroys value outside of
// its declared inputs, outputs and mint.
var ErrUnbalanced = errors.New("model: transaction does not balance")

// Payout moves value between a wallet address and the ledger.
type Payout struct {
	Address string      `json:"address"`
	Value   asset.Value `json:"value"`
}

// Tx is an unsubmitted or accepted ledger update. Consumed records are
// spent atomically with the creation of Produced records; References are
// read but left unspent.
type Tx struct {
	ID         string      `json:"id,omitempty"`
	Label      string      `json:"label"`
	EventID    EventID     `json:"event_id"`
	Nonce      string      `json:"nonce,omitempty"`
	Consumed   []Record    `json:"consumed"`
	References []Record    `json:"references,omitempty"`
	Produced   []Record    `json:"produced"`
	Inputs     []Payout    `json:"inputs,omitempty"`
	Outputs    []Payout    `json:"outputs,omitempty"`
	Mint       asset.Value `json:"mint,omitempty"`
}

// Balance checks Σconsumed + Σinputs + mint == Σproduced + Σoutputs and that
// no record or payout carries a negative amount.
func (tx *Tx) Balance() error {
	in := asset.Value{}.Plus(tx.Mint)
	out := asset.Value{}
	for _, r := range tx.Consumed {
		in = in.Plus(r.Value)
	}
	for _, p := range tx.Inputs {
		if err := p.Value.Validate(); err != nil {
			return fmt.Errorf("%w: input from %s: %v", ErrUnbalanced, p.Address, err)
		}
		in = in.Plus(p.Value)
	}
	for _, r := range tx.Produced {
		if err := r.Value.Validate(); err != nil {
			return fmt.Errorf("%w: produced %s: %v", ErrUnbalanced, r.Kind, err)
		}
		out = out.Plus(r.Value)
	}
	for _, p := range tx.Outputs {
		if err := p.Value.Validate(); err != nil {
			return fmt.Errorf("%w: output to %s: %v", ErrUnbalanced, p.Address, err)
		}
		out = out.Plus(p.Value)
	}
	if !in.Equal(out) {
		return fmt.Errorf("%w: in %s, out %s", ErrUnbalanced, in, out)
	}
	return nil
}

// Hash derives the tx identifier from its content. Every tx consumes at
// least one record, so identical bodies cannot be accepted twice.
func (tx *Tx) Hash() string {
	body := *tx
	body.ID = ""
	body.Produced = make([]Record, len(tx.Produced))
	for i, r := range tx.Produced {
		r.ID = ""
		body.Produced[i] = r
	}
	data, err := json.Marshal(body)
	if err != nil {
		// Records only hold JSON-safe fields.
		panic(fmt.Sprintf("model: hash tx: %v", err))
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Seal assigns the tx identifier and the identifiers of produced records.
func (tx *Tx) Seal() {
	tx.ID = tx.Hash()
	for i := range tx.Produced {
		tx.Produced[i].ID = RecordID(fmt.Sprintf("%s#%d", tx.ID, i))
	}
}

// ConsumedIDs lists the identifiers of consumed records.
func (tx *Tx) ConsumedIDs() []RecordID {
	ids := make([]RecordID, len(tx.Consumed))
	for i, r := range tx.Consumed {
		ids[i] = r.ID
	}
	return ids
}

