package event

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/lbe-engine/internal/model"
)

// ErrRegistered is returned when no registry entry brackets an identifier,
// which means the identifier is already linked into the registry.
var ErrRegistered = errors.New("event: identifier already registered")

// Bracketing returns the registry entry whose (Head, Tail) brackets id.
func Bracketing(entries []model.Record, id model.EventID) (model.Record, bool) {
	for _, e := range entries {
		if e.Factory != nil && e.Factory.Brackets(string(id)) {
			return e, true
		}
	}
	return model.Record{}, false
}

// Neighbours returns the two registry entries linked through id: the one
// ending at id and the one starting at it.
func Neighbours(entries []model.Record, id model.EventID) (left, right model.Record, ok bool) {
	var foundL, foundR bool
	for _, e := range entries {
		if e.Factory == nil {
			continue
		}
		if e.Factory.Tail == string(id) {
			left, foundL = e, true
		}
		if e.Factory.Head == string(id) {
			right, foundR = e, true
		}
	}
	return left, right, foundL && foundR
}

// LoadBracketing reads a registry and finds the entry bracketing id.
func LoadBracketing(ctx context.Context, src RecordSource, registry, id model.EventID) (model.Record, error) {
	entries, err := src.Records(ctx, model.KindFactory, registry)
	if err != nil {
		return model.Record{}, err
	}
	e, ok := Bracketing(entries, id)
	if !ok {
		return model.Record{}, fmt.Errorf("%w: %s in %s", ErrRegistered, id, registry)
	}
	return e, nil
}

// LoadNeighbours reads a registry and finds the two entries linked through id.
func LoadNeighbours(ctx context.Context, src RecordSource, registry, id model.EventID) (left, right model.Record, err error) {
	entries, err := src.Records(ctx, model.KindFactory, registry)
	if err != nil {
		return model.Record{}, model.Record{}, err
	}
	left, right, ok := Neighbours(entries, id)
	if !ok {
		return model.Record{}, model.Record{}, fmt.Errorf("%w: %s is not linked in %s", ErrCorrupt, id, registry)
	}
	return left, right, nil
}
