package store

import (
	"github.com/JonMunkholm/markbook/internal/model"
	"github.com/JonMunkholm/markbook/internal/storage"
)

// Outcome classifies what an upsert did.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeUpdated
	OutcomeUnchanged
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeSkipped:
		return "skipped"
	}
	return "unknown"
}

// UpsertResult reports the id a natural-key save resolved to and whether the
// record was inserted, changed, or left alone. Skipped is set when a guard
// refused the change; Updated and Skipped are never both set.
type UpsertResult struct {
	ID      int64 `json:"id"`
	IsNew   bool  `json:"isNew"`
	Updated bool  `json:"updated"`
	Skipped bool  `json:"skipped,omitempty"`
}

// Outcome returns the result as a single classification.
func (r UpsertResult) Outcome() Outcome {
	switch {
	case r.IsNew:
		return OutcomeCreated
	case r.Skipped:
		return OutcomeSkipped
	case r.Updated:
		return OutcomeUpdated
	}
	return OutcomeUnchanged
}

// Tally counts upsert outcomes over a batch.
type Tally struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
}

// Add counts one result.
func (t *Tally) Add(r UpsertResult) {
	switch r.Outcome() {
	case OutcomeCreated:
		t.Created++
	case OutcomeUpdated:
		t.Updated++
	case OutcomeSkipped:
		t.Skipped++
	default:
		t.Unchanged++
	}
}

// Total returns the number of counted results.
func (t Tally) Total() int {
	return t.Created + t.Updated + t.Unchanged + t.Skipped
}

// mergeFunc combines the stored record with a candidate for the same natural
// key. It returns the record to store, or skip=true to leave the stored
// record untouched and report the save as skipped.
type mergeFunc[P any] func(existing, candidate P) (merged P, skip bool)

// upsert looks candidate up by its natural key inside tx. A missing record
// is inserted under a new id; a present one is merged and rewritten under
// its existing id, unless the merge changes nothing. candidate receives the
// resolved id.
func upsert[T any, P entity[T]](tx *storage.Tx, t Table[T, P], index string, key []any, candidate P, merge mergeFunc[P]) (UpsertResult, error) {
	existing, found, err := t.Find(tx, index, key...)
	if err != nil {
		return UpsertResult{}, err
	}

	if !found {
		id, err := t.Insert(tx, candidate)
		if err != nil {
			return UpsertResult{}, err
		}
		return UpsertResult{ID: id, IsNew: true}, nil
	}

	id := existing.GetID()
	candidate.SetID(id)

	merged, skip := merge(existing, candidate)
	if skip {
		return UpsertResult{ID: id, Skipped: true}, nil
	}
	merged.SetID(id)
	if n, ok := any(merged).(model.Normalizer); ok {
		n.Normalize()
	}
	if sameJSON(existing, merged) {
		return UpsertResult{ID: id}, nil
	}
	if err := t.Put(tx, merged); err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{ID: id, Updated: true}, nil
}

// overrideAll is the plain merge: the candidate replaces the stored record.
func overrideAll[P any](_, candidate P) (P, bool) {
	return candidate, false
}
