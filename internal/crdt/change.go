package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/segmentio/ksuid"
)

// OpKind discriminates the two operation variants.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
)

// Operation is a single immutable CRDT operation. Inserts carry the new
// element's value and its predecessor; deletes name the tombstoned element.
type Operation struct {
	Kind   OpKind    `json:"kind"`
	ID     ElementID `json:"id"`
	Value  string    `json:"value,omitempty"`
	Parent ElementID `json:"parent,omitempty"`
}

// Change is a named, ordered batch of operations produced by one local edit.
// Deps is the causal context: element ids the change assumes already exist on
// the receiving replica (it never includes ids minted inside the change
// itself). The ksuid ID doubles as the idempotence key in the change log.
type Change struct {
	ID    string      `json:"id"`
	Actor ActorID     `json:"actor"`
	Ops   []Operation `json:"ops"`
	Deps  []ElementID `json:"deps,omitempty"`
}

// newChange mints an empty change for the given actor.
func newChange(actor ActorID) Change {
	return Change{ID: ksuid.New().String(), Actor: actor}
}

// Empty reports whether the change carries no operations (for example an
// insert of the empty string, or a delete that found nothing to delete).
func (c Change) Empty() bool {
	return len(c.Ops) == 0
}

// addDep records an external causal dependency, deduplicated.
func (c *Change) addDep(id ElementID) {
	if id.IsStart() {
		return
	}
	for _, d := range c.Deps {
		if d == id {
			return
		}
	}
	c.Deps = append(c.Deps, id)
}

// EncodeChange serializes a change for persistence or the wire.
func EncodeChange(c Change) ([]byte, error) {
	buf, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode change %s: %w", c.ID, err)
	}
	return buf, nil
}

// DecodeChange parses a serialized change.
func DecodeChange(buf []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(buf, &c); err != nil {
		return Change{}, fmt.Errorf("failed to decode change: %w", err)
	}
	return c, nil
}
