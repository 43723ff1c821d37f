package crdt

import (
	"encoding/json"
	"fmt"
)

// Snapshot serialization. A snapshot carries the full causal history
// (tombstones included) plus the clock watermark, so a replica restored from
// it can keep minting ids and merging changes without replaying the log.

type snapshotElement struct {
	ID        ElementID `json:"id"`
	Parent    ElementID `json:"parent"`
	Value     string    `json:"value"`
	Tombstone bool      `json:"tombstone,omitempty"`
}

type snapshotDoc struct {
	Clock    uint64            `json:"clock"`
	Elements []snapshotElement `json:"elements"`
}

// Snapshot serializes the document. Elements are emitted in tree order, so a
// parent always precedes its children.
func (d *Document) Snapshot() ([]byte, error) {
	s := snapshotDoc{Clock: d.clock}
	var walk func(parent ElementID)
	walk = func(parent ElementID) {
		for _, id := range d.children[parent] {
			el := d.elems[id]
			s.Elements = append(s.Elements, snapshotElement{
				ID:        el.id,
				Parent:    el.parent,
				Value:     string(el.value),
				Tombstone: el.tombstone,
			})
			walk(id)
		}
	}
	walk(Start)

	buf, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return buf, nil
}

// FromSnapshot reconstructs a document from serialized form.
func FromSnapshot(buf []byte) (*Document, error) {
	var s snapshotDoc
	if err := json.Unmarshal(buf, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	d := empty()
	for _, se := range s.Elements {
		d.applyInsert(Operation{Kind: OpInsert, ID: se.ID, Value: se.Value, Parent: se.Parent})
		if se.Tombstone {
			d.applyDelete(Operation{Kind: OpDelete, ID: se.ID})
		}
	}
	if len(d.pendingIns) > 0 || len(d.pendingDel) > 0 {
		return nil, fmt.Errorf("corrupt snapshot: %d elements reference missing dependencies",
			len(d.pendingIns)+len(d.pendingDel))
	}
	if s.Clock > d.clock {
		d.clock = s.Clock
	}
	return d, nil
}
