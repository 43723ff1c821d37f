package crdt

import (
	"errors"
	"sort"
	"strings"
)

// ErrMalformedEdit is returned when an edit is invalid even after index
// clamping, e.g. a negative delete count.
var ErrMalformedEdit = errors.New("malformed edit")

/*
Document is one replica of the replicated text.

The structure is an RGA (Replicated Growable Array): every character is an
element addressed by its predecessor at insertion time, elements are kept in
an arena keyed by ElementID rather than pointer-linked, and deletes are
tombstones. Concurrent inserts that share a predecessor are ordered by
descending ElementID — a causally later insert at the same spot lands before
its older siblings, which is what places "b" correctly when a user types "ac"
and then inserts "b" between them. Because the descending order is derived
purely from ElementIDs, every replica linearizes the tree identically and the
visible texts converge byte for byte.

Remote operations whose predecessor (or delete target) has not arrived yet
are buffered and replayed once the dependency is applied, so operations are
never applied out of causal order.

A Document is not safe for concurrent use; the sync coordinator owns the
authoritative copy per document and serializes access.
*/
type Document struct {
	elems    map[ElementID]*element
	children map[ElementID][]ElementID // parent -> child ids, descending

	pendingIns map[ElementID][]Operation // keyed by missing parent
	pendingDel map[ElementID][]Operation // keyed by missing target

	clock uint64 // highest counter observed anywhere; local mints go above it

	// visible projection cache, rebuilt lazily
	order []ElementID
	text  string
	dirty bool
}

// New builds a document whose elements are the characters of seed, inserted
// in order and authored by actor. It never fails.
func New(actor ActorID, seed string) *Document {
	d := empty()
	d.LocalInsert(0, seed, actor)
	return d
}

func empty() *Document {
	return &Document{
		elems:      make(map[ElementID]*element),
		children:   make(map[ElementID][]ElementID),
		pendingIns: make(map[ElementID][]Operation),
		pendingDel: make(map[ElementID][]Operation),
		dirty:      true,
	}
}

// LocalInsert inserts text at the given visible index on behalf of actor and
// returns the resulting change. Out-of-range indices are clamped to the
// nearest valid position so that edits racing against concurrent deletions
// still land instead of failing. Inserted characters chain off one another,
// which keeps one actor's burst contiguous under any merge order.
func (d *Document) LocalInsert(visibleIndex int, text string, actor ActorID) Change {
	change := newChange(actor)
	if text == "" {
		return change
	}

	parent := d.predecessorAt(d.clampIndex(visibleIndex))
	change.addDep(parent)

	for _, r := range text {
		id := d.mint(actor)
		op := Operation{Kind: OpInsert, ID: id, Value: string(r), Parent: parent}
		d.applyInsert(op)
		change.Ops = append(change.Ops, op)
		parent = id
	}
	return change
}

// LocalDelete tombstones up to count visible elements starting at
// visibleIndex. If fewer visible elements remain, only those are deleted.
// A negative count is a malformed edit.
func (d *Document) LocalDelete(visibleIndex, count int, actor ActorID) (Change, error) {
	if count < 0 {
		return Change{}, ErrMalformedEdit
	}
	change := newChange(actor)
	if count == 0 {
		return change, nil
	}

	d.ensure()
	from := d.clampIndex(visibleIndex)
	to := from + count
	if to > len(d.order) {
		to = len(d.order)
	}

	// Collect targets before tombstoning: deleting shifts visible indexes.
	targets := make([]ElementID, to-from)
	copy(targets, d.order[from:to])

	for _, id := range targets {
		op := Operation{Kind: OpDelete, ID: id}
		change.addDep(id)
		d.applyDelete(op)
		change.Ops = append(change.Ops, op)
	}
	return change, nil
}

// Apply merges a remote change into the document. It is commutative with
// respect to concurrent changes and idempotent: re-applying a change is
// detected per element and has no further effect.
func (d *Document) Apply(change Change) {
	for _, op := range change.Ops {
		switch op.Kind {
		case OpInsert:
			d.applyInsert(op)
		case OpDelete:
			d.applyDelete(op)
		}
	}
}

// Text returns the visible text, the left-to-right projection of
// non-tombstoned elements.
func (d *Document) Text() string {
	d.ensure()
	return d.text
}

// Len returns the visible text length in characters.
func (d *Document) Len() int {
	d.ensure()
	return len(d.order)
}

// Contains reports whether the element is present (tombstoned or not).
func (d *Document) Contains(id ElementID) bool {
	_, ok := d.elems[id]
	return ok
}

// Clone returns an independent deep copy. The coordinator edits a clone and
// only adopts it after a successful persist, so a failed commit can never
// corrupt the shared document.
func (d *Document) Clone() *Document {
	c := empty()
	c.clock = d.clock
	for id, el := range d.elems {
		cp := *el
		c.elems[id] = &cp
	}
	for id, kids := range d.children {
		c.children[id] = append([]ElementID(nil), kids...)
	}
	for id, ops := range d.pendingIns {
		c.pendingIns[id] = append([]Operation(nil), ops...)
	}
	for id, ops := range d.pendingDel {
		c.pendingDel[id] = append([]Operation(nil), ops...)
	}
	return c
}

// mint allocates a fresh ElementID above everything observed so far.
func (d *Document) mint(actor ActorID) ElementID {
	d.clock++
	return ElementID{Counter: d.clock, Actor: actor}
}

func (d *Document) applyInsert(op Operation) {
	if _, exists := d.elems[op.ID]; exists {
		return // duplicate delivery
	}
	if op.Value == "" {
		return
	}
	if !op.Parent.IsStart() {
		if _, known := d.elems[op.Parent]; !known {
			d.pendingIns[op.Parent] = append(d.pendingIns[op.Parent], op)
			return
		}
	}

	value := []rune(op.Value)[0]
	d.elems[op.ID] = &element{id: op.ID, value: value, parent: op.Parent}
	if op.ID.Counter > d.clock {
		d.clock = op.ID.Counter
	}

	// Insert among siblings, keeping descending ElementID order.
	kids := d.children[op.Parent]
	pos := sort.Search(len(kids), func(i int) bool { return kids[i].Less(op.ID) })
	kids = append(kids, ElementID{})
	copy(kids[pos+1:], kids[pos:])
	kids[pos] = op.ID
	d.children[op.Parent] = kids
	d.dirty = true

	// Dependencies satisfied: replay buffered deletes of this element and
	// buffered inserts that name it as predecessor.
	if dels := d.pendingDel[op.ID]; len(dels) > 0 {
		delete(d.pendingDel, op.ID)
		for _, del := range dels {
			d.applyDelete(del)
		}
	}
	if ins := d.pendingIns[op.ID]; len(ins) > 0 {
		delete(d.pendingIns, op.ID)
		for _, child := range ins {
			d.applyInsert(child)
		}
	}
}

func (d *Document) applyDelete(op Operation) {
	el, known := d.elems[op.ID]
	if !known {
		d.pendingDel[op.ID] = append(d.pendingDel[op.ID], op)
		return
	}
	if el.tombstone {
		return // already deleted, no-op
	}
	el.tombstone = true
	d.dirty = true
}

func (d *Document) clampIndex(i int) int {
	d.ensure()
	if i < 0 {
		return 0
	}
	if i > len(d.order) {
		return len(d.order)
	}
	return i
}

// predecessorAt returns the element preceding the given visible index, or
// the start sentinel for index 0.
func (d *Document) predecessorAt(visibleIndex int) ElementID {
	d.ensure()
	if visibleIndex <= 0 {
		return Start
	}
	return d.order[visibleIndex-1]
}

func (d *Document) ensure() {
	if d.dirty {
		d.rebuild()
	}
}

// rebuild linearizes the element tree depth-first from the start sentinel and
// refreshes the visible order and text caches.
func (d *Document) rebuild() {
	d.order = d.order[:0]
	var b strings.Builder
	var walk func(parent ElementID)
	walk = func(parent ElementID) {
		for _, id := range d.children[parent] {
			el := d.elems[id]
			if !el.tombstone {
				d.order = append(d.order, id)
				b.WriteRune(el.value)
			}
			walk(id)
		}
	}
	walk(Start)
	d.text = b.String()
	d.dirty = false
}
