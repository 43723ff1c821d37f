package crdt

/*
Sequence CRDT identity model.

Every character slot ever inserted into a document gets a globally unique
ElementID: the pair (Counter, Actor). Counters are minted from a Lamport-style
clock — each replica mints strictly above every counter it has observed — so a
given actor's counters only increase and an insertion made with knowledge of
the current text always outranks the elements it was typed next to. Ties
between different actors at the same counter are broken by the actor id, which
gives a total order shared by all replicas.
*/

// ActorID identifies one editing participant. One actor per live session,
// never reused while any replica might still reference it.
type ActorID string

// OriginActor authors server-seeded content (initial document text).
const OriginActor ActorID = "origin"

// ElementID is the globally unique identity of one character slot.
// The zero value is the "start" sentinel that precedes all content.
type ElementID struct {
	Counter uint64  `json:"counter"`
	Actor   ActorID `json:"actor"`
}

// Start is the sentinel predecessor of the first element in a document.
var Start = ElementID{}

// IsStart reports whether id is the start sentinel.
func (id ElementID) IsStart() bool {
	return id == Start
}

// Less orders ElementIDs by (Counter, Actor). This is the tie-break rule
// applied to concurrent inserts that share a predecessor; it must be
// identical on every replica for the documents to converge.
func (id ElementID) Less(other ElementID) bool {
	if id.Counter != other.Counter {
		return id.Counter < other.Counter
	}
	return id.Actor < other.Actor
}

// element is one entry in the document arena. Tombstoned elements keep their
// identity and ordering position but project no visible value.
type element struct {
	id        ElementID
	value     rune
	tombstone bool
	parent    ElementID // predecessor at insertion time; Start for the head
}
