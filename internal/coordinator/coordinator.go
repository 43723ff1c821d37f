package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"collab-engine/internal/crdt"
	"collab-engine/internal/middleware"
	"collab-engine/internal/models"
	"collab-engine/internal/repository"

	"go.opentelemetry.io/otel/attribute"
)

/*
Sync coordinator: one logical instance per active document.

Every edit for a document runs load → apply → persist → broadcast under that
document's lock, so two concurrent edits can never both read the same base
snapshot and silently discard one another's change. Independent documents
share nothing and proceed fully in parallel.

The cached Document is the authoritative in-memory replica. Edits are applied
to a clone and the clone is adopted only after the store accepts the commit;
a failed persist therefore leaves the shared replica untouched. A version
conflict means another instance (or a raced edit) advanced the stored
snapshot: the coordinator reloads, re-derives the same logical edit against
the current text — index clamping absorbs text that shrank in the meantime —
and retries within a small bound.
*/

// Edit is one requested local operation, expressed against the visible text.
type Edit struct {
	Kind        string
	Text        string
	DeleteCount int
	AtIndex     int
}

// EditRequest carries an edit together with the submitting session's actor
// and its identity token, which is re-verified before anything else happens.
type EditRequest struct {
	DocumentID string
	Actor      crdt.ActorID
	Token      string
	Edit       Edit
}

type docState struct {
	mu      sync.Mutex
	doc     *crdt.Document
	version int64
}

// Coordinator orchestrates edits across all active documents.
type Coordinator struct {
	store        Store
	verifier     Verifier
	broadcaster  Broadcaster
	seedText     string
	retries      int
	storeTimeout time.Duration

	mu   sync.Mutex
	docs map[string]*docState
}

// New creates a coordinator. seedText is the content a document is created
// with on first access; retries bounds transparent conflict retries.
func New(store Store, verifier Verifier, broadcaster Broadcaster, seedText string, retries int, storeTimeout time.Duration) *Coordinator {
	return &Coordinator{
		store:        store,
		verifier:     verifier,
		broadcaster:  broadcaster,
		seedText:     seedText,
		retries:      retries,
		storeTimeout: storeTimeout,
		docs:         make(map[string]*docState),
	}
}

// SubmitEdit processes one edit end to end and returns the committed state.
// On success the same state has been broadcast to every subscribed session.
// Failed edits produce no broadcast, no log entry and leave the in-memory
// document untouched.
func (c *Coordinator) SubmitEdit(ctx context.Context, req EditRequest) (*models.CurrentState, error) {
	ctx, span := middleware.StartSpan(ctx, "Coordinator.SubmitEdit",
		attribute.String("document.id", req.DocumentID),
		attribute.String("actor.id", string(req.Actor)),
		attribute.String("edit.kind", req.Edit.Kind),
	)
	defer span.End()

	if _, err := c.verifier.Verify(req.Token); err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, ErrAuthentication
	}

	ds := c.state(req.DocumentID)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	for attempt := 0; attempt <= c.retries; attempt++ {
		if err := c.ensureLoaded(ctx, req.DocumentID, ds); err != nil {
			middleware.AddSpanError(ctx, err)
			return nil, err
		}

		next := ds.doc.Clone()
		change, err := applyEdit(next, req.Edit, req.Actor)
		if err != nil {
			return nil, err
		}
		if change.Empty() {
			// Nothing happened (e.g. delete past the end): no commit, no
			// broadcast, just the unchanged state.
			return c.currentStateLocked(req.DocumentID, ds), nil
		}

		snapshot, err := next.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrStoreUnavailable, err)
		}
		rec, err := changeRecord(req.DocumentID, req.Edit.Kind, change)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			return nil, fmt.Errorf("%w: %s", ErrStoreUnavailable, err)
		}

		err = c.commit(ctx, req.DocumentID, snapshot, ds.version, rec)
		if errors.Is(err, repository.ErrConflict) {
			// Someone advanced the stored snapshot under us. Drop the cache,
			// reload and re-derive the same logical edit against current text.
			span.AddEvent("commit conflict, retrying")
			ds.doc = nil
			continue
		}
		if err != nil {
			middleware.AddSpanError(ctx, err)
			return nil, fmt.Errorf("%w: %s", ErrStoreUnavailable, err)
		}

		ds.doc = next
		ds.version++

		state := c.currentStateLocked(req.DocumentID, ds)
		state.ChangeID = change.ID
		if payload, err := json.Marshal(state); err == nil {
			c.broadcaster.Broadcast(req.DocumentID, payload)
		} else {
			// The edit is committed either way; sessions that miss the
			// broadcast recover via requestCurrentState.
			log.Printf("Failed to encode broadcast for document %s: %v", req.DocumentID, err)
			middleware.AddSpanError(ctx, err)
		}
		return state, nil
	}

	return nil, fmt.Errorf("%w: commit conflict retries exhausted", ErrStoreUnavailable)
}

// CurrentState returns (and, for an unknown document, seeds) the current
// committed state. Used at connect time and for requestCurrentState.
func (c *Coordinator) CurrentState(ctx context.Context, documentID string) (*models.CurrentState, error) {
	ds := c.state(documentID)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := c.ensureLoaded(ctx, documentID, ds); err != nil {
		return nil, err
	}
	return c.currentStateLocked(documentID, ds), nil
}

func (c *Coordinator) state(documentID string) *docState {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds, ok := c.docs[documentID]
	if !ok {
		ds = &docState{}
		c.docs[documentID] = ds
	}
	return ds
}

// ensureLoaded populates ds from the store, seeding a fresh document when the
// id is unknown. Caller holds ds.mu.
func (c *Coordinator) ensureLoaded(ctx context.Context, documentID string, ds *docState) error {
	if ds.doc != nil {
		return nil
	}

	rec, err := c.load(ctx, documentID)
	if errors.Is(err, repository.ErrNotFound) {
		doc := crdt.New(crdt.OriginActor, c.seedText)
		snapshot, serr := doc.Snapshot()
		if serr != nil {
			return fmt.Errorf("%w: %s", ErrStoreUnavailable, serr)
		}
		created, cerr := c.create(ctx, documentID, snapshot)
		if errors.Is(cerr, repository.ErrAlreadyExists) {
			// Lost the creation race; load what the winner wrote.
			rec, err = c.load(ctx, documentID)
		} else if cerr != nil {
			return fmt.Errorf("%w: %s", ErrStoreUnavailable, cerr)
		} else {
			ds.doc = doc
			ds.version = created.Version
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStoreUnavailable, err)
	}

	doc, err := crdt.FromSnapshot(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStoreUnavailable, err)
	}
	ds.doc = doc
	ds.version = rec.Version
	return nil
}

func (c *Coordinator) currentStateLocked(documentID string, ds *docState) *models.CurrentState {
	return &models.CurrentState{
		Type:       models.MessageTypeCurrentState,
		DocumentID: documentID,
		Text:       ds.doc.Text(),
		Version:    ds.version,
	}
}

// Store calls are individually bounded; a timeout surfaces as
// ErrStoreUnavailable rather than being silently dropped.

func (c *Coordinator) load(ctx context.Context, id string) (*models.DocumentRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()
	return c.store.Load(ctx, id)
}

func (c *Coordinator) create(ctx context.Context, id string, snapshot []byte) (*models.DocumentRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()
	return c.store.Create(ctx, id, snapshot)
}

func (c *Coordinator) commit(ctx context.Context, id string, snapshot []byte, baseVersion int64, change *models.ChangeRecord) error {
	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()
	return c.store.Commit(ctx, id, snapshot, baseVersion, change)
}

// applyEdit runs the requested local operation against doc.
func applyEdit(doc *crdt.Document, edit Edit, actor crdt.ActorID) (crdt.Change, error) {
	switch edit.Kind {
	case models.EditInsert:
		return doc.LocalInsert(edit.AtIndex, edit.Text, actor), nil
	case models.EditDelete:
		return doc.LocalDelete(edit.AtIndex, edit.DeleteCount, actor)
	default:
		return crdt.Change{}, ErrMalformedEdit
	}
}

// changeRecord builds the durable log row for a change. An encode failure is
// surfaced rather than committed: a change row without its ops payload would
// poison replay.
func changeRecord(documentID, kind string, change crdt.Change) (*models.ChangeRecord, error) {
	payload, err := crdt.EncodeChange(change)
	if err != nil {
		return nil, err
	}
	causal, err := json.Marshal(change.Deps)
	if err != nil {
		return nil, fmt.Errorf("failed to encode causal context for change %s: %w", change.ID, err)
	}
	return &models.ChangeRecord{
		ID:            change.ID,
		DocumentID:    documentID,
		ActorID:       string(change.Actor),
		Kind:          kind,
		Payload:       payload,
		CausalContext: causal,
	}, nil
}
