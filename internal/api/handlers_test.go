package api

import (
	"encoding/json"
	"strings"
	"testing"

	"collab-engine/internal/crdt"
	"collab-engine/internal/models"
)

func TestChangeEntryExposesOps(t *testing.T) {
	doc := crdt.New(crdt.OriginActor, "ab")
	change := doc.LocalInsert(1, "XY", "actor-a")
	payload, err := crdt.EncodeChange(change)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	rec := &models.ChangeRecord{
		Seq:        7,
		ID:         change.ID,
		DocumentID: "doc-1",
		ActorID:    "actor-a",
		Kind:       models.EditInsert,
		Payload:    payload,
	}

	entry, err := newChangeEntry(rec)
	if err != nil {
		t.Fatalf("newChangeEntry failed: %v", err)
	}
	if len(entry.Ops) != 2 {
		t.Fatalf("got %d ops, want 2", len(entry.Ops))
	}
	if entry.Ops[0].Kind != crdt.OpInsert || entry.Ops[0].Value != "X" {
		t.Errorf("got first op (%s, %q), want (insert, X)", entry.Ops[0].Kind, entry.Ops[0].Value)
	}

	// The serialized response must carry the ops so a reader can replay the
	// log, not just list it.
	body, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(body), `"ops"`) {
		t.Errorf("response entry has no ops field: %s", body)
	}
}

func TestChangeEntryRejectsCorruptPayload(t *testing.T) {
	rec := &models.ChangeRecord{ID: "bad", Payload: []byte("{not json")}
	if _, err := newChangeEntry(rec); err == nil {
		t.Fatal("expected an error for a corrupt payload")
	}
}
