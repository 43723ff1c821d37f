package repository

import (
	"context"
	"fmt"
	"testing"

	"collab-engine/internal/models"
)

// sliceFetch serves batches from an in-memory seq-ordered log, counting the
// queries so laziness is observable.
func sliceFetch(log []models.ChangeRecord, calls *int) fetchFunc {
	return func(ctx context.Context, afterSeq int64, limit int) ([]models.ChangeRecord, error) {
		*calls++
		var batch []models.ChangeRecord
		for _, rec := range log {
			if rec.Seq > afterSeq {
				batch = append(batch, rec)
				if len(batch) == limit {
					break
				}
			}
		}
		return batch, nil
	}
}

func changeLog(n int) []models.ChangeRecord {
	recs := make([]models.ChangeRecord, n)
	for i := range recs {
		recs[i] = models.ChangeRecord{
			Seq:        int64(i + 1),
			ID:         fmt.Sprintf("change-%02d", i+1),
			DocumentID: "doc-1",
		}
	}
	return recs
}

func drain(t *testing.T, it *ChangeIterator) []string {
	t.Helper()
	var ids []string
	for {
		rec, ok, err := it.Next(context.Background())
		if err != nil {
			t.Fatalf("iterator failed: %v", err)
		}
		if !ok {
			return ids
		}
		ids = append(ids, rec.ID)
	}
}

func TestIteratorWalksAcrossBatches(t *testing.T) {
	calls := 0
	it := &ChangeIterator{fetch: sliceFetch(changeLog(5), &calls), batchSize: 2}

	ids := drain(t, it)
	want := []string{"change-01", "change-02", "change-03", "change-04", "change-05"}
	if len(ids) != len(want) {
		t.Fatalf("got %d records, want %d", len(ids), len(want))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("record %d: got %s, want %s", i, ids[i], want[i])
		}
	}
	// Batches of 2 over 5 records: two full batches, then the short final one.
	if calls != 3 {
		t.Errorf("got %d batch queries, want 3", calls)
	}
}

func TestIteratorExactBatchBoundary(t *testing.T) {
	// A log whose length is a multiple of the batch size: the last full batch
	// must be followed by one empty query, not an early stop.
	calls := 0
	it := &ChangeIterator{fetch: sliceFetch(changeLog(4), &calls), batchSize: 2}

	if got := len(drain(t, it)); got != 4 {
		t.Fatalf("got %d records, want 4", got)
	}
	if calls != 3 {
		t.Errorf("got %d batch queries, want 3", calls)
	}

	// Exhausted iterators stay exhausted without re-querying.
	if _, ok, err := it.Next(context.Background()); ok || err != nil {
		t.Errorf("got (ok=%v, err=%v) after exhaustion, want (false, nil)", ok, err)
	}
	if calls != 3 {
		t.Errorf("exhausted iterator issued another query (calls=%d)", calls)
	}
}

func TestIteratorEmptyLog(t *testing.T) {
	calls := 0
	it := &ChangeIterator{fetch: sliceFetch(nil, &calls), batchSize: 2}

	if got := len(drain(t, it)); got != 0 {
		t.Fatalf("got %d records from an empty log, want 0", got)
	}
	if calls != 1 {
		t.Errorf("got %d batch queries, want 1", calls)
	}
}

func TestIteratorIsLazy(t *testing.T) {
	calls := 0
	it := &ChangeIterator{fetch: sliceFetch(changeLog(6), &calls), batchSize: 2}

	if calls != 0 {
		t.Fatalf("construction must not query, got %d calls", calls)
	}
	for i := 0; i < 2; i++ {
		if _, ok, err := it.Next(context.Background()); !ok || err != nil {
			t.Fatalf("record %d: (ok=%v, err=%v)", i, ok, err)
		}
	}
	if calls != 1 {
		t.Errorf("two records from one batch should cost one query, got %d", calls)
	}
}

func TestIteratorRestartsFromWatermark(t *testing.T) {
	log := changeLog(5)
	calls := 0

	first := &ChangeIterator{fetch: sliceFetch(log, &calls), batchSize: 2, afterSeq: 2}
	ids := drain(t, first)
	if len(ids) != 3 || ids[0] != "change-03" {
		t.Fatalf("got %v, want changes 03..05", ids)
	}

	// A second iterator from the same watermark replays the same sequence.
	second := &ChangeIterator{fetch: sliceFetch(log, &calls), batchSize: 2, afterSeq: 2}
	again := drain(t, second)
	if len(again) != len(ids) {
		t.Fatalf("restart returned %d records, want %d", len(again), len(ids))
	}
	for i := range ids {
		if again[i] != ids[i] {
			t.Errorf("record %d: restart returned %s, want %s", i, again[i], ids[i])
		}
	}
}

func TestIteratorSeesRecordsCommittedMidWalk(t *testing.T) {
	// Rows appended while a walk is in progress are picked up by later
	// batches as long as the tail has not been observed yet.
	log := changeLog(2)
	fetch := func(ctx context.Context, afterSeq int64, limit int) ([]models.ChangeRecord, error) {
		var batch []models.ChangeRecord
		for _, rec := range log {
			if rec.Seq > afterSeq {
				batch = append(batch, rec)
				if len(batch) == limit {
					break
				}
			}
		}
		return batch, nil
	}
	it := &ChangeIterator{fetch: fetch, batchSize: 2}

	if rec, ok, _ := it.Next(context.Background()); !ok || rec.ID != "change-01" {
		t.Fatal("expected change-01 first")
	}
	log = append(log, models.ChangeRecord{Seq: 3, ID: "change-03", DocumentID: "doc-1"})
	ids := drain(t, it)
	if len(ids) != 2 || ids[1] != "change-03" {
		t.Errorf("got %v, want [change-02 change-03]", ids)
	}
}
