package repository

import (
	"context"
	"errors"
	"fmt"

	"collab-engine/internal/models"

	"gorm.io/gorm"
)

/*
Change log: append-only, per-document ordered record of every committed
change. It backs three things: incremental catch-up for sessions holding an
older snapshot, the audit trail, and the duplicate-delivery guard (the change
id is a unique key).

Rows are normally written through DocumentRepositoryImpl.Commit inside the
snapshot transaction; Append exists for changes that arrive outside a commit,
e.g. replicated from a peer instance.
*/

const defaultBatchSize = 100

// ChangeLogRepositoryImpl reads and appends change records.
type ChangeLogRepositoryImpl struct {
	db        *gorm.DB
	batchSize int
}

// NewChangeLogRepository creates a new change log repository.
func NewChangeLogRepository(db *gorm.DB) *ChangeLogRepositoryImpl {
	return &ChangeLogRepositoryImpl{db: db, batchSize: defaultBatchSize}
}

// Append records a change outside a snapshot commit. Duplicate delivery is
// detected via the primary key and reported as ErrDuplicateChange.
func (r *ChangeLogRepositoryImpl) Append(ctx context.Context, rec *models.ChangeRecord) error {
	err := r.db.WithContext(ctx).Create(rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateChange
	}
	if err != nil {
		return fmt.Errorf("failed to append change %s: %w", rec.ID, err)
	}
	return nil
}

// LatestID returns the id of the most recently committed change for the
// document, or "" when the log is empty.
func (r *ChangeLogRepositoryImpl) LatestID(ctx context.Context, documentID string) (string, error) {
	var rec models.ChangeRecord
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("seq DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read change log tail: %w", err)
	}
	return rec.ID, nil
}

// Since returns an iterator over all changes committed after the given
// change id, in commit order. An empty id starts from the beginning of the
// log. The iterator is lazy (fetches in batches) and finite; calling Since
// again with the same watermark restarts the sequence.
func (r *ChangeLogRepositoryImpl) Since(ctx context.Context, documentID, afterID string) (*ChangeIterator, error) {
	var afterSeq int64
	if afterID != "" {
		var ref models.ChangeRecord
		err := r.db.WithContext(ctx).First(&ref, "id = ?", afterID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve change %s: %w", afterID, err)
		}
		afterSeq = ref.Seq
	}
	return &ChangeIterator{
		fetch:     r.fetchBatch(documentID),
		batchSize: r.batchSize,
		afterSeq:  afterSeq,
	}, nil
}

// fetchBatch builds the query closure the iterator pulls batches through.
func (r *ChangeLogRepositoryImpl) fetchBatch(documentID string) fetchFunc {
	return func(ctx context.Context, afterSeq int64, limit int) ([]models.ChangeRecord, error) {
		var recs []models.ChangeRecord
		err := r.db.WithContext(ctx).
			Where("document_id = ? AND seq > ?", documentID, afterSeq).
			Order("seq ASC").
			Limit(limit).
			Find(&recs).Error
		if err != nil {
			return nil, fmt.Errorf("failed to read change log batch: %w", err)
		}
		return recs, nil
	}
}

type fetchFunc func(ctx context.Context, afterSeq int64, limit int) ([]models.ChangeRecord, error)

// ChangeIterator walks the change log in commit order, one batch of rows at
// a time. It is lazy (rows are fetched only as Next consumes them) and
// finite: a short batch marks the tail as of that query.
type ChangeIterator struct {
	fetch     fetchFunc
	batchSize int
	afterSeq  int64
	buf       []models.ChangeRecord
	idx       int
	done      bool
}

// Next returns the next change record, or ok=false when the log tail (as of
// each batch query) is reached.
func (it *ChangeIterator) Next(ctx context.Context) (*models.ChangeRecord, bool, error) {
	if it.idx >= len(it.buf) {
		if it.done {
			return nil, false, nil
		}
		buf, err := it.fetch(ctx, it.afterSeq, it.batchSize)
		if err != nil {
			return nil, false, err
		}
		it.buf = buf
		it.idx = 0
		if len(buf) < it.batchSize {
			it.done = true
		}
		if len(buf) == 0 {
			return nil, false, nil
		}
	}

	rec := &it.buf[it.idx]
	it.idx++
	it.afterSeq = rec.Seq
	return rec, true, nil
}
