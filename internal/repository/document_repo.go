package repository

import (
	"context"
	"errors"
	"fmt"

	"collab-engine/internal/models"

	"gorm.io/gorm"
)

// DocumentRepositoryImpl is the document store adapter: durable persistence
// of {snapshot, change log tail} per document with an atomic commit contract.
type DocumentRepositoryImpl struct {
	db *gorm.DB
}

// NewDocumentRepository creates a new document repository.
// Returns concrete type - "Accept interfaces, return structs".
func NewDocumentRepository(db *gorm.DB) *DocumentRepositoryImpl {
	return &DocumentRepositoryImpl{db: db}
}

// Load fetches the stored snapshot record for a document.
func (r *DocumentRepositoryImpl) Load(ctx context.Context, id string) (*models.DocumentRecord, error) {
	var rec models.DocumentRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", id, err)
	}
	return &rec, nil
}

// Create inserts a brand-new document at version 1.
func (r *DocumentRepositoryImpl) Create(ctx context.Context, id string, snapshot []byte) (*models.DocumentRecord, error) {
	rec := &models.DocumentRecord{ID: id, Snapshot: snapshot, Version: 1}
	err := r.db.WithContext(ctx).Create(rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create document %s: %w", id, err)
	}
	return rec, nil
}

// List returns document records ordered by last update, newest first.
// Snapshots are omitted; the listing is metadata only.
func (r *DocumentRepositoryImpl) List(ctx context.Context, limit, offset int) ([]models.DocumentRecord, error) {
	var recs []models.DocumentRecord
	err := r.db.WithContext(ctx).
		Select("id", "version", "created_at", "updated_at").
		Order("updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return recs, nil
}

// Commit atomically writes a new snapshot and its corresponding change
// record. Both land or neither does: a partial persist (snapshot without
// change, or vice versa) would be a correctness violation, so the two writes
// share one transaction. The snapshot update is guarded by the base version;
// if the stored version has advanced, nothing is written and ErrConflict
// tells the coordinator to reload and retry.
func (r *DocumentRepositoryImpl) Commit(ctx context.Context, id string, snapshot []byte, baseVersion int64, change *models.ChangeRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.DocumentRecord{}).
			Where("id = ? AND version = ?", id, baseVersion).
			Updates(map[string]interface{}{
				"snapshot": snapshot,
				"version":  baseVersion + 1,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update snapshot for %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}

		if err := tx.Create(change).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// Same change delivered twice; rolling back keeps commit
				// idempotent.
				return ErrDuplicateChange
			}
			return fmt.Errorf("failed to append change %s: %w", change.ID, err)
		}
		return nil
	})
}
