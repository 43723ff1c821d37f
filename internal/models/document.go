package models

import (
	"time"
)

// DocumentRecord is the durable copy of one replicated document: the full
// CRDT snapshot plus a version counter used for optimistic concurrency.
// Every successful commit bumps Version by exactly one; a commit whose base
// version no longer matches the stored row loses the race and must retry.
type DocumentRecord struct {
	ID        string    `json:"id" gorm:"type:varchar(64);primaryKey"`
	Snapshot  []byte    `json:"-" gorm:"type:bytea;not null"`
	Version   int64     `json:"version" gorm:"not null;default:1"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (DocumentRecord) TableName() string {
	return "documents"
}
