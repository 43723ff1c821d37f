package models

import (
	"time"
)

// ChangeRecord is one entry in the append-only per-document change log. The
// ID is the change's ksuid, which doubles as the duplicate-delivery guard
// (unique index). Seq is a database-assigned sequence used for the `since`
// catch-up ordering: change ids are time-ordered only to the second, while
// Seq reflects exact commit order.
type ChangeRecord struct {
	Seq           int64     `json:"seq" gorm:"autoIncrement;uniqueIndex"`
	ID            string    `json:"id" gorm:"type:char(27);primaryKey"`
	DocumentID    string    `json:"document_id" gorm:"type:varchar(64);not null;index:idx_changes_doc_seq"`
	ActorID       string    `json:"actor_id" gorm:"type:varchar(64);not null"`
	Kind          string    `json:"kind" gorm:"type:varchar(16);not null"`
	Payload       []byte    `json:"-" gorm:"type:bytea;not null"`
	CausalContext []byte    `json:"-" gorm:"type:bytea"`
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (ChangeRecord) TableName() string {
	return "changes"
}
