package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// User is the identity record managed through the signup endpoint. The core
// engine only ever sees the opaque identity carried inside a verified token;
// this table exists so issued tokens refer to a stored account.
type User struct {
	ID        string    `json:"id" gorm:"type:char(27);primaryKey"`
	Username  string    `json:"username" gorm:"type:text;not null"`
	Email     string    `json:"email" gorm:"type:text;not null;uniqueIndex"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// BeforeCreate generates a KSUID primary key.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = ksuid.New().String()
	}
	return nil
}

func (User) TableName() string {
	return "users"
}
