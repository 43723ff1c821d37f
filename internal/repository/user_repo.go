package repository

import (
	"context"
	"errors"
	"fmt"

	"collab-engine/internal/models"

	"gorm.io/gorm"
)

// UserRepositoryImpl stores identity records created through signup.
type UserRepositoryImpl struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository.
func NewUserRepository(db *gorm.DB) *UserRepositoryImpl {
	return &UserRepositoryImpl{db: db}
}

// Create stores a new user. A duplicate email is rejected with
// ErrAlreadyExists.
func (r *UserRepositoryImpl) Create(ctx context.Context, username, email string) (*models.User, error) {
	user := &models.User{Username: username, Email: email}
	err := r.db.WithContext(ctx).Create(user).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// FindByEmail looks a user up by email; ErrNotFound when absent.
func (r *UserRepositoryImpl) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).First(&user, "email = ?", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &user, nil
}
