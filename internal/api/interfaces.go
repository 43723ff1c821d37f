package api

import (
	"context"

	"collab-engine/internal/auth"
	"collab-engine/internal/models"
)

// Interfaces for what handlers consume, declared here in the consumer
// package. Only the methods handlers actually call are listed.

// Syncer exposes the read side of the edit pipeline to REST handlers.
type Syncer interface {
	CurrentState(ctx context.Context, documentID string) (*models.CurrentState, error)
}

// TokenIssuer mints identity tokens at signup.
type TokenIssuer interface {
	Issue(identity auth.Identity) (string, error)
}
