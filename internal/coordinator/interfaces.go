package coordinator

import (
	"context"

	"collab-engine/internal/auth"
	"collab-engine/internal/models"
)

// Interfaces the coordinator consumes, declared here in the consumer package.
// The repository, auth and collaboration packages provide the concrete types;
// tests substitute in-memory fakes.

// Store is the document store adapter: durable {snapshot, change} per
// document with an atomic, optimistically-versioned commit.
type Store interface {
	Load(ctx context.Context, id string) (*models.DocumentRecord, error)
	Create(ctx context.Context, id string, snapshot []byte) (*models.DocumentRecord, error)
	Commit(ctx context.Context, id string, snapshot []byte, baseVersion int64, change *models.ChangeRecord) error
}

// Verifier re-checks the identity token attached to each edit.
type Verifier interface {
	Verify(token string) (*auth.Identity, error)
}

// Broadcaster fans a committed state out to every subscribed session of a
// document. Delivery is best-effort.
type Broadcaster interface {
	Broadcast(documentID string, payload []byte)
}
