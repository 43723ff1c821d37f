package coordinator

import (
	"errors"

	"collab-engine/internal/crdt"
)

var (
	// ErrAuthentication: the edit's token failed re-verification. The session
	// must be closed; no document state was touched.
	ErrAuthentication = errors.New("authentication failure")

	// ErrStoreUnavailable: a transient persistence failure (including
	// exhausted conflict retries). The edit was not applied and no partial
	// state was written; the client may resubmit.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrMalformedEdit mirrors the CRDT's validation error so callers only
	// need this package's taxonomy.
	ErrMalformedEdit = crdt.ErrMalformedEdit
)
