package repository

import "errors"

// Sentinel errors shared by the persistence layer. Callers classify store
// outcomes with errors.Is; anything else is a transient store failure.
var (
	// ErrNotFound: the document id is unknown.
	ErrNotFound = errors.New("document not found")

	// ErrAlreadyExists: create raced with another writer (or duplicate email
	// on signup).
	ErrAlreadyExists = errors.New("record already exists")

	// ErrConflict: the stored snapshot's version advanced past the version
	// the caller loaded. The caller must reload, re-derive and retry.
	ErrConflict = errors.New("snapshot version conflict")

	// ErrDuplicateChange: a change with this id was already persisted
	// (duplicate delivery).
	ErrDuplicateChange = errors.New("change already recorded")
)
