package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"collab-engine/internal/auth"
	"collab-engine/internal/crdt"
	"collab-engine/internal/models"
	"collab-engine/internal/repository"

	"github.com/gorilla/mux"
	"github.com/segmentio/ksuid"
)

// Handler serves the REST surface: signup, document listing and inspection,
// and change log reads. Live editing happens over the websocket route, not
// here.
type Handler struct {
	userRepo   *repository.UserRepositoryImpl
	docRepo    *repository.DocumentRepositoryImpl
	changeRepo *repository.ChangeLogRepositoryImpl
	syncer     Syncer
	issuer     TokenIssuer
}

func NewHandler(
	userRepo *repository.UserRepositoryImpl,
	docRepo *repository.DocumentRepositoryImpl,
	changeRepo *repository.ChangeLogRepositoryImpl,
	syncer Syncer,
	issuer TokenIssuer,
) *Handler {
	return &Handler{
		userRepo:   userRepo,
		docRepo:    docRepo,
		changeRepo: changeRepo,
		syncer:     syncer,
		issuer:     issuer,
	}
}

// Signup handlers

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type signupResponse struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

// Signup registers an account and returns a short-lived identity token for
// websocket connections.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" {
		http.Error(w, "username and email are required", http.StatusBadRequest)
		return
	}

	user, err := h.userRepo.Create(r.Context(), req.Username, req.Email)
	if errors.Is(err, repository.ErrAlreadyExists) {
		http.Error(w, "email already registered", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	token, err := h.issuer.Issue(auth.Identity{Username: user.Username, Email: user.Email})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(signupResponse{User: user, Token: token})
}

// Document handlers

type createDocumentRequest struct {
	ID string `json:"id"`
}

// CreateDocument seeds a document eagerly. Documents are also created lazily
// on first websocket connect, so this endpoint mainly exists to pick the id
// up front and hand the seeded state back in one round trip.
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if r.Body != nil {
		// An empty body means "pick an id for me".
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.ID == "" {
		req.ID = ksuid.New().String()
	}

	state, err := h.syncer.CurrentState(r.Context(), req.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(state)
}

func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	documents, err := h.docRepo.List(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"documents": documents,
		"limit":     limit,
		"offset":    offset,
	})
}

type documentResponse struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetDocument returns the committed text of one document. Unlike the
// websocket connect path this does not seed unknown ids.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rec, err := h.docRepo.Load(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	doc, err := crdt.FromSnapshot(rec.Snapshot)
	if err != nil {
		http.Error(w, "stored snapshot is corrupt", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(documentResponse{
		ID:        rec.ID,
		Text:      doc.Text(),
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt,
	})
}

// Change log handlers

type changeEntry struct {
	ID        string           `json:"id"`
	ActorID   string           `json:"actorId"`
	Kind      string           `json:"kind"`
	Seq       int64            `json:"seq"`
	Ops       []crdt.Operation `json:"ops"`
	Deps      []crdt.ElementID `json:"deps,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// newChangeEntry decodes a stored change row into its response form. The ops
// payload is included so readers can replay the log, not just inspect it.
func newChangeEntry(rec *models.ChangeRecord) (changeEntry, error) {
	change, err := crdt.DecodeChange(rec.Payload)
	if err != nil {
		return changeEntry{}, fmt.Errorf("stored change %s is corrupt: %w", rec.ID, err)
	}
	return changeEntry{
		ID:        rec.ID,
		ActorID:   rec.ActorID,
		Kind:      rec.Kind,
		Seq:       rec.Seq,
		Ops:       change.Ops,
		Deps:      change.Deps,
		CreatedAt: rec.CreatedAt,
	}, nil
}

const maxChangePage = 500

// GetChanges returns the changes committed after the watermark in the
// `since` query parameter, oldest first. An absent watermark starts from the
// beginning of the log; an unknown one is a 404 so clients notice a bad
// watermark instead of silently re-reading the whole log.
func (h *Handler) GetChanges(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	since := r.URL.Query().Get("since")

	iter, err := h.changeRepo.Since(r.Context(), id, since)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "unknown change id in since parameter", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	entries := make([]changeEntry, 0)
	truncated := false
	for {
		rec, ok, err := iter.Next(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			break
		}
		entry, err := newChangeEntry(rec)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		entries = append(entries, entry)
		if len(entries) == maxChangePage {
			truncated = true
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"documentId": id,
		"changes":    entries,
		"truncated":  truncated,
	})
}
