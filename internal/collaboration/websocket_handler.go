package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"collab-engine/internal/auth"
	"collab-engine/internal/coordinator"
	"collab-engine/internal/crdt"
	"collab-engine/internal/middleware"
	"collab-engine/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to the editor's origin once it has a fixed host.
		return true
	},
}

// Syncer is the edit pipeline the handler submits frames to.
type Syncer interface {
	SubmitEdit(ctx context.Context, req coordinator.EditRequest) (*models.CurrentState, error)
	CurrentState(ctx context.Context, documentID string) (*models.CurrentState, error)
}

// Verifier checks the identity token presented at connect time.
type Verifier interface {
	Verify(token string) (*auth.Identity, error)
}

// WebSocketHandler upgrades document connections and drives the sync
// protocol over them.
type WebSocketHandler struct {
	sessions *SessionManager
	syncer   Syncer
	verifier Verifier
}

// NewWebSocketHandler wires the handler into the session registry's message
// dispatch.
func NewWebSocketHandler(sessions *SessionManager, syncer Syncer, verifier Verifier) *WebSocketHandler {
	h := &WebSocketHandler{
		sessions: sessions,
		syncer:   syncer,
		verifier: verifier,
	}
	sessions.SetMessageHandler(h.handleMessage)
	return h
}

// HandleDocumentConnection authenticates and upgrades one client connection.
// The token travels in the query string because browser WebSocket clients
// cannot set headers on the upgrade request.
func (h *WebSocketHandler) HandleDocumentConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	documentID := mux.Vars(r)["id"]
	token := r.URL.Query().Get("token")

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("document.id", documentID),
	)
	defer span.End()

	identity, err := h.verifier.Verify(token)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	// A fresh actor id per session keeps element ids from distinct sessions
	// of the same user distinct, so their concurrent inserts cannot collide.
	session := &Session{
		ID:         ksuid.New().String(),
		DocumentID: documentID,
		ActorID:    uuid.NewString(),
		Username:   identity.Username,
		Token:      token,
		Conn:       conn,
		Send:       make(chan []byte, 256),
		Manager:    h.sessions,
	}
	session.advance(stateAuthenticated)
	span.SetAttributes(
		attribute.String("session.id", session.ID),
		attribute.String("actor.id", session.ActorID),
	)

	// The request context is canceled as soon as this handler returns, which
	// is immediately after the pumps start. The pumps and everything
	// dispatched from them need a context tied to the connection instead.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	go session.WritePump(connCtx)

	// Queue the initial snapshot before subscribing so no broadcast can
	// overtake it on the send channel.
	h.sendCurrentState(connCtx, session)
	h.sessions.Register(session)

	go func() {
		defer cancel()
		session.ReadPump(connCtx)
	}()

	log.Printf("✓ WebSocket connection established for document %s (user: %s, session: %s)",
		documentID, identity.Username, session.ID)
}

// handleMessage dispatches one inbound frame.
func (h *WebSocketHandler) handleMessage(ctx context.Context, session *Session, message []byte) {
	var msg models.ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		h.sendError(session, "malformedMessage", "message is not valid JSON")
		return
	}

	switch msg.Type {
	case models.MessageTypeSubmitEdit:
		h.handleSubmitEdit(ctx, session, msg)
	case models.MessageTypeRequestCurrentState:
		h.sendCurrentState(ctx, session)
	default:
		h.sendError(session, "unknownMessageType", "unsupported message type: "+msg.Type)
	}
}

func (h *WebSocketHandler) handleSubmitEdit(ctx context.Context, session *Session, msg models.ClientMessage) {
	state, err := h.syncer.SubmitEdit(ctx, coordinator.EditRequest{
		DocumentID: session.DocumentID,
		Actor:      crdt.ActorID(session.ActorID),
		Token:      session.Token,
		Edit: coordinator.Edit{
			Kind:        msg.Kind,
			Text:        msg.Text,
			DeleteCount: msg.DeleteCount,
			AtIndex:     msg.AtIndex,
		},
	})

	switch {
	case errors.Is(err, coordinator.ErrAuthentication):
		// The token no longer verifies (expired or revoked): the session is
		// done. Tell the client why, then tear it down.
		h.sendError(session, "authenticationFailed", "token rejected, reconnect with a fresh token")
		h.sessions.Unregister(session)
		session.Conn.Close()
	case errors.Is(err, coordinator.ErrMalformedEdit):
		h.sendError(session, "malformedEdit", err.Error())
	case err != nil:
		h.sendError(session, "storeUnavailable", "edit not applied, please retry")
	default:
		// Committed states reach everyone through the broadcast path. The
		// no-op case produces no broadcast, so answer the sender directly.
		if state.ChangeID == "" {
			h.send(session, state)
		}
	}
}

func (h *WebSocketHandler) sendCurrentState(ctx context.Context, session *Session) {
	state, err := h.syncer.CurrentState(ctx, session.DocumentID)
	if err != nil {
		h.sendError(session, "storeUnavailable", "current state unavailable, please retry")
		return
	}
	h.send(session, state)
}

func (h *WebSocketHandler) sendError(session *Session, code, message string) {
	h.send(session, models.ErrorMessage{
		Type:    models.MessageTypeError,
		Code:    code,
		Message: message,
	})
}

func (h *WebSocketHandler) send(session *Session, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if session.State() == stateClosed {
		return
	}
	select {
	case session.Send <- payload:
	default:
		log.Printf("  Session %s send buffer full, dropping direct message", session.ID)
	}
}
