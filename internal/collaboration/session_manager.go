package collaboration

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"collab-engine/internal/middleware"
	"collab-engine/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
Session registry and fanout hub.

One registry serves every document: sessions are grouped into per-document
rooms, and a single event-loop goroutine serializes register, unregister and
broadcast traffic so room membership never needs external locking beyond the
registry's own mutex.

A session walks a one-way state machine:

	connecting -> authenticated -> subscribed -> closed

Only subscribed sessions receive broadcasts. The transition to closed is
terminal; a closed session is unregistered and its connection torn down.
*/

type sessionState int32

const (
	stateConnecting sessionState = iota
	stateAuthenticated
	stateSubscribed
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticated:
		return "authenticated"
	case stateSubscribed:
		return "subscribed"
	default:
		return "closed"
	}
}

// Session is one live WebSocket connection bound to a document.
type Session struct {
	ID         string
	DocumentID string
	ActorID    string
	Username   string
	Token      string

	Conn    *websocket.Conn
	Send    chan []byte
	Manager *SessionManager

	state        atomic.Int32
	lastActiveAt atomic.Int64
}

// State returns the session's current lifecycle state.
func (s *Session) State() sessionState {
	return sessionState(s.state.Load())
}

// advance moves the session forward in its lifecycle. Backward transitions
// are ignored so a late close cannot resurrect a session.
func (s *Session) advance(to sessionState) bool {
	for {
		cur := s.state.Load()
		if sessionState(cur) >= to {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

func (s *Session) touch() {
	s.lastActiveAt.Store(time.Now().UnixNano())
}

func (s *Session) lastActive() time.Time {
	return time.Unix(0, s.lastActiveAt.Load())
}

type broadcastMessage struct {
	DocumentID string
	Message    []byte
	Sender     *Session // skip this session when set
}

// MessageHandler processes one inbound client frame for a session.
type MessageHandler func(ctx context.Context, session *Session, message []byte)

// SessionManager tracks every active session, grouped by document.
type SessionManager struct {
	documents  map[string]map[*Session]bool
	register   chan *Session
	unregister chan *Session
	broadcast  chan *broadcastMessage
	mu         sync.RWMutex

	onMessage MessageHandler
	relay     *Relay

	done chan struct{}
}

// NewSessionManager creates an empty registry. Call Start before use.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		documents:  make(map[string]map[*Session]bool),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		broadcast:  make(chan *broadcastMessage, 256),
		done:       make(chan struct{}),
	}
}

// SetMessageHandler installs the inbound frame dispatcher. Must be called
// before any session connects.
func (sm *SessionManager) SetMessageHandler(h MessageHandler) {
	sm.onMessage = h
}

// SetRelay attaches a cross-instance relay. Broadcasts are then also
// published to peers, and frames arriving from peers fan out locally.
func (sm *SessionManager) SetRelay(r *Relay) {
	sm.relay = r
	r.manager = sm
}

// Start begins the registry event loop.
func (sm *SessionManager) Start() {
	go func() {
		for {
			select {
			case <-sm.done:
				return
			case session := <-sm.register:
				sm.handleRegister(session)
			case session := <-sm.unregister:
				sm.handleUnregister(session)
			case msg := <-sm.broadcast:
				sm.handleBroadcast(msg)
			}
		}
	}()

	go sm.cleanupLoop()

	log.Println("✓ Session manager started")
}

// Register subscribes an authenticated session to its document room.
func (sm *SessionManager) Register(session *Session) {
	session.advance(stateSubscribed)
	session.touch()
	sm.register <- session
}

// Unregister removes a session; safe to call more than once.
func (sm *SessionManager) Unregister(session *Session) {
	sm.unregister <- session
}

func (sm *SessionManager) handleRegister(session *Session) {
	sm.mu.Lock()
	if sm.documents[session.DocumentID] == nil {
		sm.documents[session.DocumentID] = make(map[*Session]bool)
	}
	sm.documents[session.DocumentID][session] = true
	total := len(sm.documents[session.DocumentID])
	sm.mu.Unlock()

	log.Printf("  Session %s joined document %s (total: %d sessions)",
		session.ID, session.DocumentID, total)

	joinMsg, _ := json.Marshal(models.PresenceMessage{
		Type:     models.MessageTypeUserJoined,
		ActorID:  session.ActorID,
		Username: session.Username,
	})
	sm.handleBroadcast(&broadcastMessage{
		DocumentID: session.DocumentID,
		Message:    joinMsg,
		Sender:     session,
	})
}

func (sm *SessionManager) handleUnregister(session *Session) {
	sm.mu.Lock()
	sessions, ok := sm.documents[session.DocumentID]
	if !ok || !sessions[session] {
		sm.mu.Unlock()
		return
	}
	delete(sessions, session)
	if len(sessions) == 0 {
		delete(sm.documents, session.DocumentID)
	}
	remaining := len(sessions)
	sm.mu.Unlock()

	if session.advance(stateClosed) {
		close(session.Send)
	}

	log.Printf("  Session %s left document %s (remaining: %d sessions)",
		session.ID, session.DocumentID, remaining)

	leaveMsg, _ := json.Marshal(models.PresenceMessage{
		Type:     models.MessageTypeUserLeft,
		ActorID:  session.ActorID,
		Username: session.Username,
	})
	sm.handleBroadcast(&broadcastMessage{
		DocumentID: session.DocumentID,
		Message:    leaveMsg,
	})
}

func (sm *SessionManager) handleBroadcast(msg *broadcastMessage) {
	sm.mu.RLock()
	targets := make([]*Session, 0, len(sm.documents[msg.DocumentID]))
	for session := range sm.documents[msg.DocumentID] {
		targets = append(targets, session)
	}
	sm.mu.RUnlock()

	for _, session := range targets {
		if msg.Sender != nil && session == msg.Sender {
			continue
		}
		if session.State() != stateSubscribed {
			continue
		}
		select {
		case session.Send <- msg.Message:
		default:
			// Buffer full: the client is too slow to keep up. Evict it; it
			// can reconnect and request current state.
			log.Printf("  Session %s send buffer full, evicting", session.ID)
			go sm.Unregister(session)
		}
	}
}

// Broadcast fans a payload out to every subscribed session of a document,
// on this instance and (when a relay is attached) on peer instances.
// Satisfies the coordinator's broadcaster contract.
func (sm *SessionManager) Broadcast(documentID string, message []byte) {
	sm.broadcast <- &broadcastMessage{DocumentID: documentID, Message: message}
	if sm.relay != nil {
		sm.relay.Publish(documentID, message)
	}
}

// broadcastLocal fans out without touching the relay. Used for frames that
// already crossed it.
func (sm *SessionManager) broadcastLocal(documentID string, message []byte) {
	sm.broadcast <- &broadcastMessage{DocumentID: documentID, Message: message}
}

// ForEachSession calls fn for every session of a document, in no particular
// order, without holding the registry lock during fn.
func (sm *SessionManager) ForEachSession(documentID string, fn func(*Session)) {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.documents[documentID]))
	for session := range sm.documents[documentID] {
		sessions = append(sessions, session)
	}
	sm.mu.RUnlock()

	for _, session := range sessions {
		fn(session)
	}
}

// SessionCount reports the number of live sessions for a document.
func (sm *SessionManager) SessionCount(documentID string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.documents[documentID])
}

func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			sm.cleanup()
		}
	}
}

// cleanup evicts sessions that have neither sent a frame nor answered a ping
// within the idle timeout.
func (sm *SessionManager) cleanup() {
	const timeout = 5 * time.Minute

	var stale []*Session
	sm.mu.RLock()
	now := time.Now()
	for _, sessions := range sm.documents {
		for session := range sessions {
			if now.Sub(session.lastActive()) > timeout {
				stale = append(stale, session)
			}
		}
	}
	sm.mu.RUnlock()

	for _, session := range stale {
		log.Printf("  Cleaning up inactive session %s", session.ID)
		sm.Unregister(session)
	}
}

// Shutdown closes every session and stops the event loop.
func (sm *SessionManager) Shutdown() {
	log.Println("Shutting down session manager...")

	close(sm.done)

	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sessions := range sm.documents {
		for session := range sessions {
			if session.advance(stateClosed) {
				close(session.Send)
			}
			if session.Conn != nil {
				session.Conn.Close()
			}
		}
	}
	sm.documents = make(map[string]map[*Session]bool)

	log.Println("✓ Session manager shutdown complete")
}

// Session pumps. One reader and one writer goroutine per connection; the
// writer owns all writes so pings and payloads never interleave.

const (
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 54 * time.Second
)

// ReadPump reads frames until the connection drops, dispatching each one to
// the registry's message handler.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.Manager.Unregister(s)
		s.Conn.Close()
	}()

	s.Conn.SetReadDeadline(time.Now().Add(readDeadline))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(readDeadline))
		s.touch()
		return nil
	})

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		if s.State() == stateClosed {
			return
		}

		s.touch()

		msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
			attribute.String("session.id", s.ID),
			attribute.String("document.id", s.DocumentID),
			attribute.Int("message.size", len(message)),
		)
		if s.Manager.onMessage != nil {
			s.Manager.onMessage(msgCtx, s, message)
		}
		span.End()
	}
}

// WritePump drains the send channel to the connection and keeps it alive
// with periodic pings.
func (s *Session) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := s.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
