package collaboration

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"collab-engine/internal/auth"
	"collab-engine/internal/coordinator"
	"collab-engine/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

type stubVerifier struct{}

func (stubVerifier) Verify(token string) (*auth.Identity, error) {
	if token != "valid" {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Identity{Username: "tester", Email: "tester@example.com"}, nil
}

// stubSyncer answers with canned states and records the liveness of every
// context it is handed.
type stubSyncer struct {
	mu         sync.Mutex
	submitErrs []error
	stateDelay time.Duration
	version    int64
}

func (s *stubSyncer) SubmitEdit(ctx context.Context, req coordinator.EditRequest) (*models.CurrentState, error) {
	s.mu.Lock()
	s.submitErrs = append(s.submitErrs, ctx.Err())
	s.version++
	v := s.version
	s.mu.Unlock()
	return &models.CurrentState{
		Type:       models.MessageTypeCurrentState,
		DocumentID: req.DocumentID,
		Text:       req.Edit.Text,
		Version:    v,
	}, nil
}

func (s *stubSyncer) CurrentState(ctx context.Context, documentID string) (*models.CurrentState, error) {
	time.Sleep(s.stateDelay)
	return &models.CurrentState{
		Type:       models.MessageTypeCurrentState,
		DocumentID: documentID,
		Text:       "initial",
		Version:    1,
	}, nil
}

func (s *stubSyncer) submitContextErr(t *testing.T, i int) error {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.submitErrs) <= i {
		t.Fatalf("only %d edits reached the syncer", len(s.submitErrs))
	}
	return s.submitErrs[i]
}

func newWSServer(t *testing.T, syncer Syncer) (*SessionManager, string, func()) {
	t.Helper()
	sm := NewSessionManager()
	sm.Start()
	h := NewWebSocketHandler(sm, syncer, stubVerifier{})

	r := mux.NewRouter()
	r.HandleFunc("/ws/documents/{id}", h.HandleDocumentConnection)
	srv := httptest.NewServer(r)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/documents/doc-1"
	return sm, wsURL, func() {
		srv.Close()
		sm.Shutdown()
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return msg
}

func TestEditsAfterConnectCarryLiveContext(t *testing.T) {
	// The upgrade handler returns as soon as the pumps start, and net/http
	// cancels the request context at that point. Edits arriving afterwards
	// must not inherit that cancellation or every store call dies instantly.
	syncer := &stubSyncer{}
	_, wsURL, cleanup := newWSServer(t, syncer)
	defer cleanup()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token=valid", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	var state models.CurrentState
	if err := json.Unmarshal(readFrame(t, conn), &state); err != nil {
		t.Fatalf("bad initial frame: %v", err)
	}
	if state.Type != models.MessageTypeCurrentState || state.Text != "initial" {
		t.Fatalf("got initial frame (%s, %q), want (currentState, initial)", state.Type, state.Text)
	}

	edit := models.ClientMessage{Type: models.MessageTypeSubmitEdit, Kind: models.EditInsert, Text: "hi", AtIndex: 0}
	payload, _ := json.Marshal(edit)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := json.Unmarshal(readFrame(t, conn), &state); err != nil {
		t.Fatalf("bad edit reply: %v", err)
	}
	if state.Text != "hi" {
		t.Errorf("got reply text %q, want %q", state.Text, "hi")
	}

	if err := syncer.submitContextErr(t, 0); err != nil {
		t.Errorf("edit reached the syncer with a dead context: %v", err)
	}
}

func TestInitialStatePrecedesBroadcasts(t *testing.T) {
	// The session may only start receiving broadcasts once its snapshot is
	// queued, so a concurrent commit cannot overtake the initial state.
	syncer := &stubSyncer{stateDelay: 100 * time.Millisecond}
	sm, wsURL, cleanup := newWSServer(t, syncer)
	defer cleanup()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		flood := []byte(`{"type":"currentState","documentId":"doc-1","text":"flood","version":9}`)
		for {
			select {
			case <-stop:
				return
			default:
				sm.Broadcast("doc-1", flood)
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token=valid", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	var state models.CurrentState
	if err := json.Unmarshal(readFrame(t, conn), &state); err != nil {
		t.Fatalf("bad first frame: %v", err)
	}
	if state.Text != "initial" {
		t.Errorf("first frame text %q, want the initial snapshot before any broadcast", state.Text)
	}
}

func TestConnectRejectsBadToken(t *testing.T) {
	syncer := &stubSyncer{}
	_, wsURL, cleanup := newWSServer(t, syncer)
	defer cleanup()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=bogus", nil)
	if err == nil {
		t.Fatal("dial with a bad token must fail")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Errorf("got response %v, want 401", resp)
	}
}
