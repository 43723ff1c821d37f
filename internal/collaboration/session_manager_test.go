package collaboration

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"collab-engine/internal/models"

	"github.com/segmentio/ksuid"
)

func newTestSession(documentID, actorID string, buffer int) *Session {
	return &Session{
		ID:         ksuid.New().String(),
		DocumentID: documentID,
		ActorID:    actorID,
		Username:   "user-" + actorID,
		Send:       make(chan []byte, buffer),
	}
}

func recv(t *testing.T, s *Session) []byte {
	t.Helper()
	select {
	case msg, ok := <-s.Send:
		if !ok {
			t.Fatal("send channel closed while expecting a message")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func waitForCount(t *testing.T, sm *SessionManager, documentID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sm.SessionCount(documentID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("document %s never reached %d sessions", documentID, want)
}

func TestRegisterAndBroadcast(t *testing.T) {
	sm := NewSessionManager()
	sm.Start()
	defer sm.Shutdown()

	s1 := newTestSession("doc-1", "a1", 16)
	s2 := newTestSession("doc-1", "a2", 16)
	other := newTestSession("doc-2", "a3", 16)

	sm.Register(s1)
	waitForCount(t, sm, "doc-1", 1)
	sm.Register(s2)
	waitForCount(t, sm, "doc-1", 2)
	sm.Register(other)
	waitForCount(t, sm, "doc-2", 1)

	// s1 sees s2's arrival.
	var join models.PresenceMessage
	if err := json.Unmarshal(recv(t, s1), &join); err != nil {
		t.Fatalf("bad presence frame: %v", err)
	}
	if join.Type != models.MessageTypeUserJoined || join.ActorID != "a2" {
		t.Errorf("got (%s, %s), want (userJoined, a2)", join.Type, join.ActorID)
	}

	sm.Broadcast("doc-1", []byte(`{"type":"currentState"}`))

	for _, s := range []*Session{s1, s2} {
		if got := string(recv(t, s)); !strings.Contains(got, "currentState") {
			t.Errorf("session %s got %q, want a currentState frame", s.ID, got)
		}
	}

	select {
	case msg := <-other.Send:
		t.Errorf("session on doc-2 received doc-1 traffic: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnregisterNotifiesPeersAndClosesChannel(t *testing.T) {
	sm := NewSessionManager()
	sm.Start()
	defer sm.Shutdown()

	s1 := newTestSession("doc-1", "a1", 16)
	s2 := newTestSession("doc-1", "a2", 16)
	sm.Register(s1)
	waitForCount(t, sm, "doc-1", 1)
	sm.Register(s2)
	waitForCount(t, sm, "doc-1", 2)
	recv(t, s1) // s2's join frame

	sm.Unregister(s2)
	waitForCount(t, sm, "doc-1", 1)

	var leave models.PresenceMessage
	if err := json.Unmarshal(recv(t, s1), &leave); err != nil {
		t.Fatalf("bad presence frame: %v", err)
	}
	if leave.Type != models.MessageTypeUserLeft || leave.ActorID != "a2" {
		t.Errorf("got (%s, %s), want (userLeft, a2)", leave.Type, leave.ActorID)
	}

	if s2.State() != stateClosed {
		t.Errorf("got state %s, want closed", s2.State())
	}
	select {
	case _, ok := <-s2.Send:
		if ok {
			t.Error("expected closed send channel")
		}
	case <-time.After(time.Second):
		t.Error("send channel never closed")
	}

	// A second unregister of the same session is a no-op.
	sm.Unregister(s2)
	waitForCount(t, sm, "doc-1", 1)
}

func TestBroadcastSkipsUnsubscribedSessions(t *testing.T) {
	sm := NewSessionManager()
	sm.Start()
	defer sm.Shutdown()

	subscribed := newTestSession("doc-1", "a1", 16)
	sm.Register(subscribed)
	waitForCount(t, sm, "doc-1", 1)

	// Authenticated but never subscribed: present in the room but not yet
	// eligible for broadcasts.
	pending := newTestSession("doc-1", "a2", 16)
	pending.advance(stateAuthenticated)
	pending.touch()
	sm.register <- pending
	waitForCount(t, sm, "doc-1", 2)

	sm.Broadcast("doc-1", []byte(`{"type":"currentState"}`))
	recv(t, subscribed)

	select {
	case msg := <-pending.Send:
		if !strings.Contains(string(msg), models.MessageTypeUserJoined) {
			t.Errorf("unsubscribed session received broadcast: %s", msg)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSessionEvicted(t *testing.T) {
	sm := NewSessionManager()
	sm.Start()
	defer sm.Shutdown()

	slow := newTestSession("doc-1", "a1", 1)
	sm.Register(slow)
	waitForCount(t, sm, "doc-1", 1)

	// First frame fills the buffer, second one finds it full.
	sm.Broadcast("doc-1", []byte(`1`))
	sm.Broadcast("doc-1", []byte(`2`))

	waitForCount(t, sm, "doc-1", 0)
	deadline := time.Now().Add(2 * time.Second)
	for slow.State() != stateClosed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if slow.State() != stateClosed {
		t.Errorf("got state %s, want closed", slow.State())
	}
}

func TestStateMachineIsOneWay(t *testing.T) {
	s := newTestSession("doc-1", "a1", 1)
	if s.State() != stateConnecting {
		t.Fatalf("got initial state %s, want connecting", s.State())
	}
	if !s.advance(stateAuthenticated) || !s.advance(stateSubscribed) {
		t.Fatal("forward transitions must succeed")
	}
	if s.advance(stateAuthenticated) {
		t.Error("backward transition must be rejected")
	}
	if !s.advance(stateClosed) {
		t.Error("close must succeed from subscribed")
	}
	if s.advance(stateSubscribed) {
		t.Error("closed is terminal")
	}
}
