package models

// Session protocol messages, exchanged as JSON over the websocket.

const (
	// Client → server.
	MessageTypeSubmitEdit          = "submitEdit"
	MessageTypeRequestCurrentState = "requestCurrentState"

	// Server → client.
	MessageTypeCurrentState = "currentState"
	MessageTypeError        = "error"
	MessageTypeUserJoined   = "userJoined"
	MessageTypeUserLeft     = "userLeft"
)

// Edit kinds accepted in submitEdit.
const (
	EditInsert = "insert"
	EditDelete = "delete"
)

// ClientMessage is the envelope for everything a client sends after connect.
// Edit fields are only meaningful for submitEdit.
type ClientMessage struct {
	Type        string `json:"type"`
	Kind        string `json:"kind,omitempty"`
	Text        string `json:"text,omitempty"`
	DeleteCount int    `json:"deleteCount,omitempty"`
	AtIndex     int    `json:"atIndex"`
}

// CurrentState carries the full visible text and its committed version. It is
// sent on connect, in reply to requestCurrentState, and broadcast to every
// subscribed session after each successful commit.
type CurrentState struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	Text       string `json:"text"`
	Version    int64  `json:"version"`
	ChangeID   string `json:"changeId,omitempty"`
}

// ErrorMessage reports a failed request back to the submitting client. Failed
// edits produce no broadcast and no log entry; the client is expected to
// resubmit or resync via requestCurrentState.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PresenceMessage announces a session joining or leaving a document.
type PresenceMessage struct {
	Type     string `json:"type"`
	ActorID  string `json:"actorId"`
	Username string `json:"username"`
}
