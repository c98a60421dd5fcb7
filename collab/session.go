package collab

import (
	"sync"
	"time"
)

// Metadata describes a session to joiners and to the discovery layer.
type Metadata struct {
	Title        string                 `json:"title" mapstructure:"title"`
	Host         string                 `json:"host" mapstructure:"host"`
	DocumentType string                 `json:"documentType" mapstructure:"documentType"`
	CreatedAt    time.Time              `json:"createdAt" mapstructure:"createdAt"`
	Extra        map[string]interface{} `json:"extra,omitempty" mapstructure:"extra"`
}

// Participant is one live connection inside a session.
type Participant struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Color    string    `json:"color"`
	JoinedAt time.Time `json:"joinedAt"`
}

// HistoryEntry records one committed operation. Entries are immutable once
// appended; replaying them against the session's initial document reproduces
// the current document.
type HistoryEntry struct {
	Operation Operation `json:"operation"`
	Version   int64     `json:"version"`
	AuthorID  string    `json:"authorId"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is a message fanned out to session participants. The payload is one
// of the *Payload structs below, keyed by Type.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Server-to-client event types.
const (
	EventSessionJoined   = "session-joined"
	EventDocumentUpdated = "document-updated"
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventCursorUpdated   = "cursor-updated"
	EventConflict        = "conflict"
	EventError           = "error"
)

type JoinedPayload struct {
	SessionID string                 `json:"sessionId"`
	Document  map[string]interface{} `json:"document"`
	Version   int64                  `json:"version"`
	Users     []Participant          `json:"users"`
	Metadata  Metadata               `json:"metadata"`
	You       Participant            `json:"you"`
}

type UpdatedPayload struct {
	Operation Operation `json:"operation"`
	Version   int64     `json:"version"`
	UserID    string    `json:"userId"`
}

type UserPayload struct {
	User Participant `json:"user"`
}

type LeftPayload struct {
	UserID string `json:"userId"`
}

type CursorPayload struct {
	UserID string                 `json:"userId"`
	Cursor map[string]interface{} `json:"cursor"`
}

type ConflictPayload struct {
	ExpectedVersion int64 `json:"expectedVersion"`
	ReceivedVersion int64 `json:"receivedVersion"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

// Receiver is the transport half of a participant. Deliver must not block;
// the websocket client queues events on a buffered channel and drops the
// connection when the queue overflows.
type Receiver interface {
	Deliver(ev Event)
}

// session is the unit of serialization: mu guards the document, the version
// counter, the history and the participant set. Broadcasts happen under mu so
// every participant observes commits in history order.
type session struct {
	id   string
	meta Metadata

	mu           sync.Mutex
	doc          map[string]interface{}
	version      int64
	participants map[string]*member
	history      []HistoryEntry
	closed       bool
}

// member pairs participant identity with its delivery endpoint.
type member struct {
	Participant
	rc Receiver
}

// broadcast delivers ev to every participant, skipping the connection id in
// except when it is non-empty. Callers hold s.mu.
func (s *session) broadcast(ev Event, except string) {
	for id, m := range s.participants {
		if except != "" && id == except {
			continue
		}
		m.rc.Deliver(ev)
	}
}

func (s *session) participantList() []Participant {
	out := make([]Participant, 0, len(s.participants))
	for _, m := range s.participants {
		out = append(out, m.Participant)
	}
	return out
}
