package collab

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyJoined is returned when a connection that already belongs to a
// session sends a second join request.
var ErrAlreadyJoined = errors.New("connection already joined a session")

// palette is the fixed set of cursor colors handed out to participants.
var palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#46f0f0", "#f032e6",
}

// Registry owns every live session: documents, version counters, participant
// sets and histories. One registry per server instance; multiple registries
// can coexist in a process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	byConn   map[string]string // connection id -> session id

	// rng picks participant colors. It is only touched under mu, which is
	// held for writing during Join.
	rng *rand.Rand
}

// Option configures a Registry.
type Option func(*Registry)

// WithRand replaces the color randomness source, so tests can pin colors.
func WithRand(src rand.Source) Option {
	return func(r *Registry) {
		r.rng = rand.New(src)
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*session),
		byConn:   make(map[string]string),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateSession registers a new session seeded with a deep copy of doc, so
// later edits never alias the caller's tree. Returns the session id.
func (r *Registry) CreateSession(doc map[string]interface{}, meta Metadata) string {
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}
	s := &session{
		id:           uuid.NewString(),
		meta:         meta,
		doc:          Clone(doc),
		participants: make(map[string]*member),
	}
	if s.doc == nil {
		s.doc = map[string]interface{}{}
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	log.Info().Str("session", s.id).Str("title", meta.Title).Msg("session created")
	return s.id
}

// SessionView is a read-only snapshot of a session. It never exposes the
// document itself.
type SessionView struct {
	ID           string        `json:"id"`
	Metadata     Metadata      `json:"metadata"`
	Participants []Participant `json:"participants"`
	Version      int64         `json:"version"`
}

// Session returns a snapshot of one session, or ok=false if the id is
// unknown.
func (r *Registry) Session(id string) (SessionView, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return SessionView{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionView{}, false
	}
	return SessionView{
		ID:           s.id,
		Metadata:     s.meta,
		Participants: s.participantList(),
		Version:      s.version,
	}, true
}

// Sessions snapshots every live session.
func (r *Registry) Sessions() []SessionView {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	views := make([]SessionView, 0, len(ids))
	for _, id := range ids {
		if v, ok := r.Session(id); ok {
			views = append(views, v)
		}
	}
	return views
}

// History returns a copy of a session's committed operation log.
func (r *Registry) History(id string) ([]HistoryEntry, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, len(s.history))
	copy(out, s.history)
	return out, true
}

// Join adds a participant to a session and returns the snapshot the joiner
// renders from: the full document, the current version and the participant
// list. Existing participants receive a user-joined event; the joiner does
// not.
func (r *Registry) Join(sessionID, connID, name string, rc Receiver) (*JoinedPayload, error) {
	// Resolve and reserve under the registry lock, then mutate and
	// broadcast under only the session mutex so joins to unrelated
	// sessions never serialize on each other.
	r.mu.Lock()
	if _, dup := r.byConn[connID]; dup {
		r.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	r.byConn[connID] = sessionID
	color := palette[r.rng.Intn(len(palette))]
	r.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		// The last participant left between the lookup and here.
		s.mu.Unlock()
		r.mu.Lock()
		delete(r.byConn, connID)
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	p := Participant{
		ID:       connID,
		Name:     name,
		Color:    color,
		JoinedAt: time.Now(),
	}
	s.broadcast(Event{Type: EventUserJoined, Payload: UserPayload{User: p}}, "")
	s.participants[connID] = &member{Participant: p, rc: rc}
	joined := &JoinedPayload{
		SessionID: s.id,
		Document:  Clone(s.doc),
		Version:   s.version,
		Users:     s.participantList(),
		Metadata:  s.meta,
		You:       p,
	}
	s.mu.Unlock()

	log.Info().Str("session", sessionID).Str("user", name).Str("conn", connID).Msg("participant joined")
	return joined, nil
}

// SubmitOperation commits one operation against a session. The whole-document
// optimistic gate comes first: a stale expected version is rejected without
// touching the document. On success the operation is applied clone-and-swap,
// the version advances, a history entry is appended and a document-updated
// event goes to every participant, the author included. Failures are reported
// only to the caller and never mutate the session.
func (r *Registry) SubmitOperation(sessionID, connID string, op Operation, expected int64) (int64, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if expected != s.version {
		return 0, &VersionConflictError{Expected: s.version, Received: expected}
	}

	next := Clone(s.doc)
	if err := Apply(next, op); err != nil {
		return 0, err
	}

	s.doc = next
	s.version++
	s.history = append(s.history, HistoryEntry{
		Operation: op,
		Version:   s.version,
		AuthorID:  connID,
		Timestamp: time.Now(),
	})
	s.broadcast(Event{Type: EventDocumentUpdated, Payload: UpdatedPayload{
		Operation: op,
		Version:   s.version,
		UserID:    connID,
	}}, "")
	return s.version, nil
}

// UpdateCursor relays an ephemeral presence signal to the other participants.
// It is never versioned or recorded; an unknown session is silently ignored.
func (r *Registry) UpdateCursor(sessionID, connID string, cursor map[string]interface{}) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.broadcast(Event{Type: EventCursorUpdated, Payload: CursorPayload{
		UserID: connID,
		Cursor: cursor,
	}}, connID)
}

// Leave removes a connection's participant, notifies the remaining
// participants and destroys the session the moment it becomes empty. Unknown
// connections are ignored, so transports may call this unconditionally on
// every disconnect.
func (r *Registry) Leave(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)

	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, connID)

	if len(s.participants) == 0 {
		s.closed = true
		delete(r.sessions, sessionID)
		log.Info().Str("session", sessionID).Msg("last participant left, session destroyed")
		return
	}
	s.broadcast(Event{Type: EventUserLeft, Payload: LeftPayload{UserID: connID}}, "")
	log.Info().Str("session", sessionID).Str("conn", connID).Msg("participant left")
}
