package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"
)

// Client-to-server message types.
const (
	msgJoinSession    = "join-session"
	msgDocumentUpdate = "document-update"
	msgCursorUpdate   = "cursor-update"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server is the per-instance collaboration endpoint: one TCP listener, one
// websocket route, one registry. Participants connect to /ws and speak the
// JSON message protocol.
type Server struct {
	registry *Registry
	handler  http.Handler
	httpSrv  *http.Server

	mu      sync.Mutex
	ln      net.Listener
	port    int
	clients map[*client]struct{}
}

func NewServer(reg *Registry) *Server {
	s := &Server{
		registry: reg,
		clients:  make(map[*client]struct{}),
	}
	r := gin.New()
	r.GET("/ws", s.handleSocket)
	s.handler = r
	return s
}

// Registry exposes the registry the server fronts.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start binds the collaboration listener. Port 0 picks a free port; the bound
// port is returned. A bind failure is fatal to the caller and is returned
// synchronously.
func (s *Server) Start(port int) (int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return 0, fmt.Errorf("bind collab listener: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.httpSrv = &http.Server{Handler: s.handler}
	s.mu.Unlock()

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("collab server stopped")
		}
	}()

	log.Info().Int("port", s.port).Msg("collab server listening")
	return s.port, nil
}

// Port returns the bound listener port, 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Stop closes every connection and the listener.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpSrv
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	return srv.Shutdown(ctx)
}

// SessionCreated is what the host application gets back when it shares a
// document: everything a remote peer needs to join.
type SessionCreated struct {
	SessionID string   `json:"sessionId"`
	Metadata  Metadata `json:"metadata"`
	Port      int      `json:"port"`
}

// CreateSession registers a session and reports the transport endpoint
// alongside its id.
func (s *Server) CreateSession(doc map[string]interface{}, meta Metadata) SessionCreated {
	id := s.registry.CreateSession(doc, meta)
	return SessionCreated{SessionID: id, Metadata: meta, Port: s.Port()}
}

func (s *Server) handleSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("error upgrading connection")
		return
	}

	cl := &client{
		id:   ksuid.New().String(),
		conn: conn,
		send: make(chan Event, sendBuffer),
		done: make(chan struct{}),
		srv:  s,
	}
	s.mu.Lock()
	s.clients[cl] = struct{}{}
	s.mu.Unlock()

	go cl.writePump()
	cl.readPump()
}

func (s *Server) removeClient(cl *client) {
	s.mu.Lock()
	delete(s.clients, cl)
	s.mu.Unlock()
}

// client is one websocket connection. Its send channel preserves per
// connection FIFO; Deliver never blocks the registry, a full buffer drops the
// connection instead.
type client struct {
	id   string
	conn *websocket.Conn
	send chan Event
	done chan struct{}
	srv  *Server
	once sync.Once
}

// Deliver queues an event for the connection. Called by the registry under
// the session lock, so it must not block.
func (c *client) Deliver(ev Event) {
	select {
	case c.send <- ev:
	default:
		log.Warn().Str("conn", c.id).Msg("send buffer full, dropping connection")
		c.close()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) sendError(msg string) {
	c.Deliver(Event{Type: EventError, Payload: ErrorPayload{Error: msg}})
}

// readPump drives the whole inbound side of the connection. The read loop
// exiting, for whatever reason, counts as the disconnect signal and triggers
// Leave.
func (c *client) readPump() {
	defer func() {
		c.srv.registry.Leave(c.id)
		c.srv.removeClient(c)
		c.close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("conn", c.id).Msg("failed to read message from client")
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				log.Error().Err(err).Str("conn", c.id).Msg("failed to write message")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		}
	}
}

// inbound is the envelope every client message arrives in. Payloads are
// decoded per message type with mapstructure.
type inbound struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

type joinRequest struct {
	SessionID string `mapstructure:"sessionId"`
	User      struct {
		Name string `mapstructure:"name"`
	} `mapstructure:"user"`
}

type updateRequest struct {
	SessionID string    `mapstructure:"sessionId"`
	Operation Operation `mapstructure:"operation"`
	Version   int64     `mapstructure:"version"`
}

type cursorRequest struct {
	SessionID string                 `mapstructure:"sessionId"`
	Cursor    map[string]interface{} `mapstructure:"cursor"`
}

// decodePayload maps a JSON payload onto a request struct. Weak typing is
// needed because JSON numbers arrive as float64.
func decodePayload(payload map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(payload)
}

func (c *client) handleMessage(msg []byte) {
	var in inbound
	if err := json.Unmarshal(msg, &in); err != nil {
		log.Error().Err(err).Str("conn", c.id).Msg("could not parse message")
		c.sendError("malformed message")
		return
	}

	switch in.Type {
	case msgJoinSession:
		var req joinRequest
		if err := decodePayload(in.Payload, &req); err != nil {
			c.sendError("malformed join-session payload")
			return
		}
		joined, err := c.srv.registry.Join(req.SessionID, c.id, req.User.Name, c)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.Deliver(Event{Type: EventSessionJoined, Payload: joined})

	case msgDocumentUpdate:
		var req updateRequest
		if err := decodePayload(in.Payload, &req); err != nil {
			c.sendError("malformed document-update payload")
			return
		}
		_, err := c.srv.registry.SubmitOperation(req.SessionID, c.id, req.Operation, req.Version)
		var conflict *VersionConflictError
		switch {
		case errors.As(err, &conflict):
			c.Deliver(Event{Type: EventConflict, Payload: ConflictPayload{
				ExpectedVersion: conflict.Expected,
				ReceivedVersion: conflict.Received,
			}})
		case err != nil:
			c.sendError(err.Error())
		}
		// On success the commit broadcast is the confirmation; nothing
		// extra goes back to the submitter.

	case msgCursorUpdate:
		var req cursorRequest
		if err := decodePayload(in.Payload, &req); err != nil {
			c.sendError("malformed cursor-update payload")
			return
		}
		c.srv.registry.UpdateCursor(req.SessionID, c.id, req.Cursor)

	default:
		c.sendError(fmt.Sprintf("unknown message type %q", in.Type))
	}
}
