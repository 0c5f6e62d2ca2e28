// Package realtime exposes the engine to host programs over WebSocket and
// REST.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"axiom/internal/bus"
	"axiom/internal/dispatch"
	"axiom/internal/failure"
	"axiom/internal/logging"
	"axiom/internal/protocol"
	"axiom/internal/registry"
	"axiom/internal/spawn"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Engine is the set of operations the host layer exposes.
type Engine interface {
	Spawn(ctx context.Context, req spawn.Request) (string, error)
	Status(id string) ([]registry.StatusRecord, error)
	Task(id string) (spawn.TaskInfo, error)
	Output(id string, from int64) ([]byte, int64, error)
	Interrupt(id string) error
	Send(id, text string) error
	Kill(id string) error
	Audit(sessionID string) ([]dispatch.Command, error)
	Subscribe() (<-chan bus.Event, func())
	Profiles() []string
}

// Server manages WebSocket connections and routes messages between
// clients and the engine. Every connected client receives every engine
// event.
type Server struct {
	engine    Engine
	clients   map[*client]bool
	clientsMu sync.RWMutex
	log       *logrus.Entry
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New creates a new realtime server.
func New(engine Engine) *Server {
	return &Server{
		engine:  engine,
		clients: make(map[*client]bool),
		log:     logging.NewLogger("realtime"),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /tasks", s.handleSpawn)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /tasks/{id}/output", s.handleOutput)
	mux.HandleFunc("POST /tasks/{id}/send", s.handleSend)
	mux.HandleFunc("POST /tasks/{id}/interrupt", s.handleInterrupt)
	mux.HandleFunc("DELETE /tasks/{id}", s.handleKill)
	mux.HandleFunc("GET /sessions/{id}/audit", s.handleAudit)
	mux.HandleFunc("GET /profiles", s.handleProfiles)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Run forwards engine events to every connected client until ctx is done
// or the engine closes its event stream.
func (s *Server) Run(ctx context.Context) {
	events, unsubscribe := s.engine.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			msg, err := protocol.NewMessage(protocol.TypeEvent, e)
			if err != nil {
				s.log.WithError(err).Warn("Failed to encode event")
				continue
			}
			s.broadcast(msg)
		}
	}
}

// Close disconnects every client.
func (s *Server) Close() {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		c.conn.Close()
	}
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	// Send current task list to the new client.
	if records, err := s.engine.Status(""); err == nil {
		if msg, err := protocol.NewMessage(protocol.TypeTaskStatus, protocol.TaskStatusPayload{Records: records}); err == nil {
			c.enqueue(msg)
		}
	}

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.WithError(err).Debug("WebSocket read error")
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues msg for the client, dropping it if the client is too slow.
func (c *client) enqueue(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	close(c.send)
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, nil, protocol.ErrorPayload{Code: protocol.ErrInvalidMessage, Message: err.Error()})
		return
	}

	reply, err := s.dispatch(msg)
	if err != nil {
		s.sendError(c, msg, protocol.ErrorFromFailure(err))
		return
	}
	c.enqueue(reply)
}

// dispatch runs one client request against the engine. Payloads were
// checked by ValidateClientMessage.
func (s *Server) dispatch(msg *protocol.Message) (*protocol.Message, error) {
	switch msg.Type {
	case protocol.TypeTaskSpawn:
		var p protocol.TaskSpawnPayload
		json.Unmarshal(msg.Payload, &p)
		id, err := s.engine.Spawn(context.Background(), p.Request)
		if err != nil {
			return nil, err
		}
		return protocol.Reply(msg, protocol.TypeTaskSpawned, protocol.TaskSpawnedPayload{TaskID: id})

	case protocol.TypeTaskStatus:
		var p protocol.TaskStatusRequest
		json.Unmarshal(msg.Payload, &p)
		records, err := s.engine.Status(p.ID)
		if err != nil {
			return nil, err
		}
		return protocol.Reply(msg, protocol.TypeTaskStatus, protocol.TaskStatusPayload{Records: records})

	case protocol.TypeTaskOutput:
		var p protocol.TaskOutputRequest
		json.Unmarshal(msg.Payload, &p)
		data, next, err := s.engine.Output(p.ID, p.From)
		if err != nil {
			return nil, err
		}
		return protocol.Reply(msg, protocol.TypeTaskOutput, protocol.TaskOutputPayload{ID: p.ID, Data: string(data), Next: next})

	case protocol.TypeTaskSend:
		var p protocol.TaskSendPayload
		json.Unmarshal(msg.Payload, &p)
		return s.ack(msg, p.ID, s.engine.Send(p.ID, p.Text))

	case protocol.TypeTaskInterrupt:
		var p protocol.TaskIDPayload
		json.Unmarshal(msg.Payload, &p)
		return s.ack(msg, p.ID, s.engine.Interrupt(p.ID))

	case protocol.TypeTaskKill:
		var p protocol.TaskIDPayload
		json.Unmarshal(msg.Payload, &p)
		return s.ack(msg, p.ID, s.engine.Kill(p.ID))
	}
	return nil, failure.Newf(failure.CodeState, "unhandled message type %s", msg.Type)
}

func (s *Server) ack(msg *protocol.Message, id string, err error) (*protocol.Message, error) {
	if err != nil {
		return nil, err
	}
	return protocol.Reply(msg, protocol.TypeAck, protocol.AckPayload{ID: id, Op: msg.Type})
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}

func (s *Server) sendError(c *client, req *protocol.Message, p protocol.ErrorPayload) {
	msg, err := protocol.Reply(req, protocol.TypeError, p)
	if err != nil {
		return
	}
	c.enqueue(msg)
}
