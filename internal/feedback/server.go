// Package feedback runs the local status channel: a WebSocket hub plus a
// small HTTP surface that any UI (tray applet, overlay, browser panel) can
// attach to for asynchronous state updates. Audio never crosses this
// boundary, only events about it.
package feedback

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/yegors/sotto/internal/storage/sqlite"
	"github.com/yegors/sotto/pkg/logger"
)

// Event types broadcast to attached clients
const (
	EventStatus     = "status"      // daemon lifecycle changes
	EventAudioLevel = "audio_level" // RMS meter while recording
	EventPTT        = "ptt"         // gate transitions
	EventVerify     = "verify"      // verification outcome per session
	EventPartial    = "partial"     // interim transcript
	EventFinal      = "final"       // delivered transcript
)

// Event is one status message pushed to clients
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Client is one attached UI connection. Send queues are bounded; a client
// that cannot keep up is dropped rather than allowed to stall the hub.
type Client struct {
	conn   *websocket.Conn
	send   chan *Event
	server *Server

	mu     sync.Mutex
	closed bool
}

// HistoryReader exposes recent session outcomes to the HTTP surface.
// May be nil when history is disabled.
type HistoryReader interface {
	Recent(limit int) ([]*sqlite.HistoryRecord, error)
}

// Server is the feedback hub and its HTTP listener
type Server struct {
	addr     string
	logger   *logger.Logger
	history  HistoryReader
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Event

	httpServer *http.Server
	done       chan struct{}
}

// NewServer creates a feedback server listening on addr. history may be nil.
func NewServer(addr string, history HistoryReader, log *logger.Logger) *Server {
	return &Server{
		addr:    addr,
		history: history,
		logger:  log.Named("feedback"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Local loopback surface only
				return true
			},
		},
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Event, 64),
		done:       make(chan struct{}),
	}
}

// Start runs the hub loop and the HTTP listener
func (s *Server) Start() error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleWS)
	r.Get("/status", s.handleStatus)
	r.Get("/history", s.handleHistory)

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.run()
	go func() {
		s.logger.Info("Feedback server listening", logger.String("addr", s.addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Feedback server failed", logger.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the listener and disconnects all clients
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)

	s.mu.Lock()
	for client := range s.clients {
		client.close()
		delete(s.clients, client)
	}
	s.mu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) run() {
	for {
		select {
		case <-s.done:
			return

		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			count := len(s.clients)
			s.mu.Unlock()
			s.logger.Debug("Feedback client attached", logger.Int("client_count", count))

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.close()
			}
			count := len(s.clients)
			s.mu.Unlock()
			s.logger.Debug("Feedback client detached", logger.Int("client_count", count))

		case event := <-s.broadcast:
			s.mu.RLock()
			var stalled []*Client
			for client := range s.clients {
				select {
				case client.send <- event:
				default:
					stalled = append(stalled, client)
				}
			}
			s.mu.RUnlock()

			if len(stalled) > 0 {
				s.mu.Lock()
				for _, client := range stalled {
					if _, ok := s.clients[client]; ok {
						delete(s.clients, client)
						client.close()
					}
				}
				s.mu.Unlock()
				s.logger.Debug("Dropped stalled feedback clients", logger.Int("count", len(stalled)))
			}
		}
	}
}

// Broadcast queues an event for every attached client. Never blocks the
// caller: when the hub itself is saturated the event is dropped.
func (s *Server) Broadcast(eventType string, data map[string]any) {
	select {
	case s.broadcast <- &Event{Type: eventType, Data: data}:
	default:
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade feedback connection", logger.Error(err))
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan *Event, 64),
		server: s,
	}
	s.register <- client

	go client.readPump()
	go client.writePump()
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	count := len(s.clients)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true,"clients":` + strconv.Itoa(count) + `}`))
}

// handleHistory returns the most recent session outcomes
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, `{"error":"history disabled"}`, http.StatusNotFound)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := s.history.Recent(limit)
	if err != nil {
		s.logger.Error("Failed to read history", logger.Error(err))
		http.Error(w, `{"error":"history read failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		s.logger.Error("Failed to encode history", logger.Error(err))
	}
}

// readPump discards client input and detects disconnects
func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.server.logger.Debug("Feedback read error", logger.Error(err))
			}
			return
		}
	}
}

// writePump serializes queued events onto the connection
func (c *Client) writePump() {
	defer c.conn.Close()

	for event := range c.send {
		if err := c.conn.WriteJSON(event); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
