package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/serenhq/seren-agentd/internal/hostrpc"
	"github.com/serenhq/seren-agentd/internal/sessions"
)

// sendBufferSize is the per-client queue of outbound frames. A client that
// stops draining is disconnected once its queue fills.
const sendBufferSize = 256

// pushMessage is a server-initiated frame. Event names the payload shape.
type pushMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Push event names.
const (
	eventInit            = "init"
	eventSessionUpdate   = "sessionUpdate"
	eventSessionRemoved  = "sessionRemoved"
	eventInstallProgress = "installProgress"
	eventFallback        = "fallbackRequested"
)

type client struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// enqueue hands a frame to the writer goroutine. It reports false when the
// client is closed or its queue is full.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// writePump is the single writer for the connection.
func (c *client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		}
	}
}

// createUpgrader builds a WebSocket upgrader with origin validation.
// WebSocket upgrades bypass CORS, so origins are checked explicitly.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Same-origin or a non-browser client.
				return true
			}
			return originAllowed(origin, s.config.AllowedOrigins)
		},
	}
}

// originAllowed checks an origin against the allowed list. Entries may be
// exact origins, "*", or wildcard patterns like "https://*.example.com".
func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if strings.Contains(a, "*") && matchWildcardOrigin(origin, a) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin matches patterns like "https://*.example.com". The
// wildcard must not span a "/".
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if len(origin) < len(prefix)+len(suffix) {
		return false
	}
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

// handleUIWS upgrades a UI connection and serves coordinator operations over
// it until the peer disconnects.
func (s *Server) handleUIWS(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(r) {
		writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("UI WebSocket upgrade failed", "error", err)
		return
	}

	cli := &client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	s.addClient(cli)
	defer s.removeClient(cli)

	go cli.writePump()

	s.pushInit(cli)
	s.readLoop(cli)
}

func (s *Server) addClient(c *client) {
	s.clientMu.Lock()
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.clientMu.Unlock()
	slog.Info("UI client connected", "clients", count)
}

func (s *Server) removeClient(c *client) {
	c.close()
	s.clientMu.Lock()
	delete(s.clients, c)
	count := len(s.clients)
	s.clientMu.Unlock()
	slog.Info("UI client disconnected", "clients", count)
}

// pushInit sends the current session list so a fresh client can render
// without a round trip. The client is already registered for broadcasts, so
// the snapshot here is never older than any update frame ahead of it.
func (s *Server) pushInit(c *client) {
	coord := s.coordinator()
	if coord == nil {
		return
	}
	s.sendTo(c, pushMessage{Event: eventInit, Data: map[string]any{
		"sessions":        coord.List(),
		"activeSessionId": coord.ActiveSessionID(),
	}})
}

func (s *Server) sendTo(c *client, msg pushMessage) {
	frame, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal push", "event", msg.Event, "error", err)
		return
	}
	if !c.enqueue(frame) {
		slog.Warn("Dropping unresponsive UI client", "event", msg.Event)
		c.close()
	}
}

// readLoop decodes operation requests and dispatches each on its own
// goroutine so a slow operation never stalls the connection.
func (s *Server) readLoop(cli *client) {
	for {
		_, raw, err := cli.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				slog.Warn("UI WebSocket read error", "error", err)
			}
			return
		}

		var req opRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			s.respondError(cli, "", "invalid request: "+err.Error())
			continue
		}
		go s.dispatch(context.Background(), cli, req)
	}
}

// broadcast fans a push frame out to every connected client.
func (s *Server) broadcast(msg pushMessage) {
	frame, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal push", "event", msg.Event, "error", err)
		return
	}

	s.clientMu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.clientMu.Unlock()

	for _, c := range targets {
		if !c.enqueue(frame) {
			slog.Warn("Dropping unresponsive UI client", "event", msg.Event)
			c.close()
		}
	}
}

// BroadcastSessionUpdate pushes the current snapshot of a session to all UI
// clients. Wired as the coordinator's OnSessionChanged callback.
func (s *Server) BroadcastSessionUpdate(sessionID string) {
	coord := s.coordinator()
	if coord == nil {
		return
	}
	snap, ok := coord.Get(sessionID)
	if !ok {
		return
	}
	s.broadcast(pushMessage{Event: eventSessionUpdate, Data: snap})
}

// BroadcastSessionRemoved tells UI clients a session is gone. Wired as the
// coordinator's OnSessionRemoved callback.
func (s *Server) BroadcastSessionRemoved(sessionID string) {
	s.broadcast(pushMessage{Event: eventSessionRemoved, Data: map[string]string{
		"sessionId": sessionID,
	}})
}

// BroadcastInstallProgress relays agent CLI install progress to UI clients.
func (s *Server) BroadcastInstallProgress(ev hostrpc.InstallProgressEvent) {
	s.broadcast(pushMessage{Event: eventInstallProgress, Data: ev})
}

// Handoff implements sessions.Fallback. The UI owns the fallback provider,
// so the handoff is pushed to it rather than handled here.
func (s *Server) Handoff(h sessions.Handoff) {
	s.broadcast(pushMessage{Event: eventFallback, Data: h})
}
