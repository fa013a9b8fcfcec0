// Package control implements the optional local control socket
// (spec.md §6, SPEC_FULL.md §6): a loopback WebSocket a host UI process
// can attach to for receiving player-core callback events and injecting
// manual track-override commands, without linking against the core
// directly. It is grounded on the teacher's BridgeService/BridgeClient
// WebSocket handling (cloud/livekit-client-2/bridge_service.go,
// bridge_client.go in the rajeevrajeshuni-MentraOS example pack),
// generalized from a per-room audio bridge to a single diagnostic/
// control channel.
package control

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tsnotfyi/playercore/internal/output"
)

// Event is a JSON message pushed out to the connected control client.
type Event struct {
	Type            string  `json:"type"`
	Kind            string  `json:"kind,omitempty"`
	BufferDelaySecs float64 `json:"bufferDelaySecs,omitempty"`
	TrackID         string  `json:"trackId,omitempty"`
	Reason          string  `json:"reason,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// Command is a JSON message received from the control client.
type Command struct {
	Action    string  `json:"action"`
	TrackID   string  `json:"trackId,omitempty"`
	Direction string  `json:"direction,omitempty"`
	Volume    float64 `json:"volume,omitempty"`
}

// Handlers wires inbound commands back into the running session. Both
// fields must be set by the caller building the Server.
type Handlers struct {
	SetManualOverride func(trackID, direction string)
	SetVolume         func(volume float64)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server accepts a single control client at a time, matching the scope
// of a local debug/UI attachment rather than a multi-tenant bridge.
type Server struct {
	handlers Handlers
	logger   *slog.Logger

	mu     sync.Mutex
	client *clientConn
}

// New builds a control Server. handlers' fields must be non-nil.
func New(handlers Handlers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{handlers: handlers, logger: logger}
}

// clientConn is one connected control client: a WebSocket plus a paced
// outbound event queue (spec.md/SPEC_FULL §6's explicit PacingBuffer
// reuse, grounded on bridge_client.go's pacingBuffer field).
type clientConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	pacer   *output.PacingBuffer[[]byte]
	closed  chan struct{}
	closeOnce sync.Once
}

func (c *clientConn) Enqueue(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *clientConn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.pacer.Stop()
		c.ws.Close()
	})
}

// ServeHTTP upgrades the request to a WebSocket and runs the client's
// read loop until it disconnects. Any prior client is closed first — only
// one control attachment is meaningful for a single-session player.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("control: upgrade failed", "error", err)
		return
	}
	if tcpConn, ok := conn.UnderlyingConn().(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	client := &clientConn{ws: conn, closed: make(chan struct{})}
	client.pacer = output.NewPacingBuffer[[]byte](100*time.Millisecond, 32, client)
	client.pacer.Start()

	s.mu.Lock()
	prev := s.client
	s.client = client
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	defer func() {
		s.mu.Lock()
		if s.client == client {
			s.client = nil
		}
		s.mu.Unlock()
		client.Close()
	}()

	s.push(client, Event{Type: "connected"})
	s.readLoop(client)
}

func (s *Server) readLoop(client *clientConn) {
	for {
		_, message, err := client.ws.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			s.push(client, Event{Type: "error", Error: "invalid command"})
			continue
		}
		s.handleCommand(client, cmd)
	}
}

func (s *Server) handleCommand(client *clientConn, cmd Command) {
	switch cmd.Action {
	case "set_next_track":
		if s.handlers.SetManualOverride != nil {
			s.handlers.SetManualOverride(cmd.TrackID, cmd.Direction)
		}
	case "set_volume":
		if s.handlers.SetVolume != nil {
			s.handlers.SetVolume(cmd.Volume)
		}
	default:
		s.push(client, Event{Type: "error", Error: "unknown action: " + cmd.Action})
	}
}

func (s *Server) push(client *clientConn, ev Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		return
	}
	client.pacer.Add(frame)
}

// Broadcast paces an event out to the currently connected client, if
// any. Safe to call from any goroutine (e.g. the session controller's
// event loop or the reconciler).
func (s *Server) Broadcast(ev Event) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return
	}
	s.push(client, ev)
}

// Close disconnects the active client, if any.
func (s *Server) Close() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client != nil {
		client.Close()
	}
}
