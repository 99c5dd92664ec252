package control

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voxkey/voxkey/internal/observability"
	"github.com/voxkey/voxkey/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The listener binds to loopback; browser pages on other origins
		// still get to talk to it, which status bars and panels rely on.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Coordinator is the slice of the session coordinator the control surface
// needs: observable state out, trigger edges in.
type Coordinator interface {
	session.TriggerSink
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Notification, func())
}

// clientMessage is a frame received from a control client.
type clientMessage struct {
	Event string `json:"event"`
}

// serverFrame is a frame pushed to control clients. Exactly one of Snapshot
// or Notification is set.
type serverFrame struct {
	Type         string                `json:"type"`
	Snapshot     *session.Snapshot     `json:"snapshot,omitempty"`
	Notification *session.Notification `json:"notification,omitempty"`
}

// Server exposes the daemon's control surface: a JSON status endpoint and a
// websocket that streams session notifications and accepts trigger edges.
type Server struct {
	coord  Coordinator
	logger zerolog.Logger
}

// NewServer creates a control server around the given coordinator.
func NewServer(coord Coordinator, logger zerolog.Logger) *Server {
	return &Server{
		coord:  coord,
		logger: logger.With().Str("component", "control").Logger(),
	}
}

// StatusHandler serves the current session snapshot as JSON.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		snap := s.coord.Snapshot()
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			s.logger.Error().Err(err).Msg("Failed to encode status")
		}
	}
}

// WebSocketHandler upgrades the connection and runs it until either side
// closes. Notifications are pushed as they happen; "down" and "up" frames
// from the client are forwarded to the coordinator as trigger edges.
func (s *Server) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}

		connID := observability.NewCorrelationID()
		logger := observability.WithCorrelationID(connID).With().Str("component", "control").Logger()
		logger.Info().Str("remote", r.RemoteAddr).Msg("Control client connected")

		s.serveConn(conn, logger)
	}
}

func (s *Server) serveConn(conn *websocket.Conn, logger zerolog.Logger) {
	defer conn.Close()

	notifications, cancel := s.coord.Subscribe()
	defer cancel()

	// The writer goroutine owns all writes; gorilla connections do not allow
	// concurrent writers.
	writerDone := make(chan struct{})
	readerDone := make(chan struct{})
	frames := make(chan serverFrame, 32)

	go func() {
		defer close(writerDone)
		for {
			select {
			case frame, ok := <-frames:
				if !ok {
					return
				}
				if err := conn.WriteJSON(frame); err != nil {
					logger.Debug().Err(err).Msg("Control write failed")
					return
				}
			case <-readerDone:
				return
			}
		}
	}()

	// First frame is always the current snapshot so clients render
	// immediately instead of waiting for the next session.
	snap := s.coord.Snapshot()
	frames <- serverFrame{Type: "snapshot", Snapshot: &snap}

	go func() {
		defer close(readerDone)
		for {
			var msg clientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn().Err(err).Msg("Control read failed")
				}
				return
			}

			switch msg.Event {
			case "down":
				s.coord.TriggerDown()
			case "up":
				s.coord.TriggerUp()
			default:
				logger.Debug().Str("event", msg.Event).Msg("Ignoring unknown control event")
			}
		}
	}()

	for {
		select {
		case n, ok := <-notifications:
			if !ok {
				close(frames)
				<-writerDone
				return
			}
			notif := n
			select {
			case frames <- serverFrame{Type: "notification", Notification: &notif}:
			default:
				// Slow client; drop rather than stall.
			}
		case <-readerDone:
			close(frames)
			<-writerDone
			logger.Info().Msg("Control client disconnected")
			return
		case <-writerDone:
			return
		}
	}
}
