package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alekspetrov/conveyor/internal/autopilot"
	"github.com/alekspetrov/conveyor/internal/logging"
)

const (
	// wsPingInterval is the interval between ping frames sent to the client.
	wsPingInterval = 30 * time.Second
	// wsPongTimeout is how long to wait for a pong response before closing.
	wsPongTimeout = 10 * time.Second
	// wsWriteTimeout is the deadline for writing a message to the client.
	wsWriteTimeout = 5 * time.Second
)

// eventMessage is the wire form of an autopilot.Event.
type eventMessage struct {
	Type    string    `json:"type"`
	Task    int       `json:"task,omitempty"`
	PR      int       `json:"pr,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

func toMessage(e autopilot.Event) eventMessage {
	return eventMessage{Type: e.Type, Task: e.Task, PR: e.PR, Message: e.Message, Time: e.Time}
}

func (m eventMessage) event() autopilot.Event {
	return autopilot.Event{Type: m.Type, Task: m.Task, PR: m.PR, Message: m.Message, Time: m.Time}
}

// handleEvents upgrades the connection to WebSocket and streams loop events.
// On connect it replays the recent history, then pushes new events as they
// are published.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.WithComponent("gateway").Error("WebSocket upgrade error", slog.Any("error", err))
		return
	}
	defer func() { _ = conn.Close() }()

	// Subscribe before replaying history to avoid gaps.
	sub, history := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	log := logging.WithComponent("gateway").With(slog.String("subscriber", sub.ID))
	log.Info("Event stream connected", slog.String("remote", r.RemoteAddr))

	for _, e := range history {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(toMessage(e)); err != nil {
			log.Debug("Event stream initial send failed", slog.Any("error", err))
			return
		}
	}

	// Set up pong handler for keepalive.
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

	// Read pump: drain client messages (none expected) and detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					log.Warn("Event stream read error", slog.Any("error", err))
				}
				return
			}
		}
	}()

	// Write pump: stream new events and send pings.
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(toMessage(e)); err != nil {
				log.Debug("Event stream write error", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
