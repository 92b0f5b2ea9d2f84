package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"utm_sector/internal/events"
	"utm_sector/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboards connect cross-origin; auth happens at the token layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// errorFrame is the typed error sent on a stream without closing it.
type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleWorldWS streams world events (drone updates, conflict lists),
// optionally filtered by owner_id and/or drone_id query parameters.
func (s *Server) handleWorldWS(w http.ResponseWriter, r *http.Request) {
	filter := events.Filter{
		OwnerID: r.URL.Query().Get("owner_id"),
		DroneID: r.URL.Query().Get("drone_id"),
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ch, cancel := s.bus.Subscribe(filter, events.DefaultBuffer)
	defer cancel()

	// Discard client frames; the world stream is one-way.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := events.MarshalEvent(ev)
			if err != nil {
				s.sendErrorFrame(conn, "serialization failed")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleCommandWS streams commands to a single drone, authenticated by its
// session token. On connect it replays Delivered commands still inside
// their expiry, then pushes new commands as they are enqueued.
func (s *Server) handleCommandWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "session token required")
		return
	}
	droneID, ok := s.world.DroneIDForToken(token)
	if !ok {
		writeError(w, http.StatusForbidden, codeUnauthorized, "unknown session token")
		return
	}
	if requested := r.URL.Query().Get("drone_id"); requested != "" && requested != droneID {
		writeError(w, http.StatusForbidden, codeUnauthorized, "token does not match drone")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	// Subscribe before replay so commands enqueued mid-replay are not lost;
	// the drone side dedupes on command_id.
	ch, cancel := s.bus.Subscribe(events.Filter{DroneID: droneID}, events.DefaultBuffer)
	defer cancel()

	now := time.Now().UTC()
	replay := s.world.DeliveredCommands(droneID, now)
	replay = append(replay, s.world.PendingCommands(droneID)...)
	seen := make(map[string]bool, len(replay))
	for _, cmd := range replay {
		if seen[cmd.CommandID] || !cmd.ExpiresAt.After(now) {
			continue
		}
		seen[cmd.CommandID] = true
		if !s.pushCommand(conn, cmd) {
			return
		}
	}

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			cmd, ok := ev.Payload.(model.Command)
			if !ok {
				continue
			}
			if !s.pushCommand(conn, cmd) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// pushCommand writes one command frame and records the delivery. Returns
// false when the connection is gone.
func (s *Server) pushCommand(conn *websocket.Conn, cmd model.Command) bool {
	payload, err := events.MarshalEvent(events.Event{
		Type:    events.TypeCommand,
		Time:    time.Now().UTC(),
		Payload: cmd,
	})
	if err != nil {
		log.Printf("api: marshal command %s: %v", cmd.CommandID, err)
		return true
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return false
	}
	s.world.MarkDelivered(cmd.CommandID)
	return true
}

func (s *Server) sendErrorFrame(conn *websocket.Conn, message string) {
	frame := errorFrame{Type: events.TypeError, Code: codeInternal, Message: message}
	payload, err := events.MarshalEvent(events.Event{Type: events.TypeError, Time: time.Now().UTC(), Payload: frame})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}
