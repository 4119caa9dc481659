package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"dailylog/internal/app"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
	wsMaxReadBytes = 4096
)

const (
	frameState  = "state"
	framePrompt = "prompt"
)

type stateFrame struct {
	Type  string    `json:"type"`
	State app.State `json:"state"`
}

// promptFrame carries a null prompt when the confirmation closed.
type promptFrame struct {
	Type   string             `json:"type"`
	Prompt *app.PendingPrompt `json:"prompt"`
}

// handleWS streams the session view. A state frame goes out on connect and
// after every change; a prompt frame whenever the confirmation opens or
// closes. The client only ever sends control frames.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger(r).Warn("ws_upgrade_failed", "err", err)
		return
	}
	log := logger(r).With("conn_id", uuid.NewString())
	log.Info("ws_connected")

	watch, cancel := sess.Watch()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		readPump(conn)
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
		<-closed
		log.Info("ws_disconnected")
	}()

	if err := writeFrame(conn, stateFrame{Type: frameState, State: sess.Snapshot()}); err != nil {
		return
	}
	for {
		select {
		case <-watch.State:
			if err := writeFrame(conn, stateFrame{Type: frameState, State: sess.Snapshot()}); err != nil {
				log.Debug("ws_write_failed", "err", err)
				return
			}
		case <-watch.Prompt:
			frame := promptFrame{Type: framePrompt}
			if pp, ok := sess.Prompt(); ok {
				frame.Prompt = &pp
			}
			if err := writeFrame(conn, frame); err != nil {
				log.Debug("ws_write_failed", "err", err)
				return
			}
		case <-ticker.C:
			if !sess.Authenticated(r.Context()) {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication expired"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-watch.Done:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
			return
		case <-closed:
			return
		}
	}
}

func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(wsMaxReadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
