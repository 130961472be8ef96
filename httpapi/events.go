package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/okiedoc/viewgate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type viewEvent struct {
	View viewgate.View `json:"view"`
}

// handleEvents streams the tab's current view, then every change, until the client goes
// away or the tab is closed. A slow client only ever receives the latest view.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	t := tabFromContext(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "tab", t.id, "error", err)
		return
	}
	defer conn.Close()

	latest := make(chan viewgate.View, 1)
	cancel := t.router.Watch(func(v viewgate.View) {
		select {
		case latest <- v:
		default:
			select {
			case <-latest:
			default:
			}
			latest <- v
		}
	})
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(v viewgate.View) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(viewEvent{View: v}) == nil
	}
	if !send(t.router.View()) {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case v := <-latest:
			if !send(v) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-t.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "tab closed"), time.Now().Add(writeWait))
			return
		case <-gone:
			return
		}
	}
}
