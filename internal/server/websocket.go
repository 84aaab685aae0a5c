package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleProgressWS streams progress events as JSON frames: first the latest
// event of every tracked node, then live events. The node_id query
// parameter limits the stream to one node.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("node_id")

	// Subscribe before the handshake completes so no event published after
	// the client sees the upgrade is missed.
	events, unsubscribe := s.engine.Bus().SubscribeChan(wsBuffer)
	defer unsubscribe()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()
	s.log.Info("progress client connected", "remote", r.RemoteAddr, "node", filter)

	// Clients never send anything; reading surfaces the close frame and
	// keeps pong handling alive.
	closed := make(chan struct{})
	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if filter != "" && e.NodeID != filter {
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(e); err != nil {
				s.log.Info("progress client write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-closed:
			s.log.Info("progress client disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		}
	}
}
