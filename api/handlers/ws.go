package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/forgeplatform/plugind/internal/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsQueueSize  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is same-host tooling; origin enforcement belongs to the
	// fronting gateway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEventStream answers GET /ws/events: upgrades and forwards the
// lifecycle event stream until the client goes away.
func (s *Server) handleEventStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	log := logging.Component("ws")

	subName := fmt.Sprintf("ws-%s", requestID(c))
	events := s.bus.Subscribe(subName, wsQueueSize)
	defer s.bus.Unsubscribe(subName)

	// Reader goroutine: drain control frames, detect close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	defer conn.Close()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case rec, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(rec); err != nil {
				log.Debug().Err(err).Str("subscriber", subName).Msg("event write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
