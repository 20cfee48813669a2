// ABOUTME: WebSocket endpoint that pushes published agent paths to browsers and tools
// ABOUTME: Each connection receives every plan, optionally narrowed to one agent

package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/arena-gateway/internal/auth"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Clients authenticate with bearer tokens, not cookies.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (g *Gateway) handlePathsWebSocket(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathFilter(auth.FromContext(r.Context()), r.URL.Query().Get("agent_id"))
	if !ok {
		g.sendJSONError(w, http.StatusForbidden, "not allowed to watch paths of agent "+r.URL.Query().Get("agent_id"))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	paths, err := g.system.SubscribePaths(ctx)
	if err != nil {
		g.sendSystemError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	g.logger.Info("websocket path stream opened", "agent_id", agentID, "remote", r.RemoteAddr)

	// The read pump only tracks liveness; inbound messages are discarded.
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway shutting down"),
				time.Now().Add(wsWriteTimeout))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case plan, ok := <-paths:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(filterPaths(plan, agentID)); err != nil {
				g.logger.Debug("websocket write failed", "agent_id", agentID, "error", err)
				return
			}
		}
	}
}
