package api

import (
	"context"
	"net/http"

	"formflow/internal/ws"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers authenticate with a bearer token, not cookies
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (d Dependencies) wsHandler(w http.ResponseWriter, r *http.Request) {
	if d.Hub == nil {
		WriteError(w, http.StatusServiceUnavailable, "ws_unavailable", "WebSocket hub not initialized", d.Log)
		return
	}

	id := identity(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.Log.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	d.Log.Debug("WebSocket connected", zap.String("user_id", id.UserID), zap.String("remote", r.RemoteAddr))

	// The connection outlives the request
	wsConn := ws.NewConn(context.WithoutCancel(r.Context()), conn, d.Hub, id.UserID, id.IsAdmin())
	d.Hub.Register(wsConn)

	go wsConn.WritePump()
	go wsConn.ReadPump()
}
