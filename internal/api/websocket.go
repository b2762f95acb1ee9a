package api

import (
	"net/http"

	"onboardvoice/internal/auth"
	"onboardvoice/internal/ws"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	// UI hosts are served from other origins; access is gated by the tenant token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (d Dependencies) wsHandler(w http.ResponseWriter, r *http.Request) {
	if d.Hub == nil {
		WriteError(w, http.StatusInternalServerError, "no_hub", "WebSocket hub not initialized", d.Log)
		return
	}

	tenantID := auth.GetTenantID(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.Log.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	connID := ulid.Make().String()
	d.Log.Info("WebSocket connected", zap.String("connection", connID), zap.String("tenant_id", tenantID))

	wsConn := ws.NewConn(conn, d.Hub, connID, tenantID)
	d.Hub.Register(wsConn)

	go wsConn.WritePump()
	go wsConn.ReadPump()
}
