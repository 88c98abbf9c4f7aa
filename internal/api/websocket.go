package api

import (
	"net/http"
	"strings"

	"griddesk/internal/ws"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The console is served from the same origin in production; origin
		// checking is delegated to the fronting proxy.
		return true
	},
}

func (d Dependencies) wsHandler(w http.ResponseWriter, r *http.Request) {
	if d.Hub == nil {
		d.Log.Error("WebSocket hub not initialized")
		http.Error(w, "WebSocket hub not initialized", http.StatusInternalServerError)
		return
	}

	operator := d.extractOperator(r)
	if operator == "" {
		operator = "anonymous"
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.Log.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	d.Log.Info("Console connected",
		zap.String("operator", operator),
		zap.String("remote", r.RemoteAddr),
	)

	wsConn := ws.NewConn(conn, d.Hub, operator)
	d.Hub.Register(wsConn)

	go wsConn.WritePump()
	go wsConn.ReadPump()
}

func (d Dependencies) extractOperator(r *http.Request) string {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		tokenString = r.Header.Get("Authorization")
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	}
	if tokenString != "" {
		if operator := d.JWT.OperatorFromToken(tokenString); operator != "" {
			return operator
		}
	}

	// Development fallback
	return r.Header.Get("X-Operator-ID")
}
