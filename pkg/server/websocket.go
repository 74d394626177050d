package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/aeolun/relaychat/pkg/netutil"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// Browser and terminal clients alike; the protocol carries no credentials
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and serves it as a directory
// connection. Each binary WebSocket message carries a slice of the packet
// stream; message boundaries need not line up with protocol messages.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		errorLog.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.handleConnection(netutil.NewWebSocketConn(ws), "websocket")
}
