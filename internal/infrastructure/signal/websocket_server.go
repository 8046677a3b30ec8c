package signal

import (
	"encoding/json"
	"net/http"
	"time"

	rlog "routerd/pkg/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketServer accepts peers over websocket and hands each upgraded
// connection to the broker.
type WebSocketServer struct {
	broker   *Broker
	upgrader websocket.Upgrader
	opts     ChannelOptions
	logger   *zap.SugaredLogger
}

// NewWebSocketServer builds a server. An empty allowedOrigins list
// accepts any origin.
func NewWebSocketServer(broker *Broker, opts ChannelOptions, allowedOrigins []string, logger *zap.SugaredLogger) *WebSocketServer {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &WebSocketServer{
		broker: broker,
		opts:   opts,
		logger: rlog.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				return origins[r.Header.Get("Origin")]
			},
		},
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.logger.Debugw("websocket accepted", "remote", conn.RemoteAddr().String())
	s.broker.Serve(NewWebSocketChannel(conn, s.opts))
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	counts := s.broker.Registry().CountByRole()
	byRole := make(map[string]int, len(counts))
	for role, n := range counts {
		byRole[string(role)] = n
	}

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.broker.Registry().Len(),
		"by_role":     byRole,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}
