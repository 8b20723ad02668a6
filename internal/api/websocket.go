package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// upgrader validates the connecting origin the same way the teacher's
// fabric.buildCheckOrigin does: when LEDGER_ENV is "production" and
// LEDGER_ALLOWED_ORIGINS is set, only those origins are accepted; otherwise
// every origin is allowed.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     buildCheckOrigin(),
}

func buildCheckOrigin() func(*http.Request) bool {
	env := os.Getenv("LEDGER_ENV")
	allowedRaw := os.Getenv("LEDGER_ALLOWED_ORIGINS")
	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	return func(*http.Request) bool { return true }
}

// AlertStream pushes integrity alerts (spec.md §4.7) to connected operators
// over a websocket, adapted from the teacher's fabric.Hub spoke broadcast
// for a single fan-out topic instead of a full mesh. It satisfies
// events.EventEmitter so internal/monitor can dispatch straight to it.
type AlertStream struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
	logger  *slog.Logger
}

// NewAlertStream constructs an empty AlertStream.
func NewAlertStream() *AlertStream {
	return &AlertStream{
		clients: make(map[*websocket.Conn]chan []byte),
		logger:  slog.Default().With("component", "api.AlertStream"),
	}
}

// ServeWS upgrades the connection and registers it as an alert subscriber
// until the client disconnects.
func (a *AlertStream) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	send := make(chan []byte, 32)
	a.mu.Lock()
	a.clients[conn] = send
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.clients, conn)
		a.mu.Unlock()
		conn.Close()
	}()

	for msg := range send {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Emit satisfies events.EventEmitter: every CloudEvent the monitor raises is
// broadcast verbatim (as JSON) to every connected client.
func (a *AlertStream) Emit(eventType, source, subject string, data map[string]interface{}) {
	payload, err := json.Marshal(map[string]interface{}{
		"type":    eventType,
		"source":  source,
		"subject": subject,
		"data":    data,
	})
	if err != nil {
		a.logger.Error("failed to marshal alert for broadcast", "error", err)
		return
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, ch := range a.clients {
		select {
		case ch <- payload:
		default:
			a.logger.Warn("alert stream client buffer full, dropping message")
		}
	}
}
