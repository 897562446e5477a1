package checkpoint

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/smilemakc/cascade/internal/domain"
	"github.com/smilemakc/cascade/internal/obslog"
)

// WSNotifier fans a checkpoint lifecycle event out to every connected
// operator-dashboard websocket client. Grounded on gorilla/websocket's
// standard hub pattern (one goroutine-safe broadcast set, write errors drop
// the offending connection rather than blocking the others).
type WSNotifier struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewWSNotifier() *WSNotifier {
	return &WSNotifier{conns: make(map[*websocket.Conn]struct{})}
}

// Register adds a live connection to the broadcast set; the caller owns the
// connection's read loop and must call Remove on disconnect.
func (n *WSNotifier) Register(conn *websocket.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conns[conn] = struct{}{}
}

func (n *WSNotifier) Remove(conn *websocket.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, conn)
	_ = conn.Close()
}

func (n *WSNotifier) Notify(cp domain.Checkpoint) {
	payload, err := json.Marshal(cp)
	if err != nil {
		obslog.L("checkpoint").Error().Err(err).Msg("marshal checkpoint notification")
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for conn := range n.conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			delete(n.conns, conn)
			_ = conn.Close()
		}
	}
}
