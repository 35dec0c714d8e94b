// ABOUTME: Websocket push channel that streams instance snapshots on every registry change
// ABOUTME: Lets the web UI follow instances without polling GET /instances

package broker

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/opencode-web/internal/api"
	"github.com/2389/opencode-web/internal/events"
)

const (
	watchWriteWait  = 10 * time.Second
	watchPongWait   = 60 * time.Second
	watchPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	// The browser UI is served from another origin; the broker is loopback-only.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleWatch handles GET /watch. The first message is a snapshot; each
// registry change then pushes a fresh snapshot tagged with the change kind.
func (b *Broker) handleWatch(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("watch upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	changes, subID := b.broadcaster.Subscribe(ctx, events.AllInstances)
	defer b.broadcaster.Unsubscribe(events.AllInstances, subID)

	// The reader only services control frames and notices the client leaving.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(watchPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(watchPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger := b.logger.With("sub_id", subID)
	logger.Debug("watcher connected")
	defer logger.Debug("watcher disconnected")

	if err := b.writeWatch(conn, api.WatchMessage{Type: "snapshot", Instances: b.snapshot()}); err != nil {
		return
	}

	ticker := time.NewTicker(watchPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case change, ok := <-changes:
			if !ok {
				// Broker shutting down.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "broker shutting down"),
					time.Now().Add(watchWriteWait))
				return
			}
			msg := api.WatchMessage{
				Type:      string(change.Kind),
				CWD:       change.Instance.CWD,
				Instances: b.snapshot(),
			}
			if err := b.writeWatch(conn, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *Broker) writeWatch(conn *websocket.Conn, msg api.WatchMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		b.logger.Debug("watch write failed", "error", err)
		return err
	}
	return nil
}
