// Package wsbridge streams bus.Event values to WebSocket clients using
// github.com/coder/websocket, upgrading an HTTP request and forwarding
// every event on a subscribed topic to the connection as JSON until the
// client disconnects.
package wsbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/agentforge/core/internal/bus"
	"github.com/agentforge/core/pkg/protocol"
)

// Bridge upgrades incoming HTTP requests to WebSocket connections and
// subscribes each connection to a bus.EventPublisher for the lifetime of
// the socket.
type Bridge struct {
	publisher bus.EventPublisher

	mu    sync.Mutex
	conns map[*connection]struct{}
}

type connection struct {
	ws    *websocket.Conn
	subID string
	topic string
}

// New constructs a Bridge fed by publisher.
func New(publisher bus.EventPublisher) *Bridge {
	return &Bridge{publisher: publisher, conns: make(map[*connection]struct{})}
}

// ServeHTTP upgrades the request and streams every event on topic (or
// bus.Topic, for all events) to the client as JSON until the connection
// closes or the request context is cancelled.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = bus.Topic
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()
	out := make(chan bus.Event, 64)

	subID, err := b.publisher.Subscribe(topic, func(e bus.Event) {
		if e.Name == protocol.EventCacheInvalidate {
			return
		}
		select {
		case out <- e:
		default:
			// Slow client; drop rather than block the emitter.
		}
	})
	if err != nil {
		ws.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer b.publisher.Unsubscribe(topic, subID)

	conn := &connection{ws: ws, subID: subID, topic: topic}
	b.track(conn)
	defer b.untrack(conn)

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "context done")
			return
		case e := <-out:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, ws, e)
			cancel()
			if err != nil {
				return
			}
		case <-pingTicker.C:
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := ws.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (b *Bridge) track(c *connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[c] = struct{}{}
}

func (b *Bridge) untrack(c *connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c)
}

// ActiveConnections returns the number of currently connected clients.
func (b *Bridge) ActiveConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// marshalEvent encodes e as JSON. It is unexported, so only code in this
// package can call it.
func marshalEvent(e bus.Event) ([]byte, error) { return json.Marshal(e) }
