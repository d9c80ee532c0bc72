package http

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/nats-io/nats.go"

	natsadapter "github.com/samirrijal/proximity/internal/adapters/nats"
	"github.com/samirrijal/proximity/internal/core/domain"
	"github.com/samirrijal/proximity/internal/pkg/metrics"
)

// wsMessage is sent from client to narrow or widen the relayed event kinds.
type wsMessage struct {
	Action string `json:"action"` // "subscribe" | "unsubscribe"
	Kind   string `json:"kind"`   // update-start, update-cancel, update-error, update-end; "" = all
}

var eventKinds = []domain.EventKind{
	domain.EventUpdateStart,
	domain.EventUpdateCancel,
	domain.EventUpdateError,
	domain.EventUpdateEnd,
}

// WebSocketHandler returns a handler that relays proximity events from NATS
// to the connected client as JSON. Every kind is relayed until the client
// sends {"action":"unsubscribe","kind":"update-start"} or similar.
func WebSocketHandler(nc *nats.Conn) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		defer c.Close()

		remoteAddr := c.RemoteAddr().String()
		log := slog.Default().With("remote_addr", remoteAddr)

		var mu sync.Mutex
		writeJSON := func(v any) error {
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			return c.WriteMessage(websocket.TextMessage, data)
		}

		if nc == nil {
			_ = writeJSON(map[string]string{"error": "event relay unavailable"})
			return
		}

		metrics.ActiveWebSockets.Inc()
		defer metrics.ActiveWebSockets.Dec()
		log.Info("ws client connected")

		var kmu sync.RWMutex
		kinds := make(map[domain.EventKind]bool, len(eventKinds))
		for _, k := range eventKinds {
			kinds[k] = true
		}

		sub, err := nc.Subscribe(natsadapter.SubjectUpdates, func(msg *nats.Msg) {
			var ev domain.ProximityEvent
			if err := natsadapter.DecodeMsg(msg, &ev); err != nil {
				log.Warn("ws drop undecodable event", "subject", msg.Subject, "error", err)
				return
			}
			kmu.RLock()
			wanted := kinds[ev.Kind]
			kmu.RUnlock()
			if wanted {
				_ = writeJSON(ev)
			}
		})
		if err != nil {
			log.Error("ws subscribe failed", "error", err)
			return
		}
		defer func() { _ = sub.Unsubscribe() }()

		// Keep-alive ping
		done := make(chan struct{})
		defer close(done)
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					mu.Lock()
					err := c.WriteMessage(websocket.PingMessage, nil)
					mu.Unlock()
					if err != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()

		for {
			_, raw, err := c.ReadMessage()
			if err != nil {
				break
			}

			var m wsMessage
			if err := json.Unmarshal(raw, &m); err != nil {
				_ = writeJSON(map[string]string{"error": "invalid JSON"})
				continue
			}

			targets := eventKinds
			if m.Kind != "" {
				k := domain.EventKind(m.Kind)
				if !knownKind(k) {
					_ = writeJSON(map[string]string{"error": "unknown kind: " + m.Kind})
					continue
				}
				targets = []domain.EventKind{k}
			}

			var on bool
			switch m.Action {
			case "subscribe":
				on = true
			case "unsubscribe":
				on = false
			default:
				_ = writeJSON(map[string]string{"error": "unknown action: " + m.Action})
				continue
			}

			kmu.Lock()
			for _, k := range targets {
				kinds[k] = on
			}
			kmu.Unlock()
			_ = writeJSON(map[string]string{"status": m.Action + "d", "kind": kindLabel(m.Kind)})
		}

		log.Info("ws client disconnected")
	}
}

func knownKind(k domain.EventKind) bool {
	for _, known := range eventKinds {
		if k == known {
			return true
		}
	}
	return false
}

func kindLabel(kind string) string {
	if kind == "" {
		return "all"
	}
	return kind
}
