package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driftwood-labs/qwatch"
	"github.com/driftwood-labs/qwatch/internal/common"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler exposes an Engine's Watch/Subscription API over a WebSocket:
// clients send {"type":"subscribe","sql":"..."} and receive ready/insert/
// update/delete/changes/error messages per subscription.
type WSHandler struct {
	Engine *qwatch.Engine
}

func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		L(r.Context()).Error("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := L(r.Context())

	var sendMu sync.Mutex
	send := func(msgType string, payload any) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return conn.WriteJSON(map[string]any{"type": msgType, "data": payload})
	}

	var subsMu sync.Mutex
	subs := map[string]*qwatch.Subscription{}
	defer func() {
		subsMu.Lock()
		defer subsMu.Unlock()
		for _, s := range subs {
			_ = s.Close(context.Background())
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Info("ws connection closed", zap.Error(err))
			return
		}

		var req struct {
			Type string `json:"type"`
			SQL  string `json:"sql"`
			ID   string `json:"id"`
		}
		if err := json.Unmarshal(msg, &req); err != nil {
			_ = send("error", map[string]string{"error": "invalid JSON"})
			continue
		}

		switch strings.ToLower(req.Type) {
		case "subscribe":
			if req.SQL == "" {
				_ = send("error", map[string]string{"error": "missing sql"})
				continue
			}
			sub, err := h.Engine.Watch(r.Context(), req.SQL)
			if err != nil {
				_ = send("error", map[string]string{"error": err.Error()})
				continue
			}

			subsMu.Lock()
			subs[sub.ID] = sub
			subsMu.Unlock()

			go h.pump(sub, send, log)
			_ = send("subscribed", map[string]any{"id": sub.ID, "tables": sub.Tables})

		case "unsubscribe":
			subsMu.Lock()
			sub, ok := subs[req.ID]
			delete(subs, req.ID)
			subsMu.Unlock()
			if ok {
				_ = sub.Close(r.Context())
			}
			_ = send("unsubscribed", map[string]string{"id": req.ID})

		default:
			_ = send("error", map[string]string{"error": "unknown message type"})
		}
	}
}

// pump forwards one subscription's events to the client until the
// subscription is closed (its Events channel is never closed by the engine
// directly; it stops being read once the handler above calls sub.Close).
func (h *WSHandler) pump(sub *qwatch.Subscription, send func(string, any) error, log *zap.Logger) {
	schema, table := "", ""
	if len(sub.Tables) > 0 {
		parts := strings.SplitN(sub.Tables[0], ".", 2)
		if len(parts) == 2 {
			schema, table = parts[0], parts[1]
		}
	}
	idCol := h.Engine.IdentityColumn()

	toWire := func(row *qwatch.Row) map[string]any {
		if row == nil {
			return nil
		}
		out := map[string]any{"id": row.ID, "rn": row.Rn}
		for i, c := range row.Columns {
			if i < len(row.Values) {
				out[c] = row.Values[i]
			}
		}
		if schema != "" {
			out["editHandle"] = common.EncodeHandle(schema, table, []string{idCol}, []any{row.ID})
		}
		return out
	}

	for ev := range sub.Events {
		switch ev.Type {
		case qwatch.EventReady:
			if err := send("ready", map[string]any{"id": sub.ID}); err != nil {
				log.Info("ws send failed, stopping pump", zap.Error(err))
				return
			}
		case qwatch.EventInsert, qwatch.EventUpdate, qwatch.EventDelete:
			if err := send(string(ev.Type), map[string]any{"id": sub.ID, "row": toWire(ev.Row)}); err != nil {
				log.Info("ws send failed, stopping pump", zap.Error(err))
				return
			}
		case qwatch.EventChanges:
			if err := send("changes", map[string]any{"id": sub.ID, "count": len(ev.Rows)}); err != nil {
				return
			}
		case qwatch.EventError:
			if err := send("error", map[string]any{"id": sub.ID, "error": ev.Err.Error()}); err != nil {
				return
			}
		}
	}
}
