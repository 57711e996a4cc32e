package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsSubscribe struct {
	RunID string `json:"runId"`
}

// RunWSHandler streams correlation run events over WebSocket at /v1/runs/ws.
// The client sends {"type":"subscribe","id":"...","payload":{"runId":"..."}}
// and receives "event" frames until it unsubscribes or disconnects.
func (s *Server) RunWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	type sub struct {
		runID string
		ch    chan SSEEvent
		done  chan struct{}
	}
	subs := map[string]sub{}
	defer func() {
		for _, su := range subs {
			close(su.done)
			s.Broker.Unsubscribe(su.runID, su.ch)
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	write := func(v any) error { return conn.WriteJSON(v) }

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			var pl wsSubscribe
			_ = json.Unmarshal(msg.Payload, &pl)
			if pl.RunID == "" || msg.ID == "" {
				_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: json.RawMessage(`{"message":"runId and id required"}`)})
				continue
			}
			if _, exists := subs[msg.ID]; exists {
				continue
			}
			ch := s.Broker.Subscribe(pl.RunID)
			done := make(chan struct{})
			subs[msg.ID] = sub{runID: pl.RunID, ch: ch, done: done}
			go func(id string) {
				for {
					select {
					case <-done:
						return
					case evt, ok := <-ch:
						if !ok {
							return
						}
						b, _ := json.Marshal(map[string]any{"type": evt.Type, "data": evt.Data})
						if err := write(wsMessage{Type: "event", ID: id, Payload: b}); err != nil {
							return
						}
					}
				}
			}(msg.ID)
		case "unsubscribe":
			if su, ok := subs[msg.ID]; ok {
				close(su.done)
				s.Broker.Unsubscribe(su.runID, su.ch)
				delete(subs, msg.ID)
			}
		}
	}
}
