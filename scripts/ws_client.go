// Package main runs a demo WebSocket client for correlation run events.
// It kicks off a batch correlation run, then streams its progress over
// /v1/runs/ws until the run completes.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Connect WS first so early progress events are not missed once the run
	// id is known.
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/runs/ws"}
	hdr := http.Header{}
	hdr.Set("X-Tenant-Id", "t_demo")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	// Kick off a run in the background; the response carries the run id.
	runID := make(chan string, 1)
	go func() {
		body := []byte(`{"startDate":"2024-09-01","endDate":"2024-09-07"}`)
		req, _ := http.NewRequest(http.MethodPost, base+"/v1/correlate/run", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-Id", "t_demo")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Fatal(err)
		}
		defer func() { _ = resp.Body.Close() }()
		var stats struct {
			RunID string `json:"runId"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			log.Fatal(err)
		}
		runID <- stats.RunID
	}()

	id := <-runID
	log.Printf("Run ID: %s", id)
	payload, _ := json.Marshal(map[string]string{"runId": id})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "sub1", Payload: payload}); err != nil {
		log.Fatal(err)
	}

	deadline := time.After(30 * time.Second)
	for {
		select {
		case <-deadline:
			log.Println("done (timeout)")
			return
		default:
		}
		_ = c.SetReadDeadline(time.Now().Add(30 * time.Second))
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			log.Printf("read: %v", err)
			return
		}
		log.Printf("event: %s %s", msg.Type, string(msg.Payload))
		var evt struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(msg.Payload, &evt)
		if evt.Type == "run.completed" || evt.Type == "run.failed" {
			return
		}
	}
}
