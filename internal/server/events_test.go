package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// sseStream opens the event stream and blocks until the server has confirmed
// the subscription, so events published afterwards cannot be missed.
func sseStream(t *testing.T, ctx context.Context, baseURL, token, query string) *bufio.Reader {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/events?token="+token+query, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream: expected 200, got %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if !strings.HasPrefix(line, ":") {
		t.Fatalf("expected comment greeting, got %q", line)
	}
	// Consume the blank line terminating the greeting so it is not mistaken
	// for stream activity later.
	if line, err = reader.ReadString('\n'); err != nil {
		t.Fatalf("read greeting separator: %v", err)
	} else if line != "\n" {
		t.Fatalf("expected blank separator after greeting, got %q", line)
	}
	return reader
}

// nextEvent reads one "event:"/"data:" pair off the stream.
func nextEvent(t *testing.T, reader *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

func TestSSEFilteredMessageDelivery(t *testing.T) {
	r := NewRouter(newTestDeps(t))
	srv := httptest.NewServer(r)
	defer srv.Close()

	token := registerUser(t, r, "alice")
	_, resp := doJSON(t, r, http.MethodPost, "/v1/sessions", token, map[string]any{"tag": "s1"})
	s1 := resp["session"].(map[string]any)["id"].(string)
	_, resp = doJSON(t, r, http.MethodPost, "/v1/sessions", token, map[string]any{"tag": "s2"})
	s2 := resp["session"].(map[string]any)["id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reader := sseStream(t, ctx, srv.URL, token, "&sessionId="+s1)

	// One message to the watched session, one to the other.
	doJSON(t, r, http.MethodPost, "/v1/sessions/"+s2+"/messages", token, map[string]any{
		"content": map[string]any{"text": "elsewhere"},
	})
	doJSON(t, r, http.MethodPost, "/v1/sessions/"+s1+"/messages", token, map[string]any{
		"content": map[string]any{"text": "watched"},
	})

	// The first event on this stream must already be the watched session's.
	event, data := nextEvent(t, reader)
	if event != "message.updated" {
		t.Fatalf("expected message.updated, got %q", event)
	}
	var payload struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		t.Fatalf("unmarshal event: %v (%s)", err, data)
	}
	if payload.SessionID != s1 {
		t.Fatalf("expected event for %s, got %s", s1, payload.SessionID)
	}
}

func TestSSENamespaceScoped(t *testing.T) {
	r := NewRouter(newTestDeps(t))
	srv := httptest.NewServer(r)
	defer srv.Close()

	alice := registerUser(t, r, "alice")
	bob := registerUser(t, r, "bob")

	// Bob subscribes to everything in his namespace.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reader := sseStream(t, ctx, srv.URL, bob, "")

	// Alice's activity must never show up.
	_, resp := doJSON(t, r, http.MethodPost, "/v1/sessions", alice, map[string]any{"tag": "t"})
	s := resp["session"].(map[string]any)["id"].(string)
	doJSON(t, r, http.MethodPost, "/v1/sessions/"+s+"/messages", alice, map[string]any{
		"content": map[string]any{"text": "private"},
	})

	// The stream stays silent until the context deadline kills it.
	if _, err := reader.ReadString('\n'); err == nil {
		t.Fatalf("expected no events for bob")
	}
}

func TestSSERejectsConflictingFilters(t *testing.T) {
	r := NewRouter(newTestDeps(t))
	token := registerUser(t, r, "alice")

	w, _ := doJSON(t, r, http.MethodGet, "/v1/events?token="+token+"&sessionId=a&machineId=b", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestWebSocketPingAndEventDelivery(t *testing.T) {
	r := NewRouter(newTestDeps(t))
	srv := httptest.NewServer(r)
	defer srv.Close()

	token := registerUser(t, r, "alice")
	_, resp := doJSON(t, r, http.MethodPost, "/v1/sessions", token, map[string]any{"tag": "t"})
	sessionID := resp["session"].(map[string]any)["id"].(string)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong map[string]any
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if pong["type"] != "pong" {
		t.Fatalf("expected pong, got %v", pong)
	}

	doJSON(t, r, http.MethodPost, "/v1/sessions/"+sessionID+"/messages", token, map[string]any{
		"content": map[string]any{"text": "hello"},
	})

	// Skip any session.updated frames until the message event arrives.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for message event")
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if frame["event"] == "message.updated" {
			if frame["sessionId"] != sessionID {
				t.Fatalf("expected session %s, got %v", sessionID, frame["sessionId"])
			}
			return
		}
	}
}

func TestWebSocketRequiresAuth(t *testing.T) {
	r := NewRouter(newTestDeps(t))
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake rejection")
	}
}
