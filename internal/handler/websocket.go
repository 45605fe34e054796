package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flintttan/hapi-sub000/internal/broadcast"
	"github.com/flintttan/hapi-sub000/internal/middleware"
	"github.com/flintttan/hapi-sub000/internal/outbox"
)

// WebSocketHandler is the websocket counterpart of the SSE stream: the same
// filtered event feed, delivered as one JSON text frame per event.
type WebSocketHandler struct {
	Broadcaster     *broadcast.Broadcaster
	Limits          outbox.Limits
	DropLogInterval time.Duration
	Log             *zap.Logger
}

type clientMessage struct {
	Type string `json:"type"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsWriter serializes data frames. The flusher goroutine and the read loop's
// pong replies both write through it.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (h *WebSocketHandler) Serve(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	filter, ok := filterFromQuery(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId and machineId are mutually exclusive"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	writer := &wsWriter{conn: ws}

	ob := outbox.New(h.Limits, h.DropLogInterval, h.Log)
	sub := h.Broadcaster.Subscribe(id.Namespace, filter, ob, func(items []outbox.Item) {
		for _, it := range items {
			if err := writer.Write(it.Payload); err != nil {
				_ = ws.Close()
				return
			}
		}
	})
	defer h.Broadcaster.Unsubscribe(sub)

	ws.SetReadLimit(1024 * 1024)
	const pongWait = 60 * time.Second
	const writeWait = 10 * time.Second
	pingPeriod := (pongWait * 9) / 10

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() {
		closeOnce.Do(func() {
			close(done)
		})
	}
	defer closeDone()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeWait)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		if msg.Type == "ping" {
			out, _ := json.Marshal(gin.H{"type": "pong"})
			_ = writer.Write(out)
		}
	}
}
