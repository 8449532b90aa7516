package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/eegflow/internal/progress"
)

const (
	sseKeepAlive = 15 * time.Second
	wsWriteWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// serveSSE writes every snapshot of sub as a server-sent event until the
// terminal one, or until the client goes away.
func serveSSE[S progress.Snapshot](w http.ResponseWriter, r *http.Request, sub *progress.Subscription[S], log *slog.Logger) {
	defer sub.Close()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		log.Warn("SSE flush unsupported", "error", err)
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case s, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(s)
			if err != nil {
				log.Error("Failed to encode progress event", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// serveWS upgrades the connection and sends every snapshot of sub as a JSON
// text message, then closes normally after the terminal one.
func serveWS[S progress.Snapshot](w http.ResponseWriter, r *http.Request, sub *progress.Subscription[S], log *slog.Logger) {
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer conn.Close()

	// drain client frames so a client close is noticed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for s := range sub.C {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(s); err != nil {
			log.Warn("Failed to write WebSocket JSON", "error", err)
			return
		}
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
}
