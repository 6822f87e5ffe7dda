package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rzbill/flare/internal/notify"
	"github.com/rzbill/flare/internal/server/http/controllers"
	logpkg "github.com/rzbill/flare/pkg/log"
)

// sseEvent pairs a notification with the room it was delivered on.
type sseEvent struct {
	Room         string              `json:"room"`
	Notification notify.Notification `json:"notification"`
}

// sseSink buffers notifications for one SSE stream. Deliver never blocks;
// when the client cannot keep up, notifications are dropped.
type sseSink struct {
	ch chan sseEvent
}

func (s *sseSink) Deliver(room string, n notify.Notification) {
	select {
	case s.ch <- sseEvent{Room: room, Notification: n}:
	default:
	}
}

const sseKeepAlive = 15 * time.Second

// handleSSE opens a notification stream. The first event announces the
// connection id; the client passes it as the connection argument of
// subscribe calls. Dropping the stream releases every subscription bound
// to it.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		controllers.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		controllers.WriteError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	conn := connectionID()
	sink := &sseSink{ch: make(chan sseEvent, s.sinkBuf)}
	s.svc.RegisterSink(conn, sink)
	defer s.svc.DropSink(conn)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := writeSSE(w, "connected", map[string]string{"connection": conn}); err != nil {
		return
	}
	flusher.Flush()
	s.logger.Debug("sse stream open", logpkg.Str("connection", conn))

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-sink.ch:
			if err := writeSSE(w, "notification", ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + event + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}
