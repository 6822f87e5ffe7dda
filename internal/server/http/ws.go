package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rzbill/flare/internal/notify"
	"github.com/rzbill/flare/internal/server/http/controllers"
	logpkg "github.com/rzbill/flare/pkg/log"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// wsSink buffers outbound frames for one websocket client. Deliver never
// blocks; a slow client loses notifications rather than stalling delivery.
type wsSink struct {
	out chan []byte
}

func (s *wsSink) Deliver(room string, n notify.Notification) {
	b, err := json.Marshal(map[string]any{
		"type":         "notification",
		"room":         room,
		"notification": n,
	})
	if err != nil {
		return
	}
	select {
	case s.out <- b:
	default:
	}
}

func (s *wsSink) push(b []byte) {
	select {
	case s.out <- b:
	default:
	}
}

// wsFrame is one client request over the websocket protocol.
type wsFrame struct {
	RequestID  string `json:"requestId"`
	Controller string `json:"controller"`
	Action     string `json:"action"`
}

// handleWS upgrades to the websocket protocol: request frames carry
// controller/action plus arguments, responses echo the requestId, and
// notifications are pushed as they happen. Closing the socket releases
// every subscription of the connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", logpkg.Err(err))
		return
	}
	conn := connectionID()
	sink := &wsSink{out: make(chan []byte, s.sinkBuf)}
	s.svc.RegisterSink(conn, sink)
	s.logger.Debug("websocket open", logpkg.Str("connection", conn))

	done := make(chan struct{})
	go s.wsWriteLoop(ws, sink, done)

	hello, _ := json.Marshal(map[string]string{"type": "connected", "connection": conn})
	sink.push(hello)

	s.wsReadLoop(r, ws, conn, sink)

	close(done)
	s.svc.DropSink(conn)
	_ = ws.Close()
}

func (s *Server) wsReadLoop(r *http.Request, ws *websocket.Conn, conn string, sink *wsSink) {
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var frame wsFrame
		var args map[string]any
		if json.Unmarshal(data, &frame) != nil || json.Unmarshal(data, &args) != nil {
			sink.push(errorFrame("", http.StatusBadRequest, "Invalid request frame"))
			continue
		}
		req := controllers.NewRequest(frame.Controller, frame.Action, args)
		req.Connection = conn
		req.Protocol = "websocket"
		vol, err := req.RawObject("volatile")
		if err != nil {
			sink.push(errorFrame(frame.RequestID, statusFor(err), err.Error()))
			continue
		}
		req.Volatile = vol

		result, err := s.registry.Dispatch(r.Context(), req)
		if err != nil {
			sink.push(errorFrame(frame.RequestID, statusFor(err), err.Error()))
			continue
		}
		b, _ := json.Marshal(map[string]any{
			"type":      "response",
			"requestId": frame.RequestID,
			"status":    http.StatusOK,
			"result":    result,
		})
		sink.push(b)
	}
}

func (s *Server) wsWriteLoop(ws *websocket.Conn, sink *wsSink, done chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case b := <-sink.out:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

func errorFrame(requestID string, status int, message string) []byte {
	b, _ := json.Marshal(map[string]any{
		"type":      "response",
		"requestId": requestID,
		"status":    status,
		"error":     message,
	})
	return b
}
