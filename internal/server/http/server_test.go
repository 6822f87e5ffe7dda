package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	cfgpkg "github.com/rzbill/flare/internal/config"
	"github.com/rzbill/flare/internal/notify"
	"github.com/rzbill/flare/internal/runtime"
	realtimesvc "github.com/rzbill/flare/internal/services/realtime"
	pebblestore "github.com/rzbill/flare/internal/storage/pebble"
	logpkg "github.com/rzbill/flare/pkg/log"
)

func newServerForTest(t *testing.T) (*Server, *realtimesvc.Service) {
	t.Helper()
	rt, err := runtime.Open(runtime.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
		Config:  cfgpkg.Config{NodeID: "node-test"},
	})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	svc := realtimesvc.NewWithLogger(rt, logpkg.Discard())
	if err := svc.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	return New(rt, svc, logpkg.Discard()), svc
}

func doJSON(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

type memSink struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (m *memSink) Deliver(room string, n notify.Notification) {
	m.mu.Lock()
	m.got = append(m.got, n)
	m.mu.Unlock()
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.got)
}

func TestHealthHandler(t *testing.T) {
	s, _ := newServerForTest(t)
	w, out := doJSON(t, s, http.MethodGet, "/v1/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if out["status"] != "ok" {
		t.Fatalf("body: %s", w.Body.String())
	}
}

func TestSubscribeAndNotifyOverAPI(t *testing.T) {
	s, svc := newServerForTest(t)
	sink := &memSink{}
	svc.RegisterSink("conn-1", sink)

	body := `{"index":"hq","collection":"offices","connection":"conn-1","body":{"equals":{"city":"Paris"}}}`
	w, out := doJSON(t, s, http.MethodPost, "/v1/realtime/subscribe", body)
	if w.Code != http.StatusOK {
		t.Fatalf("subscribe status: %d body: %s", w.Code, w.Body.String())
	}
	result := out["result"].(map[string]any)
	roomID, _ := result["roomId"].(string)
	if roomID == "" || result["count"].(float64) != 1 {
		t.Fatalf("subscribe result: %v", result)
	}

	notifyBody := `{"index":"hq","collection":"offices","_id":"d1","body":{"city":"Paris"}}`
	w, _ = doJSON(t, s, http.MethodPost, "/v1/realtime/notify", notifyBody)
	if w.Code != http.StatusOK {
		t.Fatalf("notify status: %d body: %s", w.Code, w.Body.String())
	}
	if sink.count() != 1 {
		t.Fatalf("sink received %d notifications", sink.count())
	}

	w, out = doJSON(t, s, http.MethodGet, "/v1/realtime/count?roomId="+roomID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("count status: %d", w.Code)
	}
	if out["result"].(map[string]any)["count"].(float64) != 1 {
		t.Fatalf("count result: %v", out)
	}
}

func TestSubscribeWithoutConnectionRejected(t *testing.T) {
	s, _ := newServerForTest(t)
	body := `{"index":"hq","collection":"offices","body":{}}`
	w, _ := doJSON(t, s, http.MethodPost, "/v1/realtime/subscribe", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d, want 400", w.Code)
	}
}

func TestVolatileWrongTypeRejected(t *testing.T) {
	s, svc := newServerForTest(t)
	svc.RegisterSink("conn-1", &memSink{})

	body := `{"index":"hq","collection":"offices","connection":"conn-1","body":{},"volatile":42}`
	w, _ := doJSON(t, s, http.MethodPost, "/v1/realtime/subscribe", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d, want 400", w.Code)
	}
	if len(svc.Registry().Rooms()) != 0 {
		t.Fatal("subscription created despite rejected volatile")
	}
}

func TestInvalidFilterRejected(t *testing.T) {
	s, _ := newServerForTest(t)
	body := `{"index":"hq","collection":"offices","connection":"c","body":{"frobnicate":{}}}`
	w, _ := doJSON(t, s, http.MethodPost, "/v1/realtime/subscribe", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d, want 400", w.Code)
	}
}

func TestCountUnknownRoom(t *testing.T) {
	s, _ := newServerForTest(t)
	w, _ := doJSON(t, s, http.MethodGet, "/v1/realtime/count?roomId=missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status: %d, want 404", w.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	s, _ := newServerForTest(t)
	w, _ := doJSON(t, s, http.MethodGet, "/v1/nothing/here", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status: %d, want 404", w.Code)
	}
}

func TestDuplicateControllerRejected(t *testing.T) {
	s, svc := newServerForTest(t)
	_ = svc
	err := s.Register("realtime", nil)
	if err == nil {
		t.Fatal("expected duplicate controller registration to fail")
	}
}

func TestPublishOverAPI(t *testing.T) {
	s, _ := newServerForTest(t)
	body := `{"index":"hq","collection":"offices","body":{"hello":"world"}}`
	w, _ := doJSON(t, s, http.MethodPost, "/v1/realtime/publish", body)
	if w.Code != http.StatusOK {
		t.Fatalf("publish status: %d body: %s", w.Code, w.Body.String())
	}
}

func TestSSEStreamDeliversNotifications(t *testing.T) {
	s, _ := newServerForTest(t)
	s.registry.Start()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/realtime/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	readEvent := func() (string, map[string]any) {
		t.Helper()
		var event string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "event: ") {
				event = strings.TrimPrefix(line, "event: ")
			}
			if strings.HasPrefix(line, "data: ") {
				var data map[string]any
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data); err != nil {
					t.Fatalf("decode event: %v", err)
				}
				return event, data
			}
		}
	}

	event, data := readEvent()
	if event != "connected" {
		t.Fatalf("first event = %q", event)
	}
	conn := data["connection"].(string)

	sub := `{"index":"hq","collection":"offices","connection":"` + conn + `","body":{}}`
	res, err := http.Post(ts.URL+"/v1/realtime/subscribe", "application/json", strings.NewReader(sub))
	if err != nil {
		t.Fatalf("subscribe over http: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("subscribe status: %d", res.StatusCode)
	}

	pub := `{"index":"hq","collection":"offices","body":{"hello":"world"}}`
	res, err = http.Post(ts.URL+"/v1/realtime/publish", "application/json", strings.NewReader(pub))
	if err != nil {
		t.Fatalf("publish over http: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish status: %d", res.StatusCode)
	}

	event, data = readEvent()
	if event != "notification" {
		t.Fatalf("second event = %q", event)
	}
	n := data["notification"].(map[string]any)
	if n["scope"] != "in" || n["event"] != "publish" {
		t.Fatalf("notification = %v", n)
	}
}

func TestWebsocketProtocol(t *testing.T) {
	s, _ := newServerForTest(t)
	s.registry.Start()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/realtime/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	readFrame := func() map[string]any {
		t.Helper()
		var frame map[string]any
		if err := ws.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		return frame
	}

	hello := readFrame()
	if hello["type"] != "connected" || hello["connection"] == "" {
		t.Fatalf("hello frame = %v", hello)
	}

	sub := map[string]any{
		"requestId":  "r1",
		"controller": "realtime",
		"action":     "subscribe",
		"index":      "hq",
		"collection": "offices",
		"body":       map[string]any{"equals": map[string]any{"city": "Paris"}},
	}
	if err := ws.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	resp := readFrame()
	if resp["type"] != "response" || resp["requestId"] != "r1" || resp["status"].(float64) != 200 {
		t.Fatalf("subscribe response = %v", resp)
	}

	doc := map[string]any{
		"requestId":  "r2",
		"controller": "realtime",
		"action":     "notify",
		"index":      "hq",
		"collection": "offices",
		"_id":        "d1",
		"body":       map[string]any{"city": "Paris"},
	}
	if err := ws.WriteJSON(doc); err != nil {
		t.Fatalf("write notify: %v", err)
	}

	// The own-request response and the pushed notification both arrive.
	sawNotification := false
	for i := 0; i < 2; i++ {
		frame := readFrame()
		if frame["type"] == "notification" {
			n := frame["notification"].(map[string]any)
			if n["scope"] != "in" {
				t.Fatalf("notification = %v", n)
			}
			sawNotification = true
		}
	}
	if !sawNotification {
		t.Fatal("no notification pushed over websocket")
	}
}
