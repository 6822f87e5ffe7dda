package client

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func stubAPI(t *testing.T) (*httptest.Server, BaseURLFunc) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/realtime/publish", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if body["index"] != "hq" || body["body"] == nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "missing argument"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"published": true}})
	})
	mux.HandleFunc("/v1/realtime/count", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("roomId") != "room-1" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "room not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"count": 3}})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, func() string { return ts.URL }
}

func TestPublishCommand(t *testing.T) {
	_, baseURL := stubAPI(t)
	cmd := NewRealtimeCommand(baseURL)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"publish", "--index", "hq", "--collection", "offices", "--message", `{"hello":"world"}`})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !strings.Contains(out.String(), "published") {
		t.Fatalf("output: %q", out.String())
	}
}

func TestPublishCommandRequiresMessage(t *testing.T) {
	_, baseURL := stubAPI(t)
	cmd := NewRealtimeCommand(baseURL)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"publish", "--index", "hq", "--collection", "offices"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error without --message")
	}
}

func TestCountCommand(t *testing.T) {
	_, baseURL := stubAPI(t)
	cmd := NewRealtimeCommand(baseURL)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"count", "--room", "room-1"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("count: %v", err)
	}
	if !strings.Contains(out.String(), `"count":3`) {
		t.Fatalf("output: %q", out.String())
	}
}

func TestCountCommandUnknownRoom(t *testing.T) {
	_, baseURL := stubAPI(t)
	cmd := NewRealtimeCommand(baseURL)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"count", "--room", "missing"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for unknown room")
	}
}
