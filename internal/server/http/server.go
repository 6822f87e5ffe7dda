package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rzbill/flare/internal/filters"
	"github.com/rzbill/flare/internal/rooms"
	"github.com/rzbill/flare/internal/runtime"
	"github.com/rzbill/flare/internal/server/http/controllers"
	realtimesvc "github.com/rzbill/flare/internal/services/realtime"
	logpkg "github.com/rzbill/flare/pkg/log"
)

// Server is the client-facing gateway: a JSON API routed through the
// controller registry plus SSE and websocket streams that carry
// notifications back to subscribers.
type Server struct {
	rt       *runtime.Runtime
	svc      *realtimesvc.Service
	logger   logpkg.Logger
	registry *controllers.Registry
	srv      *http.Server
	lis      net.Listener
	upgrader websocket.Upgrader
	sinkBuf  int
}

// New builds a Server with the built-in server and realtime controllers
// registered. Additional controllers may be added with Use or Register
// until ListenAndServe is called.
func New(rt *runtime.Runtime, svc *realtimesvc.Service, logger logpkg.Logger) *Server {
	if logger == nil {
		logger = logpkg.NewLogger().With(logpkg.Component("http"))
	}
	sinkBuf := rt.Config().Realtime.SinkBuffer
	if sinkBuf <= 0 {
		sinkBuf = 256
	}
	s := &Server{
		rt:       rt,
		svc:      svc,
		logger:   logger,
		registry: controllers.NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sinkBuf: sinkBuf,
	}
	// Built-in controllers; errors here are programming mistakes.
	if err := s.registry.Use(controllers.NewGeneralController(rt, svc)); err != nil {
		panic(err)
	}
	if err := s.registry.Use(controllers.NewRealtimeController(svc)); err != nil {
		panic(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/realtime/stream", s.handleSSE)
	mux.HandleFunc("/v1/realtime/ws", s.handleWS)
	mux.HandleFunc("/v1/", s.handleAPI)
	s.srv = &http.Server{Handler: cors(mux)}
	return s
}

// Use registers a controller under its own name. Returns
// controllers.ErrAlreadyStarted once the server is serving.
func (s *Server) Use(c controllers.Controller) error { return s.registry.Use(c) }

// Register registers a named action set.
func (s *Server) Register(name string, actions map[string]controllers.ActionFunc) error {
	return s.registry.Register(name, actions)
}

// Handler exposes the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe freezes the controller registry and serves until ctx is
// canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.registry.Start()
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the listener.
func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		controllers.WriteError(w, http.StatusServiceUnavailable, "not_serving")
		return
	}
	controllers.WriteJSON(w, map[string]string{"status": "ok"})
}

// handleAPI routes /v1/{controller}/{action} through the registry. Query
// parameters arrive as string arguments; a JSON object body is merged on
// top of them.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		controllers.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		controllers.WriteError(w, http.StatusNotFound, "Unknown route")
		return
	}

	args := map[string]any{}
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			args[name] = values[0]
		}
	}
	if r.Method == http.MethodPost && r.Body != nil {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			controllers.WriteError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if len(strings.TrimSpace(string(raw))) > 0 {
			var body map[string]any
			if err := json.Unmarshal(raw, &body); err != nil {
				controllers.WriteError(w, http.StatusBadRequest, "Invalid request body")
				return
			}
			for k, v := range body {
				args[k] = v
			}
		}
	}

	req := controllers.NewRequest(parts[0], parts[1], args)
	req.Protocol = "http"
	if conn, _ := req.String("connection", ""); conn != "" {
		req.Connection = conn
	}
	vol, err := req.RawObject("volatile")
	if err != nil {
		controllers.WriteError(w, statusFor(err), err.Error())
		return
	}
	req.Volatile = vol

	result, err := s.registry.Dispatch(r.Context(), req)
	if err != nil {
		controllers.WriteError(w, statusFor(err), err.Error())
		return
	}
	controllers.WriteJSON(w, map[string]any{"result": result})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, filters.ErrInvalidFilter),
		errors.Is(err, controllers.ErrMissingArgument),
		errors.Is(err, controllers.ErrTypeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, rooms.ErrRoomNotFound),
		errors.Is(err, rooms.ErrHandleNotFound),
		errors.Is(err, controllers.ErrUnknownAction):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// connectionID generates the identity of one stream connection.
func connectionID() string { return uuid.NewString() }
