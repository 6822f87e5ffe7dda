package cluster

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	logpkg "github.com/rzbill/flare/pkg/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// redialDelay paces reconnect attempts to a down peer.
	redialDelay = 2 * time.Second
)

// PeerPath is the websocket endpoint peers connect to.
const PeerPath = "/cluster/v1"

// WebsocketOptions configures the peer mesh transport.
type WebsocketOptions struct {
	// ListenAddr is the address to accept peer connections on.
	ListenAddr string
	// Peers are websocket URLs of the other nodes, e.g.
	// ws://10.0.0.2:7311/cluster/v1. Each node dials every peer; duplicate
	// links are harmless because sequence numbers dedup.
	Peers  []string
	Logger logpkg.Logger
}

// WebsocketTransport is the production Transport: a full mesh of websocket
// links with ping/pong keepalive and automatic redial.
type WebsocketTransport struct {
	opts   WebsocketOptions
	logger logpkg.Logger

	upgrader websocket.Upgrader
	server   *http.Server
	ln       net.Listener

	mu       sync.Mutex
	conns    map[*peerConn]struct{}
	deliver  func(payload []byte)
	onPeerUp func()
	closed   bool

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewWebsocketTransport creates the transport. Call Start to begin
// listening and dialing.
func NewWebsocketTransport(opts WebsocketOptions) *WebsocketTransport {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger().With(logpkg.Component("cluster.ws"))
	}
	return &WebsocketTransport{
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peer links are node-to-node; no browser origin applies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*peerConn]struct{}),
		done:  make(chan struct{}),
	}
}

// OnPeerUp registers the callback invoked after each peer link is
// established, inbound or dialed. Register before Start.
func (t *WebsocketTransport) OnPeerUp(fn func()) {
	t.mu.Lock()
	t.onPeerUp = fn
	t.mu.Unlock()
}

// peerConn serializes writes to one websocket connection.
type peerConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (p *peerConn) send(messageType int, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return p.ws.WriteMessage(messageType, payload)
}

// Start listens for inbound peer links and dials the configured peers.
func (t *WebsocketTransport) Start(ctx context.Context, deliver func(payload []byte)) error {
	t.mu.Lock()
	t.deliver = deliver
	t.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	ln, err := net.Listen("tcp", t.opts.ListenAddr)
	if err != nil {
		cancel()
		return err
	}
	t.ln = ln
	mux := http.NewServeMux()
	mux.HandleFunc(PeerPath, t.handlePeer)
	t.server = &http.Server{Handler: mux}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("peer listener stopped", logpkg.Err(err))
		}
	}()

	for _, peer := range t.opts.Peers {
		peer := peer
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.dialLoop(ctx, peer)
		}()
	}
	return nil
}

func (t *WebsocketTransport) handlePeerConn(ws *websocket.Conn) {
	pc := &peerConn{ws: ws}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ws.Close()
		return
	}
	t.conns[pc] = struct{}{}
	up := t.onPeerUp
	t.mu.Unlock()
	if up != nil {
		up()
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.pingLoop(pc)
	}()
	t.readLoop(pc)
}

func (t *WebsocketTransport) handlePeer(w http.ResponseWriter, r *http.Request) {
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("peer upgrade failed", logpkg.Err(err))
		return
	}
	t.handlePeerConn(ws)
}

func (t *WebsocketTransport) dialLoop(ctx context.Context, peer string) {
	for {
		if ctx.Err() != nil {
			return
		}
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, peer, nil)
		if err != nil {
			t.logger.Debug("peer dial failed", logpkg.Str("peer", peer), logpkg.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(redialDelay):
			}
			continue
		}
		t.logger.Info("peer link up", logpkg.Str("peer", peer))
		t.handlePeerConn(ws)
		t.logger.Info("peer link down", logpkg.Str("peer", peer))
	}
}

// readLoop pumps inbound payloads until the connection dies, then drops it
// from the broadcast set.
func (t *WebsocketTransport) readLoop(pc *peerConn) {
	defer func() {
		t.mu.Lock()
		delete(t.conns, pc)
		t.mu.Unlock()
		_ = pc.ws.Close()
	}()
	_ = pc.ws.SetReadDeadline(time.Now().Add(pongWait))
	pc.ws.SetPongHandler(func(string) error {
		return pc.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := pc.ws.ReadMessage()
		if err != nil {
			return
		}
		t.mu.Lock()
		deliver := t.deliver
		t.mu.Unlock()
		if deliver != nil {
			deliver(data)
		}
	}
}

func (t *WebsocketTransport) pingLoop(pc *peerConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		t.mu.Lock()
		_, live := t.conns[pc]
		t.mu.Unlock()
		if !live {
			return
		}
		if err := pc.send(websocket.PingMessage, nil); err != nil {
			return
		}
	}
}

// Addr returns the bound listen address, useful when ListenAddr used an
// ephemeral port. Valid after Start.
func (t *WebsocketTransport) Addr() string {
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

// Broadcast sends the payload over every live peer link. Dead links are
// dropped; their redial loop restores them.
func (t *WebsocketTransport) Broadcast(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	conns := make([]*peerConn, 0, len(t.conns))
	for pc := range t.conns {
		conns = append(conns, pc)
	}
	t.mu.Unlock()

	var firstErr error
	for _, pc := range conns {
		if err := pc.send(websocket.BinaryMessage, payload); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			t.mu.Lock()
			delete(t.conns, pc)
			t.mu.Unlock()
			_ = pc.ws.Close()
		}
	}
	return firstErr
}

// Close tears down the listener and every peer link.
func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	conns := make([]*peerConn, 0, len(t.conns))
	for pc := range t.conns {
		conns = append(conns, pc)
	}
	t.conns = make(map[*peerConn]struct{})
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	for _, pc := range conns {
		_ = pc.ws.Close()
	}
	var err error
	if t.server != nil {
		err = t.server.Close()
	}
	t.wg.Wait()
	return err
}
