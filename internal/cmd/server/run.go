package serverrun

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rzbill/flare/internal/cluster"
	cfgpkg "github.com/rzbill/flare/internal/config"
	"github.com/rzbill/flare/internal/runtime"
	httpserver "github.com/rzbill/flare/internal/server/http"
	realtimesvc "github.com/rzbill/flare/internal/services/realtime"
	pebblestore "github.com/rzbill/flare/internal/storage/pebble"
	logpkg "github.com/rzbill/flare/pkg/log"
)

func getenvDefault(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// swappable for tests
var getenv = func(key string) string { return os.Getenv(key) }

// Options configures one server process.
type Options struct {
	DataDir       string
	HTTPAddr      string
	ClusterAddr   string
	ClusterPeers  []string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
}

// Run starts the node and blocks until ctx is cancelled. Cluster links come
// up only when peers are configured; a single node serves standalone.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if opts.HTTPAddr != "" {
		cfg.HTTPAddr = opts.HTTPAddr
	}
	if opts.ClusterAddr != "" {
		cfg.ClusterAddr = opts.ClusterAddr
	}
	if len(opts.ClusterPeers) > 0 {
		cfg.ClusterPeers = opts.ClusterPeers
	}
	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	storeDir := filepath.Join(opts.DataDir, "store")
	rt, err := runtime.Open(runtime.Options{
		DataDir:       storeDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Config:        cfg,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	logCfg := &logpkg.Config{
		Level:  getenvDefault("FLARE_LOG_LEVEL", "info"),
		Format: getenvDefault("FLARE_LOG_FORMAT", "text"),
	}
	procLogger, err := logpkg.ApplyConfig(logCfg)
	if err != nil {
		procLogger = logpkg.NewLogger()
	}
	logpkg.RedirectStdLog(procLogger)

	procLogger.Info("Starting flare server",
		logpkg.Str("node", rt.NodeID()),
		logpkg.Str("http", cfg.HTTPAddr),
		logpkg.Str("cluster", cfg.ClusterAddr),
		logpkg.Int("peers", len(cfg.ClusterPeers)),
		logpkg.Str("level", logCfg.Level),
		logpkg.Str("format", logCfg.Format),
	)

	svc := realtimesvc.NewWithLogger(rt, procLogger.With(logpkg.Component("realtime")))
	if err := svc.Load(); err != nil {
		return err
	}

	var dispatcher *cluster.Dispatcher
	if len(cfg.ClusterPeers) > 0 {
		transport := cluster.NewWebsocketTransport(cluster.WebsocketOptions{
			ListenAddr: cfg.ClusterAddr,
			Peers:      cfg.ClusterPeers,
			Logger:     procLogger.With(logpkg.Component("cluster.ws")),
		})
		dispatcher = cluster.New(rt.NodeID(), transport, svc, cluster.Options{
			DB:           rt.DB(),
			Logger:       procLogger.With(logpkg.Component("cluster")),
			OutboxBuffer: cfg.Realtime.OutboxBuffer,
			Snapshot:     svc.StateSnapshot,
		})
		if err := dispatcher.Start(sctx); err != nil {
			return err
		}
		svc.SetRelay(dispatcher)
	}

	hsrv := httpserver.New(rt, svc, procLogger.With(logpkg.Component("http")))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, cfg.HTTPAddr); err != nil && sctx.Err() == nil {
			procLogger.Error("http server stopped", logpkg.Err(err))
		}
	}()

	<-sctx.Done()
	// Servers drain before the runtime closes so handlers never see a
	// closed DB.
	hsrv.Close()
	if dispatcher != nil {
		_ = dispatcher.Close()
	}
	wg.Wait()
	return nil
}
