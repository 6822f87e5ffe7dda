package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	cfgpkg "github.com/rzbill/flare/internal/config"
	pebblestore "github.com/rzbill/flare/internal/storage/pebble"
)

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
}

// Runtime wires storage, config, and node identity for a single-node
// instance.
type Runtime struct {
	db     *pebblestore.DB
	config cfgpkg.Config
	node   string
}

// Open initializes the underlying storage and returns a Runtime. The node
// id comes from the config; when unset, a random id is generated for the
// lifetime of the process.
func Open(opts Options) (*Runtime, error) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: opts.DataDir, Fsync: opts.Fsync, FsyncInterval: opts.FsyncInterval})
	if err != nil {
		return nil, err
	}
	node := opts.Config.NodeID
	if node == "" {
		node = uuid.NewString()
	}
	return &Runtime{db: db, config: opts.Config, node: node}, nil
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// NodeID returns this node's stable identifier.
func (r *Runtime) NodeID() string { return r.node }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
