package runtime

import (
	"context"
	"testing"

	cfgpkg "github.com/rzbill/flare/internal/config"
	pebblestore "github.com/rzbill/flare/internal/storage/pebble"
)

func newRuntimeForTest(t *testing.T, cfg cfgpkg.Config) *Runtime {
	t.Helper()
	rt, err := Open(Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever, Config: cfg})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestRuntimeNodeIDFromConfig(t *testing.T) {
	rt := newRuntimeForTest(t, cfgpkg.Config{NodeID: "node-a"})
	if rt.NodeID() != "node-a" {
		t.Fatalf("NodeID = %q, want node-a", rt.NodeID())
	}
}

func TestRuntimeNodeIDGenerated(t *testing.T) {
	rt := newRuntimeForTest(t, cfgpkg.Config{})
	if rt.NodeID() == "" {
		t.Fatal("expected generated node id")
	}
	other := newRuntimeForTest(t, cfgpkg.Config{})
	if other.NodeID() == rt.NodeID() {
		t.Fatal("generated node ids should differ")
	}
}

func TestRuntimeHealth(t *testing.T) {
	rt := newRuntimeForTest(t, cfgpkg.Config{NodeID: "n"})
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
}
