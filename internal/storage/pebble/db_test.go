package pebblestore

import (
	"errors"
	"testing"
)

func openForTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Options{DataDir: t.TempDir(), Fsync: FsyncModeAlways})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetGetDelete(t *testing.T) {
	db := openForTest(t)
	if err := db.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := db.Get([]byte("k"))
	if err != nil || string(got) != "v" {
		t.Fatalf("get: %q %v", got, err)
	}
	if err := db.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestScanPrefix(t *testing.T) {
	db := openForTest(t)
	for _, k := range []string{"room/a", "room/b", "room/c", "seq/x"} {
		if err := db.Set([]byte(k), []byte("1")); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	var keys []string
	err := db.ScanPrefix([]byte("room/"), func(k, v []byte) bool {
		keys = append(keys, string(k))
		return true
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 3 || keys[0] != "room/a" || keys[2] != "room/c" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	// early stop
	n := 0
	_ = db.ScanPrefix([]byte("room/"), func(k, v []byte) bool {
		n++
		return false
	})
	if n != 1 {
		t.Fatalf("expected early stop after 1, visited %d", n)
	}
}
