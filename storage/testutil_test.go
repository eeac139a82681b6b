package storage

import (
	"testing"

	"trackergw/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()

	store, _, err := OpenBolt(t.TempDir())
	if err != nil {
		t.Fatalf("open test bolt store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test bolt store: %v", err)
		}
	})

	return store
}

// forEachBackend runs fn once against every Backend implementation.
func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		fn(t, newTestStore(t))
	})
	t.Run("bolt", func(t *testing.T) {
		fn(t, newTestBoltStore(t))
	})
}

func testAddr(last byte) protocol.Addr {
	return protocol.Addr{0x24, 0x6f, 0x28, 0x00, 0x00, last}
}

func mustPair(t *testing.T, b Backend, addr protocol.Addr) uint8 {
	t.Helper()

	if err := b.AddPaired(addr); err != nil {
		t.Fatalf("AddPaired %s: %v", addr, err)
	}
	id, err := b.TrackerID(addr)
	if err != nil {
		t.Fatalf("TrackerID %s: %v", addr, err)
	}
	return id
}
