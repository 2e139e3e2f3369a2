package filecache

import (
	"context"
	"testing"
	"time"
)

func TestPutThenGetHit(t *testing.T) {
	c := New(DefaultConfig())
	mod := time.Unix(1000, 0)

	if !c.Put("/a", []byte("hello"), mod) {
		t.Fatal("Put: want success")
	}
	h, ok := c.Get("/a", mod)
	if !ok {
		t.Fatal("Get: want hit")
	}
	if string(h.Data) != "hello" {
		t.Errorf("Data = %q, want hello", h.Data)
	}
	h.Release()
}

func TestGetMissOnStaleModTime(t *testing.T) {
	c := New(DefaultConfig())
	mod := time.Unix(1000, 0)
	c.Put("/a", []byte("v1"), mod)

	newer := time.Unix(2000, 0)
	if _, ok := c.Get("/a", newer); ok {
		t.Fatal("Get: want miss when requested modTime is newer than cached")
	}
}

func TestPutRejectsOversizeEntry(t *testing.T) {
	c := New(Config{MaxEntryBytes: 4, MaxTotalBytes: 1 << 20, IdleExpiry: time.Minute})
	if c.Put("/big", []byte("way too big"), time.Now()) {
		t.Fatal("Put: want rejection for entry exceeding MaxEntryBytes")
	}
}

func TestPutEvictsColdestWhenOverGlobalCap(t *testing.T) {
	c := New(Config{MaxEntryBytes: 100, MaxTotalBytes: 10, IdleExpiry: time.Minute})

	c.Put("/a", []byte("12345"), time.Now())
	time.Sleep(time.Millisecond)
	c.Put("/b", []byte("67890"), time.Now())

	if !c.Put("/c", []byte("abcde"), time.Now()) {
		t.Fatal("Put: want success after evicting coldest entry")
	}
	entries, total := c.Stats()
	if total > 10 {
		t.Errorf("total bytes = %d, want <= 10", total)
	}
	if entries != 2 {
		t.Errorf("entries = %d, want 2 (one evicted)", entries)
	}
}

func TestReferencedEntryNotEvicted(t *testing.T) {
	c := New(Config{MaxEntryBytes: 100, MaxTotalBytes: 5, IdleExpiry: time.Minute})
	c.Put("/a", []byte("12345"), time.Now())

	h, ok := c.Get("/a", time.Unix(0, 0))
	if !ok {
		t.Fatal("Get: want hit")
	}
	defer h.Release()

	// Attempting to add another entry that would require evicting /a
	// should fail, since /a is still referenced.
	if c.Put("/b", []byte("67890"), time.Now()) {
		t.Fatal("Put: want rejection, referenced entry must not be evicted")
	}
}

func TestSweepRemovesIdleEntries(t *testing.T) {
	c := New(DefaultConfig())
	c.Put("/a", []byte("x"), time.Unix(0, 0))

	c.sweep(time.Now().Add(c.cfg.IdleExpiry + time.Second))

	if _, ok := c.Get("/a", time.Unix(0, 0)); ok {
		t.Fatal("Get after sweep: want miss, entry should have been evicted")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	c := New(Config{MaxEntryBytes: 100, MaxTotalBytes: 100, IdleExpiry: time.Minute, SweepEvery: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
