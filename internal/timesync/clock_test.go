package timesync

import (
	"errors"
	"testing"
	"time"
)

func TestClockAppliesOffset(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	offset := 1500 * time.Millisecond
	calls := 0
	c := New("pool.example", Options{
		Now: func() time.Time { return base },
		Query: func(server string) (time.Duration, error) {
			calls++
			if server != "pool.example" {
				t.Fatalf("queried %q", server)
			}
			return offset, nil
		},
	})
	if got := c.Now(); !got.Equal(base) {
		t.Fatalf("Now before sync = %v", got)
	}
	if err := c.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := c.Now(); !got.Equal(base.Add(offset)) {
		t.Fatalf("Now after sync = %v", got)
	}
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestClockKeepsOffsetOnFailure(t *testing.T) {
	fail := false
	c := New("pool.example", Options{
		Query: func(string) (time.Duration, error) {
			if fail {
				return 0, errors.New("timeout")
			}
			return -2 * time.Second, nil
		},
	})
	if err := c.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	fail = true
	if err := c.Sync(); err == nil {
		t.Fatalf("expected sync error")
	}
	if got := c.Offset(); got != -2*time.Second {
		t.Fatalf("offset = %v, want -2s", got)
	}
}

func TestClockWithoutServer(t *testing.T) {
	c := New("", Options{Query: func(string) (time.Duration, error) {
		t.Fatalf("query must not run without a server")
		return 0, nil
	}})
	if err := c.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if c.Offset() != 0 {
		t.Fatalf("offset = %v", c.Offset())
	}
}
