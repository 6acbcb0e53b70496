// Package timesync provides the nominal clock used for calibration start
// times and label timestamps, optionally corrected by an NTP offset.
package timesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"
)

// QueryFunc returns the offset of the local clock against server.
type QueryFunc func(server string) (time.Duration, error)

// NTPOffset queries server once and validates the response.
func NTPOffset(server string) (time.Duration, error) {
	resp, err := ntp.Query(server)
	if err != nil {
		return 0, fmt.Errorf("ntp query %s: %w", server, err)
	}
	if err := resp.Validate(); err != nil {
		return 0, fmt.Errorf("ntp response from %s: %w", server, err)
	}
	return resp.ClockOffset, nil
}

type Options struct {
	Query  QueryFunc
	Now    func() time.Time
	Logger *slog.Logger
}

// Clock is local time plus the last known NTP offset. Without a server it
// is plain local time.
type Clock struct {
	server string
	query  QueryFunc
	now    func() time.Time
	log    *slog.Logger
	offset atomic.Int64
}

func New(server string, opts Options) *Clock {
	c := &Clock{
		server: server,
		query:  opts.Query,
		now:    opts.Now,
		log:    opts.Logger,
	}
	if c.query == nil {
		c.query = NTPOffset
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

func (c *Clock) Now() time.Time {
	return c.now().Add(c.Offset())
}

func (c *Clock) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}

// Sync refreshes the offset. A failed query keeps the previous offset.
func (c *Clock) Sync() error {
	if c.server == "" {
		return nil
	}
	offset, err := c.query(c.server)
	if err != nil {
		return err
	}
	c.offset.Store(int64(offset))
	c.log.Debug("clock offset updated", "server", c.server, "offset", offset)
	return nil
}

// Run resyncs every interval until ctx is done.
func (c *Clock) Run(ctx context.Context, interval time.Duration) {
	if c.server == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sync(); err != nil {
				c.log.Warn("clock sync failed", "server", c.server, "err", err)
			}
		}
	}
}
