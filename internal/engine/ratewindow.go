package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Devika21/email-campaign-scheduler/internal/clock"
)

const (
	rateKeyPrefix = "email_rate:"

	// Bucket TTL sits slightly over one hour so a slow reader never sees a
	// count silently reset mid-hour by clock skew between INCR and EXPIRE.
	rateTTLSeconds = 3660

	// minDeferral keeps a throttle requeue at an hour boundary from turning
	// into a tight loop when UntilNextWindow would be ~0.
	minDeferral = time.Second
)

// Lua script for atomic increment-with-expiry. INCR and the first-increment
// EXPIRE are one logical step so concurrent workers agree on the count.
var incrWindowScript = redis.NewScript(`
local key = KEYS[1]
local ttl = tonumber(ARGV[1])

local count = redis.call('INCR', key)
if count == 1 then
    redis.call('EXPIRE', key, ttl)
end
return count
`)

// RateWindow counts sends per (sender, calendar hour) in Redis, shared across
// all worker processes. The bucket key is the wall-clock hour label, so the
// cap resets on hour boundaries rather than sliding — a sender near a
// boundary can briefly reach ~2x the nominal hourly rate, which is an
// accepted approximation.
type RateWindow struct {
	client *redis.Client
	clock  clock.Clock
	logger *slog.Logger
}

func NewRateWindow(client *redis.Client, clk clock.Clock, logger *slog.Logger) *RateWindow {
	return &RateWindow{
		client: client,
		clock:  clk,
		logger: logger,
	}
}

func (rw *RateWindow) key(sender string) string {
	// Two workers incrementing concurrently must agree on the bucket, so the
	// label is derived from the calendar hour, never a rolling offset.
	return rateKeyPrefix + sender + ":" + rw.clock.Now().Format("2006-01-02-15")
}

// Increment adds one send to the sender's current hour bucket and returns the
// new count.
func (rw *RateWindow) Increment(ctx context.Context, sender string) (int64, error) {
	count, err := incrWindowScript.Run(ctx, rw.client, []string{rw.key(sender)}, rateTTLSeconds).Int64()
	if err != nil {
		return 0, fmt.Errorf("incrementing rate window for %s: %w", sender, err)
	}
	return count, nil
}

// Count returns the sender's send count in the current hour bucket.
func (rw *RateWindow) Count(ctx context.Context, sender string) (int64, error) {
	count, err := rw.client.Get(ctx, rw.key(sender)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading rate window for %s: %w", sender, err)
	}
	return count, nil
}

// UnderLimit reports whether the sender may send another email this hour.
// A non-positive limit means unlimited. Redis errors propagate — failing
// open on an email cap would risk overshooting a paid sending quota.
func (rw *RateWindow) UnderLimit(ctx context.Context, sender string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	count, err := rw.Count(ctx, sender)
	if err != nil {
		return false, err
	}
	return count < int64(limit), nil
}

// UntilNextWindow returns the time until the top of the next hour, clamped to
// a minimum positive delay. The boundary is computed from calendar fields in
// the clock's location so it matches the bucket key even in zones with a
// non-whole-hour UTC offset, which Truncate(time.Hour) would not.
func (rw *RateWindow) UntilNextWindow() time.Duration {
	now := rw.clock.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), now.Hour()+1, 0, 0, 0, now.Location())
	d := next.Sub(now)
	if d < minDeferral {
		d = minDeferral
	}
	return d
}
