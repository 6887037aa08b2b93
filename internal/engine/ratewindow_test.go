package engine

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestWindow(t *testing.T) (*RateWindow, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clk := &fakeClock{now: time.Date(2026, 3, 14, 10, 15, 0, 0, time.UTC)}
	return NewRateWindow(client, clk, testLogger()), mr, clk
}

func TestRateWindow_IncrementCounts(t *testing.T) {
	rw, _, _ := setupTestWindow(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		count, err := rw.Increment(ctx, "news@example.com")
		if err != nil {
			t.Fatalf("increment %d failed: %v", i, err)
		}
		if count != int64(i) {
			t.Errorf("increment %d returned %d, want %d", i, count, i)
		}
	}

	count, err := rw.Count(ctx, "news@example.com")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestRateWindow_EmptyBucketCountsZero(t *testing.T) {
	rw, _, _ := setupTestWindow(t)

	count, err := rw.Count(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestRateWindow_ExpirySlightlyOverHour(t *testing.T) {
	rw, mr, _ := setupTestWindow(t)
	ctx := context.Background()

	if _, err := rw.Increment(ctx, "news@example.com"); err != nil {
		t.Fatalf("increment failed: %v", err)
	}

	ttl := mr.TTL(rw.key("news@example.com"))
	if ttl <= time.Hour {
		t.Errorf("bucket TTL = %v, want > 1h", ttl)
	}
}

func TestRateWindow_UnderLimit(t *testing.T) {
	rw, _, _ := setupTestWindow(t)
	ctx := context.Background()

	under, err := rw.UnderLimit(ctx, "news@example.com", 2)
	if err != nil || !under {
		t.Fatalf("empty bucket: under=%v err=%v, want true", under, err)
	}

	rw.Increment(ctx, "news@example.com")
	under, _ = rw.UnderLimit(ctx, "news@example.com", 2)
	if !under {
		t.Error("count 1 of limit 2 should be under")
	}

	rw.Increment(ctx, "news@example.com")
	under, _ = rw.UnderLimit(ctx, "news@example.com", 2)
	if under {
		t.Error("count 2 of limit 2 should be at the cap")
	}
}

func TestRateWindow_ZeroLimitUnlimited(t *testing.T) {
	rw, _, _ := setupTestWindow(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		rw.Increment(ctx, "news@example.com")
	}

	under, err := rw.UnderLimit(ctx, "news@example.com", 0)
	if err != nil || !under {
		t.Errorf("limit 0: under=%v err=%v, want true (unlimited)", under, err)
	}
}

func TestRateWindow_SendersAreIsolated(t *testing.T) {
	rw, _, _ := setupTestWindow(t)
	ctx := context.Background()

	rw.Increment(ctx, "a@example.com")
	rw.Increment(ctx, "a@example.com")

	under, _ := rw.UnderLimit(ctx, "a@example.com", 2)
	if under {
		t.Error("a@example.com should be at its cap")
	}
	under, _ = rw.UnderLimit(ctx, "b@example.com", 2)
	if !under {
		t.Error("b@example.com has its own bucket and should be under")
	}
}

func TestRateWindow_BucketRollsWithCalendarHour(t *testing.T) {
	rw, _, clk := setupTestWindow(t)
	ctx := context.Background()

	rw.Increment(ctx, "news@example.com")
	rw.Increment(ctx, "news@example.com")

	// The next hour is a fresh bucket with a fresh count
	clk.Advance(time.Hour)

	count, err := rw.Count(ctx, "news@example.com")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("count in new hour bucket = %d, want 0", count)
	}

	newCount, err := rw.Increment(ctx, "news@example.com")
	if err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if newCount != 1 {
		t.Errorf("first increment of new bucket = %d, want 1", newCount)
	}
}

func TestRateWindow_UntilNextWindow(t *testing.T) {
	rw, _, clk := setupTestWindow(t)

	// Clock starts at 10:15:00
	if d := rw.UntilNextWindow(); d != 45*time.Minute {
		t.Errorf("UntilNextWindow at 10:15 = %v, want 45m", d)
	}

	clk.Advance(44*time.Minute + 59*time.Second)
	if d := rw.UntilNextWindow(); d != time.Second {
		t.Errorf("UntilNextWindow at 10:59:59 = %v, want 1s", d)
	}
}

func TestRateWindow_UntilNextWindowInOffsetZone(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	// The bucket key is labeled with the calendar hour in the clock's
	// location, so the deferral target must be the calendar hour boundary
	// too — in a +05:30 zone that is not a whole-hour UTC instant
	ist := time.FixedZone("IST", 5*3600+1800)
	clk := &fakeClock{now: time.Date(2026, 3, 14, 10, 15, 0, 0, ist)}
	rw := NewRateWindow(client, clk, testLogger())

	if d := rw.UntilNextWindow(); d != 45*time.Minute {
		t.Errorf("UntilNextWindow at 10:15+05:30 = %v, want 45m", d)
	}
}

func TestRateWindow_UntilNextWindowClampsAtBoundary(t *testing.T) {
	rw, _, clk := setupTestWindow(t)

	// A hair before the boundary the raw value would be ~1ms; it must be
	// clamped so a throttle deferral can never spin
	clk.Advance(44*time.Minute + 59*time.Second + 999*time.Millisecond)
	if d := rw.UntilNextWindow(); d < time.Second {
		t.Errorf("UntilNextWindow near boundary = %v, want >= 1s", d)
	}
}
