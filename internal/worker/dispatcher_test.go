package worker

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Devika21/email-campaign-scheduler/internal/domain"
	"github.com/Devika21/email-campaign-scheduler/internal/queue"
)

// Shutdown closes the pool's task channel, so the dispatcher must have
// stopped submitting first. This pins the ordering both binaries rely on:
// cancel the dispatcher, wait for it, then Stop the pool.
func TestDispatcher_StartReturnsOnCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clk := &fakeClock{now: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	q := queue.New(client, clk, logger)

	rs := &fakeRecordStore{recipients: map[string]*domain.Recipient{}}
	handler := NewHandler(rs, q, &fakeRateWindow{under: true}, &fakeTransport{}, clk, nil, logger)
	pool := NewPool(1, 0, handler, q, logger)
	pool.Start(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := NewDispatcher(q, pool, logger)

	done := make(chan struct{})
	go func() {
		dispatcher.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop on context cancel")
	}

	// With the dispatcher stopped, closing the pool cannot race a Submit
	pool.Stop()
}
