package storage

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"perimeter/internal/clock"
	"perimeter/internal/domain"
	"perimeter/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() domain.Logger {
	return logger.NewLoggerWithOutput("error", "json", io.Discard)
}

func TestMemoryCounterStore_Increment(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	window := time.Minute

	tests := []struct {
		name          string
		steps         []time.Duration // avanço do relógio antes de cada incremento
		expectedCount int
		expectedStart time.Time
	}{
		{
			name:          "Should start at 1 on first observation",
			steps:         []time.Duration{0},
			expectedCount: 1,
			expectedStart: start,
		},
		{
			name:          "Should keep counting inside the window",
			steps:         []time.Duration{0, 10 * time.Second, 10 * time.Second},
			expectedCount: 3,
			expectedStart: start,
		},
		{
			name:          "Should reset exactly at windowStart + window",
			steps:         []time.Duration{0, 0, 0, 0, 0, 0, time.Minute},
			expectedCount: 1,
			expectedStart: start.Add(time.Minute),
		},
		{
			name:          "Should reset after the window",
			steps:         []time.Duration{0, 0, 5 * time.Minute},
			expectedCount: 1,
			expectedStart: start.Add(5 * time.Minute),
		},
		{
			name:          "Should not reset one nanosecond before the boundary",
			steps:         []time.Duration{0, time.Minute - time.Nanosecond},
			expectedCount: 2,
			expectedStart: start,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := clock.NewFake(start)
			store := NewMemoryCounterStore(newTestLogger(), WithClock(fake))
			ctx := context.Background()

			var last domain.CounterWindow
			for _, step := range tt.steps {
				fake.Advance(step)
				var err error
				last, err = store.Increment(ctx, "10.0.0.1", "staff-auth", window)
				require.NoError(t, err)
			}

			assert.Equal(t, tt.expectedCount, last.Count)
			assert.True(t, tt.expectedStart.Equal(last.WindowStart))
		})
	}
}

func TestMemoryCounterStore_EndpointsAreIndependent(t *testing.T) {
	store := NewMemoryCounterStore(newTestLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Increment(ctx, "10.0.0.1", "staff-auth", time.Minute)
		require.NoError(t, err)
	}
	w, err := store.Increment(ctx, "10.0.0.1", "credential-handoff", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, w.Count)

	// Chaves diferenciam maiúsculas e minúsculas
	w, err = store.Increment(ctx, "Staff", "staff-auth", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, w.Count)
	w, err = store.Increment(ctx, "staff", "staff-auth", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, w.Count)
}

func TestMemoryCounterStore_Clear(t *testing.T) {
	store := NewMemoryCounterStore(newTestLogger())
	ctx := context.Background()

	_, _ = store.Increment(ctx, "10.0.0.1", "staff-auth", time.Minute)
	_, _ = store.Increment(ctx, "10.0.0.1", "credential-handoff", time.Minute)
	_, _ = store.Increment(ctx, "10.0.0.2", "staff-auth", time.Minute)

	require.NoError(t, store.Clear(ctx, "10.0.0.1"))
	// Idempotente
	require.NoError(t, store.Clear(ctx, "10.0.0.1"))

	w, _ := store.Increment(ctx, "10.0.0.1", "staff-auth", time.Minute)
	assert.Equal(t, 1, w.Count)
	w, _ = store.Increment(ctx, "10.0.0.1", "credential-handoff", time.Minute)
	assert.Equal(t, 1, w.Count)
	w, _ = store.Increment(ctx, "10.0.0.2", "staff-auth", time.Minute)
	assert.Equal(t, 2, w.Count)
}

func TestMemoryCounterStore_CleanupExpired(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryCounterStore(newTestLogger(), WithClock(fake))
	ctx := context.Background()

	_, _ = store.Increment(ctx, "short", "a", time.Second)
	_, _ = store.Increment(ctx, "long", "a", time.Hour)

	fake.Advance(2 * time.Second)
	assert.Equal(t, 1, store.CleanupExpired())

	stats := store.GetStats()
	assert.Equal(t, 1, stats["keys"])
	assert.Equal(t, 1, stats["windows"])
	assert.Equal(t, "memory", stats["type"])
}

func TestMemoryCounterStore_StartJanitorStopsOnCancel(t *testing.T) {
	store := NewMemoryCounterStore(newTestLogger(), WithCleanupEvery(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- store.StartJanitor(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
}

func TestMemoryCounterStore_HealthAndClose(t *testing.T) {
	store := NewMemoryCounterStore(newTestLogger())
	ctx := context.Background()

	_, _ = store.Increment(ctx, "k", "e", time.Minute)
	assert.NoError(t, store.Health(ctx))
	assert.NoError(t, store.Close())
	assert.Equal(t, 0, store.GetStats()["windows"])
}

func TestMemoryCounterStore_ConcurrentIncrementsAreContiguous(t *testing.T) {
	store := NewMemoryCounterStore(newTestLogger())
	ctx := context.Background()

	const callers = 200
	counts := make([]int, callers)

	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			w, err := store.Increment(ctx, "10.0.0.1", "staff-auth", time.Minute)
			assert.NoError(t, err)
			counts[i] = w.Count
		}(i)
	}
	wg.Wait()

	sort.Ints(counts)
	for i, c := range counts {
		assert.Equal(t, i+1, c)
	}
}
