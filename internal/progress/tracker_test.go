package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestTrackerLogsEveryNAndFinal(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	tracker := New("fetch", 5, Config{Every: 2, MinInterval: -1, Logger: zap.New(core)})

	tracker.Done(true)
	tracker.Done(false)
	tracker.Done(true)
	tracker.Done(true)
	tracker.Done(false)

	entries := logs.FilterMessage("progress").All()
	require.Len(t, entries, 3)
	final := entries[2].ContextMap()
	require.Equal(t, int64(5), final["processed"])
	require.Equal(t, int64(2), final["failed"])
	require.Equal(t, "fetch", final["stage"])
	require.Equal(t, int64(5), final["total"])
}

func TestTrackerConcurrentDone(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	tracker := New("fetch", 100, Config{Every: 1, MinInterval: time.Hour, Logger: zap.New(core)})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Done(i%2 == 0)
		}()
	}
	wg.Wait()
	entries := logs.FilterMessage("progress").FilterField(zap.Int64("processed", 100)).All()
	require.Len(t, entries, 1)
	require.Equal(t, int64(50), entries[0].ContextMap()["failed"])
}

func TestRateLimiterAllow(t *testing.T) {
	t.Parallel()

	r := rateLimiter{interval: time.Second}
	now := time.Unix(100, 0)
	require.True(t, r.Allow(now))
	require.False(t, r.Allow(now.Add(500*time.Millisecond)))
	require.True(t, r.Allow(now.Add(2*time.Second)))

	var nilLimiter *rateLimiter
	require.True(t, nilLimiter.Allow(now))
}

func TestNilTrackerIsNoop(t *testing.T) {
	t.Parallel()

	var tracker *Tracker
	tracker.Done(true)
}
