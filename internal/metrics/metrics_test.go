package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(fetchAttemptsTotal.WithLabelValues("metrics-test.com", "success"))
	ObserveFetch("https://metrics-test.com/a", true, 10, 20*time.Millisecond)
	require.InDelta(t, before+1, testutil.ToFloat64(fetchAttemptsTotal.WithLabelValues("metrics-test.com", "success")), 0.001)

	beforeChunks := testutil.ToFloat64(recordsPersistedTotal.WithLabelValues("metrics-test", "chunk"))
	beforeRejected := testutil.ToFloat64(recordsRejectedTotal.WithLabelValues("metrics-test"))
	ObservePersisted("metrics-test", 2, 5, 1)
	require.InDelta(t, beforeChunks+5, testutil.ToFloat64(recordsPersistedTotal.WithLabelValues("metrics-test", "chunk")), 0.001)
	require.InDelta(t, beforeRejected+1, testutil.ToFloat64(recordsRejectedTotal.WithLabelValues("metrics-test")), 0.001)

	IncActiveWorkers()
	DecActiveWorkers()
	ObserveRetry()
	ObserveBatch("complete")
	ObserveRateLimitDelay("metrics-test.com", 5*time.Millisecond)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
