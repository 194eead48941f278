package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWakerPostsServerIDAndToken(t *testing.T) {
	var calls atomic.Int64
	var got struct {
		ServerID int64  `json:"server_id"`
		Token    string `json:"token"`
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	w := NewWaker(ts.URL, 42, "sekrit", time.Hour)
	w.WakeAsync(context.Background())

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(42), got.ServerID)
	assert.Equal(t, "sekrit", got.Token)
}

func TestWakerThrottlesBursts(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	w := NewWaker(ts.URL, 7, "tok", time.Hour)
	for i := 0; i < 50; i++ {
		w.WakeAsync(context.Background())
	}

	// A burst of cold connects must collapse to a single POST.
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())
}

func TestWakerRejectionIsNotFatal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	// A rejected webhook only logs; the session keeps its own hold loop.
	w := NewWaker(ts.URL, 9, "tok", time.Hour)
	w.WakeAsync(context.Background())
	time.Sleep(100 * time.Millisecond)
}

func TestNilWakerIsSafe(t *testing.T) {
	var w *Waker
	w.WakeAsync(context.Background())
}
