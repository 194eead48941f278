package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/wakegate/wakegate/internal/metrics"
)

// wakeTimeout caps a single wake webhook POST.
const wakeTimeout = 10 * time.Second

// Waker posts wake signals to the control plane webhook. The webhook is
// advisory: target reachability remains the authoritative readiness
// signal, so failures are logged and never block a session. Signals are
// throttled so that a burst of cold connects produces a bounded number
// of POSTs.
type Waker struct {
	url      string
	serverID int64
	token    string

	client  *http.Client
	limiter *rate.Limiter
}

// NewWaker creates a Waker posting to url for the given server. At most
// one signal is sent per minInterval; extra requests are suppressed.
func NewWaker(url string, serverID int64, token string, minInterval time.Duration) *Waker {
	if minInterval <= 0 {
		minInterval = 2 * time.Second
	}
	return &Waker{
		url:      url,
		serverID: serverID,
		token:    token,
		client:   &http.Client{Timeout: wakeTimeout},
		limiter:  rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

// WakeAsync fires a wake signal in the background, subject to the
// throttle. It never blocks the calling session.
func (w *Waker) WakeAsync(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.limiter.Allow() {
		metrics.WakeSignals.WithLabelValues("suppressed").Inc()
		return
	}
	go func() {
		if err := w.wake(ctx); err != nil {
			log.Printf("[waker] Wake signal for server %d failed: %v", w.serverID, err)
			metrics.WakeSignals.WithLabelValues("error").Inc()
			return
		}
		metrics.WakeSignals.WithLabelValues("ok").Inc()
	}()
}

func (w *Waker) wake(ctx context.Context) error {
	log.Printf("[waker] Sending wake signal for server %d", w.serverID)

	payload, err := json.Marshal(map[string]any{
		"server_id": w.serverID,
		"token":     w.token,
	})
	if err != nil {
		return fmt.Errorf("encoding wake payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, wakeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building wake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting wake signal: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wake signal rejected: status %d", resp.StatusCode)
	}

	log.Printf("[waker] Wake signal for server %d accepted", w.serverID)
	return nil
}
