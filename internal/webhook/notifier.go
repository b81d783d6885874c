// Package webhook delivers call lifecycle notifications to a configured HTTP
// endpoint. Delivery is fire-and-forget: the call path never waits on a
// webhook, and failures are logged rather than retried.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jaaacki/asterisk-api/internal/resilience"
)

const (
	requestTimeout = 10 * time.Second

	// maxInflight caps concurrent deliveries so a slow endpoint cannot pile
	// up goroutines during a call storm.
	maxInflight = 32
)

// payload is the JSON body posted for every notification.
type payload struct {
	Event     string    `json:"event"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier posts notifications to one endpoint. A Notifier with an empty URL
// discards everything. Safe for concurrent use.
type Notifier struct {
	url     string
	http    *http.Client
	sem     chan struct{}
	breaker *resilience.Breaker

	wg sync.WaitGroup
}

// NewNotifier creates a Notifier posting to url. Empty url disables delivery.
func NewNotifier(url string) *Notifier {
	return &Notifier{
		url:     url,
		http:    &http.Client{Timeout: requestTimeout},
		sem:     make(chan struct{}, maxInflight),
		breaker: resilience.NewBreaker(resilience.Settings{Name: "webhook"}),
	}
}

// Configured reports whether an endpoint is set.
func (n *Notifier) Configured() bool { return n.url != "" }

// Notify posts one notification asynchronously. Never blocks the caller:
// when the in-flight cap is reached the notification is dropped with a log
// line.
func (n *Notifier) Notify(event string, data any) {
	if n.url == "" {
		return
	}

	select {
	case n.sem <- struct{}{}:
	default:
		slog.Warn("webhook: delivery capacity exhausted, dropping", "event", event)
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() { <-n.sem }()
		n.deliver(event, data)
	}()
}

// Flush waits for in-flight deliveries to finish. Used on shutdown.
func (n *Notifier) Flush() { n.wg.Wait() }

func (n *Notifier) deliver(event string, data any) {
	body, err := json.Marshal(payload{
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		slog.Error("webhook: encode payload", "event", event, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		slog.Error("webhook: build request", "event", event, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	err = n.breaker.Do(func() error {
		resp, err := n.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("endpoint returned %d", resp.StatusCode)
		}
		return nil
	})
	switch {
	case errors.Is(err, resilience.ErrOpen):
		slog.Debug("webhook: delivery suspended after repeated failures", "event", event)
	case err != nil:
		slog.Warn("webhook: delivery failed", "event", event, "err", err)
	}
}
