// Package tts implements the HTTP text-to-speech client. Synthesis is a
// single POST returning a WAV body; in-flight requests are tracked per call
// so a newer utterance (or a hangup) can cancel an older one mid-synthesis.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jaaacki/asterisk-api/internal/resilience"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultVoice    = "default"
	defaultLanguage = "English"

	// maxResponseBytes bounds the synthesized WAV body (a few minutes of
	// 48 kHz mono is well under this).
	maxResponseBytes = 64 << 20
)

// ErrTimeout reports that synthesis exceeded the configured deadline.
var ErrTimeout = errors.New("tts: synthesis timed out")

// ErrCancelled reports that synthesis was cancelled by a newer request or a
// call teardown.
var ErrCancelled = errors.New("tts: synthesis cancelled")

// Config holds TTS connection settings.
type Config struct {
	// URL is the synthesis endpoint. Empty disables speech synthesis.
	URL string

	// DefaultVoice fills requests that do not name a voice.
	DefaultVoice string

	// DefaultLanguage fills requests that do not name a language.
	DefaultLanguage string

	// Timeout bounds one synthesis request end to end.
	Timeout time.Duration
}

// Request is one synthesis request.
type Request struct {
	Text     string
	Voice    string
	Language string
	Speed    float64
}

// Result is a completed synthesis: the WAV body plus the voice and language
// that actually rendered it, with client defaults applied.
type Result struct {
	WAV      []byte
	Voice    string
	Language string
}

// Client is the TTS HTTP client. Safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *resilience.Breaker

	mu       sync.Mutex
	inflight map[string]*inflightRequest
	nextGen  int64
}

// inflightRequest identifies one running synthesis so its own deferred
// cleanup never removes a newer request's entry.
type inflightRequest struct {
	gen    int64
	cancel context.CancelFunc
}

// NewClient creates a Client from cfg, applying defaults for unset fields.
func NewClient(cfg Config) *Client {
	if cfg.DefaultVoice == "" {
		cfg.DefaultVoice = defaultVoice
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = defaultLanguage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		breaker: resilience.NewBreaker(resilience.Settings{
			Name: "tts",
			// Caller-driven cancellations say nothing about the server's
			// health and must not trip the breaker.
			IsFailure: func(err error) bool { return !errors.Is(err, ErrCancelled) },
		}),
		inflight: make(map[string]*inflightRequest),
	}
}

// Configured reports whether a synthesis endpoint is set.
func (c *Client) Configured() bool { return c.cfg.URL != "" }

// Ready reports whether the client would accept a synthesis right now. A
// tripped breaker makes the service not ready for speech.
func (c *Client) Ready() error {
	if s := c.breaker.State(); s == resilience.StateOpen {
		return errors.New("synthesis suspended after repeated failures")
	}
	return nil
}

// synthesisRequest is the JSON body the server expects.
type synthesisRequest struct {
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed,omitempty"`
	Language       string  `json:"language"`
}

// Synthesize renders req.Text to WAV. Starting a synthesis for a call
// cancels any synthesis already in flight for that call — the most recent
// utterance wins.
func (c *Client) Synthesize(ctx context.Context, callID string, req Request) (Result, error) {
	if !c.Configured() {
		return Result{}, errors.New("tts: no server configured")
	}
	if req.Voice == "" {
		req.Voice = c.cfg.DefaultVoice
	}
	if req.Language == "" {
		req.Language = c.cfg.DefaultLanguage
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)

	c.mu.Lock()
	if prev, ok := c.inflight[callID]; ok {
		prev.cancel()
	}
	c.nextGen++
	entry := &inflightRequest{gen: c.nextGen, cancel: cancel}
	c.inflight[callID] = entry
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		// Only clear our own entry; a newer request may have replaced it.
		if cur, ok := c.inflight[callID]; ok && cur.gen == entry.gen {
			delete(c.inflight, callID)
		}
		c.mu.Unlock()
		cancel()
	}()

	body, _ := json.Marshal(synthesisRequest{
		Input:          req.Text,
		Voice:          req.Voice,
		ResponseFormat: "wav",
		Speed:          req.Speed,
		Language:       req.Language,
	})

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("tts: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var wav []byte
	err = c.breaker.Do(func() error {
		resp, err := c.http.Do(httpReq)
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded):
				return ErrTimeout
			case errors.Is(reqCtx.Err(), context.Canceled):
				return ErrCancelled
			}
			return fmt.Errorf("tts: request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("tts: server returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		}

		wav, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			if errors.Is(reqCtx.Err(), context.Canceled) {
				return ErrCancelled
			}
			return fmt.Errorf("tts: read response: %w", err)
		}
		if len(wav) == 0 {
			return errors.New("tts: server returned empty audio")
		}
		return nil
	})
	switch {
	case errors.Is(err, resilience.ErrOpen):
		return Result{}, fmt.Errorf("tts: synthesis suspended after repeated failures: %w", err)
	case err != nil:
		return Result{}, err
	}
	return Result{WAV: wav, Voice: req.Voice, Language: req.Language}, nil
}

// Cancel aborts any in-flight synthesis for callID.
func (c *Client) Cancel(callID string) {
	c.mu.Lock()
	entry, ok := c.inflight[callID]
	if ok {
		delete(c.inflight, callID)
	}
	c.mu.Unlock()
	if ok {
		entry.cancel()
	}
}

// CancelAll aborts every in-flight synthesis. Used on process shutdown.
func (c *Client) CancelAll() {
	c.mu.Lock()
	entries := make([]*inflightRequest, 0, len(c.inflight))
	for id, entry := range c.inflight {
		entries = append(entries, entry)
		delete(c.inflight, id)
	}
	c.mu.Unlock()
	for _, entry := range entries {
		entry.cancel()
	}
}
