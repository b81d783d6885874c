// Package ari is the switch adapter: a thin typed client for the switch's
// REST call-control API and its bidirectional event channel. It normalises
// switch errors into {status, message}, enforces a per-operation deadline on
// every setup-path call, and auto-reconnects the event link with a fixed
// delay.
package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// opTimeout is the deadline applied to every setup-path REST call.
	opTimeout = 10 * time.Second

	// reconnectDelay is the fixed pause between event-channel redials.
	reconnectDelay = 5 * time.Second

	// mediaConnIDVar is the channel variable the switch sets on an
	// external-media channel with the identifier of its websocket listener.
	mediaConnIDVar = "MEDIA_WEBSOCKET_CONNECTION_ID"
)

// Config holds the switch connection settings.
type Config struct {
	// URL is the switch's HTTP base, e.g. "http://pbx.example.com:8088".
	URL      string
	Username string
	Password string

	// App is the Stasis application name calls are routed into.
	App string
}

// Client talks to one switch. All methods are safe for concurrent use.
type Client struct {
	cfg   Config
	httpc *http.Client

	mu           sync.Mutex
	handler      func(Event)
	enterWaiters map[string][]chan struct{}

	connected atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewClient creates a Client. Call [Client.Connect] to open the event
// channel before relying on event delivery.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:          cfg,
		httpc:        &http.Client{Timeout: opTimeout + 5*time.Second},
		enterWaiters: make(map[string][]chan struct{}),
		done:         make(chan struct{}),
	}
}

// Connected reports whether the event channel is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

// OnEvent registers the single event handler. There is exactly one handler
// for the lifetime of the client; reconnects re-use it, so listeners can
// never double up across event-channel drops.
func (c *Client) OnEvent(fn func(Event)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// Close stops the event loop. In-flight REST calls finish normally.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ── REST plumbing ──────────────────────────────────────────────────────────

// do performs one REST call against the switch with the standard deadline.
// out, when non-nil, receives the decoded JSON response body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	u := strings.TrimRight(c.cfg.URL, "/") + "/ari" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("switch: build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("switch: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("switch: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return normalizeError(resp.StatusCode, body)
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("switch: decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// doRaw is like do but returns the raw body (recording downloads).
func (c *Client) doRaw(ctx context.Context, method, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	u := strings.TrimRight(c.cfg.URL, "/") + "/ari" + path
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("switch: build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("switch: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("switch: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, normalizeError(resp.StatusCode, body)
	}
	return body, nil
}

// ── Channel operations ─────────────────────────────────────────────────────

// Originate creates an outbound channel routed into the application.
func (c *Client) Originate(ctx context.Context, req OriginateRequest) (*Channel, error) {
	q := url.Values{}
	q.Set("endpoint", req.Endpoint)
	q.Set("app", c.cfg.App)
	if req.ChannelID != "" {
		q.Set("channelId", req.ChannelID)
	}
	if req.CallerID != "" {
		q.Set("callerId", req.CallerID)
	}
	if req.Timeout > 0 {
		q.Set("timeout", strconv.Itoa(int(req.Timeout.Seconds())))
	}
	for k, v := range req.Variables {
		q.Set("variables["+k+"]", v)
	}

	var ch Channel
	if err := c.do(ctx, http.MethodPost, "/channels", q, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Answer answers a ringing channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/answer", nil, nil)
}

// Hangup terminates a channel. The reason, when set, maps to a switch
// hangup cause ("normal", "busy", "congestion", …).
func (c *Client) Hangup(ctx context.Context, channelID, reason string) error {
	q := url.Values{}
	if reason != "" {
		q.Set("reason", reason)
	}
	return c.do(ctx, http.MethodDelete, "/channels/"+channelID, q, nil)
}

// Play starts media playback on a channel under a caller-chosen playback ID
// and returns the playback handle. Choosing the ID client-side lets a
// finished-waiter register before the switch can emit PlaybackFinished.
func (c *Client) Play(ctx context.Context, channelID, playbackID, mediaURI string) (*Playback, error) {
	q := url.Values{}
	q.Set("media", mediaURI)

	var pb Playback
	path := "/channels/" + channelID + "/play/" + url.PathEscape(playbackID)
	if err := c.do(ctx, http.MethodPost, path, q, &pb); err != nil {
		return nil, err
	}
	return &pb, nil
}

// Record starts recording a channel into the switch's stored-recording area.
func (c *Client) Record(ctx context.Context, channelID string, req RecordRequest) (*LiveRecording, error) {
	q := url.Values{}
	q.Set("name", req.Name)
	format := req.Format
	if format == "" {
		format = "wav"
	}
	q.Set("format", format)
	if req.MaxDuration > 0 {
		q.Set("maxDurationSeconds", strconv.Itoa(int(req.MaxDuration.Seconds())))
	}
	if req.MaxSilence > 0 {
		q.Set("maxSilenceSeconds", strconv.Itoa(int(req.MaxSilence.Seconds())))
	}
	if req.Beep {
		q.Set("beep", "true")
	}
	if req.TerminateOn != "" {
		q.Set("terminateOn", req.TerminateOn)
	}
	if req.IfExists != "" {
		q.Set("ifExists", req.IfExists)
	}

	var rec LiveRecording
	if err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/record", q, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SendDTMF plays DTMF digits on a channel.
func (c *Client) SendDTMF(ctx context.Context, channelID, digits string) error {
	q := url.Values{}
	q.Set("dtmf", digits)
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/dtmf", q, nil)
}

// Snoop creates a mirror channel carrying a copy of channelID's audio in the
// requested direction, routed into the application.
func (c *Client) Snoop(ctx context.Context, req SnoopRequest) (*Channel, error) {
	q := url.Values{}
	q.Set("app", c.cfg.App)
	q.Set("spy", req.Spy)

	var ch Channel
	path := "/channels/" + req.ChannelID + "/snoop/" + req.SnoopID
	if err := c.do(ctx, http.MethodPost, path, q, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// ExternalMedia creates an external-media channel in websocket server mode:
// the switch opens a socket listener and the channel becomes bridgeable once
// something connects to it.
func (c *Client) ExternalMedia(ctx context.Context, req ExternalMediaRequest) (*Channel, error) {
	q := url.Values{}
	q.Set("app", c.cfg.App)
	q.Set("channelId", req.ChannelID)
	q.Set("external_host", "INCOMING")
	q.Set("format", req.Format)
	q.Set("transport", "websocket")
	q.Set("encapsulation", "none")
	q.Set("connection_type", "server")
	q.Set("direction", "both")

	var ch Channel
	if err := c.do(ctx, http.MethodPost, "/channels/externalMedia", q, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// GetChannelVar reads one channel variable.
func (c *Client) GetChannelVar(ctx context.Context, channelID, name string) (string, error) {
	q := url.Values{}
	q.Set("variable", name)

	var out struct {
		Value string `json:"value"`
	}
	if err := c.do(ctx, http.MethodGet, "/channels/"+channelID+"/variable", q, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

// MediaConnectionID resolves the websocket connection identifier of an
// external-media channel. The switch publishes it as a channel variable; it
// may not be set the instant the create call returns, so this polls until
// the context expires.
func (c *Client) MediaConnectionID(ctx context.Context, ch *Channel) (string, error) {
	if id := ch.Channelvars[mediaConnIDVar]; id != "" {
		return id, nil
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		id, err := c.GetChannelVar(ctx, ch.ID, mediaConnIDVar)
		if err == nil && id != "" {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("switch: media connection id for %s: %w", ch.ID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// MediaSocketURL builds the websocket URL for an external-media connection
// identifier, derived from the switch's base URL.
func (c *Client) MediaSocketURL(connectionID string) string {
	base := strings.TrimRight(c.cfg.URL, "/")
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/media/" + connectionID
}

// ── Bridge operations ──────────────────────────────────────────────────────

// CreateBridge creates a mixing bridge. name may be empty.
func (c *Client) CreateBridge(ctx context.Context, name string) (*Bridge, error) {
	q := url.Values{}
	q.Set("type", "mixing")
	if name != "" {
		q.Set("name", name)
	}

	var b Bridge
	if err := c.do(ctx, http.MethodPost, "/bridges", q, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBridge fetches one bridge.
func (c *Client) GetBridge(ctx context.Context, bridgeID string) (*Bridge, error) {
	var b Bridge
	if err := c.do(ctx, http.MethodGet, "/bridges/"+bridgeID, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// DestroyBridge tears a bridge down.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodDelete, "/bridges/"+bridgeID, nil, nil)
}

// AddChannel joins a channel into a bridge.
func (c *Client) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{}
	q.Set("channel", channelID)
	return c.do(ctx, http.MethodPost, "/bridges/"+bridgeID+"/addChannel", q, nil)
}

// RemoveChannel removes a channel from a bridge.
func (c *Client) RemoveChannel(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{}
	q.Set("channel", channelID)
	return c.do(ctx, http.MethodPost, "/bridges/"+bridgeID+"/removeChannel", q, nil)
}

// ── Stored recordings ──────────────────────────────────────────────────────

// ListRecordings returns all stored recordings.
func (c *Client) ListRecordings(ctx context.Context) ([]StoredRecording, error) {
	var rs []StoredRecording
	if err := c.do(ctx, http.MethodGet, "/recordings/stored", nil, &rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// GetRecording fetches metadata for one stored recording.
func (c *Client) GetRecording(ctx context.Context, name string) (*StoredRecording, error) {
	var r StoredRecording
	if err := c.do(ctx, http.MethodGet, "/recordings/stored/"+url.PathEscape(name), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRecordingFile downloads a stored recording's bytes.
func (c *Client) GetRecordingFile(ctx context.Context, name string) ([]byte, error) {
	return c.doRaw(ctx, http.MethodGet, "/recordings/stored/"+url.PathEscape(name)+"/file")
}

// DeleteRecording removes a stored recording.
func (c *Client) DeleteRecording(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/recordings/stored/"+url.PathEscape(name), nil, nil)
}

// CopyRecording copies a stored recording to a new name.
func (c *Client) CopyRecording(ctx context.Context, name, dest string) (*StoredRecording, error) {
	q := url.Values{}
	q.Set("destinationRecordingName", dest)

	var r StoredRecording
	path := "/recordings/stored/" + url.PathEscape(name) + "/copy"
	if err := c.do(ctx, http.MethodPost, path, q, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ── Endpoints ──────────────────────────────────────────────────────────────

// ListEndpoints returns all endpoints known to the switch.
func (c *Client) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	var es []Endpoint
	if err := c.do(ctx, http.MethodGet, "/endpoints", nil, &es); err != nil {
		return nil, err
	}
	return es, nil
}

// GetEndpoint fetches one endpoint by technology and resource.
func (c *Client) GetEndpoint(ctx context.Context, tech, resource string) (*Endpoint, error) {
	var e Endpoint
	if err := c.do(ctx, http.MethodGet, "/endpoints/"+tech+"/"+url.PathEscape(resource), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
