package ari

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// Connect opens the event channel and starts the dispatch loop. The initial
// dial failure is returned so startup can fail fast; after that, drops are
// handled internally by redialling every [reconnectDelay] until Close.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dialEvents(ctx)
	if err != nil {
		return err
	}
	c.connected.Store(true)
	go c.eventLoop(conn)
	return nil
}

// eventsURL builds the websocket URL for the switch's event channel.
func (c *Client) eventsURL() string {
	base := strings.TrimRight(c.cfg.URL, "/")
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{}
	q.Set("app", c.cfg.App)
	q.Set("api_key", c.cfg.Username+":"+c.cfg.Password)
	return base + "/ari/events?" + q.Encode()
}

func (c *Client) dialEvents(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.eventsURL(), nil)
	if err != nil {
		return nil, normalizeDialError(err)
	}
	conn.SetReadLimit(1 << 22)
	return conn, nil
}

func normalizeDialError(err error) error {
	return errors.Join(errors.New("switch: event channel dial failed"), err)
}

// eventLoop reads events until the client is closed, redialling on drops.
// The single registered handler survives reconnects, so there is never a
// second registration to leak or double-deliver through.
func (c *Client) eventLoop(conn *websocket.Conn) {
	for {
		c.readEvents(conn)
		c.connected.Store(false)

		select {
		case <-c.done:
			return
		default:
		}
		slog.Warn("switch event channel dropped, reconnecting",
			"delay", reconnectDelay.String(),
		)

		for {
			select {
			case <-c.done:
				return
			case <-time.After(reconnectDelay):
			}
			newConn, err := c.dialEvents(context.Background())
			if err != nil {
				slog.Warn("switch event channel reconnect failed", "err", err)
				continue
			}
			conn = newConn
			c.connected.Store(true)
			slog.Info("switch event channel reconnected")
			break
		}
	}
}

// readEvents decodes and dispatches messages until the connection dies.
func (c *Client) readEvents(conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "event loop exit")

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("switch sent undecodable event", "err", err)
			continue
		}
		c.dispatch(ev)
	}
}

// dispatch routes one event: internal waiters first (they wait on synthetic
// channels), then the handler — with synthetic-channel events suppressed,
// since they never correspond to real calls.
func (c *Client) dispatch(ev Event) {
	chanID := ev.ChannelID()

	if ev.Type == EventStasisStart && chanID != "" {
		c.mu.Lock()
		waiters := c.enterWaiters[chanID]
		delete(c.enterWaiters, chanID)
		c.mu.Unlock()
		for _, w := range waiters {
			close(w)
		}
	}

	if isSyntheticChannel(chanID) {
		return
	}

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

// isSyntheticChannel reports whether id carries one of the reserved
// orchestrator-internal prefixes.
func isSyntheticChannel(id string) bool {
	return strings.HasPrefix(id, SnoopPrefix) ||
		strings.HasPrefix(id, CapturePrefix) ||
		strings.HasPrefix(id, PlaybackPrefix)
}

// AwaitEnter blocks until the given channel enters the application (its
// StasisStart arrives) or ctx expires. Server-mode external-media channels
// refuse bridging until then, so capture setup must wait here.
func (c *Client) AwaitEnter(ctx context.Context, channelID string) error {
	ch := make(chan struct{})
	c.mu.Lock()
	c.enterWaiters[channelID] = append(c.enterWaiters[channelID], ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		waiters := c.enterWaiters[channelID]
		for i, w := range waiters {
			if w == ch {
				c.enterWaiters[channelID] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
		if len(c.enterWaiters[channelID]) == 0 {
			delete(c.enterWaiters, channelID)
		}
		c.mu.Unlock()
		return ctx.Err()
	}
}
