// Package asr implements the streaming speech-recognition client. Each call
// gets one websocket session to the ASR server: a JSON config message locks
// the language on open, binary frames carry raw slin16 PCM, and JSON replies
// carry transcriptions. Sessions reconnect on unintentional drops with
// bounded retries, and close() flushes so the last partial utterance is
// never lost.
package asr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// defaultLanguage is sent in the config message when none is set.
	// Locking the language matters: without it the server auto-detects per
	// chunk and flips languages on silence.
	defaultLanguage = "English"

	// flushDeadline bounds the wait for a final transcription during close.
	flushDeadline = 2 * time.Second

	// defaultReconnectDelay is the pause before redialling a dropped session.
	defaultReconnectDelay = 2 * time.Second

	// audioQueueDepth buffers capture frames across brief reconnects.
	audioQueueDepth = 256
)

// Transcription is one recognition result from the server.
type Transcription struct {
	Text      string `json:"text"`
	IsPartial bool   `json:"is_partial"`
	IsFinal   bool   `json:"is_final"`
}

// Config holds ASR connection settings.
type Config struct {
	// URL is the ASR server websocket URL. Empty disables transcription.
	URL string

	// Language is sent in the opening config message.
	Language string

	// ReconnectDelay overrides the default 2 s redial pause.
	ReconnectDelay time.Duration

	// MaxAttempts caps reconnects for one session. 0 or less retries
	// forever; the config layer supplies the production default.
	MaxAttempts int
}

// Handlers are the manager's upcalls. All are optional.
type Handlers struct {
	// OnTranscription receives every transcription for a call.
	OnTranscription func(callID string, t Transcription)

	// OnError receives server-reported errors.
	OnError func(callID, message string)

	// OnClosed fires once per session after it is fully torn down, with
	// exhausted=true when reconnect attempts ran out.
	OnClosed func(callID string, exhausted bool)
}

// Manager owns one session per call. Safe for concurrent use.
type Manager struct {
	cfg      Config
	handlers Handlers

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager. Pass zero-value Handlers fields to ignore
// the corresponding upcalls.
func NewManager(cfg Config, handlers Handlers) *Manager {
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	return &Manager{
		cfg:      cfg,
		handlers: handlers,
		sessions: make(map[string]*Session),
	}
}

// Configured reports whether an ASR server URL is set.
func (m *Manager) Configured() bool { return m.cfg.URL != "" }

// Start opens a session for callID. At most one session per call may exist.
func (m *Manager) Start(ctx context.Context, callID string) error {
	if !m.Configured() {
		return errors.New("asr: no server configured")
	}

	m.mu.Lock()
	if _, exists := m.sessions[callID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("asr: session already active for call %s", callID)
	}
	s := newSession(callID, m.cfg, m.handlers)
	s.mgr = m
	m.sessions[callID] = s
	m.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, callID)
		m.mu.Unlock()
		return err
	}
	go s.run()
	return nil
}

// Send forwards a PCM chunk to the call's session. Chunks for calls without
// a session are dropped silently — capture can outlive a failed session.
func (m *Manager) Send(callID string, pcm []byte) {
	m.mu.Lock()
	s := m.sessions[callID]
	m.mu.Unlock()
	if s != nil {
		s.send(pcm)
	}
}

// Flush asks the server to finalise buffered audio for the call.
func (m *Manager) Flush(callID string) error {
	m.mu.Lock()
	s := m.sessions[callID]
	m.mu.Unlock()
	if s == nil {
		return fmt.Errorf("asr: no session for call %s", callID)
	}
	return s.sendAction("flush")
}

// Reset asks the server to discard buffered audio for the call.
func (m *Manager) Reset(callID string) error {
	m.mu.Lock()
	s := m.sessions[callID]
	m.mu.Unlock()
	if s == nil {
		return fmt.Errorf("asr: no session for call %s", callID)
	}
	return s.sendAction("reset")
}

// Close flushes and closes the call's session. The flush result, if any
// arrives within the deadline, is delivered to OnTranscription before Close
// returns. Idempotent; no-op for unknown calls.
func (m *Manager) Close(callID string) {
	m.mu.Lock()
	s := m.sessions[callID]
	delete(m.sessions, callID)
	m.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// CloseAll closes every session. Used on process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.close()
		}()
	}
	wg.Wait()
}

// drop removes a session that died on its own (retry exhaustion).
func (m *Manager) drop(callID string) {
	m.mu.Lock()
	delete(m.sessions, callID)
	m.mu.Unlock()
}

// ── Session ─────────────────────────────────────────────────────────────────

// Session is one live ASR connection for one call.
type Session struct {
	callID   string
	cfg      Config
	handlers Handlers
	mgr      *Manager

	audio chan []byte

	connMu sync.Mutex
	conn   *websocket.Conn

	reconnectAttempts int

	closedMu sync.Mutex
	closed   bool

	// flushWait, when non-nil, is closed by the read loop on the first
	// is_final result. Guarded by closedMu.
	flushWait chan struct{}

	done     chan struct{}
	doneOnce sync.Once
}

func newSession(callID string, cfg Config, handlers Handlers) *Session {
	return &Session{
		callID:   callID,
		cfg:      cfg,
		handlers: handlers,
		audio:    make(chan []byte, audioQueueDepth),
		done:     make(chan struct{}),
	}
}

// serverMessage is the union of the three reply shapes.
type serverMessage struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	Text      string `json:"text"`
	IsPartial bool   `json:"is_partial"`
	IsFinal   bool   `json:"is_final"`
	HasText   bool   `json:"-"`
}

// connect dials the server and sends the config message.
func (s *Session) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("asr: dial %s: %w", s.cfg.URL, err)
	}
	conn.SetReadLimit(1 << 20)

	cfgMsg, _ := json.Marshal(map[string]string{
		"action":   "config",
		"language": s.cfg.Language,
	})
	if err := conn.Write(ctx, websocket.MessageText, cfgMsg); err != nil {
		conn.Close(websocket.StatusInternalError, "config write failed")
		return fmt.Errorf("asr: send config: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	return nil
}

// run owns the session lifecycle: a write pump and a read loop, restarted
// across reconnects until the session closes or retries are exhausted.
func (s *Session) run() {
	go s.writeLoop()

	for {
		s.readLoop()

		if s.isClosed() {
			s.finish(false)
			return
		}

		// Unintentional drop: reconnect with bounded retries.
		if !s.reconnect() {
			s.finish(true)
			return
		}
	}
}

func (s *Session) reconnect() bool {
	for {
		if s.cfg.MaxAttempts > 0 && s.reconnectAttempts >= s.cfg.MaxAttempts {
			slog.Warn("asr: reconnect attempts exhausted",
				"call_id", s.callID, "attempts", s.reconnectAttempts)
			return false
		}
		s.reconnectAttempts++

		select {
		case <-s.done:
			return false
		case <-time.After(s.cfg.ReconnectDelay):
		}

		if err := s.connect(context.Background()); err != nil {
			slog.Warn("asr: reconnect failed",
				"call_id", s.callID, "attempt", s.reconnectAttempts, "err", err)
			continue
		}

		slog.Info("asr: session reconnected",
			"call_id", s.callID, "attempts_used", s.reconnectAttempts)
		s.reconnectAttempts = 0
		return true
	}
}

// readLoop consumes server messages until the connection dies.
func (s *Session) readLoop() {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("asr: undecodable message", "call_id", s.callID, "err", err)
			continue
		}

		switch {
		case msg.Error != "":
			slog.Warn("asr: server error", "call_id", s.callID, "message", msg.Error)
			if s.handlers.OnError != nil {
				s.handlers.OnError(s.callID, msg.Error)
			}
		case msg.Status != "":
			slog.Debug("asr: server status", "call_id", s.callID, "status", msg.Status)
		default:
			t := Transcription{Text: msg.Text, IsPartial: msg.IsPartial, IsFinal: msg.IsFinal}
			if s.handlers.OnTranscription != nil {
				s.handlers.OnTranscription(s.callID, t)
			}
			if t.IsFinal {
				s.closedMu.Lock()
				if s.flushWait != nil {
					close(s.flushWait)
					s.flushWait = nil
				}
				s.closedMu.Unlock()
			}
		}
	}
}

// writeLoop sends queued PCM as binary frames.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case pcm := <-s.audio:
			s.connMu.Lock()
			conn := s.conn
			s.connMu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.Write(context.Background(), websocket.MessageBinary, pcm); err != nil {
				// The read loop sees the same failure and reconnects.
				continue
			}
		}
	}
}

// send queues one PCM chunk, dropping the oldest when the queue is full so a
// dead server cannot block the capture path.
func (s *Session) send(pcm []byte) {
	if s.isClosed() {
		return
	}
	select {
	case s.audio <- pcm:
	default:
		select {
		case <-s.audio:
		default:
		}
		select {
		case s.audio <- pcm:
		default:
		}
	}
}

// sendAction sends a control action ({"action": name}) to the server.
func (s *Session) sendAction(name string) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return errors.New("asr: not connected")
	}
	msg, _ := json.Marshal(map[string]string{"action": name})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}

// close implements the flush-and-wait close sequence: send flush, wait up to
// the deadline for an is_final result (the read loop forwards it to
// OnTranscription before signalling), then close the socket.
func (s *Session) close() {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return
	}
	s.closed = true
	wait := make(chan struct{})
	s.flushWait = wait
	s.closedMu.Unlock()

	if err := s.sendAction("flush"); err == nil {
		select {
		case <-wait:
		case <-time.After(flushDeadline):
			slog.Debug("asr: flush deadline elapsed without final result",
				"call_id", s.callID)
		}
	}

	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
}

func (s *Session) isClosed() bool {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	return s.closed
}

// finish fires the terminal upcall exactly once.
func (s *Session) finish(exhausted bool) {
	s.doneOnce.Do(func() {
		close(s.done)
		if exhausted && s.mgr != nil {
			s.mgr.drop(s.callID)
		}
		if s.handlers.OnClosed != nil {
			s.handlers.OnClosed(s.callID, exhausted)
		}
	})
}
