package call

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jaaacki/asterisk-api/internal/ari"
	"github.com/jaaacki/asterisk-api/internal/events"
	"github.com/jaaacki/asterisk-api/internal/observe"
	"github.com/jaaacki/asterisk-api/pkg/audio"
)

// ── Fakes ───────────────────────────────────────────────────────────────────

type playedMedia struct {
	channelID  string
	playbackID string
	mediaURI   string
}

// fakeSwitch records every REST call and can feed events back into the
// orchestrator the way the real switch would.
type fakeSwitch struct {
	orch *Orchestrator

	mu         sync.Mutex
	answered   []string
	hungup     []string
	played     []playedMedia
	dtmf       []string
	originates []ari.OriginateRequest
	snoops     []ari.SnoopRequest
	extMedias  []ari.ExternalMediaRequest
	records    []ari.RecordRequest
	lookups    []string
	bridgeAdds map[string][]string
	removed    map[string][]string
	destroyed  []string
	bridgeSeq  int

	answerErr    error
	originateErr error
	playErr      error
	hangupErr    error
	recordErr    error
	bridgeErr    error
	endpointErr  error

	// awaitEnterDelay delays AwaitEnter completion, simulating a slow
	// StasisStart for the external-media channel.
	awaitEnterDelay time.Duration

	// autoAnswer confirms Answer/Originate with ChannelStateChange(Up);
	// autoFinish confirms Play with PlaybackFinished.
	autoAnswer          bool
	autoAnswerOriginate bool
	autoFinish          bool
}

func newFakeSwitch() *fakeSwitch {
	return &fakeSwitch{
		bridgeAdds: make(map[string][]string),
		removed:    make(map[string][]string),
	}
}

func (s *fakeSwitch) channelUp(channelID string) {
	s.orch.HandleEvent(ari.Event{
		Type:    ari.EventChannelStateChange,
		Channel: &ari.Channel{ID: channelID, State: "Up"},
	})
}

func (s *fakeSwitch) Originate(_ context.Context, req ari.OriginateRequest) (*ari.Channel, error) {
	s.mu.Lock()
	if s.originateErr != nil {
		err := s.originateErr
		s.mu.Unlock()
		return nil, err
	}
	s.originates = append(s.originates, req)
	auto := s.autoAnswerOriginate
	s.mu.Unlock()
	if auto {
		go s.channelUp(req.ChannelID)
	}
	return &ari.Channel{ID: req.ChannelID, State: "Ring"}, nil
}

func (s *fakeSwitch) Answer(_ context.Context, channelID string) error {
	s.mu.Lock()
	if s.answerErr != nil {
		err := s.answerErr
		s.mu.Unlock()
		return err
	}
	s.answered = append(s.answered, channelID)
	auto := s.autoAnswer
	s.mu.Unlock()
	if auto {
		go s.channelUp(channelID)
	}
	return nil
}

func (s *fakeSwitch) Hangup(_ context.Context, channelID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hangupErr != nil {
		return s.hangupErr
	}
	s.hungup = append(s.hungup, channelID)
	return nil
}

func (s *fakeSwitch) Play(_ context.Context, channelID, playbackID, mediaURI string) (*ari.Playback, error) {
	s.mu.Lock()
	if s.playErr != nil {
		err := s.playErr
		s.mu.Unlock()
		return nil, err
	}
	s.played = append(s.played, playedMedia{channelID, playbackID, mediaURI})
	auto := s.autoFinish
	s.mu.Unlock()
	if auto {
		go s.orch.HandleEvent(ari.Event{
			Type:     ari.EventPlaybackFinished,
			Playback: &ari.Playback{ID: playbackID},
		})
	}
	return &ari.Playback{ID: playbackID, MediaURI: mediaURI}, nil
}

func (s *fakeSwitch) Record(_ context.Context, _ string, req ari.RecordRequest) (*ari.LiveRecording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return nil, s.recordErr
	}
	s.records = append(s.records, req)
	return &ari.LiveRecording{Name: req.Name, State: "recording"}, nil
}

func (s *fakeSwitch) SendDTMF(_ context.Context, _ string, digits string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dtmf = append(s.dtmf, digits)
	return nil
}

func (s *fakeSwitch) Snoop(_ context.Context, req ari.SnoopRequest) (*ari.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snoops = append(s.snoops, req)
	return &ari.Channel{ID: req.SnoopID}, nil
}

func (s *fakeSwitch) ExternalMedia(_ context.Context, req ari.ExternalMediaRequest) (*ari.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extMedias = append(s.extMedias, req)
	return &ari.Channel{ID: req.ChannelID, Channelvars: map[string]string{
		"UNICASTRTP_LOCAL_PORT": "1",
	}}, nil
}

func (s *fakeSwitch) MediaConnectionID(_ context.Context, ch *ari.Channel) (string, error) {
	return "conn-" + ch.ID, nil
}

func (s *fakeSwitch) MediaSocketURL(connectionID string) string {
	return "ws://switch/media/" + connectionID
}

func (s *fakeSwitch) AwaitEnter(ctx context.Context, _ string) error {
	s.mu.Lock()
	delay := s.awaitEnterDelay
	s.mu.Unlock()
	if delay == 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSwitch) GetEndpoint(_ context.Context, tech, resource string) (*ari.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpointErr != nil {
		return nil, s.endpointErr
	}
	s.lookups = append(s.lookups, tech+"/"+resource)
	return &ari.Endpoint{Technology: tech, Resource: resource, State: "online"}, nil
}

func (s *fakeSwitch) CreateBridge(_ context.Context, name string) (*ari.Bridge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bridgeErr != nil {
		return nil, s.bridgeErr
	}
	s.bridgeSeq++
	id := fmt.Sprintf("bridge-%d", s.bridgeSeq)
	return &ari.Bridge{ID: id, Name: name}, nil
}

func (s *fakeSwitch) DestroyBridge(_ context.Context, bridgeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = append(s.destroyed, bridgeID)
	return nil
}

func (s *fakeSwitch) AddChannel(_ context.Context, bridgeID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridgeAdds[bridgeID] = append(s.bridgeAdds[bridgeID], channelID)
	return nil
}

func (s *fakeSwitch) RemoveChannel(_ context.Context, bridgeID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed[bridgeID] = append(s.removed[bridgeID], channelID)
	return nil
}

// fakeMediaConn is an in-memory media socket fed by the test.
type fakeMediaConn struct {
	mu      sync.Mutex
	frames  chan []byte
	written [][]byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeMediaConn() *fakeMediaConn {
	return &fakeMediaConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeMediaConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, errors.New("socket closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeMediaConn) Write(frame []byte) error {
	select {
	case <-c.closed:
		return errors.New("socket closed")
	default:
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.mu.Lock()
	c.written = append(c.written, cp)
	c.mu.Unlock()
	return nil
}

func (c *fakeMediaConn) Buffered() int { return 0 }

func (c *fakeMediaConn) Open() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *fakeMediaConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeMediaConn) bytesWritten() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.written {
		n += len(f)
	}
	return n
}

type fakeTranscriber struct {
	mu         sync.Mutex
	configured bool
	startErr   error
	started    []string
	sent       map[string]int
	closed     []string
	closedAll  bool
}

func (f *fakeTranscriber) Configured() bool { return f.configured }

func (f *fakeTranscriber) Start(_ context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, callID)
	return nil
}

func (f *fakeTranscriber) Send(callID string, pcm []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string]int)
	}
	f.sent[callID] += len(pcm)
}

func (f *fakeTranscriber) Flush(string) error { return nil }
func (f *fakeTranscriber) Reset(string) error { return nil }

func (f *fakeTranscriber) Close(callID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, callID)
}

func (f *fakeTranscriber) CloseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedAll = true
}

type fakeSynth struct {
	mu           sync.Mutex
	wav          []byte
	voice        string
	language     string
	err          error
	cancelled    []string
	allCancelled bool
}

func (f *fakeSynth) Configured() bool { return true }

func (f *fakeSynth) Synthesize(_ context.Context, _ string, _ SpeakRequest) (Synthesis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Synthesis{}, f.err
	}
	return Synthesis{WAV: f.wav, Voice: f.voice, Language: f.language}, nil
}

func (f *fakeSynth) Cancel(callID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, callID)
}

func (f *fakeSynth) CancelAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allCancelled = true
}

type fakeGate struct{ inbound, outbound bool }

func (g *fakeGate) AllowInbound(string) bool  { return g.inbound }
func (g *fakeGate) AllowOutbound(string) bool { return g.outbound }

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Notify(event string, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *fakeNotifier) count(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == event {
			c++
		}
	}
	return c
}

// ── Fixture ─────────────────────────────────────────────────────────────────

type fixture struct {
	orch  *Orchestrator
	sw    *fakeSwitch
	reg   *Registry
	bus   *events.Bus
	hooks *fakeNotifier

	mu    sync.Mutex
	conns []*fakeMediaConn
}

func newFixture(t *testing.T, opts Options, tts Synthesizer, gate Gate) *fixture {
	t.Helper()
	bus := events.NewBus()
	timers := NewTimerSet()
	t.Cleanup(timers.Stop)
	reg := NewRegistry(bus, timers)
	sw := newFakeSwitch()
	hooks := &fakeNotifier{}

	orch := NewOrchestrator(sw, reg, bus, timers, tts, hooks, gate, observe.DefaultMetrics(), opts)
	sw.orch = orch

	f := &fixture{orch: orch, sw: sw, reg: reg, bus: bus, hooks: hooks}
	orch.dialMedia = func(_ context.Context, _ string) (MediaConn, error) {
		c := newFakeMediaConn()
		f.mu.Lock()
		f.conns = append(f.conns, c)
		f.mu.Unlock()
		return c, nil
	}
	return f
}

func (f *fixture) lastConn(t *testing.T) *fakeMediaConn {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		t.Fatal("no media socket was dialled")
	}
	return f.conns[len(f.conns)-1]
}

// addReadyCall seeds a call that has completed the inbound ramp-up.
func (f *fixture) addReadyCall(t *testing.T, callID, channelID string) {
	t.Helper()
	if _, err := f.reg.Create(Record{
		CallID: callID, ChannelID: channelID,
		Direction: DirectionInbound, State: StateRinging,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.SetState(callID, StateAnswered); err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.SetState(callID, StateReady); err != nil {
		t.Fatal(err)
	}
}

func waitEvent(t *testing.T, ch <-chan events.Event, typ string) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("event %s never arrived", typ)
		}
	}
}

func waitState(t *testing.T, reg *Registry, callID string, want State) Record {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if rec, ok := reg.Get(callID); ok && rec.State == want {
			return rec
		}
		select {
		case <-deadline:
			rec, _ := reg.Get(callID)
			t.Fatalf("call %s state = %s, want %s", callID, rec.State, want)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// ── Originate ───────────────────────────────────────────────────────────────

func TestOriginate(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)

	rec, err := f.orch.Originate(context.Background(), OriginateParams{
		Endpoint: "PJSIP/1000",
		CallerID: `"Ops" <100>`,
	})
	if err != nil {
		t.Fatalf("Originate: %v", err)
	}
	if rec.State != StateRinging || rec.Direction != DirectionOutbound {
		t.Errorf("rec = %+v", rec)
	}
	if !strings.HasPrefix(rec.ChannelID, "out-") {
		t.Errorf("channelID = %q", rec.ChannelID)
	}
	if rec.CalleeNumber != "1000" {
		t.Errorf("calleeNumber = %q, want number part of endpoint", rec.CalleeNumber)
	}

	f.sw.mu.Lock()
	defer f.sw.mu.Unlock()
	if len(f.sw.originates) != 1 {
		t.Fatalf("originates = %d", len(f.sw.originates))
	}
	got := f.sw.originates[0]
	if got.Endpoint != "PJSIP/1000" || got.ChannelID != rec.ChannelID || got.CallerID != `"Ops" <100>` {
		t.Errorf("originate request = %+v", got)
	}
	// The endpoint was looked up before dialling.
	if len(f.sw.lookups) != 1 || f.sw.lookups[0] != "PJSIP/1000" {
		t.Errorf("endpoint lookups = %v", f.sw.lookups)
	}
}

func TestOriginateUnknownEndpoint(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	f.sw.endpointErr = &ari.Error{StatusCode: 404, Message: "endpoint not found"}

	_, err := f.orch.Originate(context.Background(), OriginateParams{Endpoint: "PJSIP/9999"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	f.sw.mu.Lock()
	defer f.sw.mu.Unlock()
	if len(f.sw.originates) != 0 {
		t.Error("originate sent for an unknown endpoint")
	}
}

func TestOriginateMalformedEndpoint(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	for _, ep := range []string{"PJSIP", "/1000", "PJSIP/"} {
		if _, err := f.orch.Originate(context.Background(), OriginateParams{Endpoint: ep}); !errors.Is(err, ErrValidation) {
			t.Errorf("endpoint %q: err = %v, want ErrValidation", ep, err)
		}
	}
}

func TestOriginateValidation(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	if _, err := f.orch.Originate(context.Background(), OriginateParams{}); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestOriginateDeniedByAllowlist(t *testing.T) {
	f := newFixture(t, Options{}, nil, &fakeGate{inbound: true, outbound: false})
	if _, err := f.orch.Originate(context.Background(), OriginateParams{Endpoint: "PJSIP/1000"}); !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
	if len(f.reg.List()) != 0 {
		t.Error("record created for denied originate")
	}
}

func TestOriginateSwitchFailure(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	f.sw.originateErr = &ari.Error{StatusCode: 503, Message: "overloaded"}

	_, err := f.orch.Originate(context.Background(), OriginateParams{Endpoint: "PJSIP/1000"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}

	if recs := f.reg.List(); len(recs) != 0 {
		t.Errorf("records = %+v, want rejected originate removed", recs)
	}
}

func TestOriginateAnswerConfirmation(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	ch, cancel := f.bus.Subscribe()
	defer cancel()

	rec, err := f.orch.Originate(context.Background(), OriginateParams{Endpoint: "PJSIP/1000"})
	if err != nil {
		t.Fatal(err)
	}

	f.sw.channelUp(rec.ChannelID)
	waitEvent(t, ch, events.CallAnswered)
	got := waitState(t, f.reg, rec.CallID, StateAnswered)
	if got.AnsweredAt == nil {
		t.Error("AnsweredAt not set")
	}
}

// ── Inbound ─────────────────────────────────────────────────────────────────

func TestInboundCallRampsToReady(t *testing.T) {
	f := newFixture(t, Options{RingDelay: time.Millisecond}, nil, nil)
	f.sw.autoAnswer = true
	f.sw.autoFinish = true
	ch, cancel := f.bus.Subscribe()
	defer cancel()

	f.orch.HandleEvent(ari.Event{
		Type: ari.EventStasisStart,
		Channel: &ari.Channel{
			ID:       "in-1",
			Caller:   ari.CallerID{Number: "+15550001111"},
			Dialplan: ari.Dialplan{Exten: "100"},
		},
	})

	ev := waitEvent(t, ch, events.CallInbound)
	waitEvent(t, ch, events.CallAnswered)
	waitEvent(t, ch, events.CallReady)

	rec := waitState(t, f.reg, ev.CallID, StateReady)
	if rec.CallerNumber != "+15550001111" || rec.CalleeNumber != "100" {
		t.Errorf("rec = %+v", rec)
	}

	f.sw.mu.Lock()
	defer f.sw.mu.Unlock()
	if len(f.sw.answered) != 1 || f.sw.answered[0] != "in-1" {
		t.Errorf("answered = %v", f.sw.answered)
	}
	// Greeting then beep, in order.
	if len(f.sw.played) != 2 {
		t.Fatalf("played = %+v", f.sw.played)
	}
	if f.sw.played[0].mediaURI != "sound:hello-world" || f.sw.played[1].mediaURI != "sound:beep" {
		t.Errorf("played order = %+v", f.sw.played)
	}
}

func TestInboundDeniedByAllowlist(t *testing.T) {
	f := newFixture(t, Options{RingDelay: time.Millisecond}, nil, &fakeGate{inbound: false, outbound: true})
	ch, cancel := f.bus.Subscribe()
	defer cancel()

	f.orch.HandleEvent(ari.Event{
		Type:    ari.EventStasisStart,
		Channel: &ari.Channel{ID: "in-1", Caller: ari.CallerID{Number: "+15559999999"}},
	})

	ev := waitEvent(t, ch, events.CallStateChanged)
	data, _ := ev.Data.(map[string]any)
	if to, _ := data["to"].(State); to != StateFailed {
		t.Errorf("state change to = %v, want failed", data["to"])
	}
	deadline := time.After(5 * time.Second)
	for {
		if _, ok := f.reg.Get(ev.CallID); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("denied call never removed")
		case <-time.After(2 * time.Millisecond):
		}
	}

	f.sw.mu.Lock()
	defer f.sw.mu.Unlock()
	if len(f.sw.hungup) != 1 || f.sw.hungup[0] != "in-1" {
		t.Errorf("hungup = %v", f.sw.hungup)
	}
	if len(f.sw.answered) != 0 {
		t.Error("denied call was answered")
	}
}

func TestInboundAutoStartsTranscription(t *testing.T) {
	tr := &fakeTranscriber{configured: true}
	f := newFixture(t, Options{RingDelay: time.Millisecond}, nil, nil)
	f.orch.SetTranscriber(tr)
	f.sw.autoAnswer = true
	f.sw.autoFinish = true
	ch, cancel := f.bus.Subscribe()
	defer cancel()

	f.orch.HandleEvent(ari.Event{
		Type:    ari.EventStasisStart,
		Channel: &ari.Channel{ID: "in-1", Caller: ari.CallerID{Number: "+1555"}},
	})

	ev := waitEvent(t, ch, events.CallCaptureStarted)

	// The recognition session starts right after the capture pipeline.
	deadline := time.After(5 * time.Second)
	for {
		tr.mu.Lock()
		started := len(tr.started) == 1 && tr.started[0] == ev.CallID
		tr.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("transcriber never started for %s", ev.CallID)
		case <-time.After(2 * time.Millisecond):
		}
	}

	rec, _ := f.reg.Get(ev.CallID)
	if !rec.Capturing() {
		t.Error("capture not attached")
	}
}

// ── Hangup and finalisation ─────────────────────────────────────────────────

func TestHangupAndStasisEnd(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	ch, cancel := f.bus.Subscribe()
	defer cancel()

	rec, err := f.orch.Originate(context.Background(), OriginateParams{Endpoint: "PJSIP/1000"})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.orch.Hangup(context.Background(), rec.CallID, "normal"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	f.sw.mu.Lock()
	hungup := len(f.sw.hungup)
	f.sw.mu.Unlock()
	if hungup != 1 {
		t.Fatalf("hangup requests = %d", hungup)
	}

	// The switch confirms with StasisEnd; that is what finalises the call.
	f.orch.HandleEvent(ari.Event{
		Type:     ari.EventStasisEnd,
		Channel:  &ari.Channel{ID: rec.ChannelID},
		CauseTxt: "Normal Clearing",
	})

	waitEvent(t, ch, events.CallEnded)
	final, _ := f.reg.Get(rec.CallID)
	if final.State != StateEnded || final.HangupCause != "Normal Clearing" {
		t.Errorf("final = %+v", final)
	}

	// Hanging up an ended call succeeds without another switch request.
	if err := f.orch.Hangup(context.Background(), rec.CallID, "normal"); err != nil {
		t.Errorf("second Hangup: %v", err)
	}
}

func TestHangupUnknownCall(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	if err := f.orch.Hangup(context.Background(), "nope", "normal"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestHangupChannelAlreadyGone(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	rec, err := f.orch.Originate(context.Background(), OriginateParams{Endpoint: "PJSIP/1000"})
	if err != nil {
		t.Fatal(err)
	}

	// A 404 means the channel is gone and the StasisEnd was lost; the call is
	// finalised locally.
	f.sw.hangupErr = &ari.Error{StatusCode: 404, Message: "channel not found"}
	if err := f.orch.Hangup(context.Background(), rec.CallID, "normal"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	waitState(t, f.reg, rec.CallID, StateEnded)
}

func TestDuplicateHangupEventsIgnored(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	rec, err := f.orch.Originate(context.Background(), OriginateParams{Endpoint: "PJSIP/1000"})
	if err != nil {
		t.Fatal(err)
	}

	end := ari.Event{Type: ari.EventStasisEnd, Channel: &ari.Channel{ID: rec.ChannelID}, CauseTxt: "first"}
	f.orch.HandleEvent(end)
	end.CauseTxt = "second"
	f.orch.HandleEvent(end)
	f.orch.HandleEvent(ari.Event{Type: ari.EventChannelDestroyed, Channel: &ari.Channel{ID: rec.ChannelID}})

	final, _ := f.reg.Get(rec.CallID)
	if final.HangupCause != "first" {
		t.Errorf("cause = %q, want first event's cause", final.HangupCause)
	}
}

// ── Playback, DTMF, recording ───────────────────────────────────────────────

func TestPlayMediaSequentialAndRestores(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	f.sw.autoFinish = true
	f.addReadyCall(t, "c1", "chan-1")
	ch, cancel := f.bus.Subscribe()
	defer cancel()

	if err := f.orch.PlayMedia(context.Background(), "c1", []string{"sound:a", "sound:b"}); err != nil {
		t.Fatalf("PlayMedia: %v", err)
	}
	waitEvent(t, ch, events.CallPlaybackFinished)

	rec, _ := f.reg.Get("c1")
	if rec.State != StateReady {
		t.Errorf("state = %s, want ready restored", rec.State)
	}

	f.sw.mu.Lock()
	defer f.sw.mu.Unlock()
	if len(f.sw.played) != 2 || f.sw.played[0].mediaURI != "sound:a" || f.sw.played[1].mediaURI != "sound:b" {
		t.Errorf("played = %+v", f.sw.played)
	}
}

func TestPlayMediaFailureRestoresState(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	f.sw.playErr = &ari.Error{StatusCode: 404, Message: "no such media"}
	f.addReadyCall(t, "c1", "chan-1")

	err := f.orch.PlayMedia(context.Background(), "c1", []string{"sound:missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	rec, _ := f.reg.Get("c1")
	if rec.State != StateReady {
		t.Errorf("state = %s, want ready restored", rec.State)
	}
}

func TestPlayMediaValidation(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	f.addReadyCall(t, "c1", "chan-1")

	if err := f.orch.PlayMedia(context.Background(), "c1", nil); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	if err := f.orch.PlayMedia(context.Background(), "nope", []string{"sound:a"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSendDTMF(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	f.addReadyCall(t, "c1", "chan-1")

	if err := f.orch.SendDTMF(context.Background(), "c1", "1A*#,9"); err != nil {
		t.Fatalf("SendDTMF: %v", err)
	}
	f.sw.mu.Lock()
	sent := f.sw.dtmf
	f.sw.mu.Unlock()
	if len(sent) != 1 || sent[0] != "1A*#,9" {
		t.Errorf("dtmf = %v", sent)
	}

	for _, digits := range []string{"", "1E", "hello", "1 2"} {
		if err := f.orch.SendDTMF(context.Background(), "c1", digits); !errors.Is(err, ErrValidation) {
			t.Errorf("digits %q: err = %v, want ErrValidation", digits, err)
		}
	}

	if err := f.orch.SendDTMF(context.Background(), "nope", "1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRecordLifecycle(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	f.addReadyCall(t, "c1", "chan-1")
	ch, cancel := f.bus.Subscribe()
	defer cancel()

	name, err := f.orch.Record(context.Background(), "c1", RecordParams{
		Format:             "wav",
		MaxDurationSeconds: 60,
		TerminateOn:        "#",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if name != "call-c1" {
		t.Errorf("name = %q", name)
	}
	if rec, _ := f.reg.Get("c1"); rec.State != StateRecording {
		t.Errorf("state = %s, want recording", rec.State)
	}

	f.sw.mu.Lock()
	req := f.sw.records[0]
	f.sw.mu.Unlock()
	if req.Name != "call-c1" || req.IfExists != "overwrite" || req.MaxDuration != time.Minute {
		t.Errorf("record request = %+v", req)
	}

	// The switch reports completion; the call returns to ready.
	f.orch.HandleEvent(ari.Event{
		Type:      ari.EventRecordingFinished,
		Recording: &ari.LiveRecording{Name: name, Duration: 12},
	})
	waitEvent(t, ch, events.CallRecordingFinished)
	if rec, _ := f.reg.Get("c1"); rec.State != StateReady {
		t.Errorf("state = %s, want ready restored", rec.State)
	}
}

func TestRecordSwitchFailureRestores(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	f.sw.recordErr = &ari.Error{StatusCode: 503, Message: "busy"}
	f.addReadyCall(t, "c1", "chan-1")

	if _, err := f.orch.Record(context.Background(), "c1", RecordParams{}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if rec, _ := f.reg.Get("c1"); rec.State != StateReady {
		t.Errorf("state = %s, want ready restored", rec.State)
	}
}

// ── DTMF events ─────────────────────────────────────────────────────────────

func TestDTMFEventEmitted(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	f.addReadyCall(t, "c1", "chan-1")
	ch, cancel := f.bus.Subscribe()
	defer cancel()

	f.orch.HandleEvent(ari.Event{
		Type:       ari.EventChannelDtmfReceived,
		Channel:    &ari.Channel{ID: "chan-1"},
		Digit:      "5",
		DurationMs: 120,
	})

	ev := waitEvent(t, ch, events.CallDTMF)
	data := ev.Data.(map[string]any)
	if data["digit"] != "5" {
		t.Errorf("data = %v", data)
	}
}

// ── Transfer ────────────────────────────────────────────────────────────────

func TestTransfer(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	f.sw.autoAnswerOriginate = true
	f.addReadyCall(t, "c1", "chan-1")

	res, err := f.orch.Transfer(context.Background(), "c1", TransferParams{Endpoint: "PJSIP/2000"})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if res.BridgeID == "" || res.NewCallID == "" {
		t.Fatalf("result = %+v", res)
	}

	rec, _ := f.reg.Get("c1")
	if rec.State != StateBridged || rec.BridgeID != res.BridgeID {
		t.Errorf("call = %+v", rec)
	}
	target, ok := f.reg.Get(res.NewCallID)
	if !ok || target.State != StateBridged {
		t.Errorf("target = %+v, %v", target, ok)
	}

	f.sw.mu.Lock()
	members := f.sw.bridgeAdds[res.BridgeID]
	f.sw.mu.Unlock()
	if len(members) != 2 || members[0] != "chan-1" {
		t.Errorf("bridge members = %v", members)
	}

	if bridges := f.reg.ListBridgeRecords(); len(bridges) != 1 {
		t.Errorf("bridge records = %+v", bridges)
	}
}

func TestTransferTargetNeverAnswers(t *testing.T) {
	f := newFixture(t, Options{AnswerTimeout: 50 * time.Millisecond}, nil, nil)
	f.addReadyCall(t, "c1", "chan-1")

	_, err := f.orch.Transfer(context.Background(), "c1", TransferParams{Endpoint: "PJSIP/2000"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	rec, _ := f.reg.Get("c1")
	if rec.State != StateReady {
		t.Errorf("state = %s, want ready restored", rec.State)
	}

	f.sw.mu.Lock()
	defer f.sw.mu.Unlock()
	if len(f.sw.destroyed) != 1 {
		t.Errorf("destroyed bridges = %v", f.sw.destroyed)
	}
	// The ringing target leg was hung up.
	found := false
	for _, id := range f.sw.hungup {
		if strings.HasPrefix(id, "transfer-") {
			found = true
		}
	}
	if !found {
		t.Errorf("target leg not hung up: %v", f.sw.hungup)
	}
}

func TestTransferValidation(t *testing.T) {
	f := newFixture(t, Options{}, nil, &fakeGate{inbound: true, outbound: false})
	f.addReadyCall(t, "c1", "chan-1")

	if _, err := f.orch.Transfer(context.Background(), "c1", TransferParams{}); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	if _, err := f.orch.Transfer(context.Background(), "c1", TransferParams{Endpoint: "PJSIP/2000"}); !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestTransferUnknownEndpoint(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	f.addReadyCall(t, "c1", "chan-1")
	f.sw.endpointErr = &ari.Error{StatusCode: 404, Message: "endpoint not found"}

	if _, err := f.orch.Transfer(context.Background(), "c1", TransferParams{Endpoint: "PJSIP/9999"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	rec, _ := f.reg.Get("c1")
	if rec.State != StateReady {
		t.Errorf("state = %s, want ready untouched", rec.State)
	}
	f.sw.mu.Lock()
	defer f.sw.mu.Unlock()
	if len(f.sw.originates) != 0 {
		t.Error("target leg dialled for an unknown endpoint")
	}
}

func TestTransferCarriesCallerIDAndTimeout(t *testing.T) {
	f := newFixture(t, Options{AnswerTimeout: 10 * time.Second}, nil, nil)
	f.addReadyCall(t, "c1", "chan-1")

	// The per-request timeout must override the configured answer timeout:
	// with the 10 s default in force this test would hang well past its
	// deadline.
	start := time.Now()
	_, err := f.orch.Transfer(context.Background(), "c1", TransferParams{
		Endpoint: "PJSIP/2000",
		CallerID: `"Front Desk" <200>`,
		Timeout:  50 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("transfer waited %v, want the request timeout honoured", elapsed)
	}

	f.sw.mu.Lock()
	defer f.sw.mu.Unlock()
	if len(f.sw.originates) != 1 {
		t.Fatalf("originates = %d", len(f.sw.originates))
	}
	if got := f.sw.originates[0].CallerID; got != `"Front Desk" <200>` {
		t.Errorf("target callerID = %q", got)
	}
}

// ── Capture ─────────────────────────────────────────────────────────────────

func TestStartCapturePipeline(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	tr := &fakeTranscriber{configured: true}
	f.orch.SetTranscriber(tr)
	f.addReadyCall(t, "c1", "chan-1")
	ch, cancel := f.bus.Subscribe()
	defer cancel()

	if err := f.orch.StartCapture(context.Background(), "c1"); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	waitEvent(t, ch, events.CallCaptureStarted)

	f.sw.mu.Lock()
	if len(f.sw.snoops) != 1 || f.sw.snoops[0].ChannelID != "chan-1" || f.sw.snoops[0].Spy != "in" {
		t.Errorf("snoops = %+v", f.sw.snoops)
	}
	if !strings.HasPrefix(f.sw.snoops[0].SnoopID, ari.SnoopPrefix) {
		t.Errorf("snoop id = %q", f.sw.snoops[0].SnoopID)
	}
	if len(f.sw.extMedias) != 1 || f.sw.extMedias[0].Format != "slin16" {
		t.Errorf("extMedias = %+v", f.sw.extMedias)
	}
	if !strings.HasPrefix(f.sw.extMedias[0].ChannelID, ari.CapturePrefix) {
		t.Errorf("external media id = %q", f.sw.extMedias[0].ChannelID)
	}
	f.sw.mu.Unlock()

	// A PCM frame fans out to the bus and the transcriber.
	frame := []byte{1, 2, 3, 4}
	f.lastConn(t).frames <- frame

	ev := waitEvent(t, ch, events.CallAudioFrame)
	data := ev.Data.(map[string]any)
	if data["payload"] != base64.StdEncoding.EncodeToString(frame) {
		t.Errorf("payload = %v", data["payload"])
	}
	if data["sampleRate"] != 16000 {
		t.Errorf("sampleRate = %v", data["sampleRate"])
	}

	deadline := time.After(5 * time.Second)
	for {
		tr.mu.Lock()
		n := tr.sent["c1"]
		tr.mu.Unlock()
		if n == len(frame) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("transcriber received %d bytes, want %d", n, len(frame))
		case <-time.After(2 * time.Millisecond):
		}
	}

	// Double start is rejected.
	if err := f.orch.StartCapture(context.Background(), "c1"); !errors.Is(err, ErrAlreadyCapturing) {
		t.Errorf("second StartCapture err = %v", err)
	}
}

func TestStopCapture(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	f.addReadyCall(t, "c1", "chan-1")
	ch, cancel := f.bus.Subscribe()
	defer cancel()

	if err := f.orch.StartCapture(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	conn := f.lastConn(t)

	if err := f.orch.StopCapture(context.Background(), "c1"); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	waitEvent(t, ch, events.CallCaptureStopped)

	if conn.Open() {
		t.Error("media socket left open")
	}
	rec, _ := f.reg.Get("c1")
	if rec.Capturing() {
		t.Error("capture handle still attached")
	}

	// Idempotent.
	if err := f.orch.StopCapture(context.Background(), "c1"); err != nil {
		t.Errorf("second StopCapture: %v", err)
	}
}

func TestStartCaptureUnknownCall(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	if err := f.orch.StartCapture(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStartCaptureOnEndedCall(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	f.addReadyCall(t, "c1", "chan-1")

	f.orch.HandleEvent(ari.Event{
		Type:     ari.EventStasisEnd,
		Channel:  &ari.Channel{ID: "chan-1"},
		CauseTxt: "Normal Clearing",
	})
	waitState(t, f.reg, "c1", StateEnded)

	// An ended call is gone as far as callers are concerned.
	if err := f.orch.StartCapture(context.Background(), "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStartCaptureSurvivesSlowMediaEntry(t *testing.T) {
	f := newFixture(t, Options{MediaDialTimeout: 5 * time.Millisecond}, nil, nil)
	f.addReadyCall(t, "c1", "chan-1")

	// The external-media channel takes longer to enter the application than
	// the socket-dial budget allows; the entry wait has its own, longer
	// deadline and must not inherit the dial one.
	f.sw.awaitEnterDelay = 50 * time.Millisecond

	if err := f.orch.StartCapture(context.Background(), "c1"); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	rec, _ := f.reg.Get("c1")
	if !rec.Capturing() {
		t.Error("capture not attached")
	}
}

// ── Speak ───────────────────────────────────────────────────────────────────

func ttsWav(nSamples int) []byte {
	pcm := make([]byte, nSamples*2)
	return audio.EncodeWav(pcm, 16000, 1, 16)
}

func TestSpeakStreamsSynthesizedAudio(t *testing.T) {
	synth := &fakeSynth{wav: ttsWav(320), voice: "alloy", language: "German"} // one 20 ms frame at 16 kHz
	f := newFixture(t, Options{}, synth, nil)
	f.addReadyCall(t, "c1", "chan-1")
	ch, cancel := f.bus.Subscribe()
	defer cancel()

	res, err := f.orch.Speak(context.Background(), "c1", SpeakRequest{Text: "hello there"})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if res.Voice != "alloy" || res.Language != "German" {
		t.Errorf("result voice/language = %q/%q", res.Voice, res.Language)
	}
	if res.DurationSeconds != 0.02 {
		t.Errorf("durationSeconds = %v, want 0.02", res.DurationSeconds)
	}
	waitEvent(t, ch, events.CallSpeakFinished)

	if got := f.lastConn(t).bytesWritten(); got != 640 {
		t.Errorf("streamed %d bytes, want 640", got)
	}
	rec, _ := f.reg.Get("c1")
	if rec.State != StateReady {
		t.Errorf("state = %s, want ready restored", rec.State)
	}

	// The playback pipeline is kept for the next utterance.
	if f.reg.Playback("c1") == nil {
		t.Error("playback pipeline torn down after speak")
	}
}

func TestSpeakReusesPipeline(t *testing.T) {
	synth := &fakeSynth{wav: ttsWav(320)}
	f := newFixture(t, Options{}, synth, nil)
	f.addReadyCall(t, "c1", "chan-1")

	if _, err := f.orch.Speak(context.Background(), "c1", SpeakRequest{Text: "one"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.Speak(context.Background(), "c1", SpeakRequest{Text: "two"}); err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	dials := len(f.conns)
	f.mu.Unlock()
	if dials != 1 {
		t.Errorf("media dials = %d, want pipeline reuse", dials)
	}
}

func TestSpeakWithoutSynthesizer(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	f.addReadyCall(t, "c1", "chan-1")

	if _, err := f.orch.Speak(context.Background(), "c1", SpeakRequest{Text: "hi"}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestSpeakValidation(t *testing.T) {
	synth := &fakeSynth{wav: ttsWav(320)}
	f := newFixture(t, Options{}, synth, nil)
	f.addReadyCall(t, "c1", "chan-1")

	if _, err := f.orch.Speak(context.Background(), "c1", SpeakRequest{}); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	if _, err := f.orch.Speak(context.Background(), "nope", SpeakRequest{Text: "hi"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSpeakSynthesisFailureRestores(t *testing.T) {
	synth := &fakeSynth{err: errors.New("synthesis backend down")}
	f := newFixture(t, Options{}, synth, nil)
	f.addReadyCall(t, "c1", "chan-1")
	ch, cancel := f.bus.Subscribe()
	defer cancel()

	if _, err := f.orch.Speak(context.Background(), "c1", SpeakRequest{Text: "hi"}); err == nil {
		t.Fatal("expected error")
	}
	waitEvent(t, ch, events.CallSpeakError)

	rec, _ := f.reg.Get("c1")
	if rec.State != StateReady {
		t.Errorf("state = %s, want ready restored", rec.State)
	}
}

func TestSpeakRejectsNonWavResult(t *testing.T) {
	synth := &fakeSynth{wav: []byte("not audio at all")}
	f := newFixture(t, Options{}, synth, nil)
	f.addReadyCall(t, "c1", "chan-1")

	_, err := f.orch.Speak(context.Background(), "c1", SpeakRequest{Text: "hi"})
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("err = %v, want ErrProtocol", err)
	}
}

// ── Transcription callbacks ─────────────────────────────────────────────────

func TestHandleTranscriptionWebhooksFinalsOnly(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	f.addReadyCall(t, "c1", "chan-1")
	ch, cancel := f.bus.Subscribe()
	defer cancel()

	f.orch.HandleTranscription("c1", "hel", true, false)
	f.orch.HandleTranscription("c1", "hello", false, true)

	// Both reach the bus.
	first := waitEvent(t, ch, events.CallTranscription)
	second := waitEvent(t, ch, events.CallTranscription)
	if first.Data.(map[string]any)["text"] != "hel" || second.Data.(map[string]any)["text"] != "hello" {
		t.Errorf("bus events = %v, %v", first.Data, second.Data)
	}

	// Only the final reaches the webhook sink.
	if n := f.hooks.count(events.CallTranscription); n != 1 {
		t.Errorf("webhook transcriptions = %d, want 1", n)
	}
}

func TestHandleASRClosed(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	f.addReadyCall(t, "c1", "chan-1")
	ch, cancel := f.bus.Subscribe()
	defer cancel()

	f.orch.HandleASRClosed("c1", false)
	waitEvent(t, ch, events.CallASRDisconnected)
	if n := f.hooks.count(events.TranscriptionUnavailable); n != 0 {
		t.Errorf("unavailable webhooks = %d, want 0", n)
	}

	// Exhaustion reaches the bus but is not a lifecycle webhook.
	f.orch.HandleASRClosed("c1", true)
	waitEvent(t, ch, events.TranscriptionUnavailable)
	if n := f.hooks.count(events.TranscriptionUnavailable); n != 0 {
		t.Errorf("unavailable webhooks = %d, want 0", n)
	}
}

func TestWebhooksCarryLifecycleEventsOnly(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)
	f.addReadyCall(t, "c1", "chan-1")

	lifecycle := []string{
		events.CallInbound, events.CallAnswered, events.CallReady,
		events.CallDTMF, events.CallEnded, events.CallSpeakFinished,
	}
	internal := []string{
		events.CallStateChanged, events.CallPlaybackFinished,
		events.CallCaptureStarted, events.CallSpeakStarted,
		events.CallASRDisconnected, events.TranscriptionUnavailable,
	}

	for _, ev := range lifecycle {
		f.orch.emit(ev, "c1", nil)
	}
	for _, ev := range internal {
		f.orch.emit(ev, "c1", nil)
	}

	for _, ev := range lifecycle {
		if n := f.hooks.count(ev); n != 1 {
			t.Errorf("webhook %s delivered %d times, want 1", ev, n)
		}
	}
	for _, ev := range internal {
		if n := f.hooks.count(ev); n != 0 {
			t.Errorf("webhook %s delivered %d times, want 0", ev, n)
		}
	}
}

// ── Shutdown ────────────────────────────────────────────────────────────────

func TestShutdown(t *testing.T) {
	synth := &fakeSynth{wav: ttsWav(320)}
	tr := &fakeTranscriber{configured: true}
	f := newFixture(t, Options{}, synth, nil)
	f.orch.SetTranscriber(tr)
	f.addReadyCall(t, "c1", "chan-1")

	f.orch.Shutdown(context.Background())

	rec, _ := f.reg.Get("c1")
	if rec.State != StateEnded || rec.HangupCause != "shutdown" {
		t.Errorf("rec = %+v", rec)
	}

	tr.mu.Lock()
	closedAll := tr.closedAll
	tr.mu.Unlock()
	if !closedAll {
		t.Error("transcriber sessions not closed")
	}
	synth.mu.Lock()
	allCancelled := synth.allCancelled
	synth.mu.Unlock()
	if !allCancelled {
		t.Error("syntheses not cancelled")
	}

	// New work is rejected after shutdown.
	if _, err := f.orch.Originate(context.Background(), OriginateParams{Endpoint: "PJSIP/1000"}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("originate after shutdown = %v, want ErrUnavailable", err)
	}
}

// ── Error mapping ───────────────────────────────────────────────────────────

func TestMapSwitchErr(t *testing.T) {
	f := newFixture(t, Options{}, nil, nil)

	tests := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"404", &ari.Error{StatusCode: 404, Message: "gone"}, ErrNotFound},
		{"503", &ari.Error{StatusCode: 503, Message: "down"}, ErrUnavailable},
		{"500", &ari.Error{StatusCode: 500, Message: "boom"}, ErrUpstream},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"other", errors.New("conn refused"), ErrUpstream},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := f.orch.mapSwitchErr(tc.in)
			if tc.want == nil {
				if got != nil {
					t.Errorf("got %v, want nil", got)
				}
				return
			}
			if !errors.Is(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}
