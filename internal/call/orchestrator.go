package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaaacki/asterisk-api/internal/ari"
	"github.com/jaaacki/asterisk-api/internal/events"
	"github.com/jaaacki/asterisk-api/internal/media"
	"github.com/jaaacki/asterisk-api/internal/observe"
	"github.com/jaaacki/asterisk-api/pkg/audio"
)

// Switch is the narrow view of the switch REST client the orchestrator
// needs. *ari.Client satisfies it; tests substitute a fake.
type Switch interface {
	Originate(ctx context.Context, req ari.OriginateRequest) (*ari.Channel, error)
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID, reason string) error
	Play(ctx context.Context, channelID, playbackID, mediaURI string) (*ari.Playback, error)
	Record(ctx context.Context, channelID string, req ari.RecordRequest) (*ari.LiveRecording, error)
	SendDTMF(ctx context.Context, channelID, digits string) error
	GetEndpoint(ctx context.Context, tech, resource string) (*ari.Endpoint, error)
	Snoop(ctx context.Context, req ari.SnoopRequest) (*ari.Channel, error)
	ExternalMedia(ctx context.Context, req ari.ExternalMediaRequest) (*ari.Channel, error)
	MediaConnectionID(ctx context.Context, ch *ari.Channel) (string, error)
	MediaSocketURL(connectionID string) string
	AwaitEnter(ctx context.Context, channelID string) error
	CreateBridge(ctx context.Context, name string) (*ari.Bridge, error)
	DestroyBridge(ctx context.Context, bridgeID string) error
	AddChannel(ctx context.Context, bridgeID, channelID string) error
	RemoveChannel(ctx context.Context, bridgeID, channelID string) error
}

// Transcriber is the speech-recognition manager as the orchestrator sees it.
// *asr.Manager satisfies it.
type Transcriber interface {
	Configured() bool
	Start(ctx context.Context, callID string) error
	Send(callID string, pcm []byte)
	Flush(callID string) error
	Reset(callID string) error
	Close(callID string)
	CloseAll()
}

// SpeakRequest is one speech-synthesis request.
type SpeakRequest struct {
	Text     string  `json:"text"`
	Voice    string  `json:"voice,omitempty"`
	Language string  `json:"language,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
}

// Synthesis is one synthesis result: the rendered WAV plus the voice and
// language that actually produced it after defaults were applied.
type Synthesis struct {
	WAV      []byte
	Voice    string
	Language string
}

// Synthesizer is the text-to-speech client as the orchestrator sees it.
type Synthesizer interface {
	Configured() bool
	Synthesize(ctx context.Context, callID string, req SpeakRequest) (Synthesis, error)
	Cancel(callID string)
	CancelAll()
}

// Notifier delivers lifecycle webhooks. *webhook.Notifier satisfies it.
type Notifier interface {
	Notify(event string, data any)
}

// Gate answers allowlist questions. *allowlist.Gate satisfies it.
type Gate interface {
	AllowInbound(number string) bool
	AllowOutbound(number string) bool
}

// MediaConn is the bidirectional media socket as the pipelines see it.
// *media.Socket satisfies it.
type MediaConn interface {
	StreamSocket
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Options tunes orchestrator behaviour. Zero values take the defaults below.
type Options struct {
	// RingDelay is how long an inbound call rings before auto-answer.
	RingDelay time.Duration

	// GreetingMedia and BeepMedia are played back-to-back once an inbound
	// call is answered, before it becomes ready.
	GreetingMedia string
	BeepMedia     string

	// CaptureFormat and CaptureRate fix the capture pipeline's audio format.
	CaptureFormat string
	CaptureRate   int

	// AnswerTimeout bounds how long a transfer target may ring.
	AnswerTimeout time.Duration

	// MediaDialTimeout bounds the media websocket dial during pipeline setup.
	MediaDialTimeout time.Duration

	// PlaybackTimeout bounds one pre-recorded media playback.
	PlaybackTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.RingDelay <= 0 {
		o.RingDelay = 3 * time.Second
	}
	if o.GreetingMedia == "" {
		o.GreetingMedia = "sound:hello-world"
	}
	if o.BeepMedia == "" {
		o.BeepMedia = "sound:beep"
	}
	if o.CaptureFormat == "" {
		o.CaptureFormat = "slin16"
	}
	if o.CaptureRate <= 0 {
		if r := audio.SlinRateFor(o.CaptureFormat); r > 0 {
			o.CaptureRate = r
		} else {
			o.CaptureRate = 16000
		}
	}
	if o.AnswerTimeout <= 0 {
		o.AnswerTimeout = 30 * time.Second
	}
	if o.MediaDialTimeout <= 0 {
		o.MediaDialTimeout = 5 * time.Second
	}
	if o.PlaybackTimeout <= 0 {
		o.PlaybackTimeout = 2 * time.Minute
	}
}

// Orchestrator drives call lifecycles: it consumes switch events, owns the
// capture and playback pipelines, and exposes the operations the admin
// surface calls. One instance serves the whole process.
type Orchestrator struct {
	sw     Switch
	reg    *Registry
	bus    *events.Bus
	timers *TimerSet
	hooks  Notifier
	gate   Gate
	met    *observe.Metrics
	opts   Options

	asrMu sync.Mutex
	asr   Transcriber

	tts Synthesizer

	mu            sync.Mutex
	locks         map[string]*sync.Mutex
	playbackWaits map[string]chan struct{}
	answerWaits   map[string]chan struct{}
	endWaits      map[string][]chan struct{}
	transferOwned map[string]string // bridgeID → owning callID
	closed        bool

	// dialMedia is swappable for tests.
	dialMedia func(ctx context.Context, wsURL string) (MediaConn, error)
}

// NewOrchestrator wires an Orchestrator. tts may be nil (speak returns
// ErrNotConfigured); the transcriber is attached later via [SetTranscriber]
// because its handlers point back here.
func NewOrchestrator(sw Switch, reg *Registry, bus *events.Bus, timers *TimerSet,
	tts Synthesizer, hooks Notifier, gate Gate, met *observe.Metrics, opts Options) *Orchestrator {

	opts.applyDefaults()
	return &Orchestrator{
		sw:            sw,
		reg:           reg,
		bus:           bus,
		timers:        timers,
		tts:           tts,
		hooks:         hooks,
		gate:          gate,
		met:           met,
		opts:          opts,
		locks:         make(map[string]*sync.Mutex),
		playbackWaits: make(map[string]chan struct{}),
		answerWaits:   make(map[string]chan struct{}),
		endWaits:      make(map[string][]chan struct{}),
		transferOwned: make(map[string]string),
		dialMedia: func(ctx context.Context, wsURL string) (MediaConn, error) {
			return media.Dial(ctx, wsURL)
		},
	}
}

// SetTranscriber attaches the speech-recognition manager. Must be called
// before the first call starts; the two are constructed in a cycle because
// the manager's handlers call back into the orchestrator.
func (o *Orchestrator) SetTranscriber(t Transcriber) {
	o.asrMu.Lock()
	o.asr = t
	o.asrMu.Unlock()
}

func (o *Orchestrator) transcriber() Transcriber {
	o.asrMu.Lock()
	defer o.asrMu.Unlock()
	return o.asr
}

// webhookEvents is the lifecycle subset mirrored to the webhook sink. The
// rest of the stream (pipeline chatter, partial transcriptions, audio frames)
// stays on the bus. Final transcriptions are posted separately by
// [Orchestrator.HandleTranscription].
var webhookEvents = map[string]bool{
	events.CallInbound:       true,
	events.CallAnswered:      true,
	events.CallReady:         true,
	events.CallDTMF:          true,
	events.CallEnded:         true,
	events.CallSpeakFinished: true,
}

// emit publishes on the event bus and mirrors lifecycle events to the
// webhook sink.
func (o *Orchestrator) emit(eventType, callID string, data any) {
	o.reg.Emit(eventType, callID, data)
	if o.hooks != nil && webhookEvents[eventType] {
		o.hooks.Notify(eventType, map[string]any{"callID": callID, "data": data})
	}
}

// lockFor returns the per-call operation mutex, creating it on first use.
// Serialising operations per call keeps state transitions coherent without
// blocking unrelated calls.
func (o *Orchestrator) lockFor(callID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[callID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[callID] = l
	}
	return l
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// ── Event handling ──────────────────────────────────────────────────────────

// HandleEvent is the switch event entry point; wire it to ari.Client.OnEvent.
// Synthetic pipeline channels never reach here (the event client suppresses
// them), so every channel event concerns a real call leg.
func (o *Orchestrator) HandleEvent(ev ari.Event) {
	o.met.RecordSwitchEvent(context.Background(), ev.Type)

	switch ev.Type {
	case ari.EventStasisStart:
		o.onStasisStart(ev)
	case ari.EventChannelStateChange:
		o.onChannelStateChange(ev)
	case ari.EventStasisEnd, ari.EventChannelDestroyed:
		o.onHangup(ev)
	case ari.EventChannelDtmfReceived:
		o.onDTMF(ev)
	case ari.EventPlaybackFinished:
		o.onPlaybackFinished(ev)
	case ari.EventRecordingFinished:
		o.onRecordingFinished(ev)
	default:
		slog.Debug("orchestrator: unhandled event", "type", ev.Type)
	}
}

func (o *Orchestrator) onStasisStart(ev ari.Event) {
	if ev.Channel == nil {
		return
	}
	if _, known := o.reg.ByChannel(ev.Channel.ID); known {
		// Outbound leg entering the application; ChannelStateChange carries
		// the answer.
		return
	}
	if o.isClosed() {
		_ = o.sw.Hangup(context.Background(), ev.Channel.ID, "normal")
		return
	}
	go o.runInbound(*ev.Channel)
}

// runInbound drives a new inbound call from ring to ready.
func (o *Orchestrator) runInbound(ch ari.Channel) {
	ctx := context.Background()
	callID := uuid.NewString()

	rec, err := o.reg.Create(Record{
		CallID:       callID,
		ChannelID:    ch.ID,
		Direction:    DirectionInbound,
		CallerNumber: ch.Caller.Number,
		CalleeNumber: ch.Dialplan.Exten,
		State:        StateRinging,
	})
	if err != nil {
		slog.Error("orchestrator: create inbound record", "err", err)
		_ = o.sw.Hangup(ctx, ch.ID, "normal")
		return
	}
	o.met.RecordCallStarted(ctx, string(DirectionInbound))

	if o.gate != nil && !o.gate.AllowInbound(ch.Caller.Number) {
		slog.Info("orchestrator: inbound caller denied",
			"call_id", callID, "caller", ch.Caller.Number)
		_ = o.sw.Hangup(ctx, ch.ID, "normal")
		o.reg.Fail(callID)
		o.met.RecordCallEnded(ctx, "allowlist_denied")
		return
	}

	o.emit(events.CallInbound, callID, rec)

	// Let it ring before answering, then confirm the call survived the wait.
	select {
	case <-time.After(o.opts.RingDelay):
	case <-o.awaitEnd(callID):
		return
	}
	if cur, ok := o.reg.Get(callID); !ok || cur.State != StateRinging {
		return
	}

	if err := o.sw.Answer(ctx, ch.ID); err != nil {
		slog.Error("orchestrator: answer failed", "call_id", callID, "err", err)
		_ = o.sw.Hangup(ctx, ch.ID, "normal")
		return
	}

	// The switch confirms with ChannelStateChange(Up).
	select {
	case <-o.awaitAnswer(ch.ID):
	case <-o.awaitEnd(callID):
		return
	case <-time.After(o.opts.AnswerTimeout):
		slog.Error("orchestrator: answer never confirmed", "call_id", callID)
		_ = o.sw.Hangup(ctx, ch.ID, "normal")
		return
	}

	for _, uri := range []string{o.opts.GreetingMedia, o.opts.BeepMedia} {
		if uri == "" {
			continue
		}
		if err := o.playAndWait(ctx, callID, ch.ID, uri); err != nil {
			slog.Warn("orchestrator: greeting playback failed",
				"call_id", callID, "media", uri, "err", err)
			break
		}
	}

	if _, err := o.reg.SetState(callID, StateReady); err != nil {
		return // hung up during the greeting
	}
	o.emit(events.CallReady, callID, nil)

	// Transcription starts automatically when an ASR server is configured.
	if t := o.transcriber(); t != nil && t.Configured() {
		if err := o.StartCapture(ctx, callID); err != nil {
			slog.Error("orchestrator: auto capture failed", "call_id", callID, "err", err)
			return
		}
		if err := t.Start(ctx, callID); err != nil {
			slog.Error("orchestrator: transcription start failed", "call_id", callID, "err", err)
			o.emit(events.TranscriptionUnavailable, callID, nil)
		}
	}
}

func (o *Orchestrator) onChannelStateChange(ev ari.Event) {
	if ev.Channel == nil || ev.Channel.State != "Up" {
		return
	}
	rec, ok := o.reg.ByChannel(ev.Channel.ID)
	if !ok {
		return
	}
	if rec.State == StateRinging || rec.State == StateInitiating {
		if rec.State == StateInitiating {
			if _, err := o.reg.SetState(rec.CallID, StateRinging); err != nil {
				return
			}
		}
		if _, err := o.reg.SetState(rec.CallID, StateAnswered); err != nil {
			return
		}
		o.emit(events.CallAnswered, rec.CallID, nil)
	}
	o.signalAnswer(ev.Channel.ID)
}

// onHangup finalises a call after StasisEnd or ChannelDestroyed. StasisEnd is
// authoritative: a PlaybackFinished racing in afterwards is ignored because
// the record is already terminal.
func (o *Orchestrator) onHangup(ev ari.Event) {
	channelID := ev.ChannelID()
	if channelID == "" {
		return
	}
	rec, ok := o.reg.ByChannel(channelID)
	if !ok || rec.State.Terminal() {
		return
	}
	o.finalize(rec.CallID, hangupCause(ev))
}

// finalize tears down every pipeline attached to a call and marks it ended.
// Idempotent: the registry End is the serialisation point.
func (o *Orchestrator) finalize(callID, cause string) {
	final, transitioned := o.reg.End(callID, cause)
	if !transitioned {
		return
	}

	if o.tts != nil {
		o.tts.Cancel(callID)
	}
	o.StopCapture(context.Background(), callID)
	o.teardownPlayback(callID)

	// Flush-and-close runs off the event loop: it can wait up to the flush
	// deadline for the last transcription, which is delivered before the
	// disconnect event.
	if t := o.transcriber(); t != nil {
		go t.Close(callID)
	}

	o.mu.Lock()
	waiters := o.endWaits[callID]
	delete(o.endWaits, callID)
	delete(o.locks, callID)
	var ownedBridge string
	for bridgeID, owner := range o.transferOwned {
		if owner == callID {
			ownedBridge = bridgeID
			delete(o.transferOwned, bridgeID)
		}
	}
	o.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}

	if ownedBridge != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := o.sw.DestroyBridge(ctx, ownedBridge); err != nil {
				slog.Warn("orchestrator: transfer bridge teardown failed",
					"bridge_id", ownedBridge, "err", err)
			}
			o.reg.RemoveBridge(ownedBridge)
		}()
	}

	o.met.RecordCallEnded(context.Background(), cause)
	o.emit(events.CallEnded, callID, final)
}

func hangupCause(ev ari.Event) string {
	if ev.CauseTxt != "" {
		return ev.CauseTxt
	}
	if ev.Cause != 0 {
		return fmt.Sprintf("cause %d", ev.Cause)
	}
	return "normal"
}

func (o *Orchestrator) onDTMF(ev ari.Event) {
	rec, ok := o.reg.ByChannel(ev.ChannelID())
	if !ok {
		return
	}
	o.emit(events.CallDTMF, rec.CallID, map[string]any{
		"digit":      ev.Digit,
		"durationMs": ev.DurationMs,
	})
}

func (o *Orchestrator) onPlaybackFinished(ev ari.Event) {
	if ev.Playback == nil {
		return
	}
	o.mu.Lock()
	ch, ok := o.playbackWaits[ev.Playback.ID]
	delete(o.playbackWaits, ev.Playback.ID)
	o.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (o *Orchestrator) onRecordingFinished(ev ari.Event) {
	if ev.Recording == nil {
		return
	}
	callID, ok := recordingCall(ev.Recording.Name)
	if !ok {
		return
	}
	if rec, live := o.reg.Get(callID); !live || rec.State != StateRecording {
		return
	}
	if _, err := o.reg.RestoreState(callID); err == nil {
		o.emit(events.CallRecordingFinished, callID, map[string]any{
			"name":     ev.Recording.Name,
			"duration": ev.Recording.Duration,
		})
	}
}

// ── Waiters ─────────────────────────────────────────────────────────────────

// awaitEnd returns a channel closed when the call ends. Already-ended calls
// get an immediately closed channel.
func (o *Orchestrator) awaitEnd(callID string) <-chan struct{} {
	ch := make(chan struct{})
	rec, ok := o.reg.Get(callID)
	if !ok || rec.State.Terminal() {
		close(ch)
		return ch
	}
	o.mu.Lock()
	o.endWaits[callID] = append(o.endWaits[callID], ch)
	o.mu.Unlock()
	return ch
}

// awaitAnswer returns a channel closed when the switch reports the channel Up.
func (o *Orchestrator) awaitAnswer(channelID string) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, ok := o.answerWaits[channelID]
	if !ok {
		ch = make(chan struct{})
		o.answerWaits[channelID] = ch
	}
	return ch
}

func (o *Orchestrator) signalAnswer(channelID string) {
	o.mu.Lock()
	ch, ok := o.answerWaits[channelID]
	delete(o.answerWaits, channelID)
	o.mu.Unlock()
	if ok {
		close(ch)
	}
}

// playAndWait starts one media playback under a client-chosen playback ID
// and blocks until the switch reports it finished, the call ends, or the
// playback deadline expires. Registering the waiter before the play request
// closes the race where PlaybackFinished arrives before the POST returns.
func (o *Orchestrator) playAndWait(ctx context.Context, callID, channelID, mediaURI string) error {
	playbackID := uuid.NewString()

	done := make(chan struct{})
	o.mu.Lock()
	o.playbackWaits[playbackID] = done
	o.mu.Unlock()

	cleanup := func() {
		o.mu.Lock()
		delete(o.playbackWaits, playbackID)
		o.mu.Unlock()
	}

	if _, err := o.sw.Play(ctx, channelID, playbackID, mediaURI); err != nil {
		cleanup()
		return o.mapSwitchErr(err)
	}

	select {
	case <-done:
		return nil
	case <-o.awaitEnd(callID):
		cleanup()
		return fmt.Errorf("playback interrupted: %w", ErrCancelled)
	case <-time.After(o.opts.PlaybackTimeout):
		cleanup()
		return fmt.Errorf("playback %s: %w", mediaURI, ErrTimeout)
	case <-ctx.Done():
		cleanup()
		return ctx.Err()
	}
}

// ── Operations ──────────────────────────────────────────────────────────────

// OriginateParams describes an outbound call request.
type OriginateParams struct {
	// Endpoint is the dial string, e.g. "PJSIP/1000".
	Endpoint string `json:"endpoint"`

	// CallerID is the presentation for the outbound leg.
	CallerID string `json:"callerID,omitempty"`

	// Timeout is how long the target may ring. Zero uses the switch default.
	Timeout time.Duration `json:"-"`

	// Variables are channel variables set on the new channel.
	Variables map[string]string `json:"variables,omitempty"`
}

// endpointNumber extracts the number part of a dial string ("PJSIP/1000" →
// "1000") for allowlist matching.
func endpointNumber(endpoint string) string {
	if i := strings.LastIndexByte(endpoint, '/'); i >= 0 {
		return endpoint[i+1:]
	}
	return endpoint
}

// splitEndpoint splits a dial string into its technology and resource parts.
func splitEndpoint(endpoint string) (tech, resource string, ok bool) {
	i := strings.IndexByte(endpoint, '/')
	if i <= 0 || i == len(endpoint)-1 {
		return "", "", false
	}
	return endpoint[:i], endpoint[i+1:], true
}

// checkEndpoint verifies the dial target exists on the switch before any
// channel is created for it. An endpoint the switch does not know maps to
// ErrNotFound.
func (o *Orchestrator) checkEndpoint(ctx context.Context, endpoint string) error {
	tech, resource, ok := splitEndpoint(endpoint)
	if !ok {
		return fmt.Errorf("endpoint %q: want technology/resource: %w", endpoint, ErrValidation)
	}
	if _, err := o.sw.GetEndpoint(ctx, tech, resource); err != nil {
		return o.mapSwitchErr(err)
	}
	return nil
}

// Originate starts an outbound call and returns its record in state ringing.
func (o *Orchestrator) Originate(ctx context.Context, p OriginateParams) (Record, error) {
	if o.isClosed() {
		return Record{}, fmt.Errorf("originate: %w", ErrUnavailable)
	}
	if p.Endpoint == "" {
		return Record{}, fmt.Errorf("originate: endpoint required: %w", ErrValidation)
	}
	if err := o.checkEndpoint(ctx, p.Endpoint); err != nil {
		return Record{}, fmt.Errorf("originate: %w", err)
	}
	if o.gate != nil && !o.gate.AllowOutbound(endpointNumber(p.Endpoint)) {
		return Record{}, fmt.Errorf("originate %s: %w", p.Endpoint, ErrForbidden)
	}

	callID := uuid.NewString()
	channelID := "out-" + callID
	rec, err := o.reg.Create(Record{
		CallID:       callID,
		ChannelID:    channelID,
		Direction:    DirectionOutbound,
		CalleeNumber: endpointNumber(p.Endpoint),
		State:        StateInitiating,
	})
	if err != nil {
		return Record{}, err
	}
	o.met.RecordCallStarted(ctx, string(DirectionOutbound))

	start := time.Now()
	if _, err := o.sw.Originate(ctx, ari.OriginateRequest{
		Endpoint:  p.Endpoint,
		ChannelID: channelID,
		CallerID:  p.CallerID,
		Timeout:   p.Timeout,
		Variables: p.Variables,
	}); err != nil {
		o.reg.Fail(callID)
		o.met.RecordCallEnded(ctx, "originate_failed")
		return Record{}, o.mapSwitchErr(err)
	}
	o.met.OriginateDuration.Record(ctx, time.Since(start).Seconds())

	rec, err = o.reg.SetState(callID, StateRinging)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Hangup ends a call. Idempotent: hanging up an already-ended call succeeds,
// and a channel the switch has already dropped is finalised locally.
func (o *Orchestrator) Hangup(ctx context.Context, callID, reason string) error {
	rec, ok := o.reg.Get(callID)
	if !ok {
		return fmt.Errorf("hangup: call %s: %w", callID, ErrNotFound)
	}
	if rec.State.Terminal() {
		return nil
	}

	if err := o.sw.Hangup(ctx, rec.ChannelID, reason); err != nil {
		// The channel being gone means the hangup already happened; the
		// StasisEnd may have been lost across an event-channel drop.
		var apiErr *ari.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			o.finalize(callID, "normal")
			return nil
		}
		slog.Warn("orchestrator: hangup request failed", "call_id", callID, "err", err)
	}
	return nil
}

// Get returns one call record.
func (o *Orchestrator) Get(callID string) (Record, error) {
	rec, ok := o.reg.Get(callID)
	if !ok {
		return Record{}, fmt.Errorf("call %s: %w", callID, ErrNotFound)
	}
	return rec, nil
}

// List returns all known call records.
func (o *Orchestrator) List() []Record { return o.reg.List() }

// PlayMedia plays pre-recorded media URIs on a call, sequentially and
// fail-fast. The call sits in state playing for the duration and returns to
// its prior state afterwards.
func (o *Orchestrator) PlayMedia(ctx context.Context, callID string, mediaURIs []string) error {
	if len(mediaURIs) == 0 {
		return fmt.Errorf("play: no media given: %w", ErrValidation)
	}
	l := o.lockFor(callID)
	l.Lock()
	defer l.Unlock()

	rec, err := o.reg.SetState(callID, StatePlaying)
	if err != nil {
		if _, ok := o.reg.Get(callID); !ok {
			return fmt.Errorf("play: call %s: %w", callID, ErrNotFound)
		}
		return err
	}
	defer func() {
		if _, err := o.reg.RestoreState(callID); err != nil {
			slog.Warn("orchestrator: restore after playback", "call_id", callID, "err", err)
		}
	}()

	for _, uri := range mediaURIs {
		if err := o.playAndWait(ctx, callID, rec.ChannelID, uri); err != nil {
			o.emit(events.CallStreamError, callID, map[string]any{"media": uri, "error": err.Error()})
			return err
		}
	}
	o.emit(events.CallPlaybackFinished, callID, map[string]any{"media": mediaURIs})
	return nil
}

// dtmfAllowed are the digits the switch accepts, comma meaning a pause.
func dtmfValid(digits string) bool {
	if digits == "" {
		return false
	}
	for _, r := range digits {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'D', r == '*', r == '#', r == ',':
		default:
			return false
		}
	}
	return true
}

// SendDTMF plays DTMF digits on the call's channel.
func (o *Orchestrator) SendDTMF(ctx context.Context, callID, digits string) error {
	if !dtmfValid(digits) {
		return fmt.Errorf("dtmf %q: %w", digits, ErrValidation)
	}
	rec, ok := o.reg.Get(callID)
	if !ok {
		return fmt.Errorf("dtmf: call %s: %w", callID, ErrNotFound)
	}
	if rec.State.Terminal() {
		return fmt.Errorf("dtmf: call %s has ended: %w", callID, ErrValidation)
	}
	return o.mapSwitchErr(o.sw.SendDTMF(ctx, rec.ChannelID, digits))
}

// RecordParams tunes a switch-stored recording.
type RecordParams struct {
	// Format of the stored file. Default wav.
	Format string `json:"format,omitempty"`

	// MaxDurationSeconds stops the recording after this long. 0 = unlimited.
	MaxDurationSeconds int `json:"maxDurationSeconds,omitempty"`

	// MaxSilenceSeconds stops the recording after this much silence.
	MaxSilenceSeconds int `json:"maxSilenceSeconds,omitempty"`

	// TerminateOn stops the recording on a DTMF digit ("#", "*", "any").
	TerminateOn string `json:"terminateOn,omitempty"`
}

// recordingName derives the stored-recording name from the call, and
// recordingCall inverts it when RecordingFinished arrives.
func recordingName(callID string) string { return "call-" + callID }

func recordingCall(name string) (string, bool) {
	id, ok := strings.CutPrefix(name, "call-")
	return id, ok
}

// Record starts recording the call into the switch's stored-recording area
// and returns the recording name. The call sits in state recording until the
// switch reports the recording finished.
func (o *Orchestrator) Record(ctx context.Context, callID string, p RecordParams) (string, error) {
	l := o.lockFor(callID)
	l.Lock()
	defer l.Unlock()

	rec, err := o.reg.SetState(callID, StateRecording)
	if err != nil {
		if _, ok := o.reg.Get(callID); !ok {
			return "", fmt.Errorf("record: call %s: %w", callID, ErrNotFound)
		}
		return "", err
	}

	name := recordingName(callID)
	if _, err := o.sw.Record(ctx, rec.ChannelID, ari.RecordRequest{
		Name:        name,
		Format:      p.Format,
		MaxDuration: time.Duration(p.MaxDurationSeconds) * time.Second,
		MaxSilence:  time.Duration(p.MaxSilenceSeconds) * time.Second,
		TerminateOn: p.TerminateOn,
		IfExists:    "overwrite",
	}); err != nil {
		if _, rerr := o.reg.RestoreState(callID); rerr != nil {
			slog.Warn("orchestrator: restore after record failure", "call_id", callID, "err", rerr)
		}
		return "", o.mapSwitchErr(err)
	}
	return name, nil
}

// TransferParams describes the target leg of an attended transfer.
type TransferParams struct {
	// Endpoint is the dial string for the target, e.g. "PJSIP/2000".
	Endpoint string `json:"endpoint"`

	// CallerID is the presentation for the target leg.
	CallerID string `json:"callerID,omitempty"`

	// Timeout overrides how long the target may ring. Zero uses the
	// orchestrator's answer timeout.
	Timeout time.Duration `json:"-"`
}

// TransferResult reports a completed attended transfer.
type TransferResult struct {
	BridgeID  string `json:"bridgeID"`
	NewCallID string `json:"newCallID"`
}

// Transfer bridges the call with a newly originated target. It blocks until
// the target answers and both legs are in the bridge; a target that never
// answers tears everything back down and returns ErrTimeout.
func (o *Orchestrator) Transfer(ctx context.Context, callID string, p TransferParams) (TransferResult, error) {
	endpoint := p.Endpoint
	if endpoint == "" {
		return TransferResult{}, fmt.Errorf("transfer: endpoint required: %w", ErrValidation)
	}
	if err := o.checkEndpoint(ctx, endpoint); err != nil {
		return TransferResult{}, fmt.Errorf("transfer: %w", err)
	}
	if o.gate != nil && !o.gate.AllowOutbound(endpointNumber(endpoint)) {
		return TransferResult{}, fmt.Errorf("transfer %s: %w", endpoint, ErrForbidden)
	}
	answerTimeout := p.Timeout
	if answerTimeout <= 0 {
		answerTimeout = o.opts.AnswerTimeout
	}

	l := o.lockFor(callID)
	l.Lock()
	defer l.Unlock()

	rec, err := o.reg.SetState(callID, StateBridged)
	if err != nil {
		if _, ok := o.reg.Get(callID); !ok {
			return TransferResult{}, fmt.Errorf("transfer: call %s: %w", callID, ErrNotFound)
		}
		return TransferResult{}, err
	}

	restore := func() {
		if _, err := o.reg.RestoreState(callID); err != nil {
			slog.Warn("orchestrator: restore after transfer failure", "call_id", callID, "err", err)
		}
	}

	bridge, err := o.sw.CreateBridge(ctx, "transfer-"+callID)
	if err != nil {
		restore()
		return TransferResult{}, o.mapSwitchErr(err)
	}
	teardownBridge := func() {
		if err := o.sw.DestroyBridge(ctx, bridge.ID); err != nil {
			slog.Warn("orchestrator: transfer bridge cleanup failed", "bridge_id", bridge.ID, "err", err)
		}
	}

	if err := o.sw.AddChannel(ctx, bridge.ID, rec.ChannelID); err != nil {
		teardownBridge()
		restore()
		return TransferResult{}, o.mapSwitchErr(err)
	}

	targetCallID := uuid.NewString()
	targetChannelID := "transfer-" + targetCallID
	answered := o.awaitAnswer(targetChannelID)

	if _, err := o.reg.Create(Record{
		CallID:       targetCallID,
		ChannelID:    targetChannelID,
		Direction:    DirectionOutbound,
		CalleeNumber: endpointNumber(endpoint),
		State:        StateInitiating,
	}); err != nil {
		teardownBridge()
		restore()
		return TransferResult{}, err
	}
	o.met.RecordCallStarted(ctx, string(DirectionOutbound))

	if _, err := o.sw.Originate(ctx, ari.OriginateRequest{
		Endpoint:  endpoint,
		ChannelID: targetChannelID,
		CallerID:  p.CallerID,
		Timeout:   answerTimeout,
	}); err != nil {
		o.reg.Fail(targetCallID)
		o.met.RecordCallEnded(ctx, "originate_failed")
		teardownBridge()
		restore()
		return TransferResult{}, o.mapSwitchErr(err)
	}
	if _, err := o.reg.SetState(targetCallID, StateRinging); err != nil {
		slog.Warn("orchestrator: transfer target state", "call_id", targetCallID, "err", err)
	}

	select {
	case <-answered:
	case <-o.awaitEnd(targetCallID):
		teardownBridge()
		restore()
		return TransferResult{}, fmt.Errorf("transfer target hung up: %w", ErrUpstream)
	case <-o.awaitEnd(callID):
		_ = o.sw.Hangup(ctx, targetChannelID, "normal")
		teardownBridge()
		return TransferResult{}, fmt.Errorf("transfer: %w", ErrCancelled)
	case <-time.After(answerTimeout):
		_ = o.sw.Hangup(ctx, targetChannelID, "normal")
		teardownBridge()
		restore()
		return TransferResult{}, fmt.Errorf("transfer target did not answer: %w", ErrTimeout)
	case <-ctx.Done():
		_ = o.sw.Hangup(ctx, targetChannelID, "normal")
		teardownBridge()
		restore()
		return TransferResult{}, ctx.Err()
	}

	if err := o.sw.AddChannel(ctx, bridge.ID, targetChannelID); err != nil {
		_ = o.sw.Hangup(ctx, targetChannelID, "normal")
		teardownBridge()
		restore()
		return TransferResult{}, o.mapSwitchErr(err)
	}
	if _, err := o.reg.SetState(targetCallID, StateBridged); err != nil {
		slog.Warn("orchestrator: transfer target bridged state", "call_id", targetCallID, "err", err)
	}

	o.reg.SetBridgeID(callID, bridge.ID)
	o.reg.SetBridgeID(targetCallID, bridge.ID)
	o.reg.AddBridge(BridgeRecord{
		BridgeID:   bridge.ID,
		Name:       bridge.Name,
		ChannelIDs: []string{rec.ChannelID, targetChannelID},
		CreatedAt:  time.Now().UTC(),
	})
	o.mu.Lock()
	o.transferOwned[bridge.ID] = callID
	o.mu.Unlock()

	return TransferResult{BridgeID: bridge.ID, NewCallID: targetCallID}, nil
}

// Shutdown hangs up every live call, closes the pipelines, and stops the
// timer set. Safe to call once during process exit.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	for _, rec := range o.reg.List() {
		if rec.State.Terminal() {
			continue
		}
		if err := o.sw.Hangup(ctx, rec.ChannelID, "normal"); err != nil {
			slog.Debug("orchestrator: shutdown hangup", "call_id", rec.CallID, "err", err)
		}
		o.finalize(rec.CallID, "shutdown")
	}

	if t := o.transcriber(); t != nil {
		t.CloseAll()
	}
	if o.tts != nil {
		o.tts.CancelAll()
	}
	o.timers.Stop()
}

// ── ASR callbacks ───────────────────────────────────────────────────────────

// HandleTranscription receives recognition results; wire it to the
// transcription manager's OnTranscription handler.
func (o *Orchestrator) HandleTranscription(callID, text string, isPartial, isFinal bool) {
	o.reg.Emit(events.CallTranscription, callID, map[string]any{
		"text":      text,
		"isPartial": isPartial,
		"isFinal":   isFinal,
	})
	// Webhooks carry finals only; partials churn too fast to POST.
	if isFinal && o.hooks != nil {
		o.hooks.Notify(events.CallTranscription, map[string]any{
			"callID": callID,
			"data":   map[string]any{"text": text, "isFinal": true},
		})
	}
}

// HandleASRClosed receives session terminations; wire it to OnClosed.
func (o *Orchestrator) HandleASRClosed(callID string, exhausted bool) {
	o.reg.Emit(events.CallASRDisconnected, callID, nil)
	if exhausted {
		o.emit(events.TranscriptionUnavailable, callID, nil)
	}
}

// HandleASRError receives server-reported recognition errors.
func (o *Orchestrator) HandleASRError(callID, message string) {
	slog.Warn("transcription error", "call_id", callID, "message", message)
}

// mapSwitchErr folds transport-level failures into the domain taxonomy.
func (o *Orchestrator) mapSwitchErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *ari.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 404:
			return fmt.Errorf("%s: %w", apiErr.Message, ErrNotFound)
		case 503:
			return fmt.Errorf("%s: %w", apiErr.Message, ErrUnavailable)
		default:
			return fmt.Errorf("switch returned %d: %s: %w",
				apiErr.StatusCode, apiErr.Message, ErrUpstream)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%v: %w", err, ErrTimeout)
	}
	return fmt.Errorf("%v: %w", err, ErrUpstream)
}
