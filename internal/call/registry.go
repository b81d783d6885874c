package call

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jaaacki/asterisk-api/internal/events"
)

// removeDelay is how long an ended call stays visible before the registry
// garbage-collects it.
const removeDelay = 5 * time.Minute

// allowedTransitions is the state machine's edge set. Transitions to
// StateEnded are permitted from every state and handled separately.
var allowedTransitions = map[State][]State{
	StateInitiating: {StateRinging, StateFailed},
	StateRinging:    {StateAnswered},
	StateAnswered:   {StateReady, StatePlaying, StateSpeaking, StateRecording, StateBridged},
	StateReady:      {StatePlaying, StateSpeaking, StateRecording, StateBridged},
	StatePlaying:    {StateReady, StateAnswered},
	StateSpeaking:   {StateReady, StateAnswered},
	StateRecording:  {StateReady, StateAnswered},
	StateBridged:    {StateReady, StateAnswered},
	StateEnded:      {},
	StateFailed:     {},
}

// BridgeRecord tracks a mixing bridge for administrative visibility.
// Bridges owned by capture/playback pipelines are never listed here.
type BridgeRecord struct {
	BridgeID   string    `json:"bridgeID"`
	Name       string    `json:"name,omitempty"`
	ChannelIDs []string  `json:"channelIDs"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Registry is the concurrency-safe store for call records. It serialises
// state transitions, emits a totally-ordered event stream per call, and
// garbage-collects ended calls after a delay.
type Registry struct {
	mu        sync.Mutex
	calls     map[string]*Record
	byChannel map[string]string
	bridges   map[string]BridgeRecord

	bus    *events.Bus
	timers *TimerSet

	// gcDelay is overridable for tests.
	gcDelay time.Duration
}

// NewRegistry creates a Registry publishing to bus and scheduling cleanup
// through timers.
func NewRegistry(bus *events.Bus, timers *TimerSet) *Registry {
	return &Registry{
		calls:     make(map[string]*Record),
		byChannel: make(map[string]string),
		bridges:   make(map[string]BridgeRecord),
		bus:       bus,
		timers:    timers,
		gcDelay:   removeDelay,
	}
}

// Create stores a new record and emits call.created. The record's CallID
// must be unique.
func (r *Registry) Create(rec Record) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[rec.CallID]; exists {
		return Record{}, fmt.Errorf("registry: call %s already exists", rec.CallID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	stored := rec
	r.calls[rec.CallID] = &stored
	if rec.ChannelID != "" {
		r.byChannel[rec.ChannelID] = rec.CallID
	}

	r.bus.Publish(events.Event{Type: events.CallCreated, CallID: rec.CallID, Data: stored})
	return stored, nil
}

// Get returns a snapshot of one record.
func (r *Registry) Get(callID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.calls[callID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// ByChannel resolves the switch's channel ID to a record snapshot.
func (r *Registry) ByChannel(channelID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byChannel[channelID]
	if !ok {
		return Record{}, false
	}
	rec, ok := r.calls[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns snapshots of all records, including recently ended ones that
// have not been garbage-collected yet.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.calls))
	for _, rec := range r.calls {
		out = append(out, *rec)
	}
	return out
}

// SetState transitions a call to the given state, validating the edge and
// emitting call.state_changed. Entering a transient work state records the
// prior state so [Registry.RestoreState] can return to it.
func (r *Registry) SetState(callID string, to State) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.calls[callID]
	if !ok {
		return Record{}, fmt.Errorf("registry: %w: call %s", ErrNotFound, callID)
	}
	if rec.State.Terminal() {
		return Record{}, fmt.Errorf("registry: call %s is %s, no further transitions", callID, rec.State)
	}
	if to != StateEnded && !transitionAllowed(rec.State, to) {
		return Record{}, fmt.Errorf("registry: illegal transition %s → %s for call %s", rec.State, to, callID)
	}

	from := rec.State
	if to.transient() && !from.transient() {
		rec.prevState = from
	}
	rec.State = to
	if to == StateAnswered && rec.AnsweredAt == nil {
		now := time.Now().UTC()
		rec.AnsweredAt = &now
	}

	r.bus.Publish(events.Event{
		Type:   events.CallStateChanged,
		CallID: callID,
		Data:   map[string]any{"from": from, "to": to},
	})
	return *rec, nil
}

// RestoreState returns a call from a transient work state to whichever state
// it held at entry. No-op (with current snapshot) if the call has since
// ended or is not in a transient state.
func (r *Registry) RestoreState(callID string) (Record, error) {
	r.mu.Lock()

	rec, ok := r.calls[callID]
	if !ok {
		r.mu.Unlock()
		return Record{}, fmt.Errorf("registry: %w: call %s", ErrNotFound, callID)
	}
	if rec.State.Terminal() || !rec.State.transient() {
		snap := *rec
		r.mu.Unlock()
		return snap, nil
	}

	from := rec.State
	to := rec.prevState
	if to == "" {
		to = StateReady
	}
	rec.State = to
	snap := *rec
	bus := r.bus
	r.mu.Unlock()

	bus.Publish(events.Event{
		Type:   events.CallStateChanged,
		CallID: callID,
		Data:   map[string]any{"from": from, "to": to},
	})
	return snap, nil
}

// End marks a call ended with the given hangup cause. Returns the final
// snapshot and whether this call transitioned now (false if it was already
// terminal). Removal is scheduled after the garbage-collection delay.
func (r *Registry) End(callID, cause string) (Record, bool) {
	r.mu.Lock()

	rec, ok := r.calls[callID]
	if !ok {
		r.mu.Unlock()
		return Record{}, false
	}
	if rec.State.Terminal() {
		snap := *rec
		r.mu.Unlock()
		return snap, false
	}

	from := rec.State
	now := time.Now().UTC()
	rec.State = StateEnded
	rec.EndedAt = &now
	rec.HangupCause = cause
	snap := *rec
	r.mu.Unlock()

	r.bus.Publish(events.Event{
		Type:   events.CallStateChanged,
		CallID: callID,
		Data:   map[string]any{"from": from, "to": StateEnded},
	})

	r.timers.AfterFunc(r.gcDelay, func() {
		r.Remove(callID)
		slog.Debug("registry: garbage-collected ended call", "call_id", callID)
	})
	return snap, true
}

// Fail marks a call failed (originate rejected, allowlist denial) and
// removes it immediately. Failed calls never got going, so nothing external
// holds their ID and there is no point keeping them visible.
func (r *Registry) Fail(callID string) (Record, bool) {
	r.mu.Lock()
	rec, ok := r.calls[callID]
	if !ok || rec.State.Terminal() {
		r.mu.Unlock()
		return Record{}, false
	}
	from := rec.State
	now := time.Now().UTC()
	rec.State = StateFailed
	rec.EndedAt = &now
	snap := *rec
	r.mu.Unlock()

	r.bus.Publish(events.Event{
		Type:   events.CallStateChanged,
		CallID: callID,
		Data:   map[string]any{"from": from, "to": StateFailed},
	})

	r.Remove(callID)
	return snap, true
}

// Remove deletes a record immediately. Normally only called by the
// garbage-collection timer; exposed for shutdown and tests.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.calls[callID]; ok {
		delete(r.byChannel, rec.ChannelID)
		delete(r.calls, callID)
	}
}

// SetBridgeID records the administrative bridge a call is joined to.
func (r *Registry) SetBridgeID(callID, bridgeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.calls[callID]; ok && !rec.State.Terminal() {
		rec.BridgeID = bridgeID
	}
}

// ── Handle ownership ────────────────────────────────────────────────────────

// captureStates are the states a live capture handle is permitted in.
func captureAllowed(s State) bool {
	switch s {
	case StateReady, StateSpeaking, StatePlaying, StateRecording:
		return true
	}
	return false
}

// SetCapture attaches a capture handle. Fails if one is attached already or
// the call's state does not admit capture.
func (r *Registry) SetCapture(callID string, h *CaptureHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.calls[callID]
	if !ok {
		return fmt.Errorf("registry: %w: call %s", ErrNotFound, callID)
	}
	if rec.capture != nil {
		return fmt.Errorf("registry: %w: call %s", ErrAlreadyCapturing, callID)
	}
	if !captureAllowed(rec.State) {
		if rec.State.Terminal() {
			return fmt.Errorf("registry: %w: call %s has ended", ErrNotFound, callID)
		}
		return fmt.Errorf("registry: call %s in state %s cannot capture: %w", callID, rec.State, ErrValidation)
	}
	rec.capture = h
	return nil
}

// TakeCapture detaches and returns the capture handle, or nil.
func (r *Registry) TakeCapture(callID string) *CaptureHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.calls[callID]
	if !ok {
		return nil
	}
	h := rec.capture
	rec.capture = nil
	return h
}

// SetPlayback attaches a playback handle if none is attached; returns the
// handle that is attached afterwards and whether it was already present.
func (r *Registry) SetPlayback(callID string, h *PlaybackHandle) (*PlaybackHandle, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.calls[callID]
	if !ok {
		return nil, false, fmt.Errorf("registry: %w: call %s", ErrNotFound, callID)
	}
	if rec.playback != nil {
		return rec.playback, true, nil
	}
	rec.playback = h
	return h, false, nil
}

// Playback returns the attached playback handle, or nil.
func (r *Registry) Playback(callID string) *PlaybackHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.calls[callID]; ok {
		return rec.playback
	}
	return nil
}

// TakePlayback detaches and returns the playback handle, or nil.
func (r *Registry) TakePlayback(callID string) *PlaybackHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.calls[callID]
	if !ok {
		return nil
	}
	h := rec.playback
	rec.playback = nil
	return h
}

// ── Bridge registry (administrative visibility) ─────────────────────────────

// AddBridge records an administratively visible bridge.
func (r *Registry) AddBridge(b BridgeRecord) {
	r.mu.Lock()
	r.bridges[b.BridgeID] = b
	r.mu.Unlock()
	r.bus.Publish(events.Event{Type: events.BridgeCreated, Data: b})
}

// RemoveBridge drops a bridge record.
func (r *Registry) RemoveBridge(bridgeID string) {
	r.mu.Lock()
	b, ok := r.bridges[bridgeID]
	delete(r.bridges, bridgeID)
	r.mu.Unlock()
	if ok {
		r.bus.Publish(events.Event{Type: events.BridgeDestroyed, Data: b})
	}
}

// ListBridgeRecords returns snapshots of tracked bridges.
func (r *Registry) ListBridgeRecords() []BridgeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BridgeRecord, 0, len(r.bridges))
	for _, b := range r.bridges {
		out = append(out, b)
	}
	return out
}

// Emit publishes an event for a call on the broadcast bus.
func (r *Registry) Emit(eventType, callID string, data any) {
	r.bus.Publish(events.Event{Type: eventType, CallID: callID, Data: data})
}

// SetGCDelay overrides the garbage-collection delay. Test hook.
func (r *Registry) SetGCDelay(d time.Duration) { r.gcDelay = d }

func transitionAllowed(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
