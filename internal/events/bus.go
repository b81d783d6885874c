// Package events implements the subscriber broadcast bus. The call registry
// publishes a totally-ordered stream of call events; subscribers receive
// them over buffered channels with best-effort delivery — a slow subscriber
// loses events rather than stalling the media path.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event is one message on the broadcast stream.
type Event struct {
	Type      string    `json:"type"`
	CallID    string    `json:"callID"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Well-known event type strings. The type string is the stable identifier;
// the set is open-ended.
const (
	CallCreated              = "call.created"
	CallStateChanged         = "call.state_changed"
	CallInbound              = "call.inbound"
	CallAnswered             = "call.answered"
	CallReady                = "call.ready"
	CallDTMF                 = "call.dtmf"
	CallPlaybackFinished     = "call.playback_finished"
	CallRecordingFinished    = "call.recording_finished"
	CallCaptureStarted       = "call.audio_capture_started"
	CallCaptureStopped       = "call.audio_capture_stopped"
	CallAudioFrame           = "call.audio_frame"
	CallCaptureError         = "call.audio_capture_error"
	CallTranscription        = "call.transcription"
	CallSpeakStarted         = "call.speak_started"
	CallSpeakFinished        = "call.speak_finished"
	CallSpeakError           = "call.speak_error"
	CallStreamStarted        = "call.playback_stream_started"
	CallStreamFinished       = "call.playback_stream_finished"
	CallStreamError          = "call.playback_stream_error"
	CallEnded                = "call.ended"
	BridgeCreated            = "bridge.created"
	BridgeDestroyed          = "bridge.destroyed"
	CallASRDisconnected      = "call.asr_disconnected"
	TranscriptionUnavailable = "call.transcription_unavailable"
)

// defaultBuffer is the per-subscriber channel depth. Audio-frame events
// arrive every 20 ms, so this holds several seconds of backlog.
const defaultBuffer = 256

// Bus is a fan-out broadcaster. Safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	subs   map[int64]chan Event
	nextID int64
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int64]chan Event)}
}

// Subscribe registers a subscriber and returns its event channel plus an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, defaultBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking. Events for a
// full subscriber are dropped and counted; publication order is preserved
// per subscriber because Publish holds the lock for the whole fan-out.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if ev.Type != CallAudioFrame {
				slog.Debug("event bus: dropping event for slow subscriber",
					"subscriber", id, "type", ev.Type, "call_id", ev.CallID)
			}
		}
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
