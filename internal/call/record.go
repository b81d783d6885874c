// Package call holds the per-call domain: the CallRecord and its registry,
// the orchestrator state machine, the capture and playback pipelines, and
// the real-time PCM scheduler.
package call

import (
	"time"
)

// State is a call lifecycle state.
type State string

const (
	// StateInitiating: outbound only, the originate request is in flight.
	StateInitiating State = "initiating"

	// StateRinging: the channel exists and is being alerted.
	StateRinging State = "ringing"

	// StateAnswered: the remote side answered.
	StateAnswered State = "answered"

	// StateReady: greeting done, audio pipeline live, waiting for input.
	StateReady State = "ready"

	// StatePlaying: pre-recorded media playback in progress.
	StatePlaying State = "playing"

	// StateSpeaking: TTS synthesis or PCM streaming in progress.
	StateSpeaking State = "speaking"

	// StateRecording: file capture in progress.
	StateRecording State = "recording"

	// StateBridged: joined to a foreign bridge (e.g. transfer).
	StateBridged State = "bridged"

	// StateEnded: the call is over. Terminal.
	StateEnded State = "ended"

	// StateFailed: the call never got going (originate rejected, allowlist
	// denial). Terminal.
	StateFailed State = "failed"
)

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// transient reports whether s is one of the work states a call returns from.
func (s State) transient() bool {
	switch s {
	case StatePlaying, StateSpeaking, StateRecording, StateBridged:
		return true
	}
	return false
}

// Direction distinguishes who initiated a call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Record is the CallRecord: everything the service knows about one call.
// The registry owns the canonical copy; everything handed out is a snapshot.
type Record struct {
	CallID       string     `json:"callID"`
	ChannelID    string     `json:"channelID"`
	Direction    Direction  `json:"direction"`
	CallerNumber string     `json:"callerNumber,omitempty"`
	CalleeNumber string     `json:"calleeNumber,omitempty"`
	State        State      `json:"state"`
	CreatedAt    time.Time  `json:"createdAt"`
	AnsweredAt   *time.Time `json:"answeredAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	HangupCause  string     `json:"hangupCause,omitempty"`
	BridgeID     string     `json:"bridgeID,omitempty"`

	// prevState is the state held before entering a transient work state;
	// completion restores it.
	prevState State

	// Handles are owned by the orchestrator; they never leave the package.
	capture  *CaptureHandle
	playback *PlaybackHandle
}

// CaptureInfo is the externally visible part of a capture handle.
type CaptureInfo struct {
	SnoopChannelID         string    `json:"snoopChannelID"`
	ExternalMediaChannelID string    `json:"externalMediaChannelID"`
	BridgeID               string    `json:"bridgeID"`
	Format                 string    `json:"format"`
	SampleRate             int       `json:"sampleRate"`
	StartedAt              time.Time `json:"startedAt"`
}

// Capturing reports whether a capture pipeline is live for this snapshot.
func (r *Record) Capturing() bool { return r.capture != nil }

// CaptureInfo returns the capture handle's public view, or nil.
func (r *Record) CaptureInfo() *CaptureInfo {
	if r.capture == nil {
		return nil
	}
	info := r.capture.info()
	return &info
}
