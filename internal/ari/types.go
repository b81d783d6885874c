package ari

import "time"

// Reserved channel-ID prefixes for synthetic channels the orchestrator
// creates. Events for these never correspond to real calls and are
// suppressed before dispatch (internal waiters still see them).
const (
	SnoopPrefix    = "snoop-"
	CapturePrefix  = "audiocap-"
	PlaybackPrefix = "ttsplay-"
)

// CallerID is the name/number pair the switch reports for a channel leg.
type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Dialplan describes where in the switch's dialplan a channel currently sits.
type Dialplan struct {
	Context  string `json:"context"`
	Exten    string `json:"exten"`
	Priority int64  `json:"priority"`
	AppName  string `json:"app_name"`
	AppData  string `json:"app_data"`
}

// Channel is the switch's protocol object for one channel. Only the fields
// the orchestrator reads are modelled.
type Channel struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	State        string            `json:"state"`
	Caller       CallerID          `json:"caller"`
	Connected    CallerID          `json:"connected"`
	Dialplan     Dialplan          `json:"dialplan"`
	Channelvars  map[string]string `json:"channelvars,omitempty"`
	CreationTime time.Time         `json:"creationtime"`
}

// Bridge is the switch's protocol object for a mixing bridge.
type Bridge struct {
	ID           string    `json:"id"`
	Technology   string    `json:"technology"`
	BridgeType   string    `json:"bridge_type"`
	BridgeClass  string    `json:"bridge_class"`
	Name         string    `json:"name"`
	Channels     []string  `json:"channels"`
	CreationTime time.Time `json:"creationtime"`
}

// Endpoint is a switch endpoint (e.g. a registered PJSIP device).
type Endpoint struct {
	Technology string   `json:"technology"`
	Resource   string   `json:"resource"`
	State      string   `json:"state"`
	ChannelIDs []string `json:"channel_ids"`
}

// Playback tracks an in-progress media playback on a channel or bridge.
type Playback struct {
	ID        string `json:"id"`
	MediaURI  string `json:"media_uri"`
	TargetURI string `json:"target_uri"`
	State     string `json:"state"`
}

// LiveRecording is an in-progress recording.
type LiveRecording struct {
	Name      string `json:"name"`
	Format    string `json:"format"`
	State     string `json:"state"`
	TargetURI string `json:"target_uri"`
	Duration  int    `json:"duration,omitempty"`
	Cause     string `json:"cause,omitempty"`
}

// StoredRecording is a finished recording stored on the switch.
type StoredRecording struct {
	Name   string `json:"name"`
	Format string `json:"format"`
}

// Event is one message from the switch's event channel. The switch sends a
// single JSON object whose shape depends on Type; the fields below are the
// union of everything the orchestrator consumes.
type Event struct {
	Type        string    `json:"type"`
	Application string    `json:"application"`
	Timestamp   time.Time `json:"timestamp"`

	Channel   *Channel       `json:"channel,omitempty"`
	Bridge    *Bridge        `json:"bridge,omitempty"`
	Playback  *Playback      `json:"playback,omitempty"`
	Recording *LiveRecording `json:"recording,omitempty"`
	Endpoint  *Endpoint      `json:"endpoint,omitempty"`

	// ChannelStateChange / StasisEnd
	Cause    int    `json:"cause,omitempty"`
	CauseTxt string `json:"cause_txt,omitempty"`

	// ChannelDtmfReceived
	Digit      string  `json:"digit,omitempty"`
	DurationMs float64 `json:"duration_ms,omitempty"`

	// ChannelVarset
	Variable string `json:"variable,omitempty"`
	Value    string `json:"value,omitempty"`
}

// Event type strings the orchestrator dispatches on.
const (
	EventStasisStart         = "StasisStart"
	EventStasisEnd           = "StasisEnd"
	EventChannelStateChange  = "ChannelStateChange"
	EventChannelDestroyed    = "ChannelDestroyed"
	EventChannelDtmfReceived = "ChannelDtmfReceived"
	EventChannelVarset       = "ChannelVarset"
	EventPlaybackFinished    = "PlaybackFinished"
	EventRecordingFinished   = "RecordingFinished"
	EventBridgeCreated       = "BridgeCreated"
	EventBridgeDestroyed     = "BridgeDestroyed"
)

// ChannelID returns the ID of the channel the event concerns, or "".
func (e *Event) ChannelID() string {
	if e.Channel != nil {
		return e.Channel.ID
	}
	return ""
}

// OriginateRequest describes an outbound channel creation.
type OriginateRequest struct {
	// Endpoint is the dial string, e.g. "PJSIP/1000".
	Endpoint string

	// ChannelID pre-assigns the channel ID so events can be correlated
	// before the create call returns.
	ChannelID string

	// CallerID is the caller presentation, e.g. "\"Ops\" <100>".
	CallerID string

	// Timeout is how long the switch lets the target ring. Zero means the
	// switch default.
	Timeout time.Duration

	// Variables are channel variables set on the new channel.
	Variables map[string]string
}

// ExternalMediaRequest describes an external-media channel creation. The
// switch runs the socket server; the orchestrator connects to it afterwards.
type ExternalMediaRequest struct {
	ChannelID string
	Format    string
}

// SnoopRequest describes a mirror channel creation.
type SnoopRequest struct {
	// ChannelID is the channel to mirror.
	ChannelID string

	// SnoopID pre-assigns the mirror channel's ID.
	SnoopID string

	// Spy selects the mirrored direction: "in", "out", or "both".
	Spy string
}

// RecordRequest describes a channel recording.
type RecordRequest struct {
	Name        string
	Format      string
	MaxDuration time.Duration
	MaxSilence  time.Duration
	Beep        bool
	TerminateOn string
	IfExists    string
}
