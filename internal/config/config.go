// Package config provides the configuration schema, loader, and hot-reload
// watcher for the call mediation service.
package config

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Switch    SwitchConfig    `yaml:"switch"`
	Inbound   InboundConfig   `yaml:"inbound"`
	Capture   CaptureConfig   `yaml:"capture"`
	ASR       ASRConfig       `yaml:"asr"`
	TTS       TTSConfig       `yaml:"tts"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Allowlist AllowlistConfig `yaml:"allowlist"`
}

// ServerConfig holds network and logging settings for the admin API server.
type ServerConfig struct {
	// ListenAddr is the TCP address the admin API listens on (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// APIKey authenticates admin API clients via the X-API-Key header.
	// Empty disables authentication.
	APIKey string `yaml:"api_key"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// SwitchConfig holds the switch's REST and event-channel credentials.
type SwitchConfig struct {
	// URL is the switch REST base, e.g. "http://127.0.0.1:8088/ari".
	URL string `yaml:"url"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// App is the application name channels are routed to.
	App string `yaml:"app"`
}

// InboundConfig tunes inbound call handling.
type InboundConfig struct {
	// RingDelayMs is how long an inbound call rings before auto-answer.
	RingDelayMs int `yaml:"ring_delay_ms"`

	// GreetingMedia and BeepMedia are switch media URIs played after answer.
	GreetingMedia string `yaml:"greeting_media"`
	BeepMedia     string `yaml:"beep_media"`
}

// CaptureConfig fixes the capture pipeline's audio format.
type CaptureConfig struct {
	// Format is the switch's linear PCM format name, e.g. "slin16".
	Format string `yaml:"format"`

	// SampleRate must match Format.
	SampleRate int `yaml:"sample_rate"`
}

// ASRConfig holds speech-recognition connection settings.
type ASRConfig struct {
	// URL is the ASR server websocket URL. Empty disables transcription.
	URL string `yaml:"url"`

	// Language locks the recognition language for every session.
	Language string `yaml:"language"`

	// ReconnectDelayMs is the pause before redialling a dropped session.
	ReconnectDelayMs int `yaml:"reconnect_delay_ms"`

	// MaxReconnectAttempts caps redials before transcription is declared
	// unavailable for the call. Unset keeps the default of 10; an explicit 0
	// retries forever.
	MaxReconnectAttempts *int `yaml:"max_reconnect_attempts"`
}

// TTSConfig holds text-to-speech connection settings.
type TTSConfig struct {
	// URL is the synthesis endpoint. Empty disables speech synthesis.
	URL string `yaml:"url"`

	DefaultVoice    string `yaml:"default_voice"`
	DefaultLanguage string `yaml:"default_language"`

	// TimeoutMs bounds one synthesis request end to end.
	TimeoutMs int `yaml:"timeout_ms"`
}

// WebhookConfig names the lifecycle notification endpoint.
type WebhookConfig struct {
	// URL receives POSTed lifecycle events. Empty disables webhooks.
	URL string `yaml:"url"`
}

// AllowlistConfig points at the call-permission rules file.
type AllowlistConfig struct {
	// Path is the JSON rules file. Empty means allow-all.
	Path string `yaml:"path"`
}
