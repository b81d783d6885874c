package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Switch.URL == "" {
		errs = append(errs, errors.New("switch.url is required"))
	} else if err := validHTTPURL(cfg.Switch.URL); err != nil {
		errs = append(errs, fmt.Errorf("switch.url: %w", err))
	}
	if cfg.Switch.App == "" {
		errs = append(errs, errors.New("switch.app is required"))
	}

	if cfg.Inbound.RingDelayMs < 0 {
		errs = append(errs, fmt.Errorf("inbound.ring_delay_ms %d must not be negative", cfg.Inbound.RingDelayMs))
	}

	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must not be negative", cfg.Capture.SampleRate))
	}

	if cfg.ASR.URL != "" {
		if err := validWSURL(cfg.ASR.URL); err != nil {
			errs = append(errs, fmt.Errorf("asr.url: %w", err))
		}
	}
	if cfg.ASR.ReconnectDelayMs < 0 {
		errs = append(errs, fmt.Errorf("asr.reconnect_delay_ms %d must not be negative", cfg.ASR.ReconnectDelayMs))
	}
	if cfg.ASR.MaxReconnectAttempts != nil && *cfg.ASR.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("asr.max_reconnect_attempts %d must not be negative; use 0 to retry forever", *cfg.ASR.MaxReconnectAttempts))
	}

	if cfg.TTS.URL != "" {
		if err := validHTTPURL(cfg.TTS.URL); err != nil {
			errs = append(errs, fmt.Errorf("tts.url: %w", err))
		}
	}
	if cfg.TTS.TimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("tts.timeout_ms %d must not be negative", cfg.TTS.TimeoutMs))
	}

	if cfg.Webhook.URL != "" {
		if err := validHTTPURL(cfg.Webhook.URL); err != nil {
			errs = append(errs, fmt.Errorf("webhook.url: %w", err))
		}
	}

	return errors.Join(errs...)
}

// applyDefaults fills unset fields after validation passed.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Inbound.RingDelayMs == 0 {
		cfg.Inbound.RingDelayMs = 3000
	}
	if cfg.Inbound.GreetingMedia == "" {
		cfg.Inbound.GreetingMedia = "sound:hello-world"
	}
	if cfg.Inbound.BeepMedia == "" {
		cfg.Inbound.BeepMedia = "sound:beep"
	}
	if cfg.Capture.Format == "" {
		cfg.Capture.Format = "slin16"
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = 16000
	}
	if cfg.ASR.Language == "" {
		cfg.ASR.Language = "English"
	}
	if cfg.ASR.ReconnectDelayMs == 0 {
		cfg.ASR.ReconnectDelayMs = 2000
	}
	if cfg.ASR.MaxReconnectAttempts == nil {
		attempts := 10
		cfg.ASR.MaxReconnectAttempts = &attempts
	}
	if cfg.TTS.DefaultLanguage == "" {
		cfg.TTS.DefaultLanguage = "English"
	}
	if cfg.TTS.TimeoutMs == 0 {
		cfg.TTS.TimeoutMs = 30000
	}
}

func validHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func validWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme %q is not ws or wss", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
