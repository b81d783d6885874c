// Command asterisk-api is the call mediation server: it fronts a telephony
// switch with a REST control surface and bridges live call audio to speech
// recognition and synthesis services.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jaaacki/asterisk-api/internal/admin"
	"github.com/jaaacki/asterisk-api/internal/allowlist"
	"github.com/jaaacki/asterisk-api/internal/ari"
	"github.com/jaaacki/asterisk-api/internal/asr"
	"github.com/jaaacki/asterisk-api/internal/call"
	"github.com/jaaacki/asterisk-api/internal/config"
	"github.com/jaaacki/asterisk-api/internal/events"
	"github.com/jaaacki/asterisk-api/internal/health"
	"github.com/jaaacki/asterisk-api/internal/observe"
	"github.com/jaaacki/asterisk-api/internal/tts"
	"github.com/jaaacki/asterisk-api/internal/webhook"
)

// version is stamped by the build via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "asterisk-api: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "asterisk-api: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := &slog.LevelVar{}
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("asterisk-api starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	metricsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "asterisk-api",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsShutdown(sctx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()
	met := observe.DefaultMetrics()

	// ── Allowlist ─────────────────────────────────────────────────────────────
	gate, err := allowlist.Open(cfg.Allowlist.Path)
	if err != nil {
		slog.Error("failed to load allowlist", "path", cfg.Allowlist.Path, "err", err)
		return 1
	}
	defer gate.Stop()

	// ── Core plumbing ─────────────────────────────────────────────────────────
	bus := events.NewBus()
	timers := call.NewTimerSet()
	registry := call.NewRegistry(bus, timers)

	sw := ari.NewClient(ari.Config{
		URL:      cfg.Switch.URL,
		Username: cfg.Switch.Username,
		Password: cfg.Switch.Password,
		App:      cfg.Switch.App,
	})

	var synth call.Synthesizer
	ttsClient := tts.NewClient(tts.Config{
		URL:             cfg.TTS.URL,
		DefaultVoice:    cfg.TTS.DefaultVoice,
		DefaultLanguage: cfg.TTS.DefaultLanguage,
		Timeout:         time.Duration(cfg.TTS.TimeoutMs) * time.Millisecond,
	})
	if ttsClient.Configured() {
		synth = &synthAdapter{ttsClient}
	}

	hooks := webhook.NewNotifier(cfg.Webhook.URL)

	orch := call.NewOrchestrator(sw, registry, bus, timers, synth, hooks, gate, met, call.Options{
		RingDelay:     time.Duration(cfg.Inbound.RingDelayMs) * time.Millisecond,
		GreetingMedia: cfg.Inbound.GreetingMedia,
		BeepMedia:     cfg.Inbound.BeepMedia,
		CaptureFormat: cfg.Capture.Format,
		CaptureRate:   cfg.Capture.SampleRate,
	})

	if cfg.ASR.URL != "" {
		asrMgr := asr.NewManager(asr.Config{
			URL:            cfg.ASR.URL,
			Language:       cfg.ASR.Language,
			ReconnectDelay: time.Duration(cfg.ASR.ReconnectDelayMs) * time.Millisecond,
			MaxAttempts:    *cfg.ASR.MaxReconnectAttempts,
		}, asr.Handlers{
			OnTranscription: func(callID string, t asr.Transcription) {
				orch.HandleTranscription(callID, t.Text, t.IsPartial, t.IsFinal)
			},
			OnError:  orch.HandleASRError,
			OnClosed: orch.HandleASRClosed,
		})
		orch.SetTranscriber(asrMgr)
	}

	sw.OnEvent(orch.HandleEvent)
	if err := sw.Connect(ctx); err != nil {
		slog.Error("failed to connect to switch event channel", "url", cfg.Switch.URL, "err", err)
		return 1
	}
	defer sw.Close()
	slog.Info("switch event channel connected", "app", cfg.Switch.App)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Compare(old, new)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.RestartRequired {
			slog.Warn("config change requires a restart to take effect")
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── Admin API ─────────────────────────────────────────────────────────────
	var readyChecks []health.Check
	if ttsClient.Configured() {
		readyChecks = append(readyChecks, health.Check{
			Name:  "synthesis",
			Probe: func(context.Context) error { return ttsClient.Ready() },
		})
	}
	api := admin.NewServer(orch, registry, sw, gate, bus, met, cfg.Server.APIKey, readyChecks...)
	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin api listening", "addr", cfg.Server.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("admin api error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("admin api shutdown error", "err", err)
	}
	orch.Shutdown(shutdownCtx)
	hooks.Flush()

	slog.Info("goodbye")
	return 0
}

// synthAdapter bridges the TTS client to the orchestrator's Synthesizer view.
type synthAdapter struct {
	c *tts.Client
}

func (a *synthAdapter) Configured() bool { return a.c.Configured() }

func (a *synthAdapter) Synthesize(ctx context.Context, callID string, req call.SpeakRequest) (call.Synthesis, error) {
	res, err := a.c.Synthesize(ctx, callID, tts.Request{
		Text:     req.Text,
		Voice:    req.Voice,
		Language: req.Language,
		Speed:    req.Speed,
	})
	switch {
	case errors.Is(err, tts.ErrTimeout):
		return call.Synthesis{}, fmt.Errorf("synthesis: %w", call.ErrSynthesisTimeout)
	case errors.Is(err, tts.ErrCancelled):
		return call.Synthesis{}, fmt.Errorf("synthesis: %w", call.ErrCancelled)
	case err != nil:
		return call.Synthesis{}, err
	}
	return call.Synthesis{WAV: res.WAV, Voice: res.Voice, Language: res.Language}, nil
}

func (a *synthAdapter) Cancel(callID string) { a.c.Cancel(callID) }
func (a *synthAdapter) CancelAll()           { a.c.CancelAll() }

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
