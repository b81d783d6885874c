package call

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jaaacki/asterisk-api/internal/events"
	"github.com/jaaacki/asterisk-api/pkg/audio"
)

// SpeakResult reports a completed utterance: the voice and language that
// rendered it and how long the streamed audio ran.
type SpeakResult struct {
	Voice           string  `json:"voice"`
	Language        string  `json:"language"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
}

// Speak synthesizes text and streams the audio into the call in real time.
// Starting a new speak interrupts one already in progress — the most recent
// utterance wins. The call sits in state speaking until the stream finishes
// or is cancelled, then returns to its prior state.
func (o *Orchestrator) Speak(ctx context.Context, callID string, req SpeakRequest) (SpeakResult, error) {
	if o.tts == nil || !o.tts.Configured() {
		return SpeakResult{}, fmt.Errorf("speak: no synthesis server: %w", ErrNotConfigured)
	}
	if req.Text == "" {
		return SpeakResult{}, fmt.Errorf("speak: text required: %w", ErrValidation)
	}

	// Interrupt any stream in flight before taking the state machine to
	// speaking; Synthesize below aborts the previous synthesis itself.
	if h := o.reg.Playback(callID); h != nil {
		h.interrupt()
	}

	if _, err := o.reg.SetState(callID, StateSpeaking); err != nil {
		cur, ok := o.reg.Get(callID)
		switch {
		case !ok:
			return SpeakResult{}, fmt.Errorf("speak: call %s: %w", callID, ErrNotFound)
		case cur.State == StateSpeaking:
			// Already speaking; the interrupt above freed the pipeline.
		default:
			return SpeakResult{}, err
		}
	}
	restore := func() {
		if _, err := o.reg.RestoreState(callID); err != nil {
			slog.Warn("speak: restore state", "call_id", callID, "err", err)
		}
	}

	o.emit(events.CallSpeakStarted, callID, map[string]any{"text": req.Text})

	start := time.Now()
	syn, err := o.tts.Synthesize(ctx, callID, req)
	o.met.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		o.met.RecordTTSRequest(ctx, "error")
		o.emit(events.CallSpeakError, callID, map[string]any{"error": err.Error()})
		restore()
		return SpeakResult{}, fmt.Errorf("speak: %w", err)
	}
	o.met.RecordTTSRequest(ctx, "ok")

	info, err := audio.ParseWav(syn.WAV)
	if err != nil {
		o.emit(events.CallSpeakError, callID, map[string]any{"error": err.Error()})
		restore()
		return SpeakResult{}, fmt.Errorf("speak: decode synthesis result: %v: %w", err, ErrProtocol)
	}
	pcm, rate, _, err := audio.ToSlinMono16(info)
	if err != nil {
		o.emit(events.CallSpeakError, callID, map[string]any{"error": err.Error()})
		restore()
		return SpeakResult{}, fmt.Errorf("speak: convert synthesis result: %v: %w", err, ErrProtocol)
	}
	res := SpeakResult{
		Voice:           syn.Voice,
		Language:        syn.Language,
		DurationSeconds: float64(len(pcm)/2) / float64(rate),
	}

	h, err := o.ensurePlayback(ctx, callID, rate)
	if err != nil {
		o.emit(events.CallSpeakError, callID, map[string]any{"error": err.Error()})
		restore()
		return SpeakResult{}, err
	}

	cancel := h.beginStream()
	o.reg.Emit(events.CallStreamStarted, callID, map[string]any{"sampleRate": rate, "bytes": len(pcm)})

	streamErr := StreamPCM(h.sock, pcm, rate, cancel)
	h.endStream(cancel)

	if streamErr != nil {
		o.reg.Emit(events.CallStreamError, callID, map[string]any{"error": streamErr.Error()})
		o.emit(events.CallSpeakError, callID, map[string]any{"error": streamErr.Error()})
		restore()
		return SpeakResult{}, fmt.Errorf("speak: %v: %w", streamErr, ErrUpstream)
	}
	o.reg.Emit(events.CallStreamFinished, callID, nil)

	o.emit(events.CallSpeakFinished, callID, map[string]any{"text": req.Text})
	restore()
	return res, nil
}

// StopSpeaking interrupts an in-progress speak without tearing down the
// playback pipeline. No-op when nothing is streaming.
func (o *Orchestrator) StopSpeaking(callID string) {
	if o.tts != nil {
		o.tts.Cancel(callID)
	}
	if h := o.reg.Playback(callID); h != nil {
		h.interrupt()
	}
}
