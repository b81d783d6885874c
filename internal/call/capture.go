package call

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jaaacki/asterisk-api/internal/ari"
	"github.com/jaaacki/asterisk-api/internal/events"
)

// mediaEnterTimeout bounds the wait for an external-media channel to enter
// the application, like every other switch-acquisition step. The shorter
// MediaDialTimeout applies only to the socket dial itself.
const mediaEnterTimeout = 10 * time.Second

// CaptureHandle owns one live capture pipeline: a snoop channel mirroring the
// caller's audio, an external-media channel carrying it out of the switch,
// the bridge joining the two, and the websocket the PCM arrives on.
type CaptureHandle struct {
	callID     string
	snoopID    string
	extID      string
	bridgeID   string
	format     string
	sampleRate int
	startedAt  time.Time
	sock       MediaConn
	done       chan struct{}
	once       sync.Once
}

func (h *CaptureHandle) info() CaptureInfo {
	return CaptureInfo{
		SnoopChannelID:         h.snoopID,
		ExternalMediaChannelID: h.extID,
		BridgeID:               h.bridgeID,
		Format:                 h.format,
		SampleRate:             h.sampleRate,
		StartedAt:              h.startedAt,
	}
}

// StartCapture builds the capture pipeline for a call: snoop the channel,
// create a server-mode external-media channel, wait for it to enter the
// application, connect its media socket, then bridge the two. The bridge
// comes last — a server-mode external-media channel refuses bridging until
// its StasisStart arrives.
func (o *Orchestrator) StartCapture(ctx context.Context, callID string) error {
	rec, ok := o.reg.Get(callID)
	if !ok {
		return fmt.Errorf("capture: call %s: %w", callID, ErrNotFound)
	}
	if rec.Capturing() {
		return fmt.Errorf("capture: call %s: %w", callID, ErrAlreadyCapturing)
	}
	if rec.State.Terminal() {
		// An ended call is as good as gone to callers.
		return fmt.Errorf("capture: call %s has ended: %w", callID, ErrNotFound)
	}

	snoopID := ari.SnoopPrefix + uuid.NewString()
	extID := ari.CapturePrefix + uuid.NewString()

	// Partial-teardown bookkeeping: each setup step registers its undo.
	var undos []func()
	fail := func(err error) error {
		for i := len(undos) - 1; i >= 0; i-- {
			undos[i]()
		}
		return err
	}
	bg := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), 10*time.Second)
	}

	if _, err := o.sw.Snoop(ctx, ari.SnoopRequest{
		ChannelID: rec.ChannelID,
		SnoopID:   snoopID,
		Spy:       "in",
	}); err != nil {
		return o.mapSwitchErr(err)
	}
	undos = append(undos, func() {
		ctx, cancel := bg()
		defer cancel()
		_ = o.sw.Hangup(ctx, snoopID, "normal")
	})

	extCh, err := o.sw.ExternalMedia(ctx, ari.ExternalMediaRequest{
		ChannelID: extID,
		Format:    o.opts.CaptureFormat,
	})
	if err != nil {
		return fail(o.mapSwitchErr(err))
	}
	undos = append(undos, func() {
		ctx, cancel := bg()
		defer cancel()
		_ = o.sw.Hangup(ctx, extID, "normal")
	})

	enterCtx, cancelEnter := context.WithTimeout(ctx, mediaEnterTimeout)
	err = o.sw.AwaitEnter(enterCtx, extID)
	cancelEnter()
	if err != nil {
		return fail(fmt.Errorf("capture: external media never entered: %w", ErrTimeout))
	}

	connID, err := o.sw.MediaConnectionID(ctx, extCh)
	if err != nil {
		return fail(o.mapSwitchErr(err))
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, o.opts.MediaDialTimeout)
	sock, err := o.dialMedia(dialCtx, o.sw.MediaSocketURL(connID))
	cancelDial()
	if err != nil {
		return fail(fmt.Errorf("capture: media socket: %v: %w", err, ErrUpstream))
	}
	undos = append(undos, func() { _ = sock.Close() })

	bridge, err := o.sw.CreateBridge(ctx, "capture-"+callID)
	if err != nil {
		return fail(o.mapSwitchErr(err))
	}
	undos = append(undos, func() {
		ctx, cancel := bg()
		defer cancel()
		_ = o.sw.DestroyBridge(ctx, bridge.ID)
	})

	if err := o.sw.AddChannel(ctx, bridge.ID, snoopID); err != nil {
		return fail(o.mapSwitchErr(err))
	}
	if err := o.sw.AddChannel(ctx, bridge.ID, extID); err != nil {
		return fail(o.mapSwitchErr(err))
	}

	h := &CaptureHandle{
		callID:     callID,
		snoopID:    snoopID,
		extID:      extID,
		bridgeID:   bridge.ID,
		format:     o.opts.CaptureFormat,
		sampleRate: o.opts.CaptureRate,
		startedAt:  time.Now().UTC(),
		sock:       sock,
		done:       make(chan struct{}),
	}
	if err := o.reg.SetCapture(callID, h); err != nil {
		return fail(err)
	}

	go o.captureLoop(h)

	o.met.ActiveCaptures.Add(context.Background(), 1)
	o.emit(events.CallCaptureStarted, callID, h.info())
	return nil
}

// StopCapture tears down the capture pipeline. Idempotent: stopping a call
// with no capture is a no-op.
func (o *Orchestrator) StopCapture(ctx context.Context, callID string) error {
	h := o.reg.TakeCapture(callID)
	if h == nil {
		return nil
	}
	o.teardownCapture(h)
	o.met.ActiveCaptures.Add(context.Background(), -1)
	o.emit(events.CallCaptureStopped, callID, nil)
	return nil
}

// teardownCapture dismantles the pipeline's pieces concurrently; each is
// independent and the switch may have dropped any of them already.
func (o *Orchestrator) teardownCapture(h *CaptureHandle) {
	h.once.Do(func() { close(h.done) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.sock.Close() })
	g.Go(func() error { return o.sw.RemoveChannel(ctx, h.bridgeID, h.snoopID) })
	g.Go(func() error { return o.sw.RemoveChannel(ctx, h.bridgeID, h.extID) })
	if err := g.Wait(); err != nil {
		slog.Debug("capture: teardown detach", "call_id", h.callID, "err", err)
	}

	g2, ctx2 := errgroup.WithContext(ctx)
	g2.Go(func() error { return o.sw.DestroyBridge(ctx2, h.bridgeID) })
	g2.Go(func() error { return o.sw.Hangup(ctx2, h.snoopID, "normal") })
	g2.Go(func() error { return o.sw.Hangup(ctx2, h.extID, "normal") })
	if err := g2.Wait(); err != nil {
		slog.Debug("capture: teardown cleanup", "call_id", h.callID, "err", err)
	}
}

// captureLoop pumps PCM frames off the media socket until it closes.
func (o *Orchestrator) captureLoop(h *CaptureHandle) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("capture: frame pump panicked", "call_id", h.callID, "panic", r)
			o.emit(events.CallCaptureError, h.callID, map[string]any{"error": fmt.Sprint(r)})
		}
	}()

	for {
		select {
		case <-h.done:
			return
		default:
		}

		frame, err := h.sock.Read(context.Background())
		if err != nil {
			select {
			case <-h.done:
				// Deliberate teardown, not an error.
			default:
				if rec, ok := o.reg.Get(h.callID); ok && !rec.State.Terminal() {
					slog.Warn("capture: media socket dropped", "call_id", h.callID, "err", err)
					o.emit(events.CallCaptureError, h.callID, map[string]any{"error": err.Error()})
				}
			}
			return
		}
		o.dispatchFrame(h, frame)
	}
}

// dispatchFrame fans one PCM frame out to event subscribers and the
// transcription session. Frames go on the bus only — 50 frames a second is
// far too hot for webhooks.
func (o *Orchestrator) dispatchFrame(h *CaptureHandle, frame []byte) {
	o.met.AudioFrames.Add(context.Background(), 1)

	o.reg.Emit(events.CallAudioFrame, h.callID, map[string]any{
		"format":     h.format,
		"sampleRate": h.sampleRate,
		"payload":    base64.StdEncoding.EncodeToString(frame),
	})

	if t := o.transcriber(); t != nil {
		t.Send(h.callID, frame)
	}
}
