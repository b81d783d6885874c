package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jaaacki/asterisk-api/internal/ari"
	"github.com/jaaacki/asterisk-api/pkg/audio"
)

// PlaybackHandle owns one synthesized-audio output pipeline: an external-media
// channel the service streams PCM into, and the bridge mixing it with the
// call channel. The pipeline is built lazily on the first speak and reused
// while the sample rate matches.
type PlaybackHandle struct {
	callID     string
	extID      string
	bridgeID   string
	sampleRate int
	sock       MediaConn

	mu     sync.Mutex
	cancel chan struct{}
}

// interrupt aborts any stream in progress. The next stream installs a fresh
// cancel channel.
func (h *PlaybackHandle) interrupt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		close(h.cancel)
		h.cancel = nil
	}
}

// beginStream interrupts the previous stream and returns the new stream's
// cancel channel.
func (h *PlaybackHandle) beginStream() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		close(h.cancel)
	}
	h.cancel = make(chan struct{})
	return h.cancel
}

// endStream retires the stream's cancel channel if it is still the current
// one.
func (h *PlaybackHandle) endStream(c <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil && (<-chan struct{})(h.cancel) == c {
		h.cancel = nil
	}
}

// ensurePlayback returns a live playback pipeline for the call at the given
// sample rate, building one if none exists and rebuilding if the attached
// one went stale or was negotiated at a different rate.
func (o *Orchestrator) ensurePlayback(ctx context.Context, callID string, sampleRate int) (*PlaybackHandle, error) {
	if existing := o.reg.Playback(callID); existing != nil {
		if existing.sampleRate == sampleRate && existing.sock.Open() {
			return existing, nil
		}
		if h := o.reg.TakePlayback(callID); h != nil {
			o.destroyPlaybackPipeline(h)
		}
	}

	rec, ok := o.reg.Get(callID)
	if !ok {
		return nil, fmt.Errorf("playback: call %s: %w", callID, ErrNotFound)
	}
	if rec.State.Terminal() {
		return nil, fmt.Errorf("playback: call %s has ended: %w", callID, ErrNotFound)
	}

	format, ok := audio.SlinFormat(sampleRate)
	if !ok {
		return nil, fmt.Errorf("playback: no linear format for %d Hz: %w", sampleRate, ErrValidation)
	}

	extID := ari.PlaybackPrefix + uuid.NewString()

	var undos []func()
	fail := func(err error) (*PlaybackHandle, error) {
		for i := len(undos) - 1; i >= 0; i-- {
			undos[i]()
		}
		return nil, err
	}
	bg := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), 10*time.Second)
	}

	extCh, err := o.sw.ExternalMedia(ctx, ari.ExternalMediaRequest{
		ChannelID: extID,
		Format:    format,
	})
	if err != nil {
		return nil, o.mapSwitchErr(err)
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
		return fail(fmt.Errorf("playback: external media never entered: %w", ErrTimeout))
	}

	connID, err := o.sw.MediaConnectionID(ctx, extCh)
	if err != nil {
		return fail(o.mapSwitchErr(err))
	}

	// Connect the socket before bridging: once the external-media channel
	// joins the bridge the switch expects frames, and a late dial would
	// surface as a gap at the start of the utterance.
	dialCtx, cancelDial := context.WithTimeout(ctx, o.opts.MediaDialTimeout)
	sock, err := o.dialMedia(dialCtx, o.sw.MediaSocketURL(connID))
	cancelDial()
	if err != nil {
		return fail(fmt.Errorf("playback: media socket: %v: %w", err, ErrUpstream))
	}
	undos = append(undos, func() { _ = sock.Close() })

	bridge, err := o.sw.CreateBridge(ctx, "ttsout-"+callID)
	if err != nil {
		return fail(o.mapSwitchErr(err))
	}
	undos = append(undos, func() {
		ctx, cancel := bg()
		defer cancel()
		_ = o.sw.DestroyBridge(ctx, bridge.ID)
	})

	if err := o.sw.AddChannel(ctx, bridge.ID, extID); err != nil {
		return fail(o.mapSwitchErr(err))
	}
	if err := o.sw.AddChannel(ctx, bridge.ID, rec.ChannelID); err != nil {
		return fail(o.mapSwitchErr(err))
	}

	h := &PlaybackHandle{
		callID:     callID,
		extID:      extID,
		bridgeID:   bridge.ID,
		sampleRate: sampleRate,
		sock:       sock,
	}

	attached, existed, err := o.reg.SetPlayback(callID, h)
	if err != nil {
		return fail(err)
	}
	if existed {
		// Lost a setup race; keep the winner and dismantle ours.
		o.destroyPlaybackPipeline(h)
		return attached, nil
	}
	return h, nil
}

// teardownPlayback detaches and dismantles the call's playback pipeline, if
// any. Idempotent.
func (o *Orchestrator) teardownPlayback(callID string) {
	h := o.reg.TakePlayback(callID)
	if h == nil {
		return
	}
	o.destroyPlaybackPipeline(h)
}

func (o *Orchestrator) destroyPlaybackPipeline(h *PlaybackHandle) {
	h.interrupt()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, _ := o.reg.Get(h.callID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.sock.Close() })
	g.Go(func() error { return o.sw.RemoveChannel(gctx, h.bridgeID, h.extID) })
	if rec.ChannelID != "" {
		g.Go(func() error { return o.sw.RemoveChannel(gctx, h.bridgeID, rec.ChannelID) })
	}
	if err := g.Wait(); err != nil {
		slog.Debug("playback: teardown detach", "call_id", h.callID, "err", err)
	}

	g2, gctx2 := errgroup.WithContext(ctx)
	g2.Go(func() error { return o.sw.DestroyBridge(gctx2, h.bridgeID) })
	g2.Go(func() error { return o.sw.Hangup(gctx2, h.extID, "normal") })
	if err := g2.Wait(); err != nil {
		slog.Debug("playback: teardown cleanup", "call_id", h.callID, "err", err)
	}
}
