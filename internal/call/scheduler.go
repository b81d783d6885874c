package call

import (
	"fmt"
	"time"
)

// Scheduler pacing constants.
const (
	// frameDuration is the fixed frame size streamed to the switch.
	frameDuration = 20 * time.Millisecond

	// highWater suspends frame scheduling when this many bytes are queued
	// on the outbound socket.
	highWater = 64 * 1024

	// lowWater resumes scheduling once the queue drains below this.
	lowWater = 32 * 1024

	// backpressurePoll is how often the queue depth is re-checked while
	// suspended.
	backpressurePoll = 5 * time.Millisecond

	// drainDeadline bounds the wait for the socket to empty after the last
	// frame, so the final syllable is not cut off by an immediate hangup.
	drainDeadline = 500 * time.Millisecond
)

// StreamSocket is the outbound PCM socket as the scheduler sees it.
// *media.Socket satisfies it.
type StreamSocket interface {
	Write(frame []byte) error
	Buffered() int
	Open() bool
}

// StreamPCM streams pcm to sock in fixed 20 ms frames of mono 16-bit audio
// at sampleRate, pacing each frame against an absolute schedule so timer
// error never accumulates. It returns nil when the buffer finished, the
// cancel channel closed, or the socket closed underneath it; only a socket
// write failure is an error.
func StreamPCM(sock StreamSocket, pcm []byte, sampleRate int, cancel <-chan struct{}) error {
	if sampleRate <= 0 {
		return fmt.Errorf("scheduler: invalid sample rate %d", sampleRate)
	}
	frameBytes := sampleRate * 2 * int(frameDuration.Milliseconds()) / 1000
	if frameBytes == 0 {
		return fmt.Errorf("scheduler: frame size underflow at %d Hz", sampleRate)
	}

	start := time.Now()
	for i := 0; len(pcm) > 0; i++ {
		select {
		case <-cancel:
			return nil
		default:
		}
		if !sock.Open() {
			return nil
		}

		// Backpressure: stop feeding a stalled socket; once suspended,
		// poll until the queue drains below the low-water mark.
		if sock.Buffered() > highWater {
			for {
				select {
				case <-cancel:
					return nil
				case <-time.After(backpressurePoll):
				}
				if !sock.Open() {
					return nil
				}
				if sock.Buffered() <= lowWater {
					break
				}
			}
		}

		n := frameBytes
		if n > len(pcm) {
			n = len(pcm)
		}
		if err := sock.Write(pcm[:n]); err != nil {
			return fmt.Errorf("scheduler: write frame %d: %w", i, err)
		}
		pcm = pcm[n:]

		if len(pcm) == 0 {
			break
		}

		// Absolute schedule: frame i+1 is due at start + (i+1)·20 ms.
		// Sleeping the residual (never a fixed interval) keeps cumulative
		// drift at one timer error rather than the sum of N of them.
		target := start.Add(time.Duration(i+1) * frameDuration)
		if wait := time.Until(target); wait > 0 {
			select {
			case <-cancel:
				return nil
			case <-time.After(wait):
			}
		}
	}

	// Drain: give the socket a bounded window to flush the tail.
	deadline := time.Now().Add(drainDeadline)
	for sock.Open() && sock.Buffered() > 0 && time.Now().Before(deadline) {
		select {
		case <-cancel:
			return nil
		case <-time.After(backpressurePoll):
		}
	}
	return nil
}
