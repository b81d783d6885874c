// Package media implements the PCM transport socket shared by the capture
// and playback pipelines. The switch's external-media channels run a
// websocket server speaking the "media" subprotocol; we dial it as a client
// and exchange raw binary PCM frames.
//
// Outbound writes go through an internal queue drained by a single writer
// goroutine. The queue's byte count is exposed via [Socket.Buffered] so the
// playback scheduler can apply high/low-water backpressure the way a
// browser-style bufferedAmount would allow.
package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// Subprotocol is the websocket subprotocol the switch's external-media
// server expects.
const Subprotocol = "media"

// sendQueueDepth bounds the number of queued outbound frames. At 20 ms per
// frame this is 10+ seconds of audio; the scheduler's watermarks keep the
// real depth far below this.
const sendQueueDepth = 512

// ErrClosed is returned for operations on a closed socket.
var ErrClosed = errors.New("media: socket closed")

// Socket is a single-owner PCM transport. Reads are performed by at most one
// goroutine (the capture loop); writes may come from any goroutine and are
// serialised through the send queue.
type Socket struct {
	conn *websocket.Conn

	sendCh   chan []byte
	buffered atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the external-media socket at wsURL with the media
// subprotocol. The context bounds the handshake only.
func Dial(ctx context.Context, wsURL string) (*Socket, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, err
	}
	// Media frames are small; the default read limit is fine, but raise it
	// so a switch sending bundled frames cannot kill the connection.
	conn.SetReadLimit(1 << 20)

	s := &Socket{
		conn:   conn,
		sendCh: make(chan []byte, sendQueueDepth),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Read returns the next binary frame from the switch. Text frames (the
// switch may send keepalives) are skipped.
func (s *Socket) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		return data, nil
	}
}

// Write queues a binary frame for delivery. It never blocks on the network;
// if the send queue is full the frame is rejected, which only happens when
// the peer has stalled far beyond the scheduler's high-water mark.
func (s *Socket) Write(frame []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.sendCh <- frame:
		s.buffered.Add(int64(len(frame)))
		return nil
	case <-s.done:
		return ErrClosed
	default:
		return errors.New("media: send queue full")
	}
}

// Buffered reports the number of bytes queued but not yet handed to the
// network layer.
func (s *Socket) Buffered() int {
	return int(s.buffered.Load())
}

// Open reports whether the socket is still usable for writes.
func (s *Socket) Open() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Close shuts the socket down. Safe to call multiple times and from any
// goroutine.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "pipeline teardown")
	})
	return nil
}

// writeLoop drains the send queue onto the wire. A write error closes the
// socket; queued frames are dropped since the call is over anyway.
func (s *Socket) writeLoop() {
	for {
		select {
		case frame := <-s.sendCh:
			err := s.conn.Write(context.Background(), websocket.MessageBinary, frame)
			s.buffered.Add(-int64(len(frame)))
			if err != nil {
				s.Close()
				s.drainQueue()
				return
			}
		case <-s.done:
			s.drainQueue()
			return
		}
	}
}

func (s *Socket) drainQueue() {
	for {
		select {
		case frame := <-s.sendCh:
			s.buffered.Add(-int64(len(frame)))
		default:
			return
		}
	}
}
