package link

import (
	"context"
	"time"

	"github.com/tidemark/dlp/internal/clock"
	"github.com/tidemark/dlp/pkg/frame"
)

// stuffedLen reports how many bytes b occupies on the wire after stuffing.
func stuffedLen(b byte) int {
	if b == frame.Delimiter || b == frame.Escape {
		return 2
	}
	return 1
}

// fragments splits data into the largest prefixes whose stuffed length
// never exceeds the I-frame data capacity, matching the one-byte-lookahead
// accounting the fragmenter uses.
func fragments(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	var frags [][]byte
	start := 0
	stuffed := 0
	for i, b := range data {
		add := stuffedLen(b)
		if stuffed+add > frame.MaxIData {
			frags = append(frags, data[start:i])
			start = i
			stuffed = 0
		}
		stuffed += add
	}
	return append(frags, data[start:])
}

// SubpacketCount reports how many I-frames PutBuffer would split data into,
// without sending anything.
func (l *Link) SubpacketCount(data []byte) uint16 {
	return uint16(len(fragments(data)))
}

// PutBuffer sends data reliably, fragment by fragment, blocking until the
// whole buffer is acknowledged, timeout or a fragment's safety timeout
// elapses, the connection drops, or ctx is cancelled. It requires CONNECTED
// and refuses to run if another PutBuffer is already in flight.
func (l *Link) PutBuffer(ctx context.Context, data []byte, timeout time.Duration) bool {
	if l.state != StateConnected {
		l.log.Debug(errNotConnected)
		return false
	}
	if l.putBufferBusy {
		l.log.Debug(errPutBufferBusy)
		return false
	}

	l.putBufferBusy = true
	defer func() { l.putBufferBusy = false }()

	overall := l.clk.StartDownTimer(timeout)
	for _, frag := range fragments(data) {
		if !l.sendFragment(ctx, frag, overall) {
			return false
		}
		if overall.IsExpired(l.clk.Now()) {
			return false
		}
	}
	return true
}

// sendFragment stages frag as the pending I-frame and spins, yielding to
// Update, until it is acknowledged, the per-fragment safety timeout or the
// caller's overall timeout elapses, or the connection drops.
func (l *Link) sendFragment(ctx context.Context, frag []byte, overall clock.Timer) bool {
	f := frame.NewI(l.localAddr(), l.send.txSeq, l.recv.rxSeq, frag)
	l.send.pending = &f
	l.send.sent = false

	safety := l.clk.StartDownTimer(l.cfg.FragmentSafetyTimeout)

	for {
		if l.state != StateConnected {
			l.log.Debug(errDisconnected)
			return false
		}
		if l.send.pending == nil {
			return true
		}
		select {
		case <-ctx.Done():
			l.log.Debug(ctx.Err())
			l.send.pending = nil
			l.send.sent = false
			return false
		default:
		}
		if safety.IsExpired(l.clk.Now()) {
			l.log.Debug(errFragmentTimeout)
			l.send.pending = nil
			l.send.sent = false
			return false
		}
		if overall.IsExpired(l.clk.Now()) {
			l.log.Debug("link: put_buffer overall timeout elapsed")
			l.send.pending = nil
			l.send.sent = false
			return false
		}
		l.Update()
	}
}

// IsPutBufferBusy reports whether a PutBuffer call is currently in flight.
func (l *Link) IsPutBufferBusy() bool {
	return l.putBufferBusy
}

// IsDataAvailable reports whether the delivered-byte queue has data ready
// to read.
func (l *Link) IsDataAvailable() bool {
	return l.rxQueue.Occupied() > 0
}

// ReadData drains up to len(out) delivered bytes into out.
func (l *Link) ReadData(out []byte) (bool, int) {
	n := l.rxQueue.Read(out)
	return n > 0, n
}
