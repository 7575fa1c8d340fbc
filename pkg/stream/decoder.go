// Package stream implements the byte-at-a-time receive decoder described in
// the data-link protocol's receiver section: strip byte stuffing, accumulate
// the frame buffer, maintain the running CRC, and dispatch a parsed frame on
// every delimiter.
package stream

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/tidemark/dlp/pkg/crc"
	"github.com/tidemark/dlp/pkg/frame"
)

// ErrOverflow is reported to the error handler when a frame is dropped for
// exceeding the raw-buffer capacity.
var ErrOverflow = errors.New("stream: decoder overflow")

// FrameListener receives frames as they are fully decoded, mirroring the
// teacher's can.FrameListener.Handle callback shape.
type FrameListener interface {
	Handle(f frame.Frame)
}

// FrameListenerFunc adapts a plain function to FrameListener.
type FrameListenerFunc func(f frame.Frame)

func (fn FrameListenerFunc) Handle(f frame.Frame) { fn(f) }

// maxRawFrame bounds rx_buf; a frame that grows past it without hitting a
// delimiter is dropped and the decoder fully resets.
const maxRawFrame = frame.MaxRawFrame

// Decoder is the receiver half of the data-link protocol: a small state
// machine fed one byte at a time via PutByte. It holds no connection state
// of its own — pkg/link owns Reset's call sites.
type Decoder struct {
	listener FrameListener
	onError  func(error)
	log      *logrus.Entry

	rxBuf         [maxRawFrame]byte
	rxLen         int
	runningCRC    uint16
	escapePending bool

	overflows int
}

// New returns a Decoder that dispatches completed frames to listener.
func New(listener FrameListener, log *logrus.Entry) *Decoder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Decoder{listener: listener, log: log}
}

// SetErrorHandler installs fn to be called for every framing error, CRC
// mismatch, or overflow — the engine uses this to bump rx_errors and
// optionally emit U:GENERIC_ERROR, per the error-handling design's framing-
// error row.
func (d *Decoder) SetErrorHandler(fn func(error)) *Decoder {
	d.onError = fn
	return d
}

// Reset clears all decoder state without emitting a frame. pkg/link calls
// it when a connection is set up or torn down.
func (d *Decoder) Reset() {
	d.rxLen = 0
	d.runningCRC = 0
	d.escapePending = false
}

// PutByte feeds one received byte through the decoder. A delimiter byte
// (0x7D) closes and dispatches the current frame, if any, and always clears
// state for the next one.
func (d *Decoder) PutByte(b byte) {
	if b == frame.Delimiter {
		if d.rxLen > 0 {
			d.dispatch()
		}
		d.Reset()
		return
	}

	if b == frame.Escape {
		d.escapePending = true
		return
	}

	if d.escapePending {
		b ^= frame.Escape
		d.escapePending = false
	}

	if d.rxLen >= len(d.rxBuf) {
		d.overflows++
		d.log.WithField("rx_len", d.rxLen).Warn("dlp: decoder overflow, frame dropped")
		if d.onError != nil {
			d.onError(ErrOverflow)
		}
		d.Reset()
		return
	}

	d.rxBuf[d.rxLen] = b
	d.rxLen++

	// The running CRC lags two bytes behind the write position so the
	// frame's trailing CRC-hi/CRC-lo are never folded into themselves.
	if d.rxLen >= 3 {
		d.runningCRC = crc.Update(d.runningCRC, d.rxBuf[d.rxLen-3])
	}
}

// dispatch parses the accumulated buffer and, if it is structurally valid
// and its CRC matches, delivers it to the listener.
func (d *Decoder) dispatch() {
	body := d.rxBuf[:d.rxLen]

	f, err := frame.Unmarshal(body)
	if err != nil {
		d.log.WithError(err).Debug("dlp: dropping malformed frame")
		if d.onError != nil {
			d.onError(err)
		}
		return
	}

	if f.CRC != d.runningCRC {
		d.log.WithFields(logrus.Fields{
			"expected": d.runningCRC,
			"reported": f.CRC,
		}).Debug("dlp: dropping frame with crc mismatch")
		if d.onError != nil {
			d.onError(frame.ErrCRCMismatch)
		}
		return
	}

	// Unmarshal's Data slice aliases d.rxBuf; hand the listener its own
	// copy so it can outlive the next PutByte call.
	if len(f.Data) > 0 {
		owned := make([]byte, len(f.Data))
		copy(owned, f.Data)
		f.Data = owned
	}

	d.listener.Handle(f)
}

// Overflows reports how many times the decoder has dropped a frame for
// exceeding the raw-buffer capacity, for diagnostics.
func (d *Decoder) Overflows() int {
	return d.overflows
}
