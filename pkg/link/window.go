package link

import (
	"github.com/tidemark/dlp/internal/clock"
	"github.com/tidemark/dlp/pkg/frame"
)

// sendWindow tracks the single outstanding I-frame, per the data model's "at
// most one unacknowledged I-frame" invariant.
type sendWindow struct {
	txSeq   uint8 // next sequence number to transmit, wraps mod 8
	pending *frame.Frame
	sent    bool // pending has been transmitted at least once this attempt
	retry   clock.Timer
	errors  uint8
}

func (w *sendWindow) reset() {
	w.txSeq = 0
	w.pending = nil
	w.sent = false
	w.retry = nil
	w.errors = 0
}

// receiveWindow tracks the next expected I-frame sequence number and the
// consecutive-error counter that forces a disconnect at threshold.
type receiveWindow struct {
	rxSeq  uint8 // next expected sequence number, wraps mod 8
	errors uint8
}

func (w *receiveWindow) reset() {
	w.rxSeq = 0
	w.errors = 0
}

func seqDec(seq uint8) uint8 {
	return (seq + 7) % 8
}

func seqInc(seq uint8) uint8 {
	return (seq + 1) % 8
}
