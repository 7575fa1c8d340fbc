package link

import (
	"time"

	"github.com/tidemark/dlp/pkg/frame"
)

// Config holds the runtime-tunable parameters of a Link, with the defaults
// spec'd in the data model. pkg/config loads these from an ini file; tests
// construct a Config literal directly.
type Config struct {
	// RetryTimeout is how long the sender waits for an ACK/NACK on the
	// single outstanding I-frame before resending it.
	RetryTimeout time.Duration

	// ErrorThreshold is the number of consecutive TX or RX errors that
	// forces a disconnect.
	ErrorThreshold uint8

	// SlaveBeaconPeriod is how often a connecting slave re-emits CONNECT.
	SlaveBeaconPeriod time.Duration

	// DisconnectGrace bounds how long slave_disconnect waits for
	// DISCONNECT_ACK before tearing down anyway.
	DisconnectGrace time.Duration

	// FragmentSafetyTimeout bounds a single PutBuffer fragment's wait for
	// an ACK, independent of the caller's overall timeout.
	FragmentSafetyTimeout time.Duration

	// RxQueueCapacity sizes the delivered-byte queue; should be at least
	// 3x the I-frame data capacity (frame.MaxIData).
	RxQueueCapacity int

	// CtrlQueueCapacity bounds the outbound S/U control-frame queue.
	CtrlQueueCapacity int

	// EmitGenericErrorOnCRCFailure controls whether a U:GENERIC_ERROR is
	// queued, while connected, in reply to any frame the decoder drops: a
	// CRC mismatch, a malformed frame, or a buffer overflow.
	EmitGenericErrorOnCRCFailure bool

	// Debug turns on a per-frame trace log at logrus.DebugLevel.
	Debug bool
}

// DefaultConfig returns the defaults fixed by the data model.
func DefaultConfig() Config {
	return Config{
		RetryTimeout:                 500 * time.Millisecond,
		ErrorThreshold:               10,
		SlaveBeaconPeriod:            100 * time.Millisecond,
		DisconnectGrace:              500 * time.Millisecond,
		FragmentSafetyTimeout:        3 * time.Second,
		RxQueueCapacity:              3 * frame.MaxIData,
		CtrlQueueCapacity:            15,
		EmitGenericErrorOnCRCFailure: true,
		Debug:                        false,
	}
}
