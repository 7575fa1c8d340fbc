package link

import "errors"

// Sentinel errors used internally for logging. The public API
// surface still reports success/failure as booleans, per the protocol's
// no-exceptions error policy — these never cross it.
var (
	errNotConnected      = errors.New("link: not connected")
	errPutBufferBusy     = errors.New("link: put_buffer already in progress")
	errFragmentTimeout   = errors.New("link: fragment safety timeout elapsed")
	errConnectTimedOut   = errors.New("link: slave connect timed out")
	errDisconnected      = errors.New("link: connection dropped while operation was in flight")
	errErrorThresholdHit = errors.New("link: consecutive error threshold reached")
)
