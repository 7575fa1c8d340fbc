// Package link implements the data-link protocol's connection state
// machine and reliable-delivery engine: the master/slave handshake, the
// single-outstanding-I-frame send window, inbound frame dispatch, and the
// periodic Update tick that drives retries, beacons, and disconnect grace.
package link

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tidemark/dlp/internal/clock"
	"github.com/tidemark/dlp/internal/fifo"
	"github.com/tidemark/dlp/pkg/frame"
	"github.com/tidemark/dlp/pkg/port"
	"github.com/tidemark/dlp/pkg/stream"
)

// Role fixes which half of the handshake an endpoint plays for the life of
// the Link. It never changes after construction.
type Role uint8

const (
	RoleMaster Role = iota
	RoleSlave
)

func (r Role) String() string {
	if r == RoleMaster {
		return "master"
	}
	return "slave"
}

// State is the connection state machine's current state.
type State uint8

const (
	StateIdle State = iota
	StateListening  // master only
	StateConnecting // slave only
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "?"
	}
}

// putByteTimeout bounds each byte written while emitting a frame; the port
// is expected to accept bytes far faster than this under normal operation.
const putByteTimeout = 20 * time.Millisecond

// Link is one endpoint of a data-link protocol connection. It owns the
// port, the byte decoder, the connection state machine, and both windows.
// A Link is driven exclusively from one goroutine: application calls and
// Update must never run concurrently, per the protocol's single-task
// cooperative scheduling model.
type Link struct {
	role      Role
	port      port.Port
	debugPort port.Port
	usePort   bool
	clk       clock.Clock
	cfg       Config
	log       *logrus.Entry

	decoder *stream.Decoder

	state    State
	peerAddr uint8

	send sendWindow
	recv receiveWindow

	ctrlQueue         []frame.Frame
	rxQueue           *fifo.Fifo
	seqResetRequested bool

	// master-only
	peerConnected bool

	// slave-only
	connectDeadline clock.Timer
	beaconTimer     clock.Timer

	// disconnect bookkeeping, either role
	disconnectDeadline    clock.Timer
	disconnectRetriesLeft int

	putBufferBusy bool
}

// New constructs a Link bound to port p, role, and cfg. The port must
// already be Open.
func New(p port.Port, clk clock.Clock, cfg Config, role Role) *Link {
	l := &Link{
		role:    role,
		port:    p,
		usePort: true,
		clk:     clk,
		cfg:     cfg,
		log:     logrus.WithField("role", role.String()),
		rxQueue: fifo.New(cfg.RxQueueCapacity),
	}
	l.decoder = stream.New(frameListenerFunc(l.handle), l.log).SetErrorHandler(l.handleDecodeError)
	return l
}

type frameListenerFunc func(f frame.Frame)

func (fn frameListenerFunc) Handle(f frame.Frame) { fn(f) }

func (l *Link) localAddr() uint8 {
	if l.role == RoleMaster {
		return frame.Master
	}
	return frame.Slave
}

// --- Runtime configuration (§4.5, §6) ------------------------------------

// SetDataPort installs the byte transport the Link reads and writes frames
// through. The caller owns the previous and new port's Open/Close lifecycle.
func (l *Link) SetDataPort(p port.Port) {
	l.port = p
}

// SetDebugPort installs an optional second transport used as a one-line
// trace sink for frame tx/rx when EnableDebug(true) is active. Passing nil
// disables the sink; the logrus trace line at Debug level is emitted either
// way.
func (l *Link) SetDebugPort(p port.Port) {
	l.debugPort = p
}

// EnableDebug toggles the per-frame trace, both the logrus line and,
// if a debug port is installed, the line written to it.
func (l *Link) EnableDebug(on bool) {
	l.cfg.Debug = on
}

// UsePort toggles whether the Link is allowed to write to its data port.
// While disabled, Update still decodes bytes already queued for reading but
// emit becomes a no-op, freezing outbound wire activity without tearing
// down connection state.
func (l *Link) UsePort(on bool) {
	l.usePort = on
}

// trace writes a one-line logrus Debug entry for f and, if a debug port is
// installed, the same trace as a text line to that port. It does nothing
// while debug is off.
func (l *Link) trace(direction string, f frame.Frame) {
	if !l.cfg.Debug {
		return
	}
	l.log.WithFields(logrus.Fields{"kind": f.Kind.String(), "dir": direction}).Debug("dlp: trace")
	if l.debugPort == nil {
		return
	}
	line := fmt.Sprintf("%s %s addr=%d\n", direction, f.Kind.String(), f.Address)
	for i := 0; i < len(line); i++ {
		if !l.debugPort.PutChar(line[i], putByteTimeout) {
			return
		}
	}
}

// resetConnectionState clears the decoder, both windows, and the control
// queue. It runs when a connection is set up (MasterListen(true),
// SlaveConnect, entering CONNECTED) and when completeDisconnect tears one
// down. A SEQ_RESET exchange does not call it: that only zeroes the two
// sequence numbers (see handleU and handleI).
func (l *Link) resetConnectionState() {
	l.decoder.Reset()
	l.send.reset()
	l.recv.reset()
	l.ctrlQueue = l.ctrlQueue[:0]
	l.seqResetRequested = false
}

// --- Master API -------------------------------------------------------

// MasterListen starts or stops listening for a slave connection. Only
// valid on a master-role Link.
func (l *Link) MasterListen(on bool) bool {
	if l.role != RoleMaster {
		return false
	}
	if on {
		if l.state != StateIdle {
			return false
		}
		l.resetConnectionState()
		l.peerConnected = false
		l.state = StateListening
		return true
	}
	if l.state == StateIdle {
		return true
	}
	l.state = StateIdle
	l.peerConnected = false
	return true
}

func (l *Link) MasterIsListening() bool {
	return l.role == RoleMaster && (l.state == StateListening || l.state == StateConnected)
}

func (l *Link) MasterIsClientConnected() bool {
	return l.role == RoleMaster && l.state == StateConnected && l.peerConnected
}

// --- Slave API ----------------------------------------------------------

// SlaveConnect emits CONNECT and beacons every SlaveBeaconPeriod until
// CONNECT_ACK arrives or timeout elapses. It blocks, cooperatively ticking
// Update, until the outcome is known or ctx is cancelled.
func (l *Link) SlaveConnect(ctx context.Context, timeout time.Duration) bool {
	if l.role != RoleSlave || l.state != StateIdle {
		return false
	}

	l.resetConnectionState()
	l.state = StateConnecting
	l.connectDeadline = l.clk.StartDownTimer(timeout)
	l.emit(frame.NewU(frame.Slave, frame.UConnect))
	l.beaconTimer = l.clk.StartDownTimer(l.cfg.SlaveBeaconPeriod)

	for {
		if l.state == StateConnected {
			return true
		}
		if l.state != StateConnecting {
			return false
		}
		select {
		case <-ctx.Done():
			l.state = StateIdle
			return false
		default:
		}
		l.Update()
	}
}

func (l *Link) SlaveIsConnecting() bool {
	return l.role == RoleSlave && l.state == StateConnecting
}

func (l *Link) SlaveIsConnected() bool {
	return l.role == RoleSlave && l.state == StateConnected
}

// SlaveDisconnect emits DISCONNECT up to three times and waits up to
// DisconnectGrace for DISCONNECT_ACK, tearing down either way.
func (l *Link) SlaveDisconnect() bool {
	if l.role != RoleSlave || l.state != StateConnected {
		return false
	}
	l.beginDisconnect()
	for l.state == StateDisconnecting {
		l.Update()
	}
	return true
}

// --- Shared connection-entry helpers -------------------------------------

func (l *Link) enterConnected(peerAddr uint8) {
	l.resetConnectionState()
	l.peerAddr = peerAddr
	l.state = StateConnected
	if l.role == RoleMaster {
		l.peerConnected = true
	}
}

func (l *Link) beginDisconnect() {
	l.state = StateDisconnecting
	l.disconnectRetriesLeft = 3
	l.emit(frame.NewU(l.localAddr(), frame.UDisconnect))
	l.disconnectRetriesLeft--
	// The grace period is split across the three DISCONNECT sends so the
	// whole wait stays within DisconnectGrace.
	l.disconnectDeadline = l.clk.StartDownTimer(l.cfg.DisconnectGrace / 3)
}

// completeDisconnect finishes tearing down into the role's resting state:
// master returns to LISTENING (it is still servicing master_listen(true));
// slave returns to IDLE.
func (l *Link) completeDisconnect() {
	l.resetConnectionState()
	if l.role == RoleMaster {
		l.peerConnected = false
		l.state = StateListening
	} else {
		l.state = StateIdle
	}
}

func (l *Link) dropOnErrorThreshold() {
	l.log.WithError(errErrorThresholdHit).Warn("dlp: dropping connection")
	l.completeDisconnect()
}

// --- Inbound dispatch (§4.4.2) -------------------------------------------

func (l *Link) handle(f frame.Frame) {
	l.trace("rx", f)
	switch f.Kind {
	case frame.KindU:
		l.handleU(f)
	case frame.KindS:
		l.handleS(f)
	case frame.KindI:
		l.handleI(f)
	}
}

func (l *Link) handleDecodeError(err error) {
	l.log.WithError(err).Debug("dlp: framing error")
	l.bumpRxError()
	if l.state != StateConnected {
		return // dropped by the threshold check above
	}
	if l.cfg.EmitGenericErrorOnCRCFailure {
		l.queueCtrl(frame.NewU(l.localAddr(), frame.UGenericError))
	}
}

func (l *Link) handleU(f frame.Frame) {
	switch f.UType {
	case frame.UConnect:
		l.handleConnect(f)
	case frame.UConnectAck:
		if l.role == RoleSlave && l.state == StateConnecting && f.Address == frame.Master {
			l.enterConnected(frame.Master)
		}
	case frame.UConnectNack:
		l.log.Debug("dlp: connect request nacked by peer")
	case frame.UDisconnect:
		l.handlePeerDisconnect()
	case frame.UDisconnectAck:
		if l.state == StateDisconnecting {
			l.completeDisconnect()
		}
	case frame.USeqReset:
		l.send.txSeq = 0
		l.recv.rxSeq = 0
		l.seqResetRequested = true
	case frame.UGenericError:
		l.log.Debug("dlp: peer reported a generic error")
	}
}

func (l *Link) handleConnect(f frame.Frame) {
	if l.role != RoleMaster {
		return
	}
	switch {
	case l.state == StateListening:
		l.enterConnected(f.Address)
		l.queueCtrl(frame.NewU(frame.Master, frame.UConnectAck))
	case l.state == StateConnected && f.Address == l.peerAddr:
		// Repeated connect while already connected: re-ACK deterministically
		// rather than depending on ordering, per the open-question decision.
		l.queueCtrl(frame.NewU(frame.Master, frame.UConnectAck))
	default:
		l.queueCtrl(frame.NewU(frame.Master, frame.UConnectNack))
	}
}

func (l *Link) handlePeerDisconnect() {
	if l.state != StateConnected && l.state != StateDisconnecting {
		return
	}
	for i := 0; i < 3; i++ {
		l.emit(frame.NewU(l.localAddr(), frame.UDisconnectAck))
	}
	l.completeDisconnect()
}

func (l *Link) handleS(f frame.Frame) {
	if l.state != StateConnected {
		return
	}
	if f.RxSeq != l.send.txSeq {
		l.bumpTxError()
		return
	}
	switch f.SType {
	case frame.SAck:
		l.send.pending = nil
		l.send.sent = false
		l.send.retry = nil
		l.send.txSeq = seqInc(l.send.txSeq)
		l.send.errors = 0
	case frame.SNack:
		l.send.sent = false
		l.bumpTxError()
	}
}

func (l *Link) handleI(f frame.Frame) {
	if l.state != StateConnected {
		return
	}
	switch {
	case f.TxSeq == l.recv.rxSeq:
		if l.rxQueue.Space() >= len(f.Data) {
			l.rxQueue.Write(f.Data)
			l.queueCtrl(frame.NewS(l.localAddr(), frame.SAck, l.recv.rxSeq))
			l.recv.rxSeq = seqInc(l.recv.rxSeq)
			l.recv.errors = 0
		} else {
			l.queueCtrl(frame.NewS(l.localAddr(), frame.SNack, l.recv.rxSeq))
		}
	case f.TxSeq == seqDec(l.recv.rxSeq):
		l.queueCtrl(frame.NewS(l.localAddr(), frame.SAck, seqDec(l.recv.rxSeq)))
	default:
		l.bumpRxError()
		if l.state != StateConnected {
			return // dropped by the threshold check above
		}
		l.send.txSeq = 0
		l.recv.rxSeq = 0
		l.queueCtrl(frame.NewU(l.localAddr(), frame.USeqReset))
	}
}

func (l *Link) bumpTxError() {
	l.send.errors++
	if l.send.errors >= l.cfg.ErrorThreshold {
		l.send.pending = nil
		l.send.sent = false
		l.dropOnErrorThreshold()
	}
}

func (l *Link) bumpRxError() {
	l.recv.errors++
	if l.recv.errors >= l.cfg.ErrorThreshold {
		l.dropOnErrorThreshold()
	}
}

// --- Outbound (§4.4.3) ----------------------------------------------------

func (l *Link) queueCtrl(f frame.Frame) {
	if len(l.ctrlQueue) >= l.cfg.CtrlQueueCapacity {
		l.log.Warn("dlp: control queue full, dropping outbound S/U frame")
		return
	}
	l.ctrlQueue = append(l.ctrlQueue, f)
}

func (l *Link) emit(f frame.Frame) bool {
	if !l.usePort {
		return false
	}
	raw, err := frame.Encode(f)
	if err != nil {
		l.log.WithError(err).Error("dlp: failed to encode outbound frame")
		return false
	}
	for _, b := range raw {
		if !l.port.PutChar(b, putByteTimeout) {
			l.log.Warn("dlp: putchar failed, frame not fully transmitted")
			return false
		}
	}
	l.trace("tx", f)
	return true
}

// Update drains available input bytes, advances connection timers, and
// drives one step of outbound delivery. Call it often enough to honor the
// beacon and retry periods.
func (l *Link) Update() {
	for {
		b, ok := l.port.GetChar()
		if !ok {
			break
		}
		l.decoder.PutByte(b)
	}

	now := l.clk.Now()

	if l.role == RoleSlave && l.state == StateConnecting {
		if l.connectDeadline != nil && l.connectDeadline.IsExpired(now) {
			l.log.Debug(errConnectTimedOut)
			for i := 0; i < 3; i++ {
				l.emit(frame.NewU(frame.Slave, frame.UDisconnect))
			}
			l.state = StateIdle
			return
		}
		if l.beaconTimer == nil || l.beaconTimer.IsExpired(now) {
			l.emit(frame.NewU(frame.Slave, frame.UConnect))
			l.beaconTimer = l.clk.StartDownTimer(l.cfg.SlaveBeaconPeriod)
		}
	}

	if l.state == StateDisconnecting {
		if l.disconnectDeadline != nil && l.disconnectDeadline.IsExpired(now) {
			if l.disconnectRetriesLeft > 0 {
				l.emit(frame.NewU(l.localAddr(), frame.UDisconnect))
				l.disconnectRetriesLeft--
				l.disconnectDeadline = l.clk.StartDownTimer(l.cfg.DisconnectGrace / 3)
			} else {
				l.completeDisconnect()
				return
			}
		}
	}

	l.driveOutbound(now)
}

func (l *Link) driveOutbound(now time.Time) {
	if len(l.ctrlQueue) > 0 {
		f := l.ctrlQueue[0]
		l.ctrlQueue = l.ctrlQueue[1:]
		l.emit(f)
		return
	}

	if l.send.pending == nil {
		return
	}

	if !l.send.sent {
		l.send.pending.RxSeq = l.recv.rxSeq
		l.emit(*l.send.pending)
		l.send.sent = true
		l.send.retry = l.clk.StartDownTimer(l.cfg.RetryTimeout)
		return
	}

	if l.send.retry != nil && l.send.retry.IsExpired(now) {
		l.bumpTxError()
		if l.send.pending == nil {
			return // dropped by the threshold check above
		}
		if l.seqResetRequested {
			l.send.pending.TxSeq = 0
			l.seqResetRequested = false
		}
		l.send.pending.RxSeq = l.recv.rxSeq
		l.emit(*l.send.pending)
		l.send.retry = l.clk.StartDownTimer(l.cfg.RetryTimeout)
	}
}
