package link

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tidemark/dlp/internal/clock"
	"github.com/tidemark/dlp/pkg/frame"
	"github.com/tidemark/dlp/pkg/port/loopback"
)

func fastTestConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryTimeout = 40 * time.Millisecond
	cfg.SlaveBeaconPeriod = 15 * time.Millisecond
	cfg.DisconnectGrace = 40 * time.Millisecond
	cfg.FragmentSafetyTimeout = 500 * time.Millisecond
	return cfg
}

// runUpdateLoop repeatedly ticks l.Update until stop is closed, standing in
// for whatever external scheduler calls Update in production.
func runUpdateLoop(l *Link, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.Update()
		}
	}
}

func TestEndToEndSlaveConnectSendHelloDisconnect(t *testing.T) {
	masterPort, slavePort := loopback.Pair()
	cfg := fastTestConfig()

	master := New(masterPort, clock.Real{}, cfg, RoleMaster)
	slave := New(slavePort, clock.Real{}, cfg, RoleSlave)

	assert.True(t, master.MasterListen(true))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runUpdateLoop(master, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	assert.True(t, slave.SlaveConnect(context.Background(), 2*time.Second))
	assert.True(t, slave.SlaveIsConnected())
	assert.True(t, master.MasterIsClientConnected())

	assert.True(t, slave.PutBuffer(context.Background(), []byte("HELLO"), time.Second))

	deadline := time.Now().Add(time.Second)
	for !master.IsDataAvailable() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	buf := make([]byte, 16)
	ok, n := master.ReadData(buf)
	assert.True(t, ok)
	assert.Equal(t, "HELLO", string(buf[:n]))

	assert.True(t, slave.SlaveDisconnect())

	deadline = time.Now().Add(time.Second)
	for master.MasterIsClientConnected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, master.MasterIsListening())
	assert.False(t, master.MasterIsClientConnected())
}

func TestPutBufferRoundTripsWorstCaseStuffedBytes(t *testing.T) {
	masterPort, slavePort := loopback.Pair()
	cfg := fastTestConfig()

	master := New(masterPort, clock.Real{}, cfg, RoleMaster)
	slave := New(slavePort, clock.Real{}, cfg, RoleSlave)
	master.MasterListen(true)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runUpdateLoop(master, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	connected := slave.SlaveConnect(context.Background(), 2*time.Second)
	assert.True(t, connected)

	payload := []byte{0x7C, 0x7D, 0x00, 0x7D, 0x7C}
	assert.True(t, slave.PutBuffer(context.Background(), payload, time.Second))

	deadline := time.Now().Add(time.Second)
	for !master.IsDataAvailable() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	buf := make([]byte, 8)
	ok, n := master.ReadData(buf)
	assert.True(t, ok)
	assert.Equal(t, payload, buf[:n])
}

// newConnectedForUnitTest builds a Link already in CONNECTED state without
// running the handshake, for white-box tests of the inbound dispatch and
// retry logic below.
func newConnectedForUnitTest(cfg Config) *Link {
	p, _ := loopback.Pair()
	l := New(p, clock.NewFake(), cfg, RoleMaster)
	l.state = StateListening
	l.enterConnected(frame.Slave)
	return l
}

func TestDuplicateIFrameAfterAckLossReAcksWithoutRedelivery(t *testing.T) {
	l := newConnectedForUnitTest(DefaultConfig())

	first := frame.NewI(frame.Slave, 0, 0, []byte("A"))
	l.handleI(first)
	assert.Equal(t, uint8(1), l.recv.rxSeq)
	assert.Equal(t, 1, l.rxQueue.Occupied())
	assert.Len(t, l.ctrlQueue, 1)
	assert.Equal(t, frame.SAck, l.ctrlQueue[0].SType)
	assert.Equal(t, uint8(0), l.ctrlQueue[0].RxSeq)
	l.ctrlQueue = l.ctrlQueue[:0]

	// Same tx_seq arrives again: master's first ACK was lost in transit.
	l.handleI(first)
	assert.Equal(t, uint8(1), l.recv.rxSeq, "rx_seq must not advance twice")
	assert.Equal(t, 1, l.rxQueue.Occupied(), "data must not be delivered twice")
	assert.Len(t, l.ctrlQueue, 1)
	assert.Equal(t, frame.SAck, l.ctrlQueue[0].SType)
	assert.Equal(t, uint8(0), l.ctrlQueue[0].RxSeq)
}

func TestSequenceDesyncTriggersSeqReset(t *testing.T) {
	l := newConnectedForUnitTest(DefaultConfig())
	l.recv.rxSeq = 3

	l.handleI(frame.NewI(frame.Slave, 5, 0, []byte("X")))

	assert.Equal(t, uint8(0), l.recv.rxSeq)
	assert.Equal(t, uint8(0), l.send.txSeq)
	assert.Equal(t, uint8(1), l.recv.errors)
	assert.Len(t, l.ctrlQueue, 1)
	assert.Equal(t, frame.KindU, l.ctrlQueue[0].Kind)
	assert.Equal(t, frame.USeqReset, l.ctrlQueue[0].UType)
}

func TestSequenceDesyncAtErrorThresholdDropsWithoutStraySeqReset(t *testing.T) {
	cfg := DefaultConfig()
	l := newConnectedForUnitTest(cfg)
	l.recv.rxSeq = 3
	l.recv.errors = cfg.ErrorThreshold - 1

	l.handleI(frame.NewI(frame.Slave, 5, 0, []byte("X")))

	assert.NotEqual(t, StateConnected, l.state, "error threshold crossing must drop the connection")
	assert.Empty(t, l.ctrlQueue, "a dropped connection must not leave a SEQ_RESET queued for the next peer")
}

func TestBackpressureNacksWhenQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RxQueueCapacity = 4
	l := newConnectedForUnitTest(cfg)

	l.handleI(frame.NewI(frame.Slave, 0, 0, []byte("1234567890")))

	assert.Equal(t, uint8(0), l.recv.rxSeq, "rx_seq must not advance on backpressure")
	assert.Equal(t, 0, l.rxQueue.Occupied())
	assert.Len(t, l.ctrlQueue, 1)
	assert.Equal(t, frame.SNack, l.ctrlQueue[0].SType)
}

func TestSequenceWrapsAfterEightIFrames(t *testing.T) {
	l := newConnectedForUnitTest(DefaultConfig())

	for i := 0; i < 8; i++ {
		l.send.pending = &frame.Frame{Kind: frame.KindI}
		l.send.sent = true
		l.handleS(frame.NewS(frame.Slave, frame.SAck, l.send.txSeq))
	}

	assert.Equal(t, uint8(0), l.send.txSeq)
}

func TestErrorThresholdDropsConnectionOnTenConsecutiveNacks(t *testing.T) {
	l := newConnectedForUnitTest(DefaultConfig())
	l.send.pending = &frame.Frame{Kind: frame.KindI}
	l.send.sent = true

	for i := uint8(0); i < 9; i++ {
		l.handleS(frame.NewS(frame.Slave, frame.SNack, l.send.txSeq))
		assert.Equal(t, StateConnected, l.state, "connection must survive %d nacks", i+1)
	}

	l.handleS(frame.NewS(frame.Slave, frame.SNack, l.send.txSeq))
	assert.Equal(t, StateListening, l.state, "tenth consecutive nack must drop the connection")
	assert.Nil(t, l.send.pending)
}

func TestSubpacketCountSplitsOversizedBuffer(t *testing.T) {
	l := newConnectedForUnitTest(DefaultConfig())

	assert.Equal(t, uint16(0), l.SubpacketCount(nil))
	assert.Equal(t, uint16(1), l.SubpacketCount(make([]byte, frame.MaxIData)))
	assert.Equal(t, uint16(2), l.SubpacketCount(make([]byte, frame.MaxIData+1)))
}

func TestSubpacketCountAccountsForStuffingExpansion(t *testing.T) {
	l := newConnectedForUnitTest(DefaultConfig())

	worstCase := make([]byte, frame.MaxIData)
	for i := range worstCase {
		worstCase[i] = 0x7D
	}
	// Every byte doubles on the wire, so only half the capacity's worth of
	// 0x7D bytes fits one fragment and a full capacity's worth needs two.
	assert.Equal(t, uint16(2), l.SubpacketCount(worstCase))
}

func TestConnectRequestWhileAlreadyConnectedReAcks(t *testing.T) {
	l := newConnectedForUnitTest(DefaultConfig())

	l.handleU(frame.NewU(frame.Slave, frame.UConnect))

	assert.Equal(t, StateConnected, l.state)
	assert.Len(t, l.ctrlQueue, 1)
	assert.Equal(t, frame.UConnectAck, l.ctrlQueue[0].UType)
}
