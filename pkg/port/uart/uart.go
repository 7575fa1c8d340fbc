// Package uart implements pkg/port.Port over a real serial device using
// github.com/tarm/serial, grounded on the one-byte-at-a-time read loop in
// usock.USOCK.readLoop/processByte.
package uart

import (
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"github.com/tidemark/dlp/pkg/port"
)

const name = "uart"

func init() {
	port.RegisterTransport(name, func(addr string) (port.Port, error) {
		return New(addr, DefaultBaud), nil
	})
}

// DefaultBaud is used when a transport is constructed through the registry,
// which only carries a device path.
const DefaultBaud = 115200

// rxQueueDepth bounds how many received bytes can sit unread before the
// read loop blocks on a full channel; the data-link engine drains it once
// per Update tick.
const rxQueueDepth = 256

// Port is a github.com/tarm/serial-backed transport. GetChar is
// non-blocking: a background goroutine feeds received bytes into a
// channel, and GetChar drains it without blocking the caller's single
// cooperative task.
type Port struct {
	devicePath string
	baud       int
	log        *logrus.Entry

	mu    sync.Mutex
	sp    *serial.Port
	rx    chan byte
	stop  chan struct{}
	wg    sync.WaitGroup
}

// New returns a Port bound to devicePath at baud, unopened.
func New(devicePath string, baud int) *Port {
	return &Port{
		devicePath: devicePath,
		baud:       baud,
		log:        logrus.WithFields(logrus.Fields{"transport": "uart", "device": devicePath}),
	}
}

// Open configures and opens the underlying serial device and starts the
// background read loop.
func (p *Port) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg := &serial.Config{
		Name:        p.devicePath,
		Baud:        p.baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 50 * time.Millisecond,
	}
	sp, err := serial.OpenPort(cfg)
	if err != nil {
		return err
	}

	p.sp = sp
	p.rx = make(chan byte, rxQueueDepth)
	p.stop = make(chan struct{})

	p.wg.Add(1)
	go p.readLoop()

	p.log.Info("dlp: uart transport opened")
	return nil
}

// Close stops the read loop and closes the serial device.
func (p *Port) Close() error {
	p.mu.Lock()
	stop := p.stop
	sp := p.sp
	p.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	p.wg.Wait()
	if sp != nil {
		return sp.Close()
	}
	return nil
}

// PutChar writes one byte, giving up after timeout.
func (p *Port) PutChar(b byte, timeout time.Duration) bool {
	p.mu.Lock()
	sp := p.sp
	p.mu.Unlock()
	if sp == nil {
		return false
	}

	done := make(chan error, 1)
	go func() {
		_, err := sp.Write([]byte{b})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			p.log.WithError(err).Warn("dlp: uart write failed")
			return false
		}
		return true
	case <-time.After(timeout):
		p.log.Warn("dlp: uart write timed out")
		return false
	}
}

// GetChar returns the next received byte without blocking.
func (p *Port) GetChar() (byte, bool) {
	select {
	case b := <-p.rx:
		return b, true
	default:
		return 0, false
	}
}

// readLoop reads one byte at a time from the serial device and forwards it
// to rx, exactly mirroring usock's processByte feed pattern but without a
// protocol-aware state machine — that lives in pkg/stream.
func (p *Port) readLoop() {
	defer p.wg.Done()

	buf := make([]byte, 1)
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		n, err := p.sp.Read(buf)
		if err != nil {
			if err != io.EOF {
				p.log.WithError(err).Debug("dlp: uart read error")
			}
			continue
		}
		if n == 0 {
			continue
		}

		select {
		case p.rx <- buf[0]:
		case <-p.stop:
			return
		}
	}
}
