package uart

import (
	"bytes"
	"sync"
	"time"

	goserial "go.bug.st/serial"

	"github.com/pkg/errors"
)

// SerialPort adapts a real OS serial device (via go.bug.st/serial) to the
// Port contract. General-purpose UARTs have no hardware line-pattern
// interrupt the way an ESP32 does, so pattern detection and RX-interrupt
// gating are emulated in software over a single background reader
// goroutine that pulls bytes off the wire one chunk at a time and turns
// them into typed notifications.
type SerialPort struct {
	mu sync.Mutex

	port goserial.Port
	cfg  Config

	rxBuf bytes.Buffer // bytes read from the wire, not yet consumed by Read

	patternEnabled bool
	patternByte    byte
	patternPending []int

	rxInterruptEnabled bool

	events   chan Event
	stopCh   chan struct{}
	wg       sync.WaitGroup
	readBuf  []byte
}

// NewSerialPort opens devicePath and returns a Port backed by it. The
// caller should call Configure to apply the full configuration (baud,
// parity, buffer sizes, ...) before use.
func NewSerialPort(devicePath string, cfg Config) (*SerialPort, error) {
	mode := modeFromConfig(cfg)
	port, err := goserial.Open(devicePath, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "uart: open %s", devicePath)
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "uart: set read timeout")
	}

	eventQueueSize := cfg.EventQueueSize
	if eventQueueSize <= 0 {
		eventQueueSize = 32
	}

	sp := &SerialPort{
		port:    port,
		cfg:     cfg,
		events:  make(chan Event, eventQueueSize),
		stopCh:  make(chan struct{}),
		readBuf: make([]byte, 4096),
	}
	sp.wg.Add(1)
	go sp.readLoop()
	return sp, nil
}

func modeFromConfig(cfg Config) *goserial.Mode {
	mode := &goserial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
	}
	switch cfg.Parity {
	case ParityEven:
		mode.Parity = goserial.EvenParity
	case ParityOdd:
		mode.Parity = goserial.OddParity
	default:
		mode.Parity = goserial.NoParity
	}
	switch cfg.StopBits {
	case StopBits2:
		mode.StopBits = goserial.TwoStopBits
	default:
		mode.StopBits = goserial.OneStopBit
	}
	if mode.BaudRate == 0 {
		mode.BaudRate = 115200
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}
	return mode
}

func (s *SerialPort) Configure(cfg Config) error {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return s.port.SetMode(modeFromConfig(cfg))
}

// readLoop pulls whatever bytes are available from the OS serial device
// and turns them into the same DATA / PATTERN_DETECTED notifications the
// reader task expects from a real UART driver.
func (s *SerialPort) readLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		n, err := s.port.Read(s.readBuf)
		if err != nil {
			// A closed port surfaces as a read error; exit quietly.
			select {
			case <-s.stopCh:
				return
			default:
			}
			continue
		}
		if n == 0 {
			continue
		}
		s.ingest(s.readBuf[:n])
	}
}

func (s *SerialPort) ingest(data []byte) {
	s.mu.Lock()
	start := s.rxBuf.Len()
	s.rxBuf.Write(data)
	patternEnabled := s.patternEnabled
	patternByte := s.patternByte
	rxEnabled := s.rxInterruptEnabled
	bufLen := s.rxBuf.Len()
	var hits int
	if patternEnabled {
		for i, b := range data {
			if b == patternByte {
				s.patternPending = append(s.patternPending, start+i)
				hits++
			}
		}
	}
	s.mu.Unlock()

	if patternEnabled {
		for i := 0; i < hits; i++ {
			s.publish(Event{Kind: EventPatternDetected})
		}
		return
	}
	if rxEnabled {
		s.publish(Event{Kind: EventData, Size: bufLen})
	}
}

func (s *SerialPort) publish(e Event) {
	select {
	case s.events <- e:
	default:
	}
}

func (s *SerialPort) Read(buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if s.rxBuf.Len() > 0 {
			n, _ := s.rxBuf.Read(buf)
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()
		if timeout <= 0 || time.Now().After(deadline) {
			return 0, ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *SerialPort) Write(buf []byte) (int, error) {
	return s.port.Write(buf)
}

func (s *SerialPort) BufferedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rxBuf.Len()
}

func (s *SerialPort) Flush() error {
	s.mu.Lock()
	s.rxBuf.Reset()
	s.patternPending = nil
	s.mu.Unlock()
	return s.port.ResetInputBuffer()
}

func (s *SerialPort) EnablePatternDetection(pattern byte, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patternEnabled = true
	s.patternByte = pattern
	return nil
}

func (s *SerialPort) DisablePatternDetection() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patternEnabled = false
	s.patternPending = nil
	return nil
}

func (s *SerialPort) PopPatternPosition() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.patternPending) == 0 {
		return 0, false
	}
	pos := s.patternPending[0]
	s.patternPending = s.patternPending[1:]
	return pos, true
}

func (s *SerialPort) EnableRXInterrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rxInterruptEnabled = true
	return nil
}

func (s *SerialPort) DisableRXInterrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rxInterruptEnabled = false
	return nil
}

func (s *SerialPort) Events() <-chan Event { return s.events }

func (s *SerialPort) Close() error {
	close(s.stopCh)
	err := s.port.Close()
	s.wg.Wait()
	return err
}
