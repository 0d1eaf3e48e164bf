// Package dte implements the Data Terminal Equipment core: a
// byte-oriented ingress/egress engine that frames and deframes CMUX
// packets, runs a Command/CMUX/PPP mode state machine, dispatches
// decoded frames to a bound DCE, and provides a rendezvous primitive so
// callers can issue commands synchronously.
package dte

import (
	"sync"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/librescoot/modem-dte/pkg/cmux"
	"github.com/librescoot/modem-dte/pkg/dce"
	"github.com/librescoot/modem-dte/pkg/events"
	"github.com/librescoot/modem-dte/pkg/uart"
)

// Logical channel numbers.
const (
	DLCIControl uint8 = 0 // CMUX establish/teardown
	DLCIData    uint8 = 1 // PPP bytes once in PPP mode; also the initial CONNECT text
	DLCIAT      uint8 = 2 // AT-command channel
)

// dialString is the exact string that routes over the data channel
// instead of the AT channel, so its CONNECT response lands on DLCI 1.
// The match is a fragile exact-string comparison by design: any AT
// dialect variation in the dial string breaks the routing silently.
const dialString = "ATD*99***1#\r"

var (
	// ErrTimeout is returned by a send call whose rendezvous was not
	// signaled within the caller-supplied timeout.
	ErrTimeout = errors.New("dte: command timed out")
	// ErrModeUnchanged is returned by ChangeMode when asked to transition
	// to the mode it is already in.
	ErrModeUnchanged = errors.New("dte: already in requested mode")
)

// ReceiveFunc receives raw payload bytes from the PPP data channel, an
// optional data-reception callback a caller may install.
type ReceiveFunc func(payload []byte)

// DTE is the root entity of the core. Create one with New; it owns the
// UART port for its entire lifetime and runs exactly one reader task,
// torn down by Close.
type DTE struct {
	port   uart.Port
	handle *dce.Handle
	sink   events.Sink
	logger *log.Logger

	cfg uart.Config

	modeMu sync.Mutex
	mode   dce.Mode

	lineBuf []byte // command-mode reassembly buffer
	deframe *cmux.Deframer // CMUX/PPP-mode reassembly buffer

	rv *rendezvous

	sendMu  sync.Mutex // serializes the send surface and the scratch buffer
	scratch []byte

	recvMu sync.RWMutex
	recvCB ReceiveFunc

	stats Stats

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config bundles the construction-time dependencies of a DTE.
type Config struct {
	Port   uart.Port
	UART   uart.Config
	Sink   events.Sink // defaults to events.NopSink{} if nil
	Logger *log.Logger // defaults to a package logger if nil
}

// New creates a DTE bound to port, allocates its reassembly buffers,
// registers line-pattern detection on '\n', emits the CMUX close-down
// teardown sequence so a previously-muxed modem returns to raw AT, and
// spawns its single reader task.
func New(cfg Config) (*DTE, error) {
	if cfg.Port == nil {
		return nil, errors.New("dte: nil port")
	}
	sink := cfg.Sink
	if sink == nil {
		sink = events.NopSink{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default().With("component", "dte")
	}

	uartCfg := cfg.UART
	if uartCfg.LineBufferSize <= 0 {
		uartCfg = uart.DefaultConfig()
	}
	if err := cfg.Port.Configure(uartCfg); err != nil {
		return nil, errors.Wrap(err, "dte: configure uart")
	}

	d := &DTE{
		port:    cfg.Port,
		handle:  dce.NewHandle(),
		sink:    sink,
		logger:  logger,
		cfg:     uartCfg,
		mode:    dce.ModeCommand,
		lineBuf: make([]byte, uartCfg.LineBufferSize),
		deframe: cmux.NewDeframer(uartCfg.LineBufferSize),
		rv:      newRendezvous(),
		scratch: make([]byte, 0, 6+cmux.MaxPayload),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if err := d.port.EnablePatternDetection('\n', 1); err != nil {
		return nil, errors.Wrap(err, "dte: enable pattern detection")
	}

	d.emitCloseDown()

	go d.readerLoop()

	return d, nil
}

// emitCloseDown writes the teardown sequence: a stray "+++" escape
// followed by the 8-byte CMUX CLD, returning a previously muxed modem to
// a known raw-AT state before this DTE starts talking.
func (d *DTE) emitCloseDown() {
	d.port.Write([]byte("+++"))
	cld := []byte{0xF9, 0x03, 0xEF, 0x05, 0xC3, 0x01, 0xF2, 0xF9}
	d.port.Write(cld)
}

// Handle returns the DCE handle this DTE dispatches to. A DCE
// implementation binds to a DTE by wiring its own callbacks onto this
// Handle and, conversely, holding a reference back to the DTE so it can
// call ProcessCmdDone: a mutual, non-owning reference in both directions.
func (d *DTE) Handle() *dce.Handle { return d.handle }

// SetReceiveCallback installs the PPP-data callback for DLCI 1 payload
// bytes.
func (d *DTE) SetReceiveCallback(f ReceiveFunc) {
	d.recvMu.Lock()
	d.recvCB = f
	d.recvMu.Unlock()
}

func (d *DTE) receiveCallback() ReceiveFunc {
	d.recvMu.RLock()
	defer d.recvMu.RUnlock()
	return d.recvCB
}

// ProcessCmdDone is called by the DCE, from within the reader task's
// dispatch of a response frame or line, to release a caller blocked in
// the send surface.
func (d *DTE) ProcessCmdDone() {
	d.handle.SetState(dce.StateSuccess)
	d.rv.signal()
}

// ProcessCmdFailed is the DCE's counterpart to ProcessCmdDone for a
// recognized error response (e.g. "ERROR" or "+CME ERROR: ..."): it
// still releases the caller, but leaves the DCE state as StateFail so
// the caller's error path can inspect it.
func (d *DTE) ProcessCmdFailed() {
	d.handle.SetState(dce.StateFail)
	d.rv.signal()
}

// Stats returns a snapshot of the reader's running counters.
func (d *DTE) Stats() Snapshot { return d.stats.snapshot() }

// Mode returns the DTE's current mode-controller state.
func (d *DTE) Mode() dce.Mode {
	d.modeMu.Lock()
	defer d.modeMu.Unlock()
	return d.mode
}

// Close tears down the reader task and releases the UART port, in
// reverse order of New's acquisitions. Close assumes no caller is
// currently blocked on the rendezvous.
func (d *DTE) Close() error {
	close(d.stopCh)
	<-d.doneCh
	return d.port.Close()
}
