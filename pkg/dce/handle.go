// Package dce defines the Data Communication Equipment contract the DTE
// core observes, and a minimal reference implementation sufficient to
// drive its end-to-end scenarios. AT-command semantics and modem vendor
// quirks beyond that reference are explicitly out of scope.
package dce

import "sync"

// Mode mirrors the DTE's mode controller states; the DCE observes and
// sometimes requests transitions between them.
type Mode int

const (
	ModeCommand Mode = iota
	ModeCMUX
	ModePPP
)

func (m Mode) String() string {
	switch m {
	case ModeCommand:
		return "command"
	case ModeCMUX:
		return "cmux"
	case ModePPP:
		return "ppp"
	default:
		return "unknown"
	}
}

// State is the DCE's view of the in-flight command, read and written by
// the DTE send surface.
type State int

const (
	StateProcessing State = iota
	StateSuccess
	StateFail
)

// LineHandler processes a text line delivered from the Command-mode line
// scanner or from a CONNECT/AT-channel CMUX frame. Returning an error is
// a dispatch failure: the core will publish UNKNOWN_LINE instead of
// treating the line as consumed.
type LineHandler func(text string) error

// FrameHandler processes the next raw CMUX frame received, whatever its
// DLCI; it is used during channel establishment to await the peer's UA.
type FrameHandler func(frame CMUXFrame) error

// CMUXFrame is the subset of cmux.Frame the dce package depends on,
// keeping pkg/dce free of an import of pkg/cmux.
type CMUXFrame struct {
	DLCI    uint8
	Control byte
	Payload []byte
}

// Handle is the opaque DCE handle the DTE core observes: nullable
// one-shot/reusable handler slots plus the operational callbacks a
// concrete DCE wires in. Neither the DTE nor the DCE owns the other's
// storage (a weak back-reference in both directions); a Handle is the
// shared point of contact, typically held by both sides once a DCE has
// wired its callbacks onto it.
//
// The one-shot handler slots are modeled as a mutex-guarded typed slot
// rather than a bare nullable function pointer mutated from two
// goroutines: Take* atomically reads and clears in one step so the
// reader task and a concurrently-returning send call can never both
// observe a non-nil handler for the same response.
type Handle struct {
	mu sync.Mutex

	state State
	mode  Mode

	lineHandler  LineHandler
	frameHandler FrameHandler

	// SetWorkingMode, SetupCMUX, HangUp and DefinePDPContext are the
	// operational callbacks a DCE wires in. They are ordinary fields (not
	// one-shot) set once at construction by the concrete DCE.
	SetWorkingMode   func(Mode)
	SetupCMUX        func() error
	HangUp           func() error
	DefinePDPContext func(cid int, pdpType, apn string) error
}

// NewHandle returns a Handle with no handlers registered and state Success.
func NewHandle() *Handle {
	return &Handle{state: StateSuccess, mode: ModeCommand}
}

// State returns the DCE's current command state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SetState sets the DCE's command state. The send surface sets
// StateProcessing before transmitting; the DCE (from within the reader
// task's dispatch) sets StateSuccess or StateFail before releasing the
// rendezvous.
func (h *Handle) SetState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Mode returns the DCE's last-known working mode.
func (h *Handle) Mode() Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

// SetMode records the DCE's working mode, invoked by the mode controller
// on every transition.
func (h *Handle) SetMode(m Mode) {
	h.mu.Lock()
	h.mode = m
	h.mu.Unlock()
}

// SetLineHandler installs text-line handler, replacing any existing one.
func (h *Handle) SetLineHandler(f LineHandler) {
	h.mu.Lock()
	h.lineHandler = f
	h.mu.Unlock()
}

// LineHandler returns the currently installed line handler, or nil.
func (h *Handle) LineHandler() LineHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lineHandler
}

// TakeLineHandler atomically returns and clears the line handler, the
// one-shot-consumption invariant every command path relies on.
func (h *Handle) TakeLineHandler() LineHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	f := h.lineHandler
	h.lineHandler = nil
	return f
}

// ClearLineHandler nulls the line handler without returning it, used by
// the send surface on every return path.
func (h *Handle) ClearLineHandler() {
	h.mu.Lock()
	h.lineHandler = nil
	h.mu.Unlock()
}

// SetFrameHandler installs the one-shot CMUX-frame handler used during
// channel establishment.
func (h *Handle) SetFrameHandler(f FrameHandler) {
	h.mu.Lock()
	h.frameHandler = f
	h.mu.Unlock()
}

// FrameHandler returns the currently installed frame handler, or nil.
func (h *Handle) FrameHandler() FrameHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frameHandler
}

// TakeFrameHandler atomically returns and clears the frame handler.
func (h *Handle) TakeFrameHandler() FrameHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	f := h.frameHandler
	h.frameHandler = nil
	return f
}

// ClearFrameHandler nulls the frame handler without returning it.
func (h *Handle) ClearFrameHandler() {
	h.mu.Lock()
	h.frameHandler = nil
	h.mu.Unlock()
}
