package dce

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// ErrError is returned when the modem answers a command with a bare ERROR.
var ErrError = errors.New("dce: ERROR")

// CMEError is a "+CME ERROR: <text>" response.
type CMEError string

func (e CMEError) Error() string { return "dce: CME error: " + string(e) }

// CMSError is a "+CMS ERROR: <text>" response.
type CMSError string

func (e CMSError) Error() string { return "dce: CMS error: " + string(e) }

// newStatusError classifies a final status line, returning nil for "OK".
func newStatusError(line string) error {
	switch {
	case line == "OK":
		return nil
	case strings.HasPrefix(line, "+CME ERROR:"):
		return CMEError(strings.TrimSpace(line[len("+CME ERROR:"):]))
	case strings.HasPrefix(line, "+CMS ERROR:"):
		return CMSError(strings.TrimSpace(line[len("+CMS ERROR:"):]))
	case strings.HasPrefix(line, "ERROR"):
		return ErrError
	default:
		return nil // not a final status line at all
	}
}

// Sender is the subset of the DTE's send surface the reference DCE drives.
// Defined here, rather than importing pkg/dte, to keep dce the lower-level
// package dte depends on (the DCE observes the DTE, not the reverse).
type Sender interface {
	SendCmd(text string, timeout time.Duration) error
	SendCMUXCmd(text string, timeout time.Duration) error
	SendSABM(dlci uint8, timeout time.Duration) error
	ProcessCmdDone()
	ProcessCmdFailed()
}

// Timeout budgets: 1.5s default, 5s for a mode-change command (SABM
// establishment), 75s for an operator query, 90s for hangup.
const (
	defaultCmdTimeout    = 1500 * time.Millisecond
	sabmTimeout          = 5 * time.Second
	operatorQueryTimeout = 75 * time.Second
	hangupTimeout        = 90 * time.Second
)

// Reference is a minimal DCE sufficient to drive end-to-end scenarios: it
// recognizes OK/ERROR/+CME/+CMS status lines, completes the rendezvous
// accordingly, and implements the four operational callbacks of a Handle
// (SetWorkingMode, SetupCMUX, HangUp, DefinePDPContext), the first two of
// which a DTE's mode controller invokes. Vendor-specific AT dialects are out of scope; this
// covers the DTE/DCE boundary, not a complete modem driver.
type Reference struct {
	handle *Handle
	dte    Sender
	logger *log.Logger

	pending []string // info lines collected since the last final status line
}

// NewReference creates a Reference DCE bound to handle and dte, and wires
// the Handle's operational callbacks to this DCE's methods.
func NewReference(handle *Handle, dte Sender, logger *log.Logger) *Reference {
	if logger == nil {
		logger = log.Default().With("component", "dce")
	}
	r := &Reference{handle: handle, dte: dte, logger: logger}
	handle.SetWorkingMode = func(m Mode) { r.logger.Debug("working mode changed", "mode", m) }
	handle.SetupCMUX = r.SetupCMUX
	handle.HangUp = r.HangUp
	handle.DefinePDPContext = r.DefinePDPContext
	handle.SetLineHandler(r.handleLine)
	return r
}

// handleLine is the reusable AT-channel line handler: it classifies each
// line as info, a final OK, or an error, and completes the rendezvous on
// the final status line.
func (r *Reference) handleLine(line string) error {
	line = strings.TrimSpace(line)
	if err := newStatusError(line); line == "OK" || err != nil {
		if err != nil {
			r.logger.Warn("command failed", "err", err)
			r.dte.ProcessCmdFailed()
		} else {
			r.dte.ProcessCmdDone()
		}
		r.pending = nil
		return nil
	}
	r.pending = append(r.pending, line)
	return nil
}

// Execute issues cmd (without the "AT" prefix or line terminator) and
// blocks for up to timeout, returning any info lines collected before the
// final status.
func (r *Reference) Execute(ctx context.Context, cmd string, timeout time.Duration) ([]string, error) {
	r.handle.SetLineHandler(r.handleLine)
	full := "AT" + cmd + "\r"

	var err error
	switch r.handle.Mode() {
	case ModeCMUX:
		err = r.dte.SendCMUXCmd(full, timeout)
	default:
		err = r.dte.SendCmd(full, timeout)
	}

	info := r.pending
	r.pending = nil
	if err != nil {
		return info, err
	}
	return info, nil
}

// SetupCMUX establishes the control, data and AT logical channels in turn
// (SABM/UA on DLCI 0, 1, 2), the sequence required before a DTE can be
// considered "in CMUX mode".
func (r *Reference) SetupCMUX() error {
	const uaFrame, pfBit byte = 0x63, 0x10
	for _, dlci := range []uint8{0, 1, 2} {
		dlci := dlci
		r.handle.SetFrameHandler(func(f CMUXFrame) error {
			if f.DLCI != dlci || f.Control&^pfBit != uaFrame {
				r.dte.ProcessCmdFailed()
				return errors.Errorf("dce: expected UA on dlci %d, got control 0x%02x on dlci %d", dlci, f.Control, f.DLCI)
			}
			r.dte.ProcessCmdDone()
			return nil
		})
		if err := r.dte.SendSABM(dlci, sabmTimeout); err != nil {
			return errors.Wrapf(err, "dce: establish dlci %d", dlci)
		}
	}
	return nil
}

// HangUp issues ATH to terminate any active call. Hangup gets a 90s
// timeout budget, longer than an ordinary command, since the modem may
// be mid-call-teardown on the network side.
func (r *Reference) HangUp() error {
	_, err := r.Execute(context.Background(), "H", hangupTimeout)
	return err
}

// DefinePDPContext issues AT+CGDCONT=<cid>,"<type>","<apn>".
func (r *Reference) DefinePDPContext(cid int, pdpType, apn string) error {
	cmd := fmt.Sprintf("+CGDCONT=%d,%q,%q", cid, pdpType, apn)
	_, err := r.Execute(context.Background(), cmd, defaultCmdTimeout)
	return err
}

// QueryOperator issues AT+COPS? and returns the first raw info line, e.g.
// "+COPS: 0,0,\"Carrier\",7", using the 75s timeout budget an operator
// query is allotted on a cold-registration network.
func (r *Reference) QueryOperator(ctx context.Context) (string, error) {
	info, err := r.Execute(ctx, "+COPS?", operatorQueryTimeout)
	if err != nil {
		return "", err
	}
	if len(info) == 0 {
		return "", nil
	}
	return info[0], nil
}

// Dial issues the fixed PPP dial string over the data channel and returns
// once the CONNECT text has been dispatched to this DCE's one-shot line
// handler. The caller is expected to have already transitioned the DTE
// to CMUX mode.
func (r *Reference) Dial(timeout time.Duration) error {
	connected := make(chan string, 1)
	r.handle.SetLineHandler(func(text string) error {
		connected <- text
		r.dte.ProcessCmdDone()
		return nil
	})
	if err := r.dte.SendCMUXCmd("ATD*99***1#\r", timeout); err != nil {
		return errors.Wrap(err, "dce: dial")
	}
	select {
	case text := <-connected:
		if !strings.HasPrefix(strings.TrimSpace(text), "CONNECT") {
			return errors.Errorf("dce: unexpected dial response %q", text)
		}
		return nil
	default:
		return errors.New("dce: dial completed without a CONNECT response")
	}
}
