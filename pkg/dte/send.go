package dte

import (
	"time"

	"github.com/pkg/errors"

	"github.com/librescoot/modem-dte/pkg/cmux"
	"github.com/librescoot/modem-dte/pkg/dce"
)

// afterSendSleep is the brief settle time inserted between writing a
// framed CMUX command and blocking on the rendezvous.
const afterSendSleep = 100 * time.Millisecond

// finishSend clears the one-shot handler slots on every return path and
// translates the rendezvous outcome and DCE state into an error.
func (d *DTE) finishSend(signaled bool) error {
	defer func() {
		d.handle.ClearLineHandler()
		d.handle.ClearFrameHandler()
	}()
	if !signaled {
		d.stats.incTimeout()
		return ErrTimeout
	}
	if d.handle.State() == dce.StateFail {
		return errors.New("dte: command failed")
	}
	return nil
}

// SendCmd writes text verbatim to the UART (Command mode) and blocks for
// up to timeout on the rendezvous.
func (d *DTE) SendCmd(text string, timeout time.Duration) error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	d.handle.SetState(dce.StateProcessing)
	d.rv.drain()
	if _, err := d.port.Write([]byte(text)); err != nil {
		d.handle.ClearLineHandler()
		d.handle.ClearFrameHandler()
		return errors.Wrap(err, "dte: write command")
	}
	return d.finishSend(d.rv.wait(timeout))
}

// SendCMUXCmd writes text framed as a UIH CMUX command, except that the
// fixed PPP dial string routes over the data channel (DLCI 1) instead of
// the AT channel (DLCI 2) so its CONNECT response lands there.
func (d *DTE) SendCMUXCmd(text string, timeout time.Duration) error {
	dlci := DLCIAT
	if text == dialString {
		dlci = DLCIData
	}

	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	d.handle.SetState(dce.StateProcessing)
	d.rv.drain()

	d.scratch = d.scratch[:0]
	frame, err := cmux.AppendFrame(d.scratch, dlci, cmux.UIH, []byte(text))
	if err != nil {
		d.handle.ClearLineHandler()
		d.handle.ClearFrameHandler()
		return errors.Wrap(err, "dte: build cmux command frame")
	}
	d.scratch = frame

	if _, err := d.port.Write(frame); err != nil {
		d.handle.ClearLineHandler()
		d.handle.ClearFrameHandler()
		return errors.Wrap(err, "dte: write cmux command")
	}
	time.Sleep(afterSendSleep)
	return d.finishSend(d.rv.wait(timeout))
}

// SendSABM writes the 6-byte SABM establishment frame for dlci and
// blocks for up to timeout on the rendezvous. setup_cmux typically
// registers a one-shot frame handler awaiting the peer's UA before
// calling this.
func (d *DTE) SendSABM(dlci uint8, timeout time.Duration) error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	d.handle.SetState(dce.StateProcessing)
	d.rv.drain()

	frame, err := cmux.BuildSABM(dlci)
	if err != nil {
		d.handle.ClearLineHandler()
		d.handle.ClearFrameHandler()
		return errors.Wrap(err, "dte: build sabm frame")
	}
	if _, err := d.port.Write(frame); err != nil {
		d.handle.ClearLineHandler()
		d.handle.ClearFrameHandler()
		return errors.Wrap(err, "dte: write sabm frame")
	}
	return d.finishSend(d.rv.wait(timeout))
}

// SendData writes raw bytes directly to the UART (PPP mode passthrough),
// returning the number of bytes written. There is no rendezvous: PPP
// payload is not a request/response protocol.
func (d *DTE) SendData(data []byte) (int, error) {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	n, err := d.port.Write(data)
	if err != nil {
		return n, errors.Wrap(err, "dte: write raw data")
	}
	return n, nil
}

// SendCMUXData fragments data into UIH frames on DLCI 1 with payload
// length <= cmux.MaxPayload each, writing them sequentially, and returns
// len(data) on success (ceil(len/127) frames emitted).
func (d *DTE) SendCMUXData(data []byte) (int, error) {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	for off := 0; off < len(data); off += cmux.MaxPayload {
		end := off + cmux.MaxPayload
		if end > len(data) {
			end = len(data)
		}
		d.scratch = d.scratch[:0]
		frame, err := cmux.AppendFrame(d.scratch, DLCIData, cmux.UIH, data[off:end])
		if err != nil {
			return off, errors.Wrap(err, "dte: build cmux data frame")
		}
		d.scratch = frame
		if _, err := d.port.Write(frame); err != nil {
			return off, errors.Wrap(err, "dte: write cmux data frame")
		}
	}
	return len(data), nil
}

// SendWait temporarily disables pattern detection, writes data, then
// synchronously reads len(prompt) bytes from the UART within timeout and
// compares them to prompt. Pattern detection is re-enabled on every exit
// path: success, mismatch, timeout, or write failure.
func (d *DTE) SendWait(data []byte, prompt string, timeout time.Duration) (bool, error) {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	if err := d.port.DisablePatternDetection(); err != nil {
		return false, errors.Wrap(err, "dte: disable pattern detection")
	}
	defer func() {
		if err := d.port.EnablePatternDetection('\n', 1); err != nil {
			d.logger.Warn("failed to re-enable pattern detection after send_wait", "err", err)
		}
	}()

	if _, err := d.port.Write(data); err != nil {
		return false, errors.Wrap(err, "dte: write send_wait payload")
	}

	buf := make([]byte, len(prompt))
	got := 0
	deadline := time.Now().Add(timeout)
	for got < len(buf) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			d.stats.incTimeout()
			return false, ErrTimeout
		}
		n, err := d.port.Read(buf[got:], remaining)
		if err != nil {
			d.stats.incTimeout()
			return false, ErrTimeout
		}
		got += n
	}

	return string(buf) == prompt, nil
}
