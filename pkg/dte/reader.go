package dte

import (
	"time"

	"github.com/librescoot/modem-dte/pkg/cmux"
	"github.com/librescoot/modem-dte/pkg/dce"
	"github.com/librescoot/modem-dte/pkg/events"
	"github.com/librescoot/modem-dte/pkg/uart"
)

const (
	eventWait    = 100 * time.Millisecond
	ioReadWindow = 100 * time.Millisecond
)

// readerLoop is the DTE's single long-running task. It pulls events from
// the UART driver, delegates to the line scanner or CMUX deframer
// depending on mode, and invokes registered handlers. It terminates only
// at DTE destruction (Close), never on its own.
func (d *DTE) readerLoop() {
	defer close(d.doneCh)
	readBuf := make([]byte, d.cfg.RXBufferSize)
	if len(readBuf) == 0 {
		readBuf = make([]byte, 4096)
	}

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		select {
		case <-d.stopCh:
			return
		case ev, ok := <-d.port.Events():
			if !ok {
				return
			}
			d.handleEvent(ev, readBuf)
		case <-time.After(eventWait):
			// Nothing arrived within the poll window; loop back and
			// check for shutdown.
		}
	}
}

func (d *DTE) handleEvent(ev uart.Event, readBuf []byte) {
	switch ev.Kind {
	case uart.EventPatternDetected:
		d.handleLinePattern()
	case uart.EventData:
		d.handleData(ev, readBuf)
	case uart.EventFIFOOverflow, uart.EventBufferFull:
		if err := d.port.Flush(); err != nil {
			d.logger.Warn("flush after overflow failed", "err", err)
		}
		d.drainEvents() // discard whatever else piled up behind the overflow
	case uart.EventBreak:
		d.logger.Warn("uart BREAK detected")
	case uart.EventParityError:
		d.logger.Warn("uart parity error")
	case uart.EventFrameError:
		d.logger.Warn("uart frame error")
	}
}

// drainEvents discards any events already queued, the closest Go
// equivalent to "reset the event queue" on a FreeRTOS queue.
func (d *DTE) drainEvents() {
	for {
		select {
		case <-d.port.Events():
		default:
			return
		}
	}
}

// handleLinePattern implements the Command-mode PATTERN_DETECTED path.
func (d *DTE) handleLinePattern() {
	pos, ok := d.port.PopPatternPosition()
	if !ok {
		if err := d.port.Flush(); err != nil {
			d.logger.Warn("flush after pattern queue overflow failed", "err", err)
		}
		d.logger.Warn("pattern position queue overflow")
		return
	}

	n := pos + 1
	if n > len(d.lineBuf)-1 {
		n = len(d.lineBuf) - 1
	}
	got, err := d.port.Read(d.lineBuf[:n], ioReadWindow)
	if err != nil {
		d.logger.Warn("read after pattern detect failed", "err", err)
		return
	}
	if got == 0 {
		return
	}

	line := string(d.lineBuf[:got])
	line = trimTrailingNewline(line)
	if isBlankLine(line) {
		return
	}

	d.dispatchLine(line)
}

// trimTrailingNewline strips a single trailing '\n', mirroring the
// source's in-place null-termination at the pattern position.
func trimTrailingNewline(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\n' {
		return s[:len(s)-1]
	}
	return s
}

// isBlankLine reports whether s has no content beyond CR/LF: such lines
// are never forwarded to handle_line.
func isBlankLine(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != '\r' && s[i] != '\n' {
			return false
		}
	}
	return true
}

// dispatchLine delivers a Command-mode line to the registered handler,
// or publishes UNKNOWN_LINE if none is registered or it fails.
func (d *DTE) dispatchLine(line string) {
	handler := d.handle.LineHandler()
	if handler == nil {
		d.stats.incUnknown()
		d.sink.Publish(events.Event{Kind: events.UnknownLine, Payload: line})
		return
	}
	if err := handler(line); err != nil {
		d.stats.incUnknown()
		d.sink.Publish(events.Event{Kind: events.UnknownLine, Payload: line})
		return
	}
	d.stats.incLine()
}

// handleData implements the CMUX/PPP-mode DATA path.
func (d *DTE) handleData(ev uart.Event, readBuf []byte) {
	want := ev.Size
	if want <= 0 {
		want = d.port.BufferedLen()
	}
	if want <= 0 {
		return
	}
	if want > len(readBuf) {
		want = len(readBuf)
	}
	n, err := d.port.Read(readBuf[:want], ioReadWindow)
	if err != nil || n == 0 {
		return
	}

	if d.deframe.Resyncing() && readBuf[0] == cmux.SOF {
		// New bytes restart at an SOF: discard the non-SOF prefix left
		// over from earlier ingress events.
		d.deframe.Reset()
		d.stats.incResync()
	}

	appended := d.deframe.Append(readBuf[:n])
	if appended < n {
		d.logger.Warn("reassembly buffer full, dropping overflow bytes", "dropped", n-appended)
	}

	if d.deframe.Resyncing() {
		// The first byte isn't an SOF; no extractable frame exists until
		// a later ingress event starts with an SOF and the prefix above
		// is discarded. Leave the buffer as-is.
		return
	}

	frames, err := d.deframe.ExtractAll()
	if err != nil {
		d.stats.incResync()
		d.logger.Warn("cmux framing error, awaiting resync", "err", err)
	}
	for _, f := range frames {
		d.dispatchCMUXFrame(f)
	}
}

// dispatchCMUXFrame implements the frame dispatch rules of
// handle_cmux_frame.
func (d *DTE) dispatchCMUXFrame(f *cmux.Frame) {
	d.stats.incFrames()

	if handler := d.handle.TakeFrameHandler(); handler != nil {
		frame := dce.CMUXFrame{DLCI: f.DLCI, Control: f.Control, Payload: f.Payload}
		if err := handler(frame); err != nil {
			d.logger.Warn("one-shot cmux frame handler failed", "dlci", f.DLCI, "err", err)
		}
		return
	}

	isUIH := f.Type() == cmux.UIH

	switch {
	case isUIH && f.DLCI == DLCIData && d.handle.LineHandler() != nil && len(f.Payload) > 2:
		// Post-dial CONNECT text on the data channel: one-shot. Payload
		// starts two bytes in (skipping the leading CRLF) and keeps its
		// own trailing CRLF; callers comparing against a bare "CONNECT
		// 115200" should trim it themselves.
		text := string(f.Payload[2:])
		handler := d.handle.TakeLineHandler()
		d.deliverLine(handler, text)

	case isUIH && f.DLCI == DLCIAT && d.handle.LineHandler() != nil:
		var text string
		if len(f.Payload) > 2 {
			text = string(f.Payload[2:])
		}
		if len(text) > 2 {
			d.deliverLine(d.handle.LineHandler(), text)
		}

	case isUIH && f.DLCI == DLCIData && len(f.Payload) > 0 && d.receiveCallback() != nil:
		d.receiveCallback()(f.Payload)

	default:
		if f.DLCI != DLCIControl {
			d.logger.Warn("unknown cmux dispatch state", "dlci", f.DLCI, "control", f.Control)
		}
	}
}

func (d *DTE) deliverLine(handler dce.LineHandler, text string) {
	if handler == nil {
		d.stats.incUnknown()
		d.sink.Publish(events.Event{Kind: events.UnknownLine, Payload: text})
		return
	}
	if err := handler(text); err != nil {
		d.stats.incUnknown()
		d.sink.Publish(events.Event{Kind: events.UnknownLine, Payload: text})
		return
	}
	d.stats.incLine()
}
