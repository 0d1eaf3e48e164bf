package dte

import (
	"github.com/librescoot/modem-dte/pkg/dce"
	"github.com/librescoot/modem-dte/pkg/events"
)

// ChangeMode drives the mode controller. Transitions reconfigure the
// UART reception discipline (line-pattern interrupts vs raw RX) and
// notify the bound DCE; a request to stay in the current mode is
// rejected.
func (d *DTE) ChangeMode(newMode dce.Mode) error {
	d.modeMu.Lock()
	defer d.modeMu.Unlock()

	if newMode == d.mode {
		return ErrModeUnchanged
	}

	switch {
	case d.mode == dce.ModeCommand && newMode == dce.ModePPP:
		d.handle.SetMode(dce.ModePPP)
		if err := d.port.DisablePatternDetection(); err != nil {
			return err
		}
		if err := d.port.EnableRXInterrupt(); err != nil {
			return err
		}
		if d.handle.SetWorkingMode != nil {
			d.handle.SetWorkingMode(dce.ModePPP)
		}
		d.sink.Publish(events.Event{Kind: events.PPPStart})

	case d.mode == dce.ModeCommand && newMode == dce.ModeCMUX:
		d.handle.SetMode(dce.ModeCMUX)
		if err := d.port.DisablePatternDetection(); err != nil {
			return err
		}
		if err := d.port.EnableRXInterrupt(); err != nil {
			return err
		}
		if d.handle.SetWorkingMode != nil {
			d.handle.SetWorkingMode(dce.ModeCMUX)
		}
		if d.handle.SetupCMUX != nil {
			if err := d.handle.SetupCMUX(); err != nil {
				return err
			}
		}

	case (d.mode == dce.ModePPP || d.mode == dce.ModeCMUX) && newMode == dce.ModeCommand:
		if err := d.port.DisableRXInterrupt(); err != nil {
			return err
		}
		if err := d.port.Flush(); err != nil {
			return err
		}
		d.deframe.Reset()
		if err := d.port.EnablePatternDetection('\n', 1); err != nil {
			return err
		}
		d.handle.SetMode(dce.ModeCommand)
		if d.handle.SetWorkingMode != nil {
			d.handle.SetWorkingMode(dce.ModeCommand)
		}
		if d.mode == dce.ModePPP {
			d.sink.Publish(events.Event{Kind: events.PPPStop})
		}

	default:
		// PPP <-> CMUX direct transitions aren't named in the transition
		// table; treat as a straight mode swap with no UART reconfig,
		// since both already run raw-RX reception.
		d.handle.SetMode(newMode)
		if d.handle.SetWorkingMode != nil {
			d.handle.SetWorkingMode(newMode)
		}
	}

	d.mode = newMode
	return nil
}
