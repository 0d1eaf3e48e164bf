// Package cmux implements 3GPP TS 27.010 CMUX framing: encoding outbound
// frames and scanning an inbound byte stream for complete frames bounded
// by the 0xF9 start-of-frame marker. Only the single-byte length
// encoding (EA=1, payload length <= 127) is supported.
package cmux

import (
	"github.com/pkg/errors"

	"github.com/librescoot/modem-dte/pkg/crc8"
)

// SOF is the CMUX start/end-of-frame marker.
const SOF byte = 0xF9

// Address field bits.
const (
	EA byte = 0x01 // extension bit, always set (single-byte length/address)
	CR byte = 0x02 // command/response bit, always set by this DTE
)

// Control field frame types, and the poll/final bit that may be OR'd in.
const (
	PF   byte = 0x10
	SABM byte = 0x2F
	UA   byte = 0x63
	DM   byte = 0x0F
	DISC byte = 0x43
	UIH  byte = 0xEF
)

// MaxPayload is the largest payload a single-byte-length frame can carry.
const MaxPayload = 127

// Frame is a decoded CMUX frame.
type Frame struct {
	DLCI    uint8
	Control byte
	Payload []byte
}

// Type strips the poll/final bit, returning the base frame type.
func (f Frame) Type() byte { return f.Control &^ PF }

// Poll reports whether the poll/final bit is set.
func (f Frame) Poll() bool { return f.Control&PF != 0 }

var (
	// ErrDLCIRange is returned when a DLCI does not fit the 6-bit address field.
	ErrDLCIRange = errors.New("cmux: dlci out of range (0-63)")
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayload.
	ErrPayloadTooLarge = errors.New("cmux: payload exceeds single-byte length encoding")
)

// address builds the address byte: (dlci<<2)|CR|EA.
func address(dlci uint8) (byte, error) {
	if dlci > 63 {
		return 0, ErrDLCIRange
	}
	return (dlci << 2) | CR | EA, nil
}

// Encode produces the on-wire byte sequence for a frame: SOF, address,
// control, length, payload, FCS, SOF.
func Encode(dlci uint8, control byte, payload []byte) ([]byte, error) {
	return AppendFrame(nil, dlci, control, payload)
}

// AppendFrame appends the on-wire byte sequence for a frame to dst and
// returns the extended slice, the way append() works. Passing a scratch
// slice sliced to zero length (buf[:0]) lets a caller that serializes its
// sends — as the DTE send surface does, to avoid heap-allocating each
// outgoing frame — reuse one backing array across every send instead of
// allocating per frame.
func AppendFrame(dst []byte, dlci uint8, control byte, payload []byte) ([]byte, error) {
	addr, err := address(dlci)
	if err != nil {
		return dst, err
	}
	if len(payload) > MaxPayload {
		return dst, ErrPayloadTooLarge
	}
	length := byte(len(payload)<<1) | EA
	header := [3]byte{addr, control, length}
	fcs := crc8.FCS(header[:])

	dst = append(dst, SOF)
	dst = append(dst, header[:]...)
	dst = append(dst, payload...)
	dst = append(dst, fcs, SOF)
	return dst, nil
}

// BuildSABM builds the fixed 6-byte establishment frame for dlci:
// F9 ((dlci<<2)|0x03) 0x3F 0x01 <FCS> F9. Control is SABM|PF (0x3F), not
// the bare 0x2F some command tables abbreviate it as: an establishment
// frame always polls for the peer's UA, so the poll/final bit is set.
// The length byte encodes a zero-length payload ((0<<1)|EA == 0x01); the
// frame carries no payload bytes of its own, matching the 6-byte wire
// layout observed on real CMUX peers (see DESIGN.md for the
// stray-payload-byte note).
func BuildSABM(dlci uint8) ([]byte, error) {
	return Encode(dlci, SABM|PF, nil)
}

// BuildUIH builds a UIH (unnumbered information, header check) frame
// carrying payload, used for AT-command traffic (DLCI 2) and PPP/IP data
// (DLCI 1).
func BuildUIH(dlci uint8, payload []byte) ([]byte, error) {
	return Encode(dlci, UIH, payload)
}

// BuildDISC builds a disconnect frame for dlci.
func BuildDISC(dlci uint8) ([]byte, error) {
	return Encode(dlci, DISC|PF, nil)
}
