package cmux_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/librescoot/modem-dte/pkg/cmux"
)

func controlGen() *rapid.Generator[byte] {
	return rapid.SampledFrom([]byte{
		cmux.SABM | cmux.PF,
		cmux.UIH,
		cmux.UIH | cmux.PF,
		cmux.DISC,
		cmux.DM,
	})
}

// Frame round-trip for every dlci in [0,63], every listed frame type, and
// payloads up to 127 bytes.
func TestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dlci := uint8(rapid.IntRange(0, 63).Draw(t, "dlci"))
		control := controlGen().Draw(t, "control")
		payload := rapid.SliceOfN(rapid.Byte(), 0, cmux.MaxPayload).Draw(t, "payload")

		wire, err := cmux.Encode(dlci, control, payload)
		require.NoError(t, err)

		d := cmux.NewDeframer(256)
		require.Equal(t, len(wire), d.Append(wire))

		frame, err := d.Extract()
		require.NoError(t, err)
		require.Equal(t, dlci, frame.DLCI)
		require.Equal(t, control, frame.Control)
		require.Equal(t, payload, frame.Payload)
		require.Equal(t, 0, d.Len())
	})
}

// Splitting any concatenation of valid frames into arbitrary byte chunks
// and feeding them to the deframer yields the same dispatch sequence as
// feeding the whole buffer at once.
func TestStreamingSplitsDontMatter(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 5).Draw(t, "n")
		var whole []byte
		var wantDLCI []uint8
		for i := 0; i < n; i++ {
			dlci := uint8(rapid.IntRange(0, 63).Draw(t, "dlci"))
			payload := rapid.SliceOfN(rapid.Byte(), 0, 20).Draw(t, "payload")
			wire, err := cmux.BuildUIH(dlci, payload)
			require.NoError(t, err)
			whole = append(whole, wire...)
			wantDLCI = append(wantDLCI, dlci)
		}

		chunkSize := rapid.IntRange(1, len(whole)).Draw(t, "chunkSize")
		d := cmux.NewDeframer(4096)
		var gotDLCI []uint8
		for off := 0; off < len(whole); off += chunkSize {
			end := off + chunkSize
			if end > len(whole) {
				end = len(whole)
			}
			d.Append(whole[off:end])
			if d.Resyncing() {
				continue
			}
			frames, err := d.ExtractAll()
			require.NoError(t, err)
			for _, f := range frames {
				gotDLCI = append(gotDLCI, f.DLCI)
			}
		}
		require.Equal(t, wantDLCI, gotDLCI)
	})
}

// Any prefix of garbage bytes not beginning with 0xF9 is silently
// discarded once new bytes arrive that restart at an SOF, with no
// false-positive frame dispatch in between.
func TestResyncDiscardsGarbagePrefix(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		garbage := rapid.SliceOfN(rapid.ByteMin(1), 1, 10).Draw(t, "garbage")
		for i := range garbage {
			if garbage[i] == cmux.SOF {
				garbage[i]++
			}
		}
		wire, err := cmux.BuildUIH(2, []byte("AT\r"))
		require.NoError(t, err)

		d := cmux.NewDeframer(256)
		d.Append(garbage)
		require.True(t, d.Resyncing())
		frames, err := d.ExtractAll()
		require.NoError(t, err)
		require.Empty(t, frames)

		d.Reset() // the reader resyncs by discarding the non-SOF prefix
		d.Append(wire)
		require.False(t, d.Resyncing())
		frames, err = d.ExtractAll()
		require.NoError(t, err)
		require.Len(t, frames, 1)
		require.Equal(t, uint8(2), frames[0].DLCI)
	})
}

func TestSABMWireBytes(t *testing.T) {
	// build_sabm(dlci=0) -> F9 03 3F 01 <FCS> F9. Control is SABM with the
	// poll bit set (0x2F|PF = 0x3F): an SABM establishment frame always
	// polls for the peer's UA, so the control byte carries PF, not the
	// bare 0x2F some command-summary tables abbreviate it as.
	wire, err := cmux.BuildSABM(0)
	require.NoError(t, err)
	require.Len(t, wire, 6)
	require.Equal(t, byte(0xF9), wire[0])
	require.Equal(t, byte(0x03), wire[1])
	require.Equal(t, byte(0x2F|0x10), wire[2])
	require.Equal(t, byte(0x01), wire[3])
	require.Equal(t, byte(0xF9), wire[5])
}

func TestATCommandFraming(t *testing.T) {
	// send_cmux_cmd("AT\r") on DLCI 2 -> F9 0B EF 07 'A' 'T' '\r' <FCS> F9.
	// Address is (dlci<<2)|CR|EA = (2<<2)|0x02|0x01 = 0x0B.
	wire, err := cmux.BuildUIH(2, []byte("AT\r"))
	require.NoError(t, err)
	require.Equal(t, []byte{0xF9, 0x0B, 0xEF, 0x07, 'A', 'T', '\r'}, wire[:7])
	require.Equal(t, byte(0xF9), wire[len(wire)-1])
}

func TestTruncatedFrameNeedsMoreBytes(t *testing.T) {
	// A truncated frame produces no dispatch until the rest arrives.
	wire, err := cmux.BuildUIH(2, []byte("0123456"))
	require.NoError(t, err)
	require.True(t, len(wire) > 10)

	d := cmux.NewDeframer(64)
	d.Append(wire[:5])
	_, err = d.Extract()
	require.ErrorIs(t, err, cmux.ErrNeedMore)

	d.Append(wire[5:])
	frame, err := d.Extract()
	require.NoError(t, err)
	require.Equal(t, uint8(2), frame.DLCI)
}

func TestBadTrailingSOFLeavesBufferIntact(t *testing.T) {
	// A corrupted trailing SOF produces no dispatch and does not consume
	// the buffer; once bytes resync, valid frames dispatch.
	wire, err := cmux.BuildUIH(2, []byte("AT\r"))
	require.NoError(t, err)
	corrupt := append([]byte{}, wire...)
	corrupt[len(corrupt)-1] = 0x00

	d := cmux.NewDeframer(64)
	d.Append(corrupt)
	_, err = d.Extract()
	require.ErrorIs(t, err, cmux.ErrBadTrailingSOF)
	require.Equal(t, len(corrupt), d.Len())
}

func TestAppendFrameReusesScratchBuffer(t *testing.T) {
	scratch := make([]byte, 0, 6+cmux.MaxPayload)
	first, err := cmux.AppendFrame(scratch[:0], 2, cmux.UIH, []byte("AT\r"))
	require.NoError(t, err)
	want, err := cmux.Encode(2, cmux.UIH, []byte("AT\r"))
	require.NoError(t, err)
	require.Equal(t, want, first)

	second, err := cmux.AppendFrame(scratch[:0], 1, cmux.UIH, []byte("hi"))
	require.NoError(t, err)
	want2, err := cmux.Encode(1, cmux.UIH, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, want2, second)
}

func TestDLCIOutOfRange(t *testing.T) {
	_, err := cmux.BuildUIH(64, nil)
	require.ErrorIs(t, err, cmux.ErrDLCIRange)
}

func TestPayloadTooLarge(t *testing.T) {
	_, err := cmux.BuildUIH(2, make([]byte, cmux.MaxPayload+1))
	require.ErrorIs(t, err, cmux.ErrPayloadTooLarge)
}
