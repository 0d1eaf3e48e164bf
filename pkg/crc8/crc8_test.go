package crc8_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/librescoot/modem-dte/pkg/crc8"
)

// crc8_reflected(x, 0xE0, 0xFF) = 0xFF - fcs(x) for all byte sequences x;
// for a full valid frame header the reflected CRC over header+fcs equals 0xCF.
func TestFCSRelation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		header := rapid.SliceOfN(rapid.Byte(), 3, 3).Draw(t, "header")
		fcs := crc8.FCS(header)
		require.Equal(t, byte(0xFF)-crc8.Compute(header, crc8.Poly, crc8.Init, true), fcs)
		require.True(t, crc8.Valid(header, fcs))
		require.Equal(t, crc8.GoodFCS, crc8.Compute(append(append([]byte{}, header...), fcs), crc8.Poly, crc8.Init, true))
	})
}

func TestSABMHeaderFCS(t *testing.T) {
	// address=0x03 (dlci 0, CR|EA), control=SABM|PF=0x3F, length byte=0x01
	header := []byte{0x03, 0x2F | 0x10, 0x01}
	fcs := crc8.FCS(header)
	require.True(t, crc8.Valid(header, fcs))
}

func TestCorruptedFCSInvalid(t *testing.T) {
	header := []byte{0x09, 0xEF, 0x07}
	fcs := crc8.FCS(header)
	require.False(t, crc8.Valid(header, fcs^0xFF))
}
