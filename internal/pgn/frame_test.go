package pgn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum(t *testing.T) {
	assert.Equal(t, byte(0), Checksum(nil))
	assert.Equal(t, byte(6), Checksum([]byte{1, 2, 3}))
	// Sum truncates to one byte.
	assert.Equal(t, byte(0x2C), Checksum([]byte{0xFF, 0xFF, 0x2E}))
}

func TestBuildParseRoundTrip(t *testing.T) {
	data := []byte{0x10, 0x20, 0x30}
	buf := Build(SrcSteerModule, PGNStatus, data)

	frame, err := Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, byte(SrcSteerModule), frame.Src)
	assert.Equal(t, byte(PGNStatus), frame.PGN)
	assert.Equal(t, data, frame.Data)
}

func TestBuildCRCMatchesSum(t *testing.T) {
	// Every built frame carries CRC = sum(src..data) & 0xFF.
	buf := Build(0x7D, PGNStatus, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	expected := Checksum(buf[2 : len(buf)-1])
	assert.Equal(t, expected, buf[len(buf)-1])
}

func TestParseBadMagic(t *testing.T) {
	buf := Build(0x7D, PGNStatus, []byte{1})
	buf[0] = 0x55
	_, err := Parse(buf)
	assert.Equal(t, ErrBadMagic, err)
}

func TestParseLengthMismatch(t *testing.T) {
	buf := Build(0x7D, PGNStatus, []byte{1, 2, 3})
	buf[4] = 7 // claims more payload than present
	_, err := Parse(buf)
	assert.Equal(t, ErrBadLength, err)

	_, err = Parse([]byte{0x80, 0x81, 0x7D})
	assert.Equal(t, ErrBadLength, err)
}

func TestParseBadCRC(t *testing.T) {
	buf := Build(0x7D, PGNSteerData, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	buf[len(buf)-1] ^= 0xFF
	_, err := Parse(buf)
	assert.Equal(t, ErrBadCRC, err)
}

func TestParseFixedCRCForAgIOPGNs(t *testing.T) {
	// Hello/subnet/scan arrive with the fixed CRC byte regardless of sum.
	for _, pgnID := range []byte{PGNHello, PGNSubnetChange, PGNScanRequest} {
		buf := Build(0x7F, pgnID, []byte{1, 2, 3, 4, 5})
		buf[len(buf)-1] = 0x47
		frame, err := Parse(buf)
		require.NoError(t, err, "pgn %d", pgnID)
		assert.Equal(t, pgnID, frame.PGN)

		buf[len(buf)-1] = 0x48
		_, err = Parse(buf)
		assert.Equal(t, ErrBadCRC, err, "pgn %d", pgnID)
	}
}

func TestIsBroadcast(t *testing.T) {
	assert.True(t, IsBroadcast(PGNHello))
	assert.True(t, IsBroadcast(PGNScanRequest))
	assert.False(t, IsBroadcast(PGNSubnetChange))
	assert.False(t, IsBroadcast(PGNSteerData))
}
