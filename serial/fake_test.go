package serial

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakePortReadWrite(t *testing.T) {
	p := NewFake([]byte{0x01, 0x02})

	b, err := p.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), b)

	require.NoError(t, p.WriteByte(0xAA))
	assert.Equal(t, []byte{0xAA}, p.Sent)

	b, err = p.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x02), b)

	_, err = p.ReadByte()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestFakePortPulseRTS(t *testing.T) {
	p := NewFake(nil)
	require.NoError(t, p.PulseRTS(150*time.Millisecond))
	require.Len(t, p.RTSLog, 1)
	assert.Equal(t, 150*time.Millisecond, p.RTSLog[0])
	assert.Empty(t, p.Sent, "RTS pulse must not write to the data stream")
}

func TestSupportedBaud(t *testing.T) {
	assert.True(t, supportedBaud(9600))
	assert.False(t, supportedBaud(300))
}
