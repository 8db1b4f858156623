package xmodem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/doismellburning/qdaflash/crc16"
	"github.com/doismellburning/qdaflash/serial"
)

// buildFrame constructs a raw 133-byte SOH frame for feeding to a
// receiver-side fake port.
func buildFrame(seq byte, data []byte) []byte {
	var block [BlockSize]byte
	copy(block[:], data)
	crc := crc16.Of(block[:])
	frame := []byte{soh, seq, ^seq}
	frame = append(frame, block[:]...)
	frame = crc16.AppendBigEndian(frame, crc)
	return frame
}

func TestTransmitZeroLength(t *testing.T) {
	port := serial.NewFake([]byte{crcMode, ack})
	x := NewContext(port, nil)

	n, err := x.Transmit(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, []byte{eot}, port.Sent)
}

func TestTransmitHelloOneFramePadded(t *testing.T) {
	port := serial.NewFake([]byte{crcMode, ack, ack})
	x := NewContext(port, nil)

	data := []byte("HELLO")
	n, err := x.Transmit(data)
	require.NoError(t, err)
	assert.Equal(t, BlockSize, n)

	require.Len(t, port.Sent, 133+1) // one frame + EOT
	assert.Equal(t, soh, port.Sent[0])
	assert.Equal(t, byte(1), port.Sent[1])
	assert.Equal(t, byte(0xFE), port.Sent[2]) // ^1
	assert.Equal(t, []byte("HELLO"), port.Sent[3:8])
	assert.Equal(t, eot, port.Sent[133])
}

func TestTransmitTwoBlocksSecondPadded(t *testing.T) {
	port := serial.NewFake([]byte{crcMode, ack, ack, ack})
	x := NewContext(port, nil)

	data := make([]byte, 129)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := x.Transmit(data)
	require.NoError(t, err)
	assert.Equal(t, 256, n)
}

func TestTransmitEveryFrameSeqXorInv(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 400).Draw(t, "data")
		nBlocks := (len(data) + BlockSize - 1) / BlockSize

		queue := []byte{crcMode}
		for i := 0; i < nBlocks; i++ {
			queue = append(queue, ack)
		}
		queue = append(queue, ack) // EOT ack
		port := serial.NewFake(queue)
		x := NewContext(port, nil)

		_, err := x.Transmit(data)
		require.NoError(t, err)

		// Walk sent bytes looking for SOH frames.
		sent := port.Sent
		for i := 0; i < len(sent); {
			if sent[i] != soh {
				i++
				continue
			}
			seq := sent[i+1]
			inv := sent[i+2]
			assert.Equal(t, byte(0xFF), seq^inv)
			i += 133
		}
	})
}

func TestReceiveIntoOneFrame(t *testing.T) {
	data := []byte("HELLO")
	frame := buildFrame(1, data)
	queue := append(append([]byte{}, frame...), eot)
	port := serial.NewFake(queue)
	x := NewContext(port, nil)

	buf := make([]byte, 256)
	n, err := x.ReceiveInto(buf)
	require.NoError(t, err)
	assert.Equal(t, BlockSize, n)
	assert.Equal(t, data, buf[:len(data)])

	// First reply must be 'C', last must be ACK (for EOT).
	require.NotEmpty(t, port.Sent)
	assert.Equal(t, crcMode, port.Sent[0])
	assert.Equal(t, ack, port.Sent[len(port.Sent)-1])
}

func TestReceiveIntoDuplicateFrameDoesNotAdvance(t *testing.T) {
	frame1 := buildFrame(1, []byte("AAAA"))
	frame2 := buildFrame(2, []byte("BBBB"))
	// Simulate: frame 1 arrives, receiver ACKs (but the sender
	// "didn't see" it and retransmits frame 1 again), then frame 2.
	queue := append(append(append([]byte{}, frame1...), frame1...), frame2...)
	queue = append(queue, eot)
	port := serial.NewFake(queue)
	x := NewContext(port, nil)

	buf := make([]byte, 512)
	n, err := x.ReceiveInto(buf)
	require.NoError(t, err)
	assert.Equal(t, 2*BlockSize, n)
	assert.Equal(t, []byte("AAAA"), buf[:4])
	assert.Equal(t, []byte("BBBB"), buf[BlockSize:BlockSize+4])
}

func TestReceiveIntoSequenceWrap(t *testing.T) {
	// Feed blocks 1..255, then 0 (the 256th block), verifying it's
	// accepted as the next expected sequence after wraparound.
	var queue []byte
	for seq := 1; seq <= 255; seq++ {
		queue = append(queue, buildFrame(byte(seq), []byte{byte(seq)})...)
	}
	queue = append(queue, buildFrame(0, []byte{0xAA})...)
	queue = append(queue, eot)

	port := serial.NewFake(queue)
	x := NewContext(port, nil)
	buf := make([]byte, 256*BlockSize)
	n, err := x.ReceiveInto(buf)
	require.NoError(t, err)
	assert.Equal(t, 256*BlockSize, n)
	assert.Equal(t, byte(0xAA), buf[255*BlockSize])
}

func TestReceiveIntoCRCErrorThenCBootstrap(t *testing.T) {
	// A corrupted first block (bad CRC) before any good block has
	// been accepted: the next outgoing byte must still be 'C', not
	// NAK, because CRC-mode bootstrap hasn't completed yet.
	badFrame := buildFrame(1, []byte("X"))
	badFrame[len(badFrame)-1] ^= 0xFF // corrupt the CRC
	queue := append(append([]byte{}, badFrame...), eot)
	port := serial.NewFake(queue)
	x := NewContext(port, nil)

	buf := make([]byte, 256)
	_, err := x.ReceiveInto(buf)
	require.NoError(t, err) // EOT arrives next, ending cleanly

	// port.Sent[0] is the initial 'C'; port.Sent[1] is the reply
	// issued after the corrupted frame, which must also be 'C'.
	require.GreaterOrEqual(t, len(port.Sent), 2)
	assert.Equal(t, crcMode, port.Sent[0])
	assert.Equal(t, crcMode, port.Sent[1])
}

func TestReceiveIntoFiveConsecutiveErrorsAbort(t *testing.T) {
	badFrame := buildFrame(1, []byte("X"))
	badFrame[len(badFrame)-1] ^= 0xFF
	var queue []byte
	for i := 0; i < MaxRxErrors; i++ {
		queue = append(queue, badFrame...)
	}
	port := serial.NewFake(queue)
	x := NewContext(port, nil)

	buf := make([]byte, 256)
	_, err := x.ReceiveInto(buf)
	assert.ErrorIs(t, err, ErrTooManyErrors)
}

func TestReceiveIntoBufferTooSmall(t *testing.T) {
	frame := buildFrame(1, []byte("AAAA"))
	port := serial.NewFake(frame)
	x := NewContext(port, nil)

	buf := make([]byte, BlockSize-1)
	_, err := x.ReceiveInto(buf)
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestReceiveIntoSyncLoss(t *testing.T) {
	// Expected sequence is 1; receiver sees 5, which is neither
	// expected nor expected-1.
	frame := buildFrame(5, []byte("AAAA"))
	port := serial.NewFake(frame)
	x := NewContext(port, nil)

	buf := make([]byte, 256)
	_, err := x.ReceiveInto(buf)
	assert.ErrorIs(t, err, ErrSyncLost)
}

func TestTransmitRetransmitExhaustion(t *testing.T) {
	// 'C' arrives, but no ACK ever does.
	queue := []byte{crcMode}
	port := serial.NewFake(queue)
	x := NewContext(port, nil)

	_, err := x.Transmit([]byte("x"))
	assert.ErrorIs(t, err, ErrRetransmitExhausted)
}

func TestTransmitNoCRCMode(t *testing.T) {
	port := serial.NewFake(nil)
	x := NewContext(port, nil)

	_, err := x.Transmit([]byte("x"))
	assert.ErrorIs(t, err, ErrNoCRCMode)
}
