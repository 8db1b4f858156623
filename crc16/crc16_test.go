package crc16

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestOfAllZeroBlock(t *testing.T) {
	var data [128]byte
	assert.Equal(t, uint16(0x0000), Of(data[:]))
}

func TestOfReferenceBlock(t *testing.T) {
	// 128 bytes 0x01, 0x02, ..., 0x80 -- frozen reference vector.
	var data [128]byte
	for i := range data {
		data[i] = byte(i + 1)
	}
	assert.Equal(t, uint16(0xE7AE), Of(data[:]))
}

func TestSelfCheckProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "data")
		assert.True(t, SelfCheck(data))
	})
}

func TestAppendBigEndian(t *testing.T) {
	buf := AppendBigEndian(nil, 0x1234)
	assert.Equal(t, []byte{0x12, 0x34}, buf)
}
