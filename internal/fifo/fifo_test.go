package fifo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteReadRoundTrip(t *testing.T) {
	f := New(8)
	n := f.Write([]byte("hello"))
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, f.Occupied())
	assert.Equal(t, 3, f.Space())

	buf := make([]byte, 5)
	read := f.Read(buf)
	assert.Equal(t, 5, read)
	assert.Equal(t, "hello", string(buf))
	assert.Equal(t, 0, f.Occupied())
}

func TestWriteStopsWhenFull(t *testing.T) {
	f := New(4)
	n := f.Write([]byte("abcdef"))
	assert.Equal(t, 4, n)
	assert.Equal(t, 0, f.Space())
}

func TestResetEmptiesQueue(t *testing.T) {
	f := New(4)
	f.Write([]byte("ab"))
	f.Reset()
	assert.Equal(t, 0, f.Occupied())
	assert.Equal(t, 4, f.Space())
}

func TestWrapAround(t *testing.T) {
	f := New(4)
	f.Write([]byte("abcd"))
	buf := make([]byte, 2)
	f.Read(buf)
	f.Write([]byte("ef"))

	out := make([]byte, 4)
	n := f.Read(out)
	assert.Equal(t, 4, n)
	assert.Equal(t, "cdef", string(out))
}

func TestExactCapacityBoundary(t *testing.T) {
	f := New(10)
	n := f.Write(make([]byte, 10))
	assert.Equal(t, 10, n)
	assert.Equal(t, 0, f.Space())

	f2 := New(10)
	n2 := f2.Write(make([]byte, 9))
	assert.Equal(t, 9, n2)
	assert.Equal(t, 1, f2.Space())
}
