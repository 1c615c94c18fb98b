package utils

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlign(t *testing.T) {
	assert.Equal(t, uint64(0), AlignTo(0, 8))
	assert.Equal(t, uint64(8), AlignTo(1, 8))
	assert.Equal(t, uint64(16), AlignTo(16, 16))
	assert.Equal(t, uint64(5), AlignTo(5, 0))
	assert.Equal(t, uint64(0x1000), AlignDown(0x1fff, 0x1000))
	assert.Equal(t, uint64(8), BitCeil(5))
	assert.Equal(t, uint64(8), BitCeil(8))
}

func TestFits(t *testing.T) {
	assert.True(t, FitsSigned(-0x80000000, 32))
	assert.False(t, FitsSigned(0x80000000, 32))
	assert.True(t, FitsSigned(0x7fffffff, 32))
	assert.True(t, FitsUnsigned(0xffffffff, 32))
	assert.False(t, FitsUnsigned(0x100000000, 32))
	assert.True(t, FitsUnsigned(1<<63, 64))
}

func TestReadWrite(t *testing.T) {
	buf := make([]byte, 8)
	Write[uint32](buf, binary.BigEndian, 0x01020304)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf[:4])
	assert.Equal(t, uint32(0x04030201), Read[uint32](buf, binary.LittleEndian))

	require.Panics(t, func() { Read[uint64](buf[:3], binary.LittleEndian) })
}

func TestBits(t *testing.T) {
	assert.Equal(t, uint32(0b101), Bits[uint32](0b1010_1000, 7, 5))
	assert.Equal(t, uint32(1), Bit[uint32](0b100, 2))
	assert.Equal(t, uint64(0xfffffffffffff800), SignExtend(0x800, 11))
	assert.Equal(t, uint64(0x7ff), SignExtend(0x7ff, 11))
}

func TestIsCIdent(t *testing.T) {
	assert.True(t, IsCIdent("my_section1"))
	assert.False(t, IsCIdent(".text"))
	assert.False(t, IsCIdent("1abc"))
	assert.False(t, IsCIdent(""))
}

func TestMapSet(t *testing.T) {
	s := NewMapSet[string]()
	assert.True(t, s.AddIfAbsent("a"))
	assert.False(t, s.AddIfAbsent("a"))
	s.Add("b")
	assert.True(t, s.Contains("b"))
	assert.Equal(t, 2, s.Len())

	got := RemoveIf([]int{1, 2, 3, 4}, func(i int) bool { return i%2 == 0 })
	assert.Equal(t, []int{1, 3}, got)
}
