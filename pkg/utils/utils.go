package utils

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
	"strings"
)

type Uint interface {
	uint8 | uint16 | uint32 | uint64
}

func CountrZero[T Uint](n T) int {
	switch any(n).(type) {
	case uint8:
		return bits.TrailingZeros8(uint8(n))
	case uint16:
		return bits.TrailingZeros16(uint16(n))
	case uint32:
		return bits.TrailingZeros32(uint32(n))
	case uint64:
		return bits.TrailingZeros64(uint64(n))
	}

	panic("unreachable")
}

func CountlZero[T Uint](n T) int {
	switch any(n).(type) {
	case uint8:
		return bits.LeadingZeros8(uint8(n))
	case uint16:
		return bits.LeadingZeros16(uint16(n))
	case uint32:
		return bits.LeadingZeros32(uint32(n))
	case uint64:
		return bits.LeadingZeros64(uint64(n))
	}

	panic("unreachable")
}

func hasSingleBit(n uint64) bool {
	return n&(n-1) == 0
}

func BitCeil(val uint64) uint64 {
	if hasSingleBit(val) {
		return val
	}
	return 1 << (64 - CountlZero(val))
}

// Assert panics with an internal error when condition does not hold.
// The linker recovers it at the top of the pipeline.
func Assert(condition bool, format string, args ...any) {
	if !condition {
		panic(fmt.Errorf("assertion failed: "+format, args...))
	}
}

func AlignTo(val, align uint64) uint64 {
	if align == 0 {
		return val
	}
	return (val + align - 1) & ^(align - 1)
}

// AlignDown rounds val down to a multiple of align.
func AlignDown(val, align uint64) uint64 {
	if align == 0 {
		return val
	}
	return val & ^(align - 1)
}

func AllZeros(bs []byte) bool {
	b := byte(0)
	for _, s := range bs {
		b |= s
	}
	return b == 0
}

// Read decodes a fixed-size value from the front of data.
func Read[T any](data []byte, order binary.ByteOrder) (val T) {
	reader := bytes.NewReader(data)
	if err := binary.Read(reader, order, &val); err != nil {
		panic(fmt.Errorf("short read of %T: %w", val, err))
	}
	return
}

// Write encodes e into the front of data.
func Write[T any](data []byte, order binary.ByteOrder, e T) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, order, e); err != nil {
		panic(fmt.Errorf("write of %T: %w", e, err))
	}
	copy(data, buf.Bytes())
}

func Bit[T Uint](val T, pos int) T {
	return (val >> pos) & 1
}

func Bits[T Uint](val T, hi T, lo T) T {
	return (val >> lo) & ((1 << (hi - lo + 1)) - 1)
}

func SignExtend(val uint64, size int) uint64 {
	return uint64(int64(val<<(63-size)) >> (63 - size))
}

// FitsSigned reports whether val is representable as a signed integer of
// the given bit width.
func FitsSigned(val int64, width int) bool {
	if width >= 64 {
		return true
	}
	min := int64(-1) << (width - 1)
	max := int64(1)<<(width-1) - 1
	return val >= min && val <= max
}

// FitsUnsigned reports whether val is representable in width bits when
// interpreted as unsigned.
func FitsUnsigned(val uint64, width int) bool {
	if width >= 64 {
		return true
	}
	return val>>width == 0
}

func RemoveIf[T any](elems []T, condition func(T) bool) []T {
	i := 0

	for _, elem := range elems {
		if condition(elem) {
			continue
		}
		elems[i] = elem
		i++
	}
	return elems[:i]
}

func RemovePrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		s = strings.TrimPrefix(s, prefix)
		return s, true
	}
	return s, false
}

// IsCIdent reports whether s is a valid C identifier, the condition under
// which __start_/__stop_ symbols are synthesized for a section.
func IsCIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
