package linker

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tlsObj returns an object whose _start is code, with an 8-byte TLS
// variable x in .tdata.
func tlsObj(code []byte, rels ...testReloc) *objBuilder {
	b := newObj()
	text := b.text(".text", code)
	seen := map[string]bool{"x": true}
	for _, r := range rels {
		text.rel(r.off, r.typ, r.sym, r.addend)
		if !seen[r.sym] {
			seen[r.sym] = true
			b.undef(r.sym)
		}
	}
	b.fn("_start", ".text", 0)
	b.section(".tdata", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE|elf.SHF_TLS, make([]byte, 8)).aligned(8)
	b.symbol(testSym{name: "x", bind: elf.STB_GLOBAL, typ: elf.STT_TLS, sec: ".tdata", size: 8})
	return b
}

func TestTLSRelaxToLocalExec(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		rels []testReloc
		want []byte
	}{
		{
			name: "general dynamic",
			code: []byte{
				0x66, 0x48, 0x8d, 0x3d, 0, 0, 0, 0, // lea x@tlsgd(%rip), %rdi
				0x66, 0x66, 0x48, 0xe8, 0, 0, 0, 0, // call __tls_get_addr
				0xc3,
			},
			rels: []testReloc{
				{off: 4, typ: uint32(elf.R_X86_64_TLSGD), sym: "x", addend: -4},
				{off: 12, typ: uint32(elf.R_X86_64_PLT32), sym: "__tls_get_addr", addend: -4},
			},
			want: []byte{
				0x64, 0x48, 0x8b, 0x04, 0x25, 0, 0, 0, 0,
				0x48, 0x8d, 0x80, 0xf8, 0xff, 0xff, 0xff,
			},
		},
		{
			name: "local dynamic",
			code: []byte{
				0x48, 0x8d, 0x3d, 0, 0, 0, 0, // lea x@tlsld(%rip), %rdi
				0xe8, 0, 0, 0, 0, // call __tls_get_addr
				0x48, 0x8d, 0x80, 0, 0, 0, 0, // lea x@dtpoff(%rax), %rax
				0xc3,
			},
			rels: []testReloc{
				{off: 3, typ: uint32(elf.R_X86_64_TLSLD), sym: "x", addend: -4},
				{off: 8, typ: uint32(elf.R_X86_64_PLT32), sym: "__tls_get_addr", addend: -4},
				{off: 15, typ: uint32(elf.R_X86_64_DTPOFF32), sym: "x"},
			},
			want: []byte{
				0x66, 0x66, 0x66, 0x64, 0x48, 0x8b, 0x04, 0x25, 0, 0, 0, 0,
				0x48, 0x8d, 0x80, 0xf8, 0xff, 0xff, 0xff,
			},
		},
		{
			name: "initial exec mov",
			code: []byte{0x48, 0x8b, 0x05, 0, 0, 0, 0, 0xc3}, // mov x@gottpoff(%rip), %rax
			rels: []testReloc{
				{off: 3, typ: uint32(elf.R_X86_64_GOTTPOFF), sym: "x", addend: -4},
			},
			want: []byte{0x48, 0xc7, 0xc0, 0xf8, 0xff, 0xff, 0xff},
		},
		{
			name: "initial exec add to r12",
			code: []byte{0x4c, 0x03, 0x25, 0, 0, 0, 0, 0xc3}, // add x@gottpoff(%rip), %r12
			rels: []testReloc{
				{off: 3, typ: uint32(elf.R_X86_64_GOTTPOFF), sym: "x", addend: -4},
			},
			want: []byte{0x49, 0x81, 0xc4, 0xf8, 0xff, 0xff, 0xff},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			ctx, f := linkFiles(t, ContextArg{Mode: OutputExec},
				tlsObj(tt.code, tt.rels...).write(t, dir, "a.o"))

			start := elfSymbol(t, f, "_start")
			assert.Equal(t, tt.want, readAt(t, f, start.Value, uint64(len(tt.want))))
			// __tls_get_addr is only named by calls the rewrite removed.
			assert.NoError(t, ctx.Warnings())
		})
	}
}

func TestTLSRelaxGeneralDynamicToInitialExec(t *testing.T) {
	dir := t.TempDir()

	lib := newDso()
	lib.section(".tdata", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE|elf.SHF_TLS, make([]byte, 8)).aligned(8)
	lib.symbol(testSym{name: "y", bind: elf.STB_GLOBAL, typ: elf.STT_TLS, sec: ".tdata", size: 8})

	a := tlsObj([]byte{
		0x66, 0x48, 0x8d, 0x3d, 0, 0, 0, 0,
		0x66, 0x66, 0x48, 0xe8, 0, 0, 0, 0,
		0xc3,
	},
		testReloc{off: 4, typ: uint32(elf.R_X86_64_TLSGD), sym: "y", addend: -4},
		testReloc{off: 12, typ: uint32(elf.R_X86_64_PLT32), sym: "__tls_get_addr", addend: -4},
	)

	_, f := linkFiles(t, ContextArg{Mode: OutputExec},
		a.write(t, dir, "a.o"), lib.write(t, dir, "libtls.so"))

	start := elfSymbol(t, f, "_start")
	code := readAt(t, f, start.Value, 16)
	assert.Equal(t, []byte{
		0x64, 0x48, 0x8b, 0x04, 0x25, 0, 0, 0, 0, // mov %fs:0, %rax
		0x48, 0x03, 0x05, // add y@gottpoff(%rip), %rax
	}, code[:12])

	got := f.Section(".got")
	require.NotNil(t, got)
	slot := uint64(int64(start.Value+16) + int64(int32(f.ByteOrder.Uint32(code[12:]))))
	assert.GreaterOrEqual(t, slot, got.Addr)
	assert.Less(t, slot, got.Addr+got.Size)
}

func TestTLSUnrecognizedSiteIsNotRelaxed(t *testing.T) {
	dir := t.TempDir()

	code := []byte{0x90, 0x90, 0x90, 0, 0, 0, 0, 0xc3}
	ctx, f := linkFiles(t, ContextArg{Mode: OutputExec},
		tlsObj(code, testReloc{off: 3, typ: uint32(elf.R_X86_64_TLSLD), sym: "x", addend: -4}).
			write(t, dir, "a.o"))

	require.Error(t, ctx.Warnings())
	assert.Contains(t, ctx.Warnings().Error(), "R_X86_64_TLSLD")
	assert.Contains(t, ctx.Warnings().Error(), "not relaxed")

	start := elfSymbol(t, f, "_start")
	out := readAt(t, f, start.Value, 7)
	assert.Equal(t, code[:3], out[:3])

	// The module slot is taken from the GOT instead.
	got := f.Section(".got")
	require.NotNil(t, got)
	slot := uint64(int64(start.Value+7) + int64(int32(f.ByteOrder.Uint32(out[3:]))))
	assert.GreaterOrEqual(t, slot, got.Addr)
	assert.Less(t, slot, got.Addr+got.Size)
}
