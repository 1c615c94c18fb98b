package linker

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCIE = []byte{
	0x10, 0, 0, 0, // length
	0, 0, 0, 0,    // CIE id
	1,             // version
	'z', 'R', 0,   // augmentation
	1, 0x78, 16,   // code align, data align, return address
	1, 0x1b,       // augmentation data: pcrel sdata4
	0, 0, 0,       // padding
}

// ehFrameObj returns an object with one text section per function and an
// .eh_frame holding a CIE and an FDE for each of them.
func ehFrameObj(fns ...string) *objBuilder {
	b := newObj()
	for _, fn := range fns {
		b.text(".text."+fn, []byte{0xc3})
		b.fn(fn, ".text."+fn, 0)
	}

	data := append([]byte{}, testCIE...)
	eh := b.section(".eh_frame", elf.SHT_PROGBITS, elf.SHF_ALLOC, nil)
	for _, fn := range fns {
		off := uint64(len(data))
		fde := make([]byte, 20)
		binary.LittleEndian.PutUint32(fde[0:], 16)
		binary.LittleEndian.PutUint32(fde[4:], uint32(off+4))
		binary.LittleEndian.PutUint32(fde[12:], 1)
		data = append(data, fde...)
		eh.rel(off+8, uint32(elf.R_X86_64_PC32), fn, 0)
	}
	data = append(data, 0, 0, 0, 0)
	eh.data = data
	eh.size = uint64(len(data))
	eh.align = 8
	return b
}

func loadEhFrames(t *testing.T, ctx *Context, objs map[string]*objBuilder, order ...string) {
	t.Helper()
	for _, name := range order {
		obj := parseObj(t, ctx, name, objs[name])
		LoadRelocations(ctx, obj)
	}
	ParseEhFrames(ctx)
}

func TestEhFrameDropsDeadFDEs(t *testing.T) {
	ctx := testContext(amd64Arch)
	loadEhFrames(t, ctx, map[string]*objBuilder{"a.o": ehFrameObj("fa", "fb")}, "a.o")

	require.Len(t, ctx.EhFrameSecs, 1)
	f := ctx.EhFrameSecs[0]
	require.Len(t, f.Records, 4)
	assert.True(t, f.Records[0].IsCIE)
	assert.Same(t, f.Records[0], f.Records[1].CIE)
	assert.True(t, f.Records[3].Terminator)

	fb := ctx.Symtab.Lookup("fb").InputSection
	require.Len(t, fb.Fdes, 1)
	fb.IsAlive = false

	FinalizeEhFrames(ctx)

	assert.Equal(t, uint64(44), f.Isec.Size)
	assert.True(t, f.Records[1].Kept)
	assert.False(t, f.Records[2].Kept)
	assert.Equal(t, uint64(40), f.Records[3].OutOffset)

	relocs := f.Isec.Relocs
	require.Len(t, relocs, 2)
	assert.Equal(t, uint64(28), relocs[0].Offset)
	assert.Equal(t, RelocLoaded, relocs[0].State)
	assert.Equal(t, RelocDiscarded, relocs[1].State)
}

func TestEhFrameFoldsDuplicateCIEs(t *testing.T) {
	ctx := testContext(amd64Arch)
	loadEhFrames(t, ctx, map[string]*objBuilder{
		"a.o": ehFrameObj("fa"),
		"b.o": ehFrameObj("fb"),
	}, "a.o", "b.o")

	FinalizeEhFrames(ctx)

	require.Len(t, ctx.EhFrameSecs, 2)
	a, b := ctx.EhFrameSecs[0], ctx.EhFrameSecs[1]
	assert.Equal(t, uint64(44), a.Isec.Size)
	assert.Equal(t, uint64(24), b.Isec.Size)

	assert.False(t, b.Records[0].Kept)
	assert.Same(t, a.Records[0], b.Records[1].CIE.canonical())

	// The FDE and its relocation move to the front of the folded section.
	assert.Equal(t, uint64(0), b.Records[1].OutOffset)
	assert.Equal(t, uint64(8), b.Isec.Relocs[0].Offset)
}
