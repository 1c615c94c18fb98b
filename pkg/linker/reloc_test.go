package linker

import (
	"debug/elf"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRelocationsSortsByOffset(t *testing.T) {
	ctx := testContext(amd64Arch)

	b := newObj()
	b.text(".text", make([]byte, 16)).
		rel(8, uint32(elf.R_X86_64_PC32), "foo", -4).
		rel(0, uint32(elf.R_X86_64_64), "foo", 2)
	b.undef("foo")
	obj := parseObj(t, ctx, "a.o", b)
	LoadRelocations(ctx, obj)

	isec := obj.Sections[1]
	require.Len(t, isec.Relocs, 2)

	type rel struct {
		Offset uint64
		Type   uint32
		Addend int64
		State  RelocState
	}
	var got []rel
	for _, r := range isec.Relocs {
		got = append(got, rel{r.Offset, r.Type, r.Addend, r.State})
	}
	want := []rel{
		{0, uint32(elf.R_X86_64_64), 2, RelocLoaded},
		{8, uint32(elf.R_X86_64_PC32), -4, RelocLoaded},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("relocations mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "foo", isec.Relocs[0].Symbol(ctx).Name)
}

func TestLoadRelocationsRejectsBadOffsets(t *testing.T) {
	for name, r := range map[string]testReloc{
		"past end": {off: 16, typ: uint32(elf.R_X86_64_PC32), sym: "foo"},
		"overrun":  {off: 12, typ: uint32(elf.R_X86_64_64), sym: "foo"},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := testContext(amd64Arch)
			b := newObj()
			b.text(".text", make([]byte, 16)).rel(r.off, r.typ, r.sym, r.addend)
			b.undef("foo")
			obj := parseObj(t, ctx, "a.o", b)

			err := catchError(func() { LoadRelocations(ctx, obj) })
			assert.True(t, IsKind(err, ErrMalformedInput), "%v", err)
		})
	}
}

func TestRelocStateTransitions(t *testing.T) {
	ctx := testContext(amd64Arch)

	r := &Reloc{Type: uint32(elf.R_X86_64_64)}
	r.MarkScanned(ctx)
	r.MarkApplied(ctx)
	assert.Equal(t, RelocApplied, r.State)

	err := catchError(func() { r.MarkScanned(ctx) })
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrInternal))
	assert.Contains(t, err.Error(), "applied -> scanned")

	d := &Reloc{}
	d.Discard(ctx)
	d.Discard(ctx)
	assert.Equal(t, RelocDiscarded, d.State)
	assert.Error(t, catchError(func() { d.MarkApplied(ctx) }))

	a := &Reloc{}
	a.MarkAdjusted(ctx)
	a.MarkAdjusted(ctx)
	assert.Error(t, catchError(func() { a.MarkApplied(ctx) }))
}

func TestRelocAt(t *testing.T) {
	isec := &InputSection{Relocs: []*Reloc{{Offset: 0}, {Offset: 4}, {Offset: 12}}}
	assert.Same(t, isec.Relocs[1], relocAt(isec, 4))
	assert.Nil(t, relocAt(isec, 8))
	assert.Nil(t, relocAt(isec, 16))
}

func TestParseRelocsRoundTrip(t *testing.T) {
	rels := []Rela{
		{Offset: 0x10, Type: uint32(elf.R_386_32), Sym: 3},
		{Offset: 0x20, Type: uint32(elf.R_386_PC32), Sym: 1},
	}
	data := SerializeRelocs(LayoutLE32, false, rels)
	assert.Len(t, data, 16)
	assert.Equal(t, rels, ParseRelocs(LayoutLE32, false, data))
}

func TestSortDynRelocs(t *testing.T) {
	ctx := testContext(amd64Arch)
	dyn := amd64Arch.DynRelTypes()

	a := NewSymbol("a")
	a.DynIdx = 2
	b := NewSymbol("b")
	b.DynIdx = 1

	rels := []*DynReloc{
		{Type: dyn.GlobDat, Sym: a},
		{Type: dyn.Relative, Addr: 0x30},
		{Type: dyn.Abs, Sym: a},
		{Type: dyn.GlobDat, Sym: b},
		{Type: dyn.Relative, Addr: 0x10},
	}
	SortDynRelocs(ctx, rels)

	var got []string
	for _, r := range rels {
		name := "-"
		if r.Sym != nil {
			name = r.Sym.Name
		}
		got = append(got, amd64Arch.RelocName(r.Type)+" "+name)
	}
	assert.Equal(t, []string{
		"R_X86_64_RELATIVE -",
		"R_X86_64_RELATIVE -",
		"R_X86_64_GLOB_DAT b",
		"R_X86_64_64 a",
		"R_X86_64_GLOB_DAT a",
	}, got)
	assert.Equal(t, uint64(0x10), rels[0].Addr)
}

func TestLoadAddendsI386(t *testing.T) {
	ctx := testContext(i386Arch)

	b := newObj386()
	b.text(".text", []byte{0xfc, 0xff, 0xff, 0xff, 0x10, 0, 0, 0}).
		rel(0, uint32(elf.R_386_PC32), "foo", 0).
		rel(4, uint32(elf.R_386_32), "foo", 0)
	b.undef("foo")
	obj := parseObj(t, ctx, "a.o", b)
	LoadRelocations(ctx, obj)

	rels := obj.Sections[1].Relocs
	require.Len(t, rels, 2)
	assert.Equal(t, int64(-4), rels[0].Addend)
	assert.Equal(t, int64(0x10), rels[1].Addend)
}

func TestLoadAddendsMipsHiLo(t *testing.T) {
	ctx := testContext(bigMipsArch)

	b := newObjMips(LayoutBE32)
	b.text(".text", []byte{
		0x3c, 0x01, 0x00, 0x01, // lui $at, 0x1
		0x24, 0x21, 0x80, 0x00, // addiu $at, $at, -0x8000
	}).
		rel(0, uint32(elf.R_MIPS_HI16), "foo", 0).
		rel(4, uint32(elf.R_MIPS_LO16), "foo", 0)
	b.undef("foo")
	obj := parseObj(t, ctx, "a.o", b)
	LoadRelocations(ctx, obj)

	rels := obj.Sections[1].Relocs
	require.Len(t, rels, 2)
	assert.Equal(t, int64(0x8000), rels[0].Addend)
	assert.Equal(t, int64(-0x8000), rels[1].Addend)
}

func TestArchConflictOnMixedInputs(t *testing.T) {
	ctx := testContext(amd64Arch)

	b := newObj386()
	b.text(".text", make([]byte, 4))
	err := catchError(func() { parseObj(t, ctx, "x.o", b) })

	var conflict *ArchConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, i386Arch, conflict.Arch)
	assert.Equal(t, "x.o", conflict.File)
}
