package linker

import (
	"debug/elf"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readAt returns n bytes of the output image at virtual address addr.
func readAt(t *testing.T, f *elf.File, addr, n uint64) []byte {
	t.Helper()
	for _, s := range f.Sections {
		if s.Type == elf.SHT_NOBITS || s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		if addr >= s.Addr && addr+n <= s.Addr+s.Size {
			data, err := s.Data()
			require.NoError(t, err)
			return data[addr-s.Addr : addr-s.Addr+n]
		}
	}
	t.Fatalf("address 0x%x is not mapped", addr)
	return nil
}

// startObj returns an object whose _start calls target.
func startObj(target string) *objBuilder {
	b := newObj()
	b.text(".text", []byte{0xe8, 0, 0, 0, 0, 0xc3}).
		rel(1, uint32(elf.R_X86_64_PLT32), target, -4)
	b.fn("_start", ".text", 0)
	b.undef(target)
	return b
}

func fooObj() *objBuilder {
	b := newObj()
	b.text(".text", []byte{0xc3}).aligned(16)
	b.fn("foo", ".text", 0)
	return b
}

func TestLinkStaticExecutable(t *testing.T) {
	dir := t.TempDir()

	a := startObj("foo")
	a.data(".data", make([]byte, 8)).aligned(8).rel(0, uint32(elf.R_X86_64_64), "foo", 3)
	a.object("slot", ".data", 0, 8)

	_, f := linkFiles(t, ContextArg{Mode: OutputExec},
		a.write(t, dir, "a.o"), fooObj().write(t, dir, "b.o"))

	assert.Equal(t, elf.ET_EXEC, f.Type)
	assert.Equal(t, elf.EM_X86_64, f.Machine)

	start := elfSymbol(t, f, "_start")
	foo := elfSymbol(t, f, "foo")
	assert.Equal(t, start.Value, f.Entry)
	assert.Zero(t, foo.Value%16)

	call := readAt(t, f, start.Value+1, 4)
	assert.Equal(t, uint32(foo.Value-(start.Value+5)), f.ByteOrder.Uint32(call))

	slot := elfSymbol(t, f, "slot")
	assert.Equal(t, foo.Value+3, f.ByteOrder.Uint64(readAt(t, f, slot.Value, 8)))
}

func TestLinkLayoutIsCongruent(t *testing.T) {
	dir := t.TempDir()

	a := startObj("foo")
	a.data(".data", make([]byte, 24)).aligned(8)
	a.bss(".bss", 64).aligned(32)
	a.section(".rodata", elf.SHT_PROGBITS, elf.SHF_ALLOC, []byte("hello\x00"))

	_, f := linkFiles(t, ContextArg{Mode: OutputExec},
		a.write(t, dir, "a.o"), fooObj().write(t, dir, "b.o"))

	var loads int
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		loads++
		assert.Equal(t, p.Off%0x1000, p.Vaddr%0x1000, "segment at 0x%x", p.Vaddr)
		assert.LessOrEqual(t, p.Filesz, p.Memsz)
	}
	assert.NotZero(t, loads)

	var prev uint64
	for _, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		assert.GreaterOrEqual(t, s.Addr, prev, "section %s", s.Name)
		prev = s.Addr
		if s.Addralign > 1 {
			assert.Zero(t, s.Addr%s.Addralign, "section %s", s.Name)
		}
		if s.Type != elf.SHT_NOBITS {
			assert.Equal(t, s.Offset%0x1000, s.Addr%0x1000, "section %s", s.Name)
		}
	}

	bss := f.Section(".bss")
	require.NotNil(t, bss)
	assert.Equal(t, elf.SHT_NOBITS, bss.Type)
	assert.GreaterOrEqual(t, bss.Size, uint64(64))
}

func TestLinkUndefinedWeakIsZero(t *testing.T) {
	dir := t.TempDir()

	a := startObj("foo")
	a.data(".data", []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}).
		rel(0, uint32(elf.R_X86_64_64), "w", 0)
	a.object("slot", ".data", 0, 8)
	a.symbol(testSym{name: "w", bind: elf.STB_WEAK})

	inputs := []string{a.write(t, dir, "a.o"), fooObj().write(t, dir, "b.o")}

	ctx, f := linkFiles(t, ContextArg{Mode: OutputExec}, inputs...)
	slot := elfSymbol(t, f, "slot")
	assert.Zero(t, f.ByteOrder.Uint64(readAt(t, f, slot.Value, 8)))
	require.Error(t, ctx.Warnings())
	assert.Contains(t, ctx.Warnings().Error(), "undefined weak symbol: w")

	// Never fatal, even when undefined symbols are errors.
	ctx, _ = linkFiles(t, ContextArg{Mode: OutputExec, NoUndefined: true}, inputs...)
	assert.Error(t, ctx.Warnings())
}

func TestLinkMultipleDefinition(t *testing.T) {
	dir := t.TempDir()

	_, err := Link(ContextArg{Mode: OutputExec}, nil, []string{
		startObj("foo").write(t, dir, "a.o"),
		fooObj().write(t, dir, "b.o"),
		fooObj().write(t, dir, "c.o"),
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrMultipleDefinition), "%v", err)
	assert.Contains(t, err.Error(), "foo")
}

func TestLinkCommonTakesLargest(t *testing.T) {
	dir := t.TempDir()

	a := startObj("foo")
	a.common("buf", 8, 8)
	b := fooObj()
	b.common("buf", 32, 16)

	_, f := linkFiles(t, ContextArg{Mode: OutputExec},
		a.write(t, dir, "a.o"), b.write(t, dir, "b.o"))

	buf := elfSymbol(t, f, "buf")
	assert.Equal(t, uint64(32), buf.Size)
	assert.NotZero(t, buf.Value)
	assert.Zero(t, buf.Value%16)
	assert.Equal(t, elf.STT_OBJECT, elf.ST_TYPE(buf.Info))
}

func TestLinkUndefinedSymbol(t *testing.T) {
	dir := t.TempDir()

	a := startObj("foo")
	a.data(".data", make([]byte, 8)).rel(0, uint32(elf.R_X86_64_64), "missing", 0)
	a.undef("missing")
	inputs := []string{a.write(t, dir, "a.o"), fooObj().write(t, dir, "b.o")}

	ctx, err := Link(ContextArg{Mode: OutputExec}, nil, inputs)
	require.NoError(t, err)
	defer ctx.Close()
	require.Error(t, ctx.Warnings())
	assert.Contains(t, ctx.Warnings().Error(), "missing")

	_, err = Link(ContextArg{Mode: OutputExec, NoUndefined: true}, nil, inputs)
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrUndefined), "%v", err)
	assert.Contains(t, err.Error(), "missing (referenced by")
}

func TestLinkRelocationOverflow(t *testing.T) {
	dir := t.TempDir()

	a := startObj("foo")
	a.data(".data", make([]byte, 4)).rel(0, uint32(elf.R_X86_64_32), "far", 0)
	a.undef("far")
	b := fooObj()
	b.symbol(testSym{name: "far", bind: elf.STB_GLOBAL, sec: absSec, value: 1 << 32})

	_, err := Link(ContextArg{Mode: OutputExec}, nil, []string{
		a.write(t, dir, "a.o"), b.write(t, dir, "b.o"),
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrOverflow), "%v", err)
	assert.Contains(t, err.Error(), "R_X86_64_32")
}

func TestLinkGarbageCollection(t *testing.T) {
	dir := t.TempDir()

	a := newObj()
	a.text(".text._start", []byte{0xe8, 0, 0, 0, 0, 0xc3}).
		rel(1, uint32(elf.R_X86_64_PLT32), "x", -4)
	a.text(".text.x", []byte{0xe8, 0, 0, 0, 0, 0xc3}).
		rel(1, uint32(elf.R_X86_64_PLT32), "y", -4)
	a.text(".text.y", []byte{0xc3})
	a.text(".text.z", []byte{0xc3})
	a.fn("_start", ".text._start", 0)
	a.fn("x", ".text.x", 0)
	a.fn("y", ".text.y", 0)
	a.fn("z", ".text.z", 0)

	ctx, f := linkFiles(t, ContextArg{Mode: OutputExec, GCSections: true}, a.write(t, dir, "a.o"))

	var collected []string
	for _, isec := range ctx.Collected {
		collected = append(collected, isec.Name)
	}
	assert.Equal(t, []string{".text.z"}, collected)

	syms, err := f.Symbols()
	require.NoError(t, err)
	var names []string
	for _, s := range syms {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "x")
	assert.Contains(t, names, "y")
	assert.NotContains(t, names, "z")
}

func TestLinkExtractsArchiveMembers(t *testing.T) {
	dir := t.TempDir()

	bar := newObj()
	bar.text(".text", []byte{0xc3})
	bar.fn("bar", ".text", 0)
	writeArchive(t, dir, "libfoo.a",
		map[string][]string{"foo.o": {"foo"}, "bar.o": {"bar"}},
		map[string]*objBuilder{"foo.o": fooObj(), "bar.o": bar})

	ctx, f := linkFiles(t, ContextArg{Mode: OutputExec, Static: true, LibraryPaths: []string{dir}},
		startObj("foo").write(t, dir, "a.o"), "-lfoo")

	assert.Nil(t, ctx.Symtab.Lookup("bar"))
	foo := ctx.Symtab.Lookup("foo")
	require.NotNil(t, foo)
	assert.True(t, foo.IsDefined())
	assert.Equal(t, filepath.Join(dir, "libfoo.a")+"(foo.o)", foo.File.Name())
	assert.NotZero(t, elfSymbol(t, f, "foo").Value)
}

func TestLinkDiscardsDuplicateComdat(t *testing.T) {
	dir := t.TempDir()

	inline := func() *objBuilder {
		b := newObj()
		b.group("inl", ".text.inl")
		b.text(".text.inl", []byte{0x90, 0xc3})
		b.fn("inl", ".text.inl", 0)
		return b
	}
	a := startObj("inl")

	ctx, _ := linkFiles(t, ContextArg{Mode: OutputExec},
		a.write(t, dir, "a.o"), inline().write(t, dir, "b.o"), inline().write(t, dir, "c.o"))

	sym := ctx.Symtab.Lookup("inl")
	require.NotNil(t, sym)
	assert.Equal(t, "b.o", filepath.Base(sym.File.Name()))

	var discarded int
	for _, o := range ctx.Objs {
		for _, isec := range o.Sections {
			if isec != nil && isec.Discarded {
				discarded++
				assert.Equal(t, "c.o", filepath.Base(o.Name()))
			}
		}
	}
	assert.Equal(t, 1, discarded)
}

func TestLinkAgainstSharedLibrary(t *testing.T) {
	dir := t.TempDir()

	libc := newDso()
	libc.text(".text", make([]byte, 16))
	libc.fn("puts", ".text", 0)

	// Two call sites share one PLT entry.
	b := newObj()
	b.text(".text", []byte{0xe8, 0, 0, 0, 0, 0xc3}).
		rel(1, uint32(elf.R_X86_64_PLT32), "puts", -4)
	b.fn("helper", ".text", 0)
	b.undef("puts")

	_, f := linkFiles(t, ContextArg{Mode: OutputExec},
		startObj("puts").write(t, dir, "a.o"), b.write(t, dir, "b.o"), libc.write(t, dir, "libc.so"))

	libs, err := f.ImportedLibraries()
	require.NoError(t, err)
	assert.Equal(t, []string{"libc.so"}, libs)

	plt := f.Section(".plt")
	require.NotNil(t, plt)
	assert.Equal(t, uint64(32), plt.Size)

	relplt := f.Section(".rela.plt")
	require.NotNil(t, relplt)
	assert.Equal(t, uint64(24), relplt.Size)
	data, err := relplt.Data()
	require.NoError(t, err)
	assert.Equal(t, uint32(elf.R_X86_64_JMP_SLOT), uint32(f.ByteOrder.Uint64(data[8:])))

	for _, name := range []string{"_start", "helper"} {
		sym := elfSymbol(t, f, name)
		disp := int32(f.ByteOrder.Uint32(readAt(t, f, sym.Value+1, 4)))
		assert.Equal(t, plt.Addr+16, uint64(int64(sym.Value+5)+int64(disp)), name)
	}
}

func TestLinkRelocatable(t *testing.T) {
	dir := t.TempDir()

	a := startObj("foo")
	_, f := linkFiles(t, ContextArg{Mode: OutputRelocatable},
		a.write(t, dir, "a.o"), fooObj().write(t, dir, "b.o"))

	assert.Equal(t, elf.ET_REL, f.Type)
	assert.Empty(t, f.Progs)

	rela := f.Section(".rela.text")
	require.NotNil(t, rela)
	assert.Equal(t, uint64(24), rela.Size)
	assert.Equal(t, uint32(elf.SHT_RELA), uint32(rela.Type))

	foo := elfSymbol(t, f, "foo")
	assert.Equal(t, elf.STB_GLOBAL, elf.ST_BIND(foo.Info))
}

func TestLinkEmitRelocs(t *testing.T) {
	dir := t.TempDir()

	_, f := linkFiles(t, ContextArg{Mode: OutputExec, EmitRelocs: true},
		startObj("foo").write(t, dir, "a.o"), fooObj().write(t, dir, "b.o"))

	rela := f.Section(".rela.text")
	require.NotNil(t, rela)
	assert.Equal(t, elf.SHT_RELA, rela.Type)
	assert.Equal(t, uint64(24), rela.Size)

	text := f.Section(".text")
	require.NotNil(t, text)
	assert.Same(t, text, f.Sections[rela.Info])
	assert.Same(t, f.Section(".symtab"), f.Sections[rela.Link])

	data, err := rela.Data()
	require.NoError(t, err)
	start := elfSymbol(t, f, "_start")
	assert.Equal(t, start.Value+1, f.ByteOrder.Uint64(data))

	syms, err := f.Symbols()
	require.NoError(t, err)
	idx := f.ByteOrder.Uint64(data[8:]) >> 32
	require.NotZero(t, idx)
	assert.Equal(t, "foo", syms[idx-1].Name)
	assert.Equal(t, int64(-4), int64(f.ByteOrder.Uint64(data[16:])))
}

func TestLinkNeedsOnlyUsedLibraries(t *testing.T) {
	dir := t.TempDir()

	libc := newDso()
	libc.text(".text", make([]byte, 16))
	libc.fn("puts", ".text", 0)
	libm := newDso()
	libm.text(".text", make([]byte, 16))
	libm.fn("sin", ".text", 0)

	_, f := linkFiles(t, ContextArg{Mode: OutputExec},
		startObj("puts").write(t, dir, "a.o"), libm.write(t, dir, "libm.so"), libc.write(t, dir, "libc.so"))

	libs, err := f.ImportedLibraries()
	require.NoError(t, err)
	assert.Equal(t, []string{"libc.so"}, libs)
}

func TestLinkInfersArchitecture(t *testing.T) {
	dir := t.TempDir()

	b := newObj386()
	b.text(".text", []byte{0xc3})
	b.fn("_start", ".text", 0)

	ctx, f := linkFiles(t, ContextArg{Mode: OutputExec}, b.write(t, dir, "a.o"))
	assert.Equal(t, i386Arch, ctx.Arch)
	assert.Equal(t, elf.EM_386, f.Machine)
	assert.Equal(t, elf.ELFCLASS32, f.Class)

	// The -m choice is overridden by the input's machine.
	ctx, err := Link(ContextArg{Mode: OutputExec, Emulation: "elf_x86_64"}, nil, []string{filepath.Join(dir, "a.o")})
	require.NoError(t, err)
	assert.Equal(t, i386Arch, ctx.Arch)
	ctx.Close()
}

func TestLinkSharedObjectCallsExternal(t *testing.T) {
	dir := t.TempDir()

	b := newObj()
	b.text(".text", []byte{0xe8, 0, 0, 0, 0, 0xe8, 0, 0, 0, 0, 0xc3}).
		rel(1, uint32(elf.R_X86_64_PLT32), "foo", -4).
		rel(6, uint32(elf.R_X86_64_PLT32), "foo", -4)
	b.fn("f", ".text", 0)
	b.undef("foo")

	_, f := linkFiles(t, ContextArg{Mode: OutputShared, Soname: "libf.so"}, b.write(t, dir, "f.o"))
	assert.Equal(t, elf.ET_DYN, f.Type)

	plt := f.Section(".plt")
	require.NotNil(t, plt)
	assert.Equal(t, uint64(32), plt.Size)

	relplt := f.Section(".rela.plt")
	require.NotNil(t, relplt)
	require.Equal(t, uint64(24), relplt.Size)
	data, err := relplt.Data()
	require.NoError(t, err)
	assert.Equal(t, uint32(elf.R_X86_64_JMP_SLOT), uint32(f.ByteOrder.Uint64(data[8:])))

	fsym := elfSymbol(t, f, "f")
	for _, off := range []uint64{1, 6} {
		disp := int32(f.ByteOrder.Uint32(readAt(t, f, fsym.Value+off, 4)))
		assert.Equal(t, plt.Addr+16, uint64(int64(fsym.Value+off+4)+int64(disp)))
	}
}
