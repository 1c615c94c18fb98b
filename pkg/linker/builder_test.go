package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/ksco/elfld/pkg/utils"
	"github.com/stretchr/testify/require"
)

const (
	absSec = "*ABS*"
	comSec = "*COM*"
)

type testSection struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	data    []byte
	size    uint64
	align   uint64
	entsize uint64
	relocs  []testReloc

	// group members and signature, for SHT_GROUP sections.
	members []string
	sig     string
}

type testReloc struct {
	off    uint64
	typ    uint32
	sym    string
	addend int64
}

type testSym struct {
	name  string
	bind  elf.SymBind
	typ   elf.SymType
	sec   string
	value uint64
	size  uint64
	vis   elf.SymVis
}

// objBuilder assembles small relocatable objects and shared libraries in
// memory.
type objBuilder struct {
	layout  Layout
	machine elf.Machine
	etype   elf.Type
	flags   uint32
	secs    []*testSection
	syms    []testSym
}

func newObj() *objBuilder {
	return &objBuilder{layout: LayoutLE64, machine: elf.EM_X86_64, etype: elf.ET_REL}
}

func newObj386() *objBuilder {
	return &objBuilder{layout: LayoutLE32, machine: elf.EM_386, etype: elf.ET_REL}
}

func newObjMips(layout Layout) *objBuilder {
	return &objBuilder{layout: layout, machine: elf.EM_MIPS, etype: elf.ET_REL}
}

func newDso() *objBuilder {
	return &objBuilder{layout: LayoutLE64, machine: elf.EM_X86_64, etype: elf.ET_DYN}
}

func (b *objBuilder) section(name string, typ elf.SectionType, flags elf.SectionFlag, data []byte) *testSection {
	s := &testSection{name: name, typ: typ, flags: flags, data: data, size: uint64(len(data)), align: 1}
	b.secs = append(b.secs, s)
	return s
}

func (b *objBuilder) text(name string, data []byte) *testSection {
	return b.section(name, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, data)
}

func (b *objBuilder) data(name string, data []byte) *testSection {
	return b.section(name, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, data)
}

func (b *objBuilder) bss(name string, size uint64) *testSection {
	s := b.section(name, elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE, nil)
	s.size = size
	return s
}

func (b *objBuilder) group(sig string, members ...string) *testSection {
	s := b.section(".group", elf.SHT_GROUP, 0, nil)
	s.sig = sig
	s.members = members
	s.entsize = 4
	s.align = 4
	return s
}

func (s *testSection) rel(off uint64, typ uint32, sym string, addend int64) *testSection {
	s.relocs = append(s.relocs, testReloc{off, typ, sym, addend})
	return s
}

func (s *testSection) aligned(a uint64) *testSection {
	s.align = a
	return s
}

func (b *objBuilder) global(name, sec string, value uint64) *objBuilder {
	return b.symbol(testSym{name: name, bind: elf.STB_GLOBAL, typ: elf.STT_NOTYPE, sec: sec, value: value})
}

func (b *objBuilder) fn(name, sec string, value uint64) *objBuilder {
	return b.symbol(testSym{name: name, bind: elf.STB_GLOBAL, typ: elf.STT_FUNC, sec: sec, value: value})
}

func (b *objBuilder) object(name, sec string, value, size uint64) *objBuilder {
	return b.symbol(testSym{name: name, bind: elf.STB_GLOBAL, typ: elf.STT_OBJECT, sec: sec, value: value, size: size})
}

func (b *objBuilder) weak(name, sec string, value uint64) *objBuilder {
	return b.symbol(testSym{name: name, bind: elf.STB_WEAK, typ: elf.STT_NOTYPE, sec: sec, value: value})
}

func (b *objBuilder) local(name, sec string, value uint64) *objBuilder {
	return b.symbol(testSym{name: name, bind: elf.STB_LOCAL, typ: elf.STT_NOTYPE, sec: sec, value: value})
}

func (b *objBuilder) undef(name string) *objBuilder {
	return b.symbol(testSym{name: name, bind: elf.STB_GLOBAL, typ: elf.STT_NOTYPE})
}

func (b *objBuilder) common(name string, size, align uint64) *objBuilder {
	return b.symbol(testSym{name: name, bind: elf.STB_GLOBAL, typ: elf.STT_OBJECT, sec: comSec, value: align, size: size})
}

func (b *objBuilder) symbol(s testSym) *objBuilder {
	b.syms = append(b.syms, s)
	return b
}

type strtabBuilder struct {
	buf []byte
}

func (s *strtabBuilder) add(name string) uint32 {
	if name == "" {
		return 0
	}
	off := uint32(len(s.buf))
	s.buf = append(s.buf, name...)
	s.buf = append(s.buf, 0)
	return off
}

// bytes serializes the object. Sections come first in the order they were
// added, followed by the relocation sections, the symbol table, its
// string table and .shstrtab.
func (b *objBuilder) bytes() []byte {
	l := b.layout
	rela := b.machine == elf.EM_X86_64
	dynamic := b.etype == elf.ET_DYN

	secIdx := make(map[string]int)
	for i, s := range b.secs {
		if _, ok := secIdx[s.name]; !ok {
			secIdx[s.name] = i + 1
		}
	}

	var locals, globals []testSym
	for _, s := range b.syms {
		if s.bind == elf.STB_LOCAL {
			locals = append(locals, s)
		} else {
			globals = append(globals, s)
		}
	}
	ordered := append(append([]testSym{}, locals...), globals...)
	symIdx := make(map[string]uint32)
	for i, s := range ordered {
		symIdx[s.name] = uint32(i + 1)
	}

	type outSec struct {
		shdr Shdr
		name string
		data []byte
	}
	var out []outSec

	for _, s := range b.secs {
		data := s.data
		if s.typ == elf.SHT_GROUP {
			data = make([]byte, 4*(len(s.members)+1))
			l.PutUint32(data, GRP_COMDAT)
			for i, m := range s.members {
				l.PutUint32(data[4*(i+1):], uint32(secIdx[m]))
			}
		}
		out = append(out, outSec{
			name: s.name,
			data: data,
			shdr: Shdr{Type: uint32(s.typ), Flags: uint64(s.flags), Size: max(s.size, uint64(len(data))),
				AddrAlign: s.align, EntSize: s.entsize},
		})
	}

	symtabIdx := uint32(len(b.secs) + 1)
	for i, s := range b.secs {
		if len(s.relocs) == 0 {
			continue
		}
		symtabIdx++
		size := l.RelSize(rela)
		data := make([]byte, uint64(len(s.relocs))*size)
		for j, r := range s.relocs {
			l.WriteRel(data[uint64(j)*size:], rela, &Rela{Offset: r.off, Type: r.typ, Sym: symIdx[r.sym], Addend: r.addend})
		}
		name, typ := ".rel"+s.name, elf.SHT_REL
		if rela {
			name, typ = ".rela"+s.name, elf.SHT_RELA
		}
		out = append(out, outSec{
			name: name,
			data: data,
			shdr: Shdr{Type: uint32(typ), Flags: uint64(elf.SHF_INFO_LINK), Size: uint64(len(data)),
				Info: uint32(i + 1), AddrAlign: l.WordSize(), EntSize: size},
		})
	}
	for i := range out {
		if out[i].shdr.Type == uint32(elf.SHT_RELA) || out[i].shdr.Type == uint32(elf.SHT_REL) ||
			out[i].shdr.Type == uint32(elf.SHT_GROUP) {
			out[i].shdr.Link = symtabIdx
		}
		if out[i].shdr.Type == uint32(elf.SHT_GROUP) {
			out[i].shdr.Info = symIdx[b.secs[i].sig]
		}
	}

	strtab := &strtabBuilder{buf: []byte{0}}
	symsize := l.SymSize()
	symdata := make([]byte, uint64(len(ordered)+1)*symsize)
	for i, s := range ordered {
		esym := Sym{
			Name:  strtab.add(s.name),
			Info:  elf.ST_INFO(s.bind, s.typ),
			Other: uint8(s.vis),
			Val:   s.value,
			Size:  s.size,
		}
		switch s.sec {
		case "":
		case absSec:
			esym.Shndx = uint16(elf.SHN_ABS)
		case comSec:
			esym.Shndx = uint16(elf.SHN_COMMON)
		default:
			idx, ok := secIdx[s.sec]
			if !ok {
				panic("unknown section " + s.sec)
			}
			esym.Shndx = uint16(idx)
		}
		l.WriteSym(symdata[uint64(i+1)*symsize:], &esym)
	}

	symtabName, strtabName, symtabType := ".symtab", ".strtab", elf.SHT_SYMTAB
	if dynamic {
		symtabName, strtabName, symtabType = ".dynsym", ".dynstr", elf.SHT_DYNSYM
	}
	out = append(out,
		outSec{name: symtabName, data: symdata, shdr: Shdr{Type: uint32(symtabType), Size: uint64(len(symdata)),
			Link: symtabIdx + 1, Info: uint32(len(locals) + 1), AddrAlign: l.WordSize(), EntSize: symsize}},
		outSec{name: strtabName, data: strtab.buf, shdr: Shdr{Type: uint32(elf.SHT_STRTAB), Size: uint64(len(strtab.buf)), AddrAlign: 1}},
	)

	shstrtab := &strtabBuilder{buf: []byte{0}}
	for i := range out {
		out[i].shdr.Name = shstrtab.add(out[i].name)
	}
	shstrtabName := shstrtab.add(".shstrtab")
	out = append(out, outSec{name: ".shstrtab", data: shstrtab.buf,
		shdr: Shdr{Name: shstrtabName, Type: uint32(elf.SHT_STRTAB), Size: uint64(len(shstrtab.buf)), AddrAlign: 1}})

	var buf bytes.Buffer
	buf.Write(make([]byte, l.EhdrSize()))
	for i := range out {
		if out[i].shdr.Type == uint32(elf.SHT_NOBITS) {
			continue
		}
		pad := utils.AlignTo(uint64(buf.Len()), 8) - uint64(buf.Len())
		buf.Write(make([]byte, pad))
		out[i].shdr.Offset = uint64(buf.Len())
		buf.Write(out[i].data)
	}
	buf.Write(make([]byte, utils.AlignTo(uint64(buf.Len()), 8)-uint64(buf.Len())))
	shoff := uint64(buf.Len())

	shdrs := make([]byte, uint64(len(out)+1)*l.ShdrSize())
	for i := range out {
		l.WriteShdr(shdrs[uint64(i+1)*l.ShdrSize():], &out[i].shdr)
	}
	buf.Write(shdrs)

	image := buf.Bytes()
	ehdr := Ehdr{
		Type:      uint16(b.etype),
		Machine:   uint16(b.machine),
		Version:   uint32(elf.EV_CURRENT),
		ShOff:     shoff,
		Flags:     b.flags,
		EhSize:    uint16(l.EhdrSize()),
		ShEntSize: uint16(l.ShdrSize()),
		ShNum:     uint16(len(out) + 1),
		ShStrndx:  uint16(len(out)),
	}
	copy(ehdr.Ident[:], elf.ELFMAG)
	ehdr.Ident[elf.EI_CLASS] = byte(l.Class)
	ehdr.Ident[elf.EI_DATA] = byte(l.Data())
	ehdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	l.WriteEhdr(image, &ehdr)
	return image
}

func (b *objBuilder) write(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, b.bytes(), 0o644))
	return path
}

// writeArchive packs objs into an archive with a SysV symbol index.
// members lists the symbols each object is indexed under.
func writeArchive(t *testing.T, dir, name string, members map[string][]string, objs map[string]*objBuilder) string {
	t.Helper()

	names := make([]string, 0, len(objs))
	for n := range objs {
		names = append(names, n)
	}
	sort.Strings(names)

	header := func(name string, size int) string {
		return fmt.Sprintf("%-16s%-12s%-6s%-6s%-8s%-10d`\n", name, "0", "0", "0", "644", size)
	}

	var count int
	var symNames []byte
	for _, n := range names {
		for _, s := range members[n] {
			count++
			symNames = append(symNames, s...)
			symNames = append(symNames, 0)
		}
	}
	indexSize := 4 + 4*count + len(symNames)

	var body bytes.Buffer
	off := 8 + arHdrSize + indexSize + indexSize%2
	offsets := make([]int, len(names))
	for i, n := range names {
		data := objs[n].bytes()
		offsets[i] = off
		body.WriteString(header(n+"/", len(data)))
		body.Write(data)
		if len(data)%2 == 1 {
			body.WriteByte('\n')
		}
		off += arHdrSize + len(data) + len(data)%2
	}

	index := make([]byte, 4, indexSize)
	binary.BigEndian.PutUint32(index, uint32(count))
	for i, n := range names {
		for range members[n] {
			index = binary.BigEndian.AppendUint32(index, uint32(offsets[i]))
		}
	}
	index = append(index, symNames...)

	var ar bytes.Buffer
	ar.WriteString("!<arch>\n")
	ar.WriteString(header("/", len(index)))
	ar.Write(index)
	if len(index)%2 == 1 {
		ar.WriteByte('\n')
	}
	ar.Write(body.Bytes())

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, ar.Bytes(), 0o644))
	return path
}

// testContext returns a context ready for parsing objects by hand.
func testContext(arch Arch) *Context {
	ctx := NewContext(nil)
	ctx.Arch = arch
	CreateInternalFile(ctx)
	return ctx
}

// parseObj feeds an in-memory object through the normal input path.
func parseObj(t *testing.T, ctx *Context, name string, b *objBuilder) *ObjectFile {
	t.Helper()
	obj := CreateObjectFile(ctx, NewFile(name, b.bytes()))
	ctx.Objs = append(ctx.Objs, obj)
	return obj
}

// catchError runs fn and returns the link error it raises, if any.
func catchError(fn func()) (err error) {
	defer recoverError(&err)
	fn()
	return nil
}

func linkFiles(t *testing.T, arg ContextArg, inputs ...string) (*Context, *elf.File) {
	t.Helper()
	ctx, err := Link(arg, nil, inputs)
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })

	f, err := elf.NewFile(bytes.NewReader(ctx.Buf))
	require.NoError(t, err)
	return ctx, f
}

func elfSymbol(t *testing.T, f *elf.File, name string) elf.Symbol {
	t.Helper()
	syms, err := f.Symbols()
	require.NoError(t, err)
	for _, s := range syms {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("symbol %s not found", name)
	return elf.Symbol{}
}
