package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/ksco/elfld/pkg/utils"
)

const SHF_EXCLUDE uint64 = 0x80000000
const SHF_GNU_RETAIN uint64 = 0x200000
const SHT_LLVM_ADDRSIG uint32 = 0x6fff4c03
const SHT_X86_64_UNWIND uint32 = 0x70000001
const GRP_COMDAT uint32 = 1

const VER_NDX_LOCAL uint16 = 0
const VER_NDX_GLOBAL uint16 = 1
const VERSYM_HIDDEN uint16 = 0x8000
const VER_FLG_BASE uint16 = 1

const EF_MIPS_NOREORDER uint32 = 0x1
const EF_MIPS_PIC uint32 = 0x2
const EF_MIPS_CPIC uint32 = 0x4
const EF_MIPS_ARCH uint32 = 0xf0000000

// Ehdr, Shdr, Phdr, Sym and Rela are class-neutral in-memory forms of the
// ELF records. Layout converts them from and to the 32- and 64-bit
// encodings.
type Ehdr struct {
	Ident     [16]uint8
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrndx  uint16
}

type Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

type Phdr struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Val   uint64
	Size  uint64
}

func (s *Sym) IsUndef() bool {
	return s.Shndx == uint16(elf.SHN_UNDEF)
}

func (s *Sym) IsDefined() bool {
	return !s.IsUndef()
}

func (s *Sym) IsCommon() bool {
	return s.Shndx == uint16(elf.SHN_COMMON)
}

func (s *Sym) IsAbs() bool {
	return s.Shndx == uint16(elf.SHN_ABS)
}

func (s *Sym) IsWeak() bool {
	return s.Bind() == elf.STB_WEAK
}

func (s *Sym) IsUndefWeak() bool {
	return s.IsUndef() && s.IsWeak()
}

func (s *Sym) Type() elf.SymType {
	return elf.ST_TYPE(s.Info)
}

func (s *Sym) Bind() elf.SymBind {
	return elf.ST_BIND(s.Info)
}

func (s *Sym) StVisibility() elf.SymVis {
	return elf.ST_VISIBILITY(s.Other)
}

// Rela is a relocation record in wire-independent form. For REL encodings
// Addend is not stored.
type Rela struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

type Dyn struct {
	Tag elf.DynTag
	Val uint64
}

type Chdr struct {
	Type      uint32
	Size      uint64
	AddrAlign uint64
}

// Layout is the encoding of an ELF file: its class and byte order.
type Layout struct {
	Class elf.Class
	Order binary.ByteOrder
}

var (
	LayoutLE64 = Layout{elf.ELFCLASS64, binary.LittleEndian}
	LayoutLE32 = Layout{elf.ELFCLASS32, binary.LittleEndian}
	LayoutBE32 = Layout{elf.ELFCLASS32, binary.BigEndian}
)

func (l Layout) Is64() bool {
	return l.Class == elf.ELFCLASS64
}

func (l Layout) Data() elf.Data {
	if l.Order == binary.BigEndian {
		return elf.ELFDATA2MSB
	}
	return elf.ELFDATA2LSB
}

func (l Layout) WordSize() uint64 {
	if l.Is64() {
		return 8
	}
	return 4
}

func (l Layout) EhdrSize() uint64 {
	if l.Is64() {
		return 64
	}
	return 52
}

func (l Layout) ShdrSize() uint64 {
	if l.Is64() {
		return 64
	}
	return 40
}

func (l Layout) PhdrSize() uint64 {
	if l.Is64() {
		return 56
	}
	return 32
}

func (l Layout) SymSize() uint64 {
	if l.Is64() {
		return elf.Sym64Size
	}
	return elf.Sym32Size
}

func (l Layout) RelSize(rela bool) uint64 {
	n := uint64(2)
	if rela {
		n = 3
	}
	return n * l.WordSize()
}

func (l Layout) DynSize() uint64 {
	return 2 * l.WordSize()
}

func (l Layout) ChdrSize() uint64 {
	if l.Is64() {
		return 24
	}
	return 12
}

func (l Layout) Uint16(b []byte) uint16 { return l.Order.Uint16(b) }
func (l Layout) Uint32(b []byte) uint32 { return l.Order.Uint32(b) }
func (l Layout) Uint64(b []byte) uint64 { return l.Order.Uint64(b) }

func (l Layout) PutUint16(b []byte, v uint16) { l.Order.PutUint16(b, v) }
func (l Layout) PutUint32(b []byte, v uint32) { l.Order.PutUint32(b, v) }
func (l Layout) PutUint64(b []byte, v uint64) { l.Order.PutUint64(b, v) }

func (l Layout) Word(b []byte) uint64 {
	if l.Is64() {
		return l.Order.Uint64(b)
	}
	return uint64(l.Order.Uint32(b))
}

func (l Layout) PutWord(b []byte, v uint64) {
	if l.Is64() {
		l.Order.PutUint64(b, v)
		return
	}
	l.Order.PutUint32(b, uint32(v))
}

func (l Layout) ReadEhdr(b []byte) Ehdr {
	if l.Is64() {
		h := utils.Read[elf.Header64](b, l.Order)
		return Ehdr{h.Ident, h.Type, h.Machine, h.Version, h.Entry, h.Phoff, h.Shoff,
			h.Flags, h.Ehsize, h.Phentsize, h.Phnum, h.Shentsize, h.Shnum, h.Shstrndx}
	}
	h := utils.Read[elf.Header32](b, l.Order)
	return Ehdr{h.Ident, h.Type, h.Machine, h.Version, uint64(h.Entry), uint64(h.Phoff),
		uint64(h.Shoff), h.Flags, h.Ehsize, h.Phentsize, h.Phnum, h.Shentsize, h.Shnum, h.Shstrndx}
}

func (l Layout) WriteEhdr(b []byte, e *Ehdr) {
	if l.Is64() {
		utils.Write(b, l.Order, elf.Header64{
			Ident: e.Ident, Type: e.Type, Machine: e.Machine, Version: e.Version,
			Entry: e.Entry, Phoff: e.PhOff, Shoff: e.ShOff, Flags: e.Flags,
			Ehsize: e.EhSize, Phentsize: e.PhEntSize, Phnum: e.PhNum,
			Shentsize: e.ShEntSize, Shnum: e.ShNum, Shstrndx: e.ShStrndx,
		})
		return
	}
	utils.Write(b, l.Order, elf.Header32{
		Ident: e.Ident, Type: e.Type, Machine: e.Machine, Version: e.Version,
		Entry: uint32(e.Entry), Phoff: uint32(e.PhOff), Shoff: uint32(e.ShOff),
		Flags: e.Flags, Ehsize: e.EhSize, Phentsize: e.PhEntSize, Phnum: e.PhNum,
		Shentsize: e.ShEntSize, Shnum: e.ShNum, Shstrndx: e.ShStrndx,
	})
}

func (l Layout) ReadShdr(b []byte) Shdr {
	if l.Is64() {
		s := utils.Read[elf.Section64](b, l.Order)
		return Shdr{s.Name, s.Type, s.Flags, s.Addr, s.Off, s.Size, s.Link, s.Info, s.Addralign, s.Entsize}
	}
	s := utils.Read[elf.Section32](b, l.Order)
	return Shdr{s.Name, s.Type, uint64(s.Flags), uint64(s.Addr), uint64(s.Off), uint64(s.Size),
		s.Link, s.Info, uint64(s.Addralign), uint64(s.Entsize)}
}

func (l Layout) WriteShdr(b []byte, s *Shdr) {
	if l.Is64() {
		utils.Write(b, l.Order, elf.Section64{
			Name: s.Name, Type: s.Type, Flags: s.Flags, Addr: s.Addr, Off: s.Offset,
			Size: s.Size, Link: s.Link, Info: s.Info, Addralign: s.AddrAlign, Entsize: s.EntSize,
		})
		return
	}
	utils.Write(b, l.Order, elf.Section32{
		Name: s.Name, Type: s.Type, Flags: uint32(s.Flags), Addr: uint32(s.Addr),
		Off: uint32(s.Offset), Size: uint32(s.Size), Link: s.Link, Info: s.Info,
		Addralign: uint32(s.AddrAlign), Entsize: uint32(s.EntSize),
	})
}

func (l Layout) WritePhdr(b []byte, p *Phdr) {
	if l.Is64() {
		utils.Write(b, l.Order, elf.Prog64{
			Type: p.Type, Flags: p.Flags, Off: p.Offset, Vaddr: p.VAddr, Paddr: p.PAddr,
			Filesz: p.FileSize, Memsz: p.MemSize, Align: p.Align,
		})
		return
	}
	utils.Write(b, l.Order, elf.Prog32{
		Type: p.Type, Off: uint32(p.Offset), Vaddr: uint32(p.VAddr), Paddr: uint32(p.PAddr),
		Filesz: uint32(p.FileSize), Memsz: uint32(p.MemSize), Flags: p.Flags, Align: uint32(p.Align),
	})
}

func (l Layout) ReadSym(b []byte) Sym {
	if l.Is64() {
		s := utils.Read[elf.Sym64](b, l.Order)
		return Sym{s.Name, s.Info, s.Other, s.Shndx, s.Value, s.Size}
	}
	s := utils.Read[elf.Sym32](b, l.Order)
	return Sym{s.Name, s.Info, s.Other, s.Shndx, uint64(s.Value), uint64(s.Size)}
}

func (l Layout) WriteSym(b []byte, s *Sym) {
	if l.Is64() {
		utils.Write(b, l.Order, elf.Sym64{
			Name: s.Name, Info: s.Info, Other: s.Other, Shndx: s.Shndx, Value: s.Val, Size: s.Size,
		})
		return
	}
	utils.Write(b, l.Order, elf.Sym32{
		Name: s.Name, Value: uint32(s.Val), Size: uint32(s.Size), Info: s.Info, Other: s.Other, Shndx: s.Shndx,
	})
}

func (l Layout) ReadRel(b []byte, rela bool) Rela {
	if l.Is64() {
		if rela {
			r := utils.Read[elf.Rela64](b, l.Order)
			return Rela{r.Off, elf.R_TYPE64(r.Info), elf.R_SYM64(r.Info), r.Addend}
		}
		r := utils.Read[elf.Rel64](b, l.Order)
		return Rela{r.Off, elf.R_TYPE64(r.Info), elf.R_SYM64(r.Info), 0}
	}
	if rela {
		r := utils.Read[elf.Rela32](b, l.Order)
		return Rela{uint64(r.Off), elf.R_TYPE32(r.Info), elf.R_SYM32(r.Info), int64(r.Addend)}
	}
	r := utils.Read[elf.Rel32](b, l.Order)
	return Rela{uint64(r.Off), elf.R_TYPE32(r.Info), elf.R_SYM32(r.Info), 0}
}

func (l Layout) WriteRel(b []byte, rela bool, r *Rela) {
	if l.Is64() {
		info := elf.R_INFO(r.Sym, r.Type)
		if rela {
			utils.Write(b, l.Order, elf.Rela64{Off: r.Offset, Info: info, Addend: r.Addend})
		} else {
			utils.Write(b, l.Order, elf.Rel64{Off: r.Offset, Info: info})
		}
		return
	}
	info := elf.R_INFO32(r.Sym, r.Type)
	if rela {
		utils.Write(b, l.Order, elf.Rela32{Off: uint32(r.Offset), Info: info, Addend: int32(r.Addend)})
	} else {
		utils.Write(b, l.Order, elf.Rel32{Off: uint32(r.Offset), Info: info})
	}
}

func (l Layout) ReadDyn(b []byte) Dyn {
	if l.Is64() {
		d := utils.Read[elf.Dyn64](b, l.Order)
		return Dyn{elf.DynTag(d.Tag), d.Val}
	}
	d := utils.Read[elf.Dyn32](b, l.Order)
	return Dyn{elf.DynTag(d.Tag), uint64(d.Val)}
}

func (l Layout) WriteDyn(b []byte, d Dyn) {
	if l.Is64() {
		utils.Write(b, l.Order, elf.Dyn64{Tag: int64(d.Tag), Val: d.Val})
		return
	}
	utils.Write(b, l.Order, elf.Dyn32{Tag: int32(d.Tag), Val: uint32(d.Val)})
}

func (l Layout) ReadChdr(b []byte) Chdr {
	if l.Is64() {
		c := utils.Read[elf.Chdr64](b, l.Order)
		return Chdr{c.Type, c.Size, c.Addralign}
	}
	c := utils.Read[elf.Chdr32](b, l.Order)
	return Chdr{c.Type, uint64(c.Size), uint64(c.Addralign)}
}

// LayoutFromIdent decodes the class and data bytes of an ELF identifier.
func LayoutFromIdent(ident []byte) (Layout, bool) {
	var l Layout
	switch elf.Class(ident[elf.EI_CLASS]) {
	case elf.ELFCLASS32, elf.ELFCLASS64:
		l.Class = elf.Class(ident[elf.EI_CLASS])
	default:
		return l, false
	}
	switch elf.Data(ident[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		l.Order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		l.Order = binary.BigEndian
	default:
		return l, false
	}
	return l, true
}

func CheckMagic(contents []byte) bool {
	return bytes.HasPrefix(contents, []byte(elf.ELFMAG))
}

func WriteMagic(contents []byte) {
	copy(contents, elf.ELFMAG)
}

func getName(strTab []byte, offset uint32) string {
	if int(offset) >= len(strTab) {
		return ""
	}
	length := bytes.IndexByte(strTab[offset:], 0)
	if length < 0 {
		return string(strTab[offset:])
	}
	return string(strTab[offset : offset+uint32(length)])
}

func writeString(buf []byte, str string) int64 {
	copy(buf, str)
	buf[len(str)] = 0
	return int64(len(str)) + 1
}
