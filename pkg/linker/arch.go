package linker

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/ksco/elfld/pkg/utils"
)

// Relax is the TLS access model a site is rewritten to.
type Relax uint8

const (
	RelaxNone Relax = iota
	RelaxIE
	RelaxLE
)

func (r Relax) String() string {
	switch r {
	case RelaxIE:
		return "IE"
	case RelaxLE:
		return "LE"
	}
	return "none"
}

// RelKind classifies a relocation type by what the scanner has to
// reserve for it.
type RelKind uint8

const (
	RelUnknown RelKind = iota
	RelNone
	RelAbs
	RelPC
	RelPLT
	RelGOT
	RelGOTPC
	RelGOTOFF
	RelSize
	RelTLSGD
	RelTLSLD
	RelDTPOFF
	RelGOTTP
	RelTPOFF
)

// RelInfo describes one relocation type of an architecture.
type RelInfo struct {
	Name string
	Kind RelKind
	// Size is the width in bytes of the relocated field.
	Size int
}

// DynRelTypes names the dynamic relocation types an architecture emits.
type DynRelTypes struct {
	Abs      uint32
	Relative uint32
	GlobDat  uint32
	JumpSlot uint32
	Copy     uint32
	TpOff    uint32
	DtpMod   uint32
	DtpOff   uint32
}

// Arch is the closed set of supported target architectures. Each value is
// an immutable singleton, so backends compare with ==.
type Arch interface {
	Name() string
	Machine() elf.Machine
	Layout() Layout
	Flags(ctx *Context) uint32
	MaxPageSize() uint64
	CommonPageSize() uint64
	ImageBase() uint64
	UsesRela() bool
	DynRelTypes() DynRelTypes

	RelocInfo(typ uint32) (RelInfo, bool)
	RelocName(typ uint32) string
	IsAbsolute(typ uint32) bool
	IsRelative(typ uint32) bool

	// LoadAddends fills in the addends of a REL section's relocations from
	// the bytes they patch.
	LoadAddends(ctx *Context, isec *InputSection, rels []*Reloc)
	// WriteAddend stores an implicit addend back into a relocated field.
	WriteAddend(loc []byte, typ uint32, val int64)

	CheckRelax(ctx *Context, sym *Symbol) Relax
	// TpOff and DtpOff are a TLS symbol's offsets from the thread pointer
	// and from the start of its module's block, as the ABI biases them.
	TpOff(ctx *Context, sym *Symbol) uint64
	DtpOff(ctx *Context, sym *Symbol) uint64
	Scan(ctx *Context, isec *InputSection, rel *Reloc)
	// Apply patches the relocated section image buf.
	Apply(ctx *Context, isec *InputSection, rel *Reloc, buf []byte)
	FinalizeDynamic(ctx *Context, r *DynReloc)

	// GotBase is the value of _GLOBAL_OFFSET_TABLE_ (or _gp).
	GotBase(ctx *Context) uint64
	GotHeaderEntries() uint64
	GotPltHeaderEntries() uint64
	PltHeaderSize() uint64
	PltEntrySize() uint64
	WritePltHeader(ctx *Context, buf []byte)
	WritePltEntry(ctx *Context, buf []byte, sym *Symbol)
	// GotPltEntry is the lazy-binding value a .got.plt slot starts with.
	GotPltEntry(ctx *Context, sym *Symbol) uint64
	DynamicTags(ctx *Context) []Dyn

	sealed()
}

var archs = []Arch{amd64Arch, i386Arch, littleMipsArch, bigMipsArch}

var archAliases = map[string]Arch{
	"amd64":       amd64Arch,
	"x86-64":      amd64Arch,
	"x86_64":      amd64Arch,
	"elf_x86_64":  amd64Arch,
	"i386":        i386Arch,
	"x86":         i386Arch,
	"i686":        i386Arch,
	"elf_i386":    i386Arch,
	"littlemips":  littleMipsArch,
	"mipsel":      littleMipsArch,
	"elf32ltsmip": littleMipsArch,
	"bigmips":     bigMipsArch,
	"mips":        bigMipsArch,
	"elf32btsmip": bigMipsArch,
}

// ArchByName selects a backend by emulation name or alias.
func ArchByName(name string) (Arch, error) {
	if arch, ok := archAliases[strings.ToLower(name)]; ok {
		return arch, nil
	}
	return nil, &Error{Kind: ErrUnsupported, Err: fmt.Errorf("unknown emulation: %s", name)}
}

// archBase carries the table-driven parts every backend shares.
type archBase struct {
	name    string
	machine elf.Machine
	layout  Layout
	rela    bool
	maxPage uint64
	cmnPage uint64
	base    uint64
	dyn     DynRelTypes
	relocs  map[uint32]RelInfo
}

func (a *archBase) Name() string           { return a.name }
func (a *archBase) Machine() elf.Machine   { return a.machine }
func (a *archBase) Layout() Layout         { return a.layout }
func (a *archBase) MaxPageSize() uint64    { return a.maxPage }
func (a *archBase) CommonPageSize() uint64 { return a.cmnPage }
func (a *archBase) ImageBase() uint64      { return a.base }
func (a *archBase) UsesRela() bool         { return a.rela }
func (a *archBase) DynRelTypes() DynRelTypes {
	return a.dyn
}
func (a *archBase) sealed() {}

func (a *archBase) RelocInfo(typ uint32) (RelInfo, bool) {
	info, ok := a.relocs[typ]
	return info, ok
}

func (a *archBase) RelocName(typ uint32) string {
	if info, ok := a.relocs[typ]; ok {
		return info.Name
	}
	return fmt.Sprintf("unknown(%d)", typ)
}

func (a *archBase) IsAbsolute(typ uint32) bool {
	info, ok := a.relocs[typ]
	return ok && info.Kind == RelAbs
}

func (a *archBase) IsRelative(typ uint32) bool {
	return typ == a.dyn.Relative
}

func (a *archBase) Flags(ctx *Context) uint32 {
	return 0
}

func (a *archBase) DynamicTags(ctx *Context) []Dyn {
	return nil
}

// readField and writeField access a little- or big-endian relocation
// field of the given byte width.
func (a *archBase) readField(loc []byte, size int) uint64 {
	switch size {
	case 1:
		return uint64(loc[0])
	case 2:
		return uint64(a.layout.Uint16(loc))
	case 4:
		return uint64(a.layout.Uint32(loc))
	case 8:
		return a.layout.Uint64(loc)
	}
	return 0
}

func (a *archBase) writeField(loc []byte, size int, val uint64) {
	switch size {
	case 1:
		loc[0] = uint8(val)
	case 2:
		a.layout.PutUint16(loc, uint16(val))
	case 4:
		a.layout.PutUint32(loc, uint32(val))
	case 8:
		a.layout.PutUint64(loc, val)
	}
}

// checkedWrite stores val into a size-byte field, failing the link when it
// is representable neither as signed nor as unsigned at that width.
func (a *archBase) checkedWrite(ctx *Context, isec *InputSection, rel *Reloc, loc []byte, size int, val uint64) {
	bits := size * 8
	if !utils.FitsSigned(int64(val), bits) && !utils.FitsUnsigned(val, bits) {
		overflow(ctx, a.RelocName(rel.Type), isec, rel, int64(val), bits)
	}
	a.writeField(loc, size, val)
}

func (a *archBase) checkedWriteSigned(ctx *Context, isec *InputSection, rel *Reloc, loc []byte, size int, val uint64) {
	if !utils.FitsSigned(int64(val), size*8) {
		overflow(ctx, a.RelocName(rel.Type), isec, rel, int64(val), size*8)
	}
	a.writeField(loc, size, val)
}

func (a *archBase) checkedWriteUnsigned(ctx *Context, isec *InputSection, rel *Reloc, loc []byte, size int, val uint64) {
	if !utils.FitsUnsigned(val, size*8) {
		overflow(ctx, a.RelocName(rel.Type), isec, rel, int64(val), size*8)
	}
	a.writeField(loc, size, val)
}

func overflow(ctx *Context, name string, isec *InputSection, rel *Reloc, val int64, bits int) {
	ctx.Fatalf(ErrOverflow, "%s+0x%x: relocation %s against %s out of range: %d does not fit in %d bits",
		isec, rel.Offset, name, rel.Symbol(ctx).LongName(), val, bits)
}

// defaultCheckRelax picks the cheapest TLS model a site can use given the
// output kind and where the symbol ends up.
func defaultCheckRelax(ctx *Context, sym *Symbol) Relax {
	switch {
	case ctx.IsShared(), ctx.IsRelocatable():
		return RelaxNone
	case !ctx.IsDynamic(), ctx.IsLocalDef(sym):
		return RelaxLE
	}
	return RelaxIE
}

// tpOffset is the offset of sym from the thread pointer for variant II
// TLS (x86), where the pointer sits at the end of the block.
func tpOffset(ctx *Context, sym *Symbol) uint64 {
	return sym.GetAddr(ctx) - ctx.TLSBase - utils.AlignTo(ctx.TLSSize, max(ctx.TLSAlign, 1))
}

func dtpOffset(ctx *Context, sym *Symbol) uint64 {
	return sym.GetAddr(ctx) - ctx.TLSBase
}

func (a *archBase) TpOff(ctx *Context, sym *Symbol) uint64  { return tpOffset(ctx, sym) }
func (a *archBase) DtpOff(ctx *Context, sym *Symbol) uint64 { return dtpOffset(ctx, sym) }

// FinalizeDynamic computes the addends of symbol-less records: load-base
// relative addresses and offsets into the module's own TLS block.
func (a *archBase) FinalizeDynamic(ctx *Context, r *DynReloc) {
	if r.Target == nil {
		return
	}
	switch r.Type {
	case a.dyn.Relative:
		r.Value = int64(r.Target.GetAddr(ctx)) + r.Addend
	case a.dyn.TpOff, a.dyn.DtpOff:
		r.Value = int64(r.Target.GetAddr(ctx)-ctx.TLSBase) + r.Addend
	}
}
