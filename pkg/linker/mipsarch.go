package linker

import (
	"debug/elf"

	"github.com/ksco/elfld/pkg/utils"
)

const (
	rMipsCopy     = 126
	rMipsJumpSlot = 127

	// The MIPS ABI biases the global pointer into the middle of the GOT
	// and the thread pointer past the TCB, so 16-bit offsets reach further.
	mipsGpBias  = 0x7ff0
	mipsTpBias  = 0x7000
	mipsDtpBias = 0x8000

	rhfNotpot = 2
)

type mips struct {
	archBase
}

var mipsRelocs = map[uint32]RelInfo{
	uint32(elf.R_MIPS_NONE):             {"R_MIPS_NONE", RelNone, 0},
	uint32(elf.R_MIPS_16):               {"R_MIPS_16", RelAbs, 2},
	uint32(elf.R_MIPS_32):               {"R_MIPS_32", RelAbs, 4},
	uint32(elf.R_MIPS_REL32):            {"R_MIPS_REL32", RelUnknown, 0},
	uint32(elf.R_MIPS_26):               {"R_MIPS_26", RelPC, 4},
	uint32(elf.R_MIPS_HI16):             {"R_MIPS_HI16", RelAbs, 4},
	uint32(elf.R_MIPS_LO16):             {"R_MIPS_LO16", RelAbs, 4},
	uint32(elf.R_MIPS_GPREL16):          {"R_MIPS_GPREL16", RelGOTOFF, 4},
	uint32(elf.R_MIPS_GOT16):            {"R_MIPS_GOT16", RelGOT, 4},
	uint32(elf.R_MIPS_PC16):             {"R_MIPS_PC16", RelPC, 4},
	uint32(elf.R_MIPS_CALL16):           {"R_MIPS_CALL16", RelGOT, 4},
	uint32(elf.R_MIPS_GPREL32):          {"R_MIPS_GPREL32", RelGOTOFF, 4},
	uint32(elf.R_MIPS_JALR):             {"R_MIPS_JALR", RelNone, 0},
	uint32(elf.R_MIPS_TLS_DTPMOD32):     {"R_MIPS_TLS_DTPMOD32", RelUnknown, 0},
	uint32(elf.R_MIPS_TLS_DTPREL32):     {"R_MIPS_TLS_DTPREL32", RelDTPOFF, 4},
	uint32(elf.R_MIPS_TLS_GD):           {"R_MIPS_TLS_GD", RelTLSGD, 4},
	uint32(elf.R_MIPS_TLS_LDM):          {"R_MIPS_TLS_LDM", RelTLSLD, 4},
	uint32(elf.R_MIPS_TLS_DTPREL_HI16):  {"R_MIPS_TLS_DTPREL_HI16", RelDTPOFF, 4},
	uint32(elf.R_MIPS_TLS_DTPREL_LO16):  {"R_MIPS_TLS_DTPREL_LO16", RelDTPOFF, 4},
	uint32(elf.R_MIPS_TLS_GOTTPREL):     {"R_MIPS_TLS_GOTTPREL", RelGOTTP, 4},
	uint32(elf.R_MIPS_TLS_TPREL32):      {"R_MIPS_TLS_TPREL32", RelTPOFF, 4},
	uint32(elf.R_MIPS_TLS_TPREL_HI16):   {"R_MIPS_TLS_TPREL_HI16", RelTPOFF, 4},
	uint32(elf.R_MIPS_TLS_TPREL_LO16):   {"R_MIPS_TLS_TPREL_LO16", RelTPOFF, 4},
	rMipsCopy:                           {"R_MIPS_COPY", RelUnknown, 0},
	rMipsJumpSlot:                       {"R_MIPS_JUMP_SLOT", RelUnknown, 0},
}

var mipsDynRelTypes = DynRelTypes{
	Abs:      uint32(elf.R_MIPS_REL32),
	Relative: uint32(elf.R_MIPS_REL32),
	GlobDat:  uint32(elf.R_MIPS_REL32),
	JumpSlot: rMipsJumpSlot,
	Copy:     rMipsCopy,
	TpOff:    uint32(elf.R_MIPS_TLS_TPREL32),
	DtpMod:   uint32(elf.R_MIPS_TLS_DTPMOD32),
	DtpOff:   uint32(elf.R_MIPS_TLS_DTPREL32),
}

var littleMipsArch = &mips{archBase{
	name:    "littlemips",
	machine: elf.EM_MIPS,
	layout:  LayoutLE32,
	maxPage: 0x10000,
	cmnPage: 0x1000,
	base:    0x400000,
	dyn:     mipsDynRelTypes,
	relocs:  mipsRelocs,
}}

var bigMipsArch = &mips{archBase{
	name:    "bigmips",
	machine: elf.EM_MIPS,
	layout:  LayoutBE32,
	maxPage: 0x10000,
	cmnPage: 0x1000,
	base:    0x400000,
	dyn:     mipsDynRelTypes,
	relocs:  mipsRelocs,
}}

// Flags merges the e_flags of the input objects. The ISA level is taken
// from the first object; mixing levels is reported.
func (a *mips) Flags(ctx *Context) uint32 {
	var flags uint32
	first := true
	for _, o := range ctx.Objs {
		if o == ctx.InternalObj || !o.IsAlive {
			continue
		}
		f := o.Ehdr.Flags
		if first {
			flags, first = f, false
			continue
		}
		if f&EF_MIPS_ARCH != flags&EF_MIPS_ARCH {
			ctx.Warnf("%s: linking objects for different MIPS ISA levels", o.Name())
		}
		flags |= f & EF_MIPS_NOREORDER
		if f&EF_MIPS_PIC == 0 {
			flags &^= EF_MIPS_PIC
		}
	}
	if ctx.IsShared() {
		flags |= EF_MIPS_PIC | EF_MIPS_CPIC
	}
	return flags
}

// pairedLo returns the low relocation matching hi: the next one of type
// lo against the same symbol.
func pairedLo(rels []*Reloc, hi *Reloc, lo elf.R_MIPS) *Reloc {
	for _, r := range rels {
		if r.Type == uint32(lo) && r.Sym == hi.Sym {
			return r
		}
	}
	return nil
}

// LoadAddends decodes the in-place addends. A HI16-style relocation
// carries only the upper half, so its addend combines with the low half
// of the matching LO16.
func (a *mips) LoadAddends(ctx *Context, isec *InputSection, rels []*Reloc) {
	word := func(r *Reloc) uint64 {
		return uint64(a.layout.Uint32(isec.Contents[r.Offset:]))
	}
	sext16 := func(v uint64) int64 {
		return int64(int16(v & 0xffff))
	}

	for i, r := range rels {
		var lo elf.R_MIPS
		switch elf.R_MIPS(r.Type) {
		case elf.R_MIPS_NONE, elf.R_MIPS_JALR:
			continue
		case elf.R_MIPS_16:
			r.Addend = int64(int16(a.layout.Uint16(isec.Contents[r.Offset:])))
			continue
		case elf.R_MIPS_32, elf.R_MIPS_REL32, elf.R_MIPS_GPREL32,
			elf.R_MIPS_TLS_DTPREL32, elf.R_MIPS_TLS_TPREL32:
			r.Addend = int64(int32(word(r)))
			continue
		case elf.R_MIPS_26:
			r.Addend = int64(utils.SignExtend((word(r)&0x3ffffff)<<2, 27))
			continue
		case elf.R_MIPS_PC16:
			r.Addend = int64(utils.SignExtend((word(r)&0xffff)<<2, 17))
			continue
		case elf.R_MIPS_HI16:
			lo = elf.R_MIPS_LO16
		case elf.R_MIPS_GOT16:
			if !r.Symbol(ctx).IsLocal() {
				r.Addend = sext16(word(r))
				continue
			}
			lo = elf.R_MIPS_LO16
		case elf.R_MIPS_TLS_DTPREL_HI16:
			lo = elf.R_MIPS_TLS_DTPREL_LO16
		case elf.R_MIPS_TLS_TPREL_HI16:
			lo = elf.R_MIPS_TLS_TPREL_LO16
		default:
			r.Addend = sext16(word(r))
			continue
		}

		hi := int32(uint32(word(r)) << 16)
		pair := pairedLo(rels[i+1:], r, lo)
		if pair == nil {
			ctx.Warnf("%s+0x%x: %s has no matching %s", isec, r.Offset, a.RelocName(r.Type), a.RelocName(uint32(lo)))
			r.Addend = int64(hi)
			continue
		}
		r.Addend = int64(hi + int32(int16(word(pair)&0xffff)))
	}
}

func (a *mips) WriteAddend(loc []byte, typ uint32, val int64) {
	v := uint64(val)
	switch elf.R_MIPS(typ) {
	case elf.R_MIPS_16:
		a.layout.PutUint16(loc, uint16(v))
	case elf.R_MIPS_32, elf.R_MIPS_REL32, elf.R_MIPS_GPREL32,
		elf.R_MIPS_TLS_DTPREL32, elf.R_MIPS_TLS_TPREL32:
		a.layout.PutUint32(loc, uint32(v))
	case elf.R_MIPS_26:
		a.writeBits(loc, 0x3ffffff, v>>2)
	case elf.R_MIPS_PC16:
		a.writeBits(loc, 0xffff, v>>2)
	case elf.R_MIPS_HI16, elf.R_MIPS_TLS_DTPREL_HI16, elf.R_MIPS_TLS_TPREL_HI16:
		a.writeHi16(loc, v)
	case elf.R_MIPS_NONE, elf.R_MIPS_JALR:
	default:
		a.writeBits(loc, 0xffff, v)
	}
}

func (a *mips) writeBits(loc []byte, mask uint32, v uint64) {
	w := a.layout.Uint32(loc)
	a.layout.PutUint32(loc, w&^mask|uint32(v)&mask)
}

func (a *mips) writeHi16(loc []byte, v uint64) {
	a.writeBits(loc, 0xffff, (v+0x8000)>>16)
}

func (a *mips) writeLo16(ctx *Context, isec *InputSection, r *Reloc, loc []byte, v uint64, check bool) {
	if check && !utils.FitsSigned(int64(v), 16) {
		overflow(ctx, a.RelocName(r.Type), isec, r, int64(v), 16)
	}
	a.writeBits(loc, 0xffff, v)
}

func (a *mips) CheckRelax(ctx *Context, sym *Symbol) Relax {
	return RelaxNone
}

func (a *mips) TpOff(ctx *Context, sym *Symbol) uint64 {
	return sym.GetAddr(ctx) - ctx.TLSBase - mipsTpBias
}

func (a *mips) DtpOff(ctx *Context, sym *Symbol) uint64 {
	return sym.GetAddr(ctx) - ctx.TLSBase - mipsDtpBias
}

func isGpDisp(sym *Symbol) bool {
	return sym.Name == "_gp_disp"
}

func (a *mips) Scan(ctx *Context, isec *InputSection, r *Reloc) {
	info, _ := a.RelocInfo(r.Type)
	sym := r.Symbol(ctx)

	switch elf.R_MIPS(r.Type) {
	case elf.R_MIPS_HI16, elf.R_MIPS_LO16:
		if isGpDisp(sym) {
			ctx.needsGotBase = true
			break
		}
		// Each half holds only part of the address, so it can never take
		// a word-sized dynamic relocation.
		scanAbs(ctx, isec, r, sym, RelInfo{Name: info.Name, Kind: RelAbs, Size: 2})
	case elf.R_MIPS_GOT16:
		ctx.needsGotBase = true
		if sym.IsLocal() {
			ctx.Got.AddPage(sym, r.Addend)
			break
		}
		sym.Flags |= NEEDS_GOT
	case elf.R_MIPS_CALL16, elf.R_MIPS_GPREL16, elf.R_MIPS_GPREL32:
		scanGeneric(ctx, isec, r, info, 0)
		return
	case elf.R_MIPS_TLS_GD:
		sym.Flags |= NEEDS_TLSGD
		ctx.needsGotBase = true
	case elf.R_MIPS_TLS_LDM:
		// Local-dynamic code is never rewritten here, so the module
		// entry is always needed.
		ctx.tlsLd.seen = true
		ctx.tlsLd.mismatch = true
		ctx.needsGotBase = true
	case elf.R_MIPS_TLS_GOTTPREL:
		sym.Flags |= NEEDS_GOTTP
		ctx.needsGotBase = true
	case elf.R_MIPS_TLS_DTPREL32, elf.R_MIPS_TLS_DTPREL_HI16, elf.R_MIPS_TLS_DTPREL_LO16:
	default:
		scanGeneric(ctx, isec, r, info, 0)
		return
	}
	r.MarkScanned(ctx)
}

func (a *mips) Apply(ctx *Context, isec *InputSection, r *Reloc, buf []byte) {
	sym := r.Symbol(ctx)
	loc := buf[r.Offset:]
	S := sym.GetAddr(ctx)
	A := uint64(r.Addend)
	P := isec.GetAddr() + r.Offset
	GP := a.GotBase(ctx)

	switch elf.R_MIPS(r.Type) {
	case elf.R_MIPS_NONE, elf.R_MIPS_JALR:
	case elf.R_MIPS_16:
		a.checkedWrite(ctx, isec, r, loc, 2, S+A)
	case elf.R_MIPS_32:
		a.writeField(loc, 4, S+A)
	case elf.R_MIPS_26:
		v := S + A
		if (v^(P+4))&0xf0000000 != 0 {
			overflow(ctx, a.RelocName(r.Type), isec, r, int64(v), 28)
		}
		a.writeBits(loc, 0x3ffffff, v>>2)
	case elf.R_MIPS_HI16:
		if isGpDisp(sym) {
			a.writeHi16(loc, GP+A-P)
			break
		}
		a.writeHi16(loc, S+A)
	case elf.R_MIPS_LO16:
		if isGpDisp(sym) {
			// The low half is loaded by the instruction after the high one.
			a.writeLo16(ctx, isec, r, loc, GP+A-P+4, false)
			break
		}
		a.writeLo16(ctx, isec, r, loc, S+A, false)
	case elf.R_MIPS_PC16:
		v := S + A - P
		if !utils.FitsSigned(int64(v), 18) || v&3 != 0 {
			overflow(ctx, a.RelocName(r.Type), isec, r, int64(v), 18)
		}
		a.writeBits(loc, 0xffff, v>>2)
	case elf.R_MIPS_GPREL16:
		a.writeLo16(ctx, isec, r, loc, S+A-GP, true)
	case elf.R_MIPS_GPREL32:
		a.writeField(loc, 4, S+A-GP)
	case elf.R_MIPS_GOT16:
		if sym.IsLocal() {
			a.writeLo16(ctx, isec, r, loc, ctx.Got.PageAddr(ctx, sym, r.Addend)-GP, true)
			break
		}
		a.writeLo16(ctx, isec, r, loc, sym.GetGotAddr(ctx)-GP, true)
	case elf.R_MIPS_CALL16:
		a.writeLo16(ctx, isec, r, loc, sym.GetGotAddr(ctx)-GP, true)

	case elf.R_MIPS_TLS_GD:
		a.writeLo16(ctx, isec, r, loc, sym.GetTlsGdAddr(ctx)-GP, true)
	case elf.R_MIPS_TLS_LDM:
		a.writeLo16(ctx, isec, r, loc, ctx.Got.TlsLdAddr(ctx)-GP, true)
	case elf.R_MIPS_TLS_GOTTPREL:
		a.writeLo16(ctx, isec, r, loc, sym.GetGotTpAddr(ctx)-GP, true)
	case elf.R_MIPS_TLS_DTPREL32:
		a.writeField(loc, 4, a.DtpOff(ctx, sym)+A)
	case elf.R_MIPS_TLS_DTPREL_HI16:
		a.writeHi16(loc, a.DtpOff(ctx, sym)+A)
	case elf.R_MIPS_TLS_DTPREL_LO16:
		a.writeLo16(ctx, isec, r, loc, a.DtpOff(ctx, sym)+A, false)
	case elf.R_MIPS_TLS_TPREL32:
		a.writeField(loc, 4, a.TpOff(ctx, sym)+A)
	case elf.R_MIPS_TLS_TPREL_HI16:
		a.writeHi16(loc, a.TpOff(ctx, sym)+A)
	case elf.R_MIPS_TLS_TPREL_LO16:
		a.writeLo16(ctx, isec, r, loc, a.TpOff(ctx, sym)+A, false)
	}
}

// FinalizeDynamic computes the implicit addends of REL32 records. The
// loader adds the load bias, or the symbol value when one is named.
func (a *mips) FinalizeDynamic(ctx *Context, r *DynReloc) {
	switch {
	case r.Target == nil:
	case r.Type == uint32(elf.R_MIPS_REL32):
		r.Value = int64(r.Target.GetAddr(ctx)) + r.Addend
	case r.Type == a.dyn.TpOff || r.Type == a.dyn.DtpOff:
		r.Value = int64(r.Target.GetAddr(ctx)-ctx.TLSBase) + r.Addend
	}
}

// GotBase is the value of _gp.
func (a *mips) GotBase(ctx *Context) uint64 {
	return ctx.Got.GetAddr() + mipsGpBias
}

// The first two GOT words belong to the lazy resolver and the module
// pointer.
func (a *mips) GotHeaderEntries() uint64    { return 2 }
func (a *mips) GotPltHeaderEntries() uint64 { return 0 }
func (a *mips) PltHeaderSize() uint64       { return 0 }
func (a *mips) PltEntrySize() uint64        { return 0 }

func (a *mips) WritePltHeader(ctx *Context, buf []byte)             {}
func (a *mips) WritePltEntry(ctx *Context, buf []byte, sym *Symbol) {}

func (a *mips) GotPltEntry(ctx *Context, sym *Symbol) uint64 {
	return 0
}

func (a *mips) DynamicTags(ctx *Context) []Dyn {
	return []Dyn{
		{elf.DT_MIPS_RLD_VERSION, 1},
		{elf.DT_MIPS_FLAGS, rhfNotpot},
		{elf.DT_MIPS_BASE_ADDRESS, ctx.ImageBase()},
		{elf.DT_MIPS_LOCAL_GOTNO, uint64(ctx.Got.NumLocal)},
		{elf.DT_MIPS_SYMTABNO, uint64(len(ctx.Dynsym.Syms))},
		{elf.DT_MIPS_GOTSYM, uint64(ctx.Dynsym.FirstGotGlobal(ctx))},
		{elf.DT_PLTGOT, ctx.Got.GetAddr()},
	}
}
