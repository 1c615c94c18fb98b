package linker

import (
	"debug/elf"

	"golang.org/x/arch/x86/x86asm"
)

type amd64 struct {
	archBase
}

var amd64Arch = &amd64{archBase{
	name:    "amd64",
	machine: elf.EM_X86_64,
	layout:  LayoutLE64,
	rela:    true,
	maxPage: 0x1000,
	cmnPage: 0x1000,
	base:    0x400000,
	dyn: DynRelTypes{
		Abs:      uint32(elf.R_X86_64_64),
		Relative: uint32(elf.R_X86_64_RELATIVE),
		GlobDat:  uint32(elf.R_X86_64_GLOB_DAT),
		JumpSlot: uint32(elf.R_X86_64_JMP_SLOT),
		Copy:     uint32(elf.R_X86_64_COPY),
		TpOff:    uint32(elf.R_X86_64_TPOFF64),
		DtpMod:   uint32(elf.R_X86_64_DTPMOD64),
		DtpOff:   uint32(elf.R_X86_64_DTPOFF64),
	},
	relocs: map[uint32]RelInfo{
		uint32(elf.R_X86_64_NONE):          {"R_X86_64_NONE", RelNone, 0},
		uint32(elf.R_X86_64_64):            {"R_X86_64_64", RelAbs, 8},
		uint32(elf.R_X86_64_PC32):          {"R_X86_64_PC32", RelPC, 4},
		uint32(elf.R_X86_64_GOT32):         {"R_X86_64_GOT32", RelGOT, 4},
		uint32(elf.R_X86_64_PLT32):         {"R_X86_64_PLT32", RelPLT, 4},
		uint32(elf.R_X86_64_COPY):          {"R_X86_64_COPY", RelUnknown, 0},
		uint32(elf.R_X86_64_GLOB_DAT):      {"R_X86_64_GLOB_DAT", RelUnknown, 0},
		uint32(elf.R_X86_64_JMP_SLOT):      {"R_X86_64_JUMP_SLOT", RelUnknown, 0},
		uint32(elf.R_X86_64_RELATIVE):      {"R_X86_64_RELATIVE", RelUnknown, 0},
		uint32(elf.R_X86_64_GOTPCREL):      {"R_X86_64_GOTPCREL", RelGOT, 4},
		uint32(elf.R_X86_64_32):            {"R_X86_64_32", RelAbs, 4},
		uint32(elf.R_X86_64_32S):           {"R_X86_64_32S", RelAbs, 4},
		uint32(elf.R_X86_64_16):            {"R_X86_64_16", RelAbs, 2},
		uint32(elf.R_X86_64_PC16):          {"R_X86_64_PC16", RelPC, 2},
		uint32(elf.R_X86_64_8):             {"R_X86_64_8", RelAbs, 1},
		uint32(elf.R_X86_64_PC8):           {"R_X86_64_PC8", RelPC, 1},
		uint32(elf.R_X86_64_DTPMOD64):      {"R_X86_64_DTPMOD64", RelUnknown, 0},
		uint32(elf.R_X86_64_DTPOFF64):      {"R_X86_64_DTPOFF64", RelDTPOFF, 8},
		uint32(elf.R_X86_64_TPOFF64):       {"R_X86_64_TPOFF64", RelTPOFF, 8},
		uint32(elf.R_X86_64_TLSGD):         {"R_X86_64_TLSGD", RelTLSGD, 4},
		uint32(elf.R_X86_64_TLSLD):         {"R_X86_64_TLSLD", RelTLSLD, 4},
		uint32(elf.R_X86_64_DTPOFF32):      {"R_X86_64_DTPOFF32", RelDTPOFF, 4},
		uint32(elf.R_X86_64_GOTTPOFF):      {"R_X86_64_GOTTPOFF", RelGOTTP, 4},
		uint32(elf.R_X86_64_TPOFF32):       {"R_X86_64_TPOFF32", RelTPOFF, 4},
		uint32(elf.R_X86_64_PC64):          {"R_X86_64_PC64", RelPC, 8},
		uint32(elf.R_X86_64_GOTOFF64):      {"R_X86_64_GOTOFF64", RelGOTOFF, 8},
		uint32(elf.R_X86_64_GOTPC32):       {"R_X86_64_GOTPC32", RelGOTPC, 4},
		uint32(elf.R_X86_64_GOT64):         {"R_X86_64_GOT64", RelGOT, 8},
		uint32(elf.R_X86_64_GOTPCREL64):    {"R_X86_64_GOTPCREL64", RelGOT, 8},
		uint32(elf.R_X86_64_GOTPC64):       {"R_X86_64_GOTPC64", RelGOTPC, 8},
		uint32(elf.R_X86_64_SIZE32):        {"R_X86_64_SIZE32", RelSize, 4},
		uint32(elf.R_X86_64_SIZE64):        {"R_X86_64_SIZE64", RelSize, 8},
		uint32(elf.R_X86_64_GOTPCRELX):     {"R_X86_64_GOTPCRELX", RelGOT, 4},
		uint32(elf.R_X86_64_REX_GOTPCRELX): {"R_X86_64_REX_GOTPCRELX", RelGOT, 4},
	},
}}

func (a *amd64) LoadAddends(ctx *Context, isec *InputSection, rels []*Reloc) {}

func (a *amd64) WriteAddend(loc []byte, typ uint32, val int64) {}

func (a *amd64) CheckRelax(ctx *Context, sym *Symbol) Relax {
	return defaultCheckRelax(ctx, sym)
}

// gdSite matches
//
//	66 48 8d 3d xx xx xx xx    data16 lea x@tlsgd(%rip), %rdi
//	66 66 48 e8 xx xx xx xx    data16 data16 rex.W call __tls_get_addr
func (a *amd64) gdSite(isec *InputSection, r *Reloc) bool {
	return matchSite(isec, int64(r.Offset)-4, []byte{0x66, 0x48, 0x8d, 0x3d}, 16, 64,
		x86asm.LEA, x86asm.CALL) && isec.Contents[r.Offset+4] == 0x66
}

// ldSite matches
//
//	48 8d 3d xx xx xx xx    lea x@tlsld(%rip), %rdi
//	e8 xx xx xx xx          call __tls_get_addr
func (a *amd64) ldSite(isec *InputSection, r *Reloc) bool {
	return matchSite(isec, int64(r.Offset)-3, []byte{0x48, 0x8d, 0x3d}, 12, 64,
		x86asm.LEA, x86asm.CALL) && isec.Contents[r.Offset+4] == 0xe8
}

// ieSite matches a mov or add of x@gottpoff(%rip) into a 64-bit register.
func (a *amd64) ieSite(isec *InputSection, r *Reloc) bool {
	code := tlsSite(isec, int64(r.Offset)-3, 7)
	if code == nil || (code[0] != 0x48 && code[0] != 0x4c) || code[2]&0xc7 != 0x05 {
		return false
	}
	switch code[1] {
	case 0x8b:
		return matchInsts(code, 64, x86asm.MOV)
	case 0x03:
		return matchInsts(code, 64, x86asm.ADD)
	}
	return false
}

func (a *amd64) Scan(ctx *Context, isec *InputSection, r *Reloc) {
	info, _ := a.RelocInfo(r.Type)
	sym := r.Symbol(ctx)

	switch info.Kind {
	case RelTLSGD:
		relax := a.CheckRelax(ctx, sym)
		switch {
		case relax == RelaxNone:
			sym.Flags |= NEEDS_TLSGD
		case !a.gdSite(isec, r):
			warnTLSSite(ctx, isec, r)
			sym.Flags |= NEEDS_TLSGD
		default:
			r.Relax = relax
			if relax == RelaxIE {
				sym.Flags |= NEEDS_GOTTP
			}
			consumeCall(ctx, isec, r.Offset+8)
		}
	case RelTLSLD:
		ctx.tlsLd.seen = true
		if ctx.TLSLDRelaxed() {
			if a.ldSite(isec, r) {
				r.Relax = RelaxLE
				consumeCall(ctx, isec, r.Offset+5)
			} else {
				warnTLSSite(ctx, isec, r)
				ctx.tlsLd.mismatch = true
			}
		}
		ctx.tlsLd.last, ctx.tlsLd.lastSec = r.Relax, isec
	case RelDTPOFF:
		r.Relax = ctx.dtpoffRelax(isec)
	case RelGOTTP:
		if a.CheckRelax(ctx, sym) == RelaxLE && a.ieSite(isec, r) {
			r.Relax = RelaxLE
		} else {
			sym.Flags |= NEEDS_GOTTP
		}
	case RelSize:
	default:
		scanGeneric(ctx, isec, r, info, uint32(elf.R_X86_64_PC32))
		return
	}
	r.MarkScanned(ctx)
}

func (a *amd64) Apply(ctx *Context, isec *InputSection, r *Reloc, buf []byte) {
	sym := r.Symbol(ctx)
	loc := buf[r.Offset:]
	S := sym.GetAddr(ctx)
	A := uint64(r.Addend)
	P := isec.GetAddr() + r.Offset
	G := func() uint64 { return sym.GetGotAddr(ctx) }
	GOT := a.GotBase(ctx)

	switch elf.R_X86_64(r.Type) {
	case elf.R_X86_64_NONE:
	case elf.R_X86_64_64:
		a.writeField(loc, 8, S+A)
	case elf.R_X86_64_32:
		a.checkedWriteUnsigned(ctx, isec, r, loc, 4, S+A)
	case elf.R_X86_64_32S:
		a.checkedWriteSigned(ctx, isec, r, loc, 4, S+A)
	case elf.R_X86_64_16:
		a.checkedWrite(ctx, isec, r, loc, 2, S+A)
	case elf.R_X86_64_8:
		a.checkedWrite(ctx, isec, r, loc, 1, S+A)
	case elf.R_X86_64_PC32:
		a.checkedWriteSigned(ctx, isec, r, loc, 4, S+A-P)
	case elf.R_X86_64_PLT32:
		if sym.PltIdx != -1 {
			S = sym.GetPltAddr(ctx)
		}
		a.checkedWriteSigned(ctx, isec, r, loc, 4, S+A-P)
	case elf.R_X86_64_PC16:
		a.checkedWriteSigned(ctx, isec, r, loc, 2, S+A-P)
	case elf.R_X86_64_PC8:
		a.checkedWriteSigned(ctx, isec, r, loc, 1, S+A-P)
	case elf.R_X86_64_PC64:
		a.writeField(loc, 8, S+A-P)
	case elf.R_X86_64_GOT32:
		a.checkedWriteSigned(ctx, isec, r, loc, 4, G()+A-GOT)
	case elf.R_X86_64_GOT64:
		a.writeField(loc, 8, G()+A-GOT)
	case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
		a.checkedWriteSigned(ctx, isec, r, loc, 4, G()+A-P)
	case elf.R_X86_64_GOTPCREL64:
		a.writeField(loc, 8, G()+A-P)
	case elf.R_X86_64_GOTPC32:
		a.checkedWriteSigned(ctx, isec, r, loc, 4, GOT+A-P)
	case elf.R_X86_64_GOTPC64:
		a.writeField(loc, 8, GOT+A-P)
	case elf.R_X86_64_GOTOFF64:
		a.writeField(loc, 8, S+A-GOT)
	case elf.R_X86_64_SIZE32:
		a.checkedWriteUnsigned(ctx, isec, r, loc, 4, sym.Size+A)
	case elf.R_X86_64_SIZE64:
		a.writeField(loc, 8, sym.Size+A)

	case elf.R_X86_64_TLSGD:
		start := buf[r.Offset-4:]
		switch r.Relax {
		case RelaxLE:
			copy(start, []byte{
				0x64, 0x48, 0x8b, 0x04, 0x25, 0, 0, 0, 0, // mov %fs:0, %rax
				0x48, 0x8d, 0x80, 0, 0, 0, 0, // lea x@tpoff(%rax), %rax
			})
			a.checkedWriteSigned(ctx, isec, r, start[12:], 4, a.TpOff(ctx, sym)+A+4)
		case RelaxIE:
			copy(start, []byte{
				0x64, 0x48, 0x8b, 0x04, 0x25, 0, 0, 0, 0, // mov %fs:0, %rax
				0x48, 0x03, 0x05, 0, 0, 0, 0, // add x@gottpoff(%rip), %rax
			})
			a.checkedWriteSigned(ctx, isec, r, start[12:], 4, sym.GetGotTpAddr(ctx)-(P+12))
		default:
			a.checkedWriteSigned(ctx, isec, r, loc, 4, sym.GetTlsGdAddr(ctx)+A-P)
		}
	case elf.R_X86_64_TLSLD:
		if r.Relax == RelaxLE {
			copy(buf[r.Offset-3:], []byte{
				0x66, 0x66, 0x66, // padding
				0x64, 0x48, 0x8b, 0x04, 0x25, 0, 0, 0, 0, // mov %fs:0, %rax
			})
			break
		}
		a.checkedWriteSigned(ctx, isec, r, loc, 4, ctx.Got.TlsLdAddr(ctx)+A-P)
	case elf.R_X86_64_DTPOFF32:
		if r.Relax == RelaxLE {
			a.checkedWriteSigned(ctx, isec, r, loc, 4, a.TpOff(ctx, sym)+A)
		} else {
			a.checkedWriteSigned(ctx, isec, r, loc, 4, a.DtpOff(ctx, sym)+A)
		}
	case elf.R_X86_64_DTPOFF64:
		if r.Relax == RelaxLE {
			a.writeField(loc, 8, a.TpOff(ctx, sym)+A)
		} else {
			a.writeField(loc, 8, a.DtpOff(ctx, sym)+A)
		}
	case elf.R_X86_64_GOTTPOFF:
		if r.Relax == RelaxLE {
			a.relaxIEToLE(buf[r.Offset-3:])
			a.checkedWriteSigned(ctx, isec, r, loc, 4, a.TpOff(ctx, sym)+A+4)
			break
		}
		a.checkedWriteSigned(ctx, isec, r, loc, 4, sym.GetGotTpAddr(ctx)+A-P)
	case elf.R_X86_64_TPOFF32:
		a.checkedWriteSigned(ctx, isec, r, loc, 4, a.TpOff(ctx, sym)+A)
	case elf.R_X86_64_TPOFF64:
		a.writeField(loc, 8, a.TpOff(ctx, sym)+A)
	}
}

// relaxIEToLE rewrites "mov x@gottpoff(%rip), %reg" into
// "mov $x@tpoff, %reg" and the add form into a lea off the register.
func (a *amd64) relaxIEToLE(insn []byte) {
	rex, op, reg := insn[0], insn[1], (insn[2]>>3)&7
	switch {
	case op == 0x8b:
		if rex == 0x4c {
			insn[0] = 0x49
		}
		insn[1] = 0xc7
		insn[2] = 0xc0 | reg
	case reg == 4:
		// %rsp and %r12 cannot be a lea base without a SIB byte.
		if rex == 0x4c {
			insn[0] = 0x49
		}
		insn[1] = 0x81
		insn[2] = 0xc0 | reg
	default:
		if rex == 0x4c {
			insn[0] = 0x4d
		}
		insn[1] = 0x8d
		insn[2] = 0x80 | reg<<3 | reg
	}
}

func (a *amd64) GotBase(ctx *Context) uint64 {
	return ctx.GotPlt.GetAddr()
}

func (a *amd64) GotHeaderEntries() uint64    { return 0 }
func (a *amd64) GotPltHeaderEntries() uint64 { return 3 }
func (a *amd64) PltHeaderSize() uint64       { return 16 }
func (a *amd64) PltEntrySize() uint64        { return 16 }

func (a *amd64) WritePltHeader(ctx *Context, buf []byte) {
	copy(buf, []byte{
		0xff, 0x35, 0, 0, 0, 0, // push GOTPLT+8(%rip)
		0xff, 0x25, 0, 0, 0, 0, // jmp *GOTPLT+16(%rip)
		0x0f, 0x1f, 0x40, 0x00, // nop
	})
	plt := ctx.Plt.GetAddr()
	gotplt := ctx.GotPlt.GetAddr()
	a.layout.PutUint32(buf[2:], uint32(gotplt+8-(plt+6)))
	a.layout.PutUint32(buf[8:], uint32(gotplt+16-(plt+12)))
}

func (a *amd64) WritePltEntry(ctx *Context, buf []byte, sym *Symbol) {
	copy(buf, []byte{
		0xff, 0x25, 0, 0, 0, 0, // jmp *slot(%rip)
		0x68, 0, 0, 0, 0, // push $index
		0xe9, 0, 0, 0, 0, // jmp PLT0
	})
	ent := sym.GetPltAddr(ctx)
	a.layout.PutUint32(buf[2:], uint32(sym.GetGotPltAddr(ctx)-(ent+6)))
	a.layout.PutUint32(buf[7:], uint32(sym.PltIdx))
	a.layout.PutUint32(buf[12:], uint32(ctx.Plt.GetAddr()-(ent+16)))
}

func (a *amd64) GotPltEntry(ctx *Context, sym *Symbol) uint64 {
	return x86GotPltEntry(ctx, sym)
}
