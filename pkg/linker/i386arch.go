package linker

import (
	"debug/elf"

	"github.com/ksco/elfld/pkg/utils"
	"golang.org/x/arch/x86/x86asm"
)

type i386 struct {
	archBase
}

var i386Arch = &i386{archBase{
	name:    "i386",
	machine: elf.EM_386,
	layout:  LayoutLE32,
	maxPage: 0x1000,
	cmnPage: 0x1000,
	base:    0x8048000,
	dyn: DynRelTypes{
		Abs:      uint32(elf.R_386_32),
		Relative: uint32(elf.R_386_RELATIVE),
		GlobDat:  uint32(elf.R_386_GLOB_DAT),
		JumpSlot: uint32(elf.R_386_JMP_SLOT),
		Copy:     uint32(elf.R_386_COPY),
		TpOff:    uint32(elf.R_386_TLS_TPOFF),
		DtpMod:   uint32(elf.R_386_TLS_DTPMOD32),
		DtpOff:   uint32(elf.R_386_TLS_DTPOFF32),
	},
	relocs: map[uint32]RelInfo{
		uint32(elf.R_386_NONE):         {"R_386_NONE", RelNone, 0},
		uint32(elf.R_386_32):           {"R_386_32", RelAbs, 4},
		uint32(elf.R_386_PC32):         {"R_386_PC32", RelPC, 4},
		uint32(elf.R_386_GOT32):        {"R_386_GOT32", RelGOT, 4},
		uint32(elf.R_386_PLT32):        {"R_386_PLT32", RelPLT, 4},
		uint32(elf.R_386_COPY):         {"R_386_COPY", RelUnknown, 0},
		uint32(elf.R_386_GLOB_DAT):     {"R_386_GLOB_DAT", RelUnknown, 0},
		uint32(elf.R_386_JMP_SLOT):     {"R_386_JUMP_SLOT", RelUnknown, 0},
		uint32(elf.R_386_RELATIVE):     {"R_386_RELATIVE", RelUnknown, 0},
		uint32(elf.R_386_GOTOFF):       {"R_386_GOTOFF", RelGOTOFF, 4},
		uint32(elf.R_386_GOTPC):        {"R_386_GOTPC", RelGOTPC, 4},
		uint32(elf.R_386_TLS_TPOFF):    {"R_386_TLS_TPOFF", RelUnknown, 0},
		uint32(elf.R_386_TLS_IE):       {"R_386_TLS_IE", RelGOTTP, 4},
		uint32(elf.R_386_TLS_GOTIE):    {"R_386_TLS_GOTIE", RelGOTTP, 4},
		uint32(elf.R_386_TLS_LE):       {"R_386_TLS_LE", RelTPOFF, 4},
		uint32(elf.R_386_TLS_GD):       {"R_386_TLS_GD", RelTLSGD, 4},
		uint32(elf.R_386_TLS_LDM):      {"R_386_TLS_LDM", RelTLSLD, 4},
		uint32(elf.R_386_16):           {"R_386_16", RelAbs, 2},
		uint32(elf.R_386_PC16):         {"R_386_PC16", RelPC, 2},
		uint32(elf.R_386_8):            {"R_386_8", RelAbs, 1},
		uint32(elf.R_386_PC8):          {"R_386_PC8", RelPC, 1},
		uint32(elf.R_386_TLS_LDO_32):   {"R_386_TLS_LDO_32", RelDTPOFF, 4},
		uint32(elf.R_386_TLS_LE_32):    {"R_386_TLS_LE_32", RelTPOFF, 4},
		uint32(elf.R_386_TLS_DTPMOD32): {"R_386_TLS_DTPMOD32", RelUnknown, 0},
		uint32(elf.R_386_TLS_DTPOFF32): {"R_386_TLS_DTPOFF32", RelUnknown, 0},
		uint32(elf.R_386_TLS_TPOFF32):  {"R_386_TLS_TPOFF32", RelUnknown, 0},
		uint32(elf.R_386_SIZE32):       {"R_386_SIZE32", RelSize, 4},
		uint32(elf.R_386_GOT32X):       {"R_386_GOT32X", RelGOT, 4},
	},
}}

func (a *i386) LoadAddends(ctx *Context, isec *InputSection, rels []*Reloc) {
	for _, r := range rels {
		info, ok := a.RelocInfo(r.Type)
		if !ok || info.Size == 0 {
			continue
		}
		v := a.readField(isec.Contents[r.Offset:], info.Size)
		r.Addend = int64(utils.SignExtend(v, info.Size*8-1))
	}
}

func (a *i386) WriteAddend(loc []byte, typ uint32, val int64) {
	if info, ok := a.RelocInfo(typ); ok && info.Size > 0 {
		a.writeField(loc, info.Size, uint64(val))
	}
}

func (a *i386) CheckRelax(ctx *Context, sym *Symbol) Relax {
	return defaultCheckRelax(ctx, sym)
}

// gdSite matches
//
//	8d 04 1d xx xx xx xx    lea x@tlsgd(,%ebx,1), %eax
//	e8 xx xx xx xx          call ___tls_get_addr@plt
func (a *i386) gdSite(isec *InputSection, r *Reloc) bool {
	return matchSite(isec, int64(r.Offset)-3, []byte{0x8d, 0x04, 0x1d}, 12, 32,
		x86asm.LEA, x86asm.CALL) && isec.Contents[r.Offset+4] == 0xe8
}

// ldSite matches
//
//	8d 83 xx xx xx xx    lea x@tlsldm(%ebx), %eax
//	e8 xx xx xx xx       call ___tls_get_addr@plt
func (a *i386) ldSite(isec *InputSection, r *Reloc) bool {
	return matchSite(isec, int64(r.Offset)-2, []byte{0x8d, 0x83}, 11, 32,
		x86asm.LEA, x86asm.CALL) && isec.Contents[r.Offset+4] == 0xe8
}

// ieSite matches the instruction an initial-exec reference is embedded
// in: "movl x@indntpoff, %eax" or a mov/add with an absolute (TLS_IE) or
// GOT-relative (TLS_GOTIE) memory operand.
func (a *i386) ieSite(isec *InputSection, r *Reloc) bool {
	gotie := r.Type == uint32(elf.R_386_TLS_GOTIE)
	if !gotie {
		if code := tlsSite(isec, int64(r.Offset)-1, 5); code != nil && code[0] == 0xa1 {
			return matchInsts(code, 32, x86asm.MOV)
		}
	}
	code := tlsSite(isec, int64(r.Offset)-2, 6)
	if code == nil {
		return false
	}
	modrm := code[1]
	if gotie && modrm&0xc0 != 0x80 || !gotie && modrm&0xc7 != 0x05 {
		return false
	}
	switch code[0] {
	case 0x8b:
		return matchInsts(code, 32, x86asm.MOV)
	case 0x03:
		return matchInsts(code, 32, x86asm.ADD)
	}
	return false
}

func (a *i386) Scan(ctx *Context, isec *InputSection, r *Reloc) {
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
			consumeCall(ctx, isec, r.Offset+5)
		}
		ctx.needsGotBase = true
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
		ctx.needsGotBase = true
	case RelDTPOFF:
		r.Relax = ctx.dtpoffRelax(isec)
	case RelGOTTP:
		if a.CheckRelax(ctx, sym) == RelaxLE && a.ieSite(isec, r) {
			r.Relax = RelaxLE
			break
		}
		sym.Flags |= NEEDS_GOTTP
		if r.Type == uint32(elf.R_386_TLS_GOTIE) {
			ctx.needsGotBase = true
		}
	case RelSize:
	default:
		scanGeneric(ctx, isec, r, info, uint32(elf.R_386_PC32))
		return
	}
	r.MarkScanned(ctx)
}

func (a *i386) Apply(ctx *Context, isec *InputSection, r *Reloc, buf []byte) {
	sym := r.Symbol(ctx)
	loc := buf[r.Offset:]
	S := sym.GetAddr(ctx)
	A := uint64(r.Addend)
	P := isec.GetAddr() + r.Offset
	GOT := a.GotBase(ctx)

	switch elf.R_386(r.Type) {
	case elf.R_386_NONE:
	case elf.R_386_32:
		a.writeField(loc, 4, S+A)
	case elf.R_386_16:
		a.checkedWrite(ctx, isec, r, loc, 2, S+A)
	case elf.R_386_8:
		a.checkedWrite(ctx, isec, r, loc, 1, S+A)
	case elf.R_386_PC32:
		a.writeField(loc, 4, S+A-P)
	case elf.R_386_PLT32:
		if sym.PltIdx != -1 {
			S = sym.GetPltAddr(ctx)
		}
		a.writeField(loc, 4, S+A-P)
	case elf.R_386_PC16:
		a.checkedWriteSigned(ctx, isec, r, loc, 2, S+A-P)
	case elf.R_386_PC8:
		a.checkedWriteSigned(ctx, isec, r, loc, 1, S+A-P)
	case elf.R_386_GOT32, elf.R_386_GOT32X:
		a.writeField(loc, 4, sym.GetGotAddr(ctx)+A-GOT)
	case elf.R_386_GOTOFF:
		a.writeField(loc, 4, S+A-GOT)
	case elf.R_386_GOTPC:
		a.writeField(loc, 4, GOT+A-P)
	case elf.R_386_SIZE32:
		a.writeField(loc, 4, sym.Size+A)

	case elf.R_386_TLS_GD:
		start := buf[r.Offset-3:]
		switch r.Relax {
		case RelaxLE:
			copy(start, []byte{
				0x65, 0xa1, 0, 0, 0, 0, // mov %gs:0, %eax
				0x81, 0xe8, 0, 0, 0, 0, // sub $x@tpoff, %eax
			})
			a.writeField(start[8:], 4, -a.TpOff(ctx, sym))
		case RelaxIE:
			copy(start, []byte{
				0x65, 0xa1, 0, 0, 0, 0, // mov %gs:0, %eax
				0x03, 0x83, 0, 0, 0, 0, // add x@gotntpoff(%ebx), %eax
			})
			a.writeField(start[8:], 4, sym.GetGotTpAddr(ctx)-GOT)
		default:
			a.writeField(loc, 4, sym.GetTlsGdAddr(ctx)+A-GOT)
		}
	case elf.R_386_TLS_LDM:
		if r.Relax == RelaxLE {
			copy(buf[r.Offset-2:], []byte{
				0x65, 0xa1, 0, 0, 0, 0, // mov %gs:0, %eax
				0x90,                   // nop
				0x8d, 0x74, 0x26, 0x00, // lea 0(%esi,%eiz,1), %esi
			})
			break
		}
		a.writeField(loc, 4, ctx.Got.TlsLdAddr(ctx)+A-GOT)
	case elf.R_386_TLS_LDO_32:
		if r.Relax == RelaxLE {
			a.writeField(loc, 4, a.TpOff(ctx, sym)+A)
		} else {
			a.writeField(loc, 4, a.DtpOff(ctx, sym)+A)
		}
	case elf.R_386_TLS_IE:
		if r.Relax == RelaxLE {
			a.relaxIEToLE(buf[:r.Offset])
			a.writeField(loc, 4, a.TpOff(ctx, sym)+A)
			break
		}
		a.writeField(loc, 4, sym.GetGotTpAddr(ctx)+A)
	case elf.R_386_TLS_GOTIE:
		if r.Relax == RelaxLE {
			a.relaxIEToLE(buf[:r.Offset])
			a.writeField(loc, 4, a.TpOff(ctx, sym)+A)
			break
		}
		a.writeField(loc, 4, sym.GetGotTpAddr(ctx)+A-GOT)
	case elf.R_386_TLS_LE:
		a.writeField(loc, 4, a.TpOff(ctx, sym)+A)
	case elf.R_386_TLS_LE_32:
		a.writeField(loc, 4, A-a.TpOff(ctx, sym))
	}
}

// relaxIEToLE rewrites the instruction ending at the end of pre so that
// it takes the thread-pointer offset as an immediate.
func (a *i386) relaxIEToLE(pre []byte) {
	n := len(pre)
	if pre[n-1] == 0xa1 {
		// movl x, %eax -> movl $x, %eax
		pre[n-1] = 0xb8
		return
	}
	op, reg := pre[n-2], (pre[n-1]>>3)&7
	if op == 0x8b {
		pre[n-2] = 0xc7
	} else {
		pre[n-2] = 0x81
	}
	pre[n-1] = 0xc0 | reg
}

func (a *i386) GotBase(ctx *Context) uint64 {
	return ctx.GotPlt.GetAddr()
}

func (a *i386) GotHeaderEntries() uint64    { return 0 }
func (a *i386) GotPltHeaderEntries() uint64 { return 3 }
func (a *i386) PltHeaderSize() uint64       { return 16 }
func (a *i386) PltEntrySize() uint64        { return 16 }

// Position-independent PLTs address .got.plt through %ebx, which the
// caller loads with _GLOBAL_OFFSET_TABLE_.
func (a *i386) WritePltHeader(ctx *Context, buf []byte) {
	if ctx.IsPIC() {
		copy(buf, []byte{
			0xff, 0xb3, 0x04, 0, 0, 0, // push 4(%ebx)
			0xff, 0xa3, 0x08, 0, 0, 0, // jmp *8(%ebx)
			0, 0, 0, 0,
		})
		return
	}
	copy(buf, []byte{
		0xff, 0x35, 0, 0, 0, 0, // push GOTPLT+4
		0xff, 0x25, 0, 0, 0, 0, // jmp *GOTPLT+8
		0, 0, 0, 0,
	})
	gotplt := ctx.GotPlt.GetAddr()
	a.layout.PutUint32(buf[2:], uint32(gotplt+4))
	a.layout.PutUint32(buf[8:], uint32(gotplt+8))
}

func (a *i386) WritePltEntry(ctx *Context, buf []byte, sym *Symbol) {
	slot := sym.GetGotPltAddr(ctx)
	if ctx.IsPIC() {
		copy(buf, []byte{0xff, 0xa3}) // jmp *slot(%ebx)
		slot -= ctx.GotPlt.GetAddr()
	} else {
		copy(buf, []byte{0xff, 0x25}) // jmp *slot
	}
	copy(buf[6:], []byte{
		0x68, 0, 0, 0, 0, // push $reloc_offset
		0xe9, 0, 0, 0, 0, // jmp PLT0
	})
	ent := sym.GetPltAddr(ctx)
	a.layout.PutUint32(buf[2:], uint32(slot))
	a.layout.PutUint32(buf[7:], uint32(uint64(sym.PltIdx)*a.layout.RelSize(false)))
	a.layout.PutUint32(buf[12:], uint32(ctx.Plt.GetAddr()-(ent+16)))
}

func (a *i386) GotPltEntry(ctx *Context, sym *Symbol) uint64 {
	return x86GotPltEntry(ctx, sym)
}
