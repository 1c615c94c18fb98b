package linker

import (
	"debug/elf"
)

// PltSection holds the lazy-binding stubs. Entry i jumps through slot i
// of .got.plt, which the loader patches through a JUMP_SLOT record.
type PltSection struct {
	synthSection
	Syms []*Symbol
}

func NewPltSection(ctx *Context) *PltSection {
	p := &PltSection{}
	p.synthSection = newSynthSection(ctx, ".plt", elf.SHT_PROGBITS,
		elf.SHF_ALLOC|elf.SHF_EXECINSTR, max(ctx.Arch.PltEntrySize(), 1), 16, p)
	return p
}

func (p *PltSection) AddSymbol(ctx *Context, sym *Symbol) {
	if sym.PltIdx != -1 {
		return
	}
	if ctx.Arch.PltEntrySize() == 0 {
		ctx.Fatalf(ErrUnsupported, "%s: PLT entries are not supported (needed for %s)",
			ctx.Arch.Name(), sym.LongName())
	}

	if len(p.Syms) == 0 {
		p.Isec.Size = ctx.Arch.PltHeaderSize()
	}
	sym.PltIdx = int32(len(p.Syms))
	sym.Flags |= NEEDS_DYNSYM
	p.Syms = append(p.Syms, sym)
	ctx.Reserve(p.Isec, 1)

	ctx.GotPlt.addSymbol(ctx, sym)
}

func (p *PltSection) EntryAddr(ctx *Context, idx int32) uint64 {
	return p.GetAddr() + ctx.Arch.PltHeaderSize() + uint64(idx)*ctx.Arch.PltEntrySize()
}

func (p *PltSection) WriteTo(ctx *Context, buf []byte) {
	if len(p.Syms) == 0 {
		return
	}
	hdr := ctx.Arch.PltHeaderSize()
	ent := ctx.Arch.PltEntrySize()
	ctx.Arch.WritePltHeader(ctx, buf[:hdr])
	for i, sym := range p.Syms {
		off := hdr + uint64(i)*ent
		ctx.Arch.WritePltEntry(ctx, buf[off:off+ent], sym)
	}
}

// GotPltSection is .got.plt: reserved words for the loader followed by
// one slot per PLT entry.
type GotPltSection struct {
	synthSection
	Syms []*Symbol
}

func NewGotPltSection(ctx *Context) *GotPltSection {
	g := &GotPltSection{}
	w := ctx.WordSize()
	g.synthSection = newSynthSection(ctx, ".got.plt", elf.SHT_PROGBITS,
		elf.SHF_ALLOC|elf.SHF_WRITE, w, w, g)
	return g
}

// Reserve allocates the header words once the output is known to need
// the section.
func (g *GotPltSection) Reserve(ctx *Context) {
	if g.Isec.Size == 0 {
		ctx.Reserve(g.Isec, ctx.Arch.GotPltHeaderEntries())
	}
}

func (g *GotPltSection) addSymbol(ctx *Context, sym *Symbol) {
	g.Reserve(ctx)
	off := ctx.Reserve(g.Isec, 1)
	g.Syms = append(g.Syms, sym)
	ctx.RelPlt.Add(&DynReloc{
		Type:   ctx.Arch.DynRelTypes().JumpSlot,
		Sym:    sym,
		Isec:   g.Isec,
		Offset: off,
	})
}

func (g *GotPltSection) EntryAddr(ctx *Context, idx int32) uint64 {
	return g.GetAddr() + (ctx.Arch.GotPltHeaderEntries()+uint64(idx))*ctx.WordSize()
}

func (g *GotPltSection) WriteTo(ctx *Context, buf []byte) {
	w := ctx.WordSize()
	if ctx.Dynamic != nil && ctx.Arch.GotPltHeaderEntries() > 0 {
		ctx.Layout().PutWord(buf, ctx.Dynamic.GetAddr())
	}
	hdr := ctx.Arch.GotPltHeaderEntries()
	for i, sym := range g.Syms {
		ctx.Layout().PutWord(buf[(hdr+uint64(i))*w:], ctx.Arch.GotPltEntry(ctx, sym))
	}
}
