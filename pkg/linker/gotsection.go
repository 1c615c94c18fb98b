package linker

import (
	"debug/elf"
)

type GotKind uint8

const (
	GotReserved GotKind = iota
	GotAddr
	GotPage
	GotTpOff
	GotGdMod
	GotGdOff
	GotLdMod
	GotLdOff
)

type GotEntry struct {
	Kind   GotKind
	Sym    *Symbol
	Addend int64
	// Global entries are filled in by the MIPS loader from .dynsym.
	Global bool
	Rel    *DynReloc
}

type gotPage struct {
	sym    *Symbol
	addend int64
}

// GotSection is .got. Slots are requested during the relocation scan and
// numbered by Finalize, which on MIPS also sorts them into the areas the
// ABI requires: header, pages, local, global, TLS.
type GotSection struct {
	synthSection
	Entries []GotEntry
	Globals []*Symbol

	// NumLocal counts the entries before the global area.
	NumLocal int
	LdIdx    int32

	mips      bool
	gotSyms   []*Symbol
	gotTpSyms []*Symbol
	tlsGdSyms []*Symbol
	tlsLd     bool
	pages     map[gotPage]int32
	pageKeys  []gotPage
}

func NewGotSection(ctx *Context) *GotSection {
	g := &GotSection{
		LdIdx: -1,
		mips:  ctx.Arch.Machine() == elf.EM_MIPS,
		pages: make(map[gotPage]int32),
	}
	w := ctx.WordSize()
	g.synthSection = newSynthSection(ctx, ".got", elf.SHT_PROGBITS,
		elf.SHF_ALLOC|elf.SHF_WRITE, w, w, g)
	return g
}

func (g *GotSection) AddGotSymbol(ctx *Context, sym *Symbol) {
	g.gotSyms = append(g.gotSyms, sym)
}

func (g *GotSection) AddGotTpSymbol(ctx *Context, sym *Symbol) {
	g.gotTpSyms = append(g.gotTpSyms, sym)
}

func (g *GotSection) AddTlsGdSymbol(ctx *Context, sym *Symbol) {
	g.tlsGdSyms = append(g.tlsGdSyms, sym)
}

func (g *GotSection) AddTlsLd(ctx *Context) {
	g.tlsLd = true
}

// AddPage requests a MIPS local page entry covering sym+addend.
func (g *GotSection) AddPage(sym *Symbol, addend int64) {
	key := gotPage{sym, addend}
	if _, ok := g.pages[key]; !ok {
		g.pages[key] = -1
		g.pageKeys = append(g.pageKeys, key)
	}
}

func (g *GotSection) PageIdx(ctx *Context, sym *Symbol, addend int64) int32 {
	idx, ok := g.pages[gotPage{sym, addend}]
	if !ok || idx < 0 {
		ctx.Fatalf(ErrInternal, "no GOT page entry for %s%+d", sym.LongName(), addend)
	}
	return idx
}

func (g *GotSection) PageAddr(ctx *Context, sym *Symbol, addend int64) uint64 {
	return g.GetAddr() + uint64(g.PageIdx(ctx, sym, addend))*ctx.WordSize()
}

func (g *GotSection) TlsLdAddr(ctx *Context) uint64 {
	return g.GetAddr() + uint64(g.LdIdx)*ctx.WordSize()
}

func (g *GotSection) push(ctx *Context, e GotEntry) int32 {
	idx := int32(ctx.Reserve(g.Isec, 1) / g.Isec.EntSize)
	g.Entries = append(g.Entries, e)
	return idx
}

// Finalize numbers every requested slot and creates the dynamic
// relocations that fill them at load time.
func (g *GotSection) Finalize(ctx *Context) {
	for i := uint64(0); i < ctx.Arch.GotHeaderEntries(); i++ {
		g.push(ctx, GotEntry{Kind: GotReserved})
	}
	for _, key := range g.pageKeys {
		g.pages[key] = g.push(ctx, GotEntry{Kind: GotPage, Sym: key.sym, Addend: key.addend})
	}

	for _, sym := range g.gotSyms {
		if g.mips && ctx.IsDynamic() && ctx.IsPreemptible(sym) {
			g.Globals = append(g.Globals, sym)
			continue
		}
		sym.GotIdx = g.push(ctx, GotEntry{Kind: GotAddr, Sym: sym})
	}
	g.NumLocal = len(g.Entries)
	for _, sym := range g.Globals {
		sym.GotIdx = g.push(ctx, GotEntry{Kind: GotAddr, Sym: sym, Global: true})
		sym.Flags |= NEEDS_DYNSYM
	}

	for _, sym := range g.gotTpSyms {
		sym.GotTpIdx = g.push(ctx, GotEntry{Kind: GotTpOff, Sym: sym})
	}
	for _, sym := range g.tlsGdSyms {
		sym.TlsGdIdx = g.push(ctx, GotEntry{Kind: GotGdMod, Sym: sym})
		g.push(ctx, GotEntry{Kind: GotGdOff, Sym: sym})
	}
	if g.tlsLd {
		g.LdIdx = g.push(ctx, GotEntry{Kind: GotLdMod})
		g.push(ctx, GotEntry{Kind: GotLdOff})
	}

	if !ctx.IsDynamic() {
		return
	}
	for i := range g.Entries {
		e := &g.Entries[i]
		if e.Rel = g.dynReloc(ctx, e); e.Rel != nil {
			e.Rel.Isec = g.Isec
			e.Rel.Offset = uint64(i) * ctx.WordSize()
			ctx.addDynReloc(e.Rel)
		}
	}
}

// dynReloc picks the dynamic relocation for an entry whose value is not
// known at link time, or returns nil.
func (g *GotSection) dynReloc(ctx *Context, e *GotEntry) *DynReloc {
	dyn := ctx.Arch.DynRelTypes()
	switch e.Kind {
	case GotAddr:
		switch {
		case g.mips:
		case ctx.IsPreemptible(e.Sym):
			return &DynReloc{Type: dyn.GlobDat, Sym: e.Sym}
		case ctx.CanUseRelative(e.Sym):
			return &DynReloc{Type: dyn.Relative, Target: e.Sym}
		}
	case GotTpOff:
		switch {
		case ctx.IsPreemptible(e.Sym):
			return &DynReloc{Type: dyn.TpOff, Sym: e.Sym}
		case ctx.IsShared():
			return &DynReloc{Type: dyn.TpOff, Target: e.Sym}
		}
	case GotGdMod:
		switch {
		case ctx.IsPreemptible(e.Sym):
			return &DynReloc{Type: dyn.DtpMod, Sym: e.Sym}
		case ctx.IsShared():
			return &DynReloc{Type: dyn.DtpMod}
		}
	case GotGdOff:
		if ctx.IsPreemptible(e.Sym) {
			return &DynReloc{Type: dyn.DtpOff, Sym: e.Sym}
		}
	case GotLdMod:
		if ctx.IsShared() {
			return &DynReloc{Type: dyn.DtpMod}
		}
	}
	return nil
}

func (g *GotSection) entryValue(ctx *Context, idx int, e *GotEntry) uint64 {
	if e.Rel != nil {
		return 0
	}
	switch e.Kind {
	case GotReserved:
		// The GNU extension marks the second MIPS header word as the
		// module pointer.
		if g.mips && idx == 1 {
			return 1 << 31
		}
	case GotAddr:
		return e.Sym.GetAddr(ctx)
	case GotPage:
		return (e.Sym.GetAddr(ctx) + uint64(e.Addend) + 0x8000) &^ 0xffff
	case GotTpOff:
		return ctx.Arch.TpOff(ctx, e.Sym)
	case GotGdMod, GotLdMod:
		return 1
	case GotGdOff:
		return ctx.Arch.DtpOff(ctx, e.Sym)
	}
	return 0
}

func (g *GotSection) WriteTo(ctx *Context, buf []byte) {
	w := ctx.WordSize()
	for i := range g.Entries {
		ctx.Layout().PutWord(buf[uint64(i)*w:], g.entryValue(ctx, i, &g.Entries[i]))
	}
}
