package linker

import (
	"debug/elf"
	"sort"

	"github.com/ksco/elfld/pkg/utils"
)

type RelocState uint8

const (
	RelocLoaded RelocState = iota
	RelocScanned
	RelocDiscarded
	RelocApplied
	// RelocAdjusted marks a relocation consumed by the rewrite of a
	// neighbouring instruction sequence.
	RelocAdjusted
)

func (s RelocState) String() string {
	switch s {
	case RelocScanned:
		return "scanned"
	case RelocDiscarded:
		return "discarded"
	case RelocApplied:
		return "applied"
	case RelocAdjusted:
		return "adjusted"
	}
	return "loaded"
}

var relocTransitions = map[[2]RelocState]bool{
	{RelocLoaded, RelocScanned}:      true,
	{RelocLoaded, RelocDiscarded}:    true,
	{RelocLoaded, RelocAdjusted}:     true,
	{RelocScanned, RelocDiscarded}:   true,
	{RelocScanned, RelocApplied}:     true,
	{RelocScanned, RelocAdjusted}:    true,
	{RelocAdjusted, RelocAdjusted}:   true,
	{RelocDiscarded, RelocDiscarded}: true,
}

type Reloc struct {
	Offset uint64
	Type   uint32
	Sym    SymID
	Addend int64

	State RelocState
	Relax Relax
	// Dynamic is set when a dynamic relocation takes over the site.
	Dynamic bool
}

func (r *Reloc) Symbol(ctx *Context) *Symbol {
	return ctx.Symtab.Ref(r.Sym)
}

// relocAt returns the relocation of isec at offset off, or nil.
func relocAt(isec *InputSection, off uint64) *Reloc {
	i := sort.Search(len(isec.Relocs), func(i int) bool {
		return isec.Relocs[i].Offset >= off
	})
	if i < len(isec.Relocs) && isec.Relocs[i].Offset == off {
		return isec.Relocs[i]
	}
	return nil
}

func (r *Reloc) moveTo(ctx *Context, to RelocState) {
	if !relocTransitions[[2]RelocState{r.State, to}] {
		ctx.Fatalf(ErrInternal, "relocation %s at 0x%x: illegal transition %s -> %s",
			ctx.Arch.RelocName(r.Type), r.Offset, r.State, to)
	}
	r.State = to
}

func (r *Reloc) MarkScanned(ctx *Context)  { r.moveTo(ctx, RelocScanned) }
func (r *Reloc) Discard(ctx *Context)      { r.moveTo(ctx, RelocDiscarded) }
func (r *Reloc) MarkApplied(ctx *Context)  { r.moveTo(ctx, RelocApplied) }
func (r *Reloc) MarkAdjusted(ctx *Context) { r.moveTo(ctx, RelocAdjusted) }

// ParseRelocs decodes a REL or RELA section.
func ParseRelocs(layout Layout, rela bool, data []byte) []Rela {
	size := layout.RelSize(rela)
	out := make([]Rela, 0, uint64(len(data))/size)
	for ; uint64(len(data)) >= size; data = data[size:] {
		out = append(out, layout.ReadRel(data, rela))
	}
	return out
}

// SerializeRelocs is the inverse of ParseRelocs.
func SerializeRelocs(layout Layout, rela bool, rels []Rela) []byte {
	size := layout.RelSize(rela)
	buf := make([]byte, uint64(len(rels))*size)
	for i := range rels {
		layout.WriteRel(buf[uint64(i)*size:], rela, &rels[i])
	}
	return buf
}

// LoadRelocations reads the relocation section paired with every live
// section of o.
func LoadRelocations(ctx *Context, o *ObjectFile) {
	for _, isec := range o.Sections {
		if isec == nil || !isec.IsLive() || isec.RelsecIdx == NoRelsec {
			continue
		}

		shdr := &o.ElfSections[isec.RelsecIdx]
		rela := shdr.Type == uint32(elf.SHT_RELA)
		recs := ParseRelocs(o.Layout, rela, o.GetBytesFromShdr(ctx, shdr))

		rels := make([]*Reloc, 0, len(recs))
		for _, rec := range recs {
			if uint64(rec.Sym) >= uint64(len(o.Symbols)) {
				ctx.Fatalf(ErrMalformedInput, "%s: relocation refers to invalid symbol index %d", isec, rec.Sym)
			}
			if rec.Offset >= isec.Size {
				ctx.Fatalf(ErrMalformedInput, "%s: relocation offset 0x%x is out of range", isec, rec.Offset)
			}
			if info, ok := ctx.Arch.RelocInfo(rec.Type); ok && rec.Offset+uint64(info.Size) > isec.Size {
				ctx.Fatalf(ErrMalformedInput, "%s: relocation at 0x%x overruns the section", isec, rec.Offset)
			}
			rels = append(rels, &Reloc{
				Offset: rec.Offset,
				Type:   rec.Type,
				Sym:    o.Symbols[rec.Sym],
				Addend: rec.Addend,
			})
		}

		if !rela {
			ctx.Arch.LoadAddends(ctx, isec, rels)
		}
		sort.SliceStable(rels, func(i, j int) bool {
			return rels[i].Offset < rels[j].Offset
		})
		isec.Relocs = rels
	}
}

// ScanRelocations classifies every relocation of every live allocated
// section, then materializes the GOT, PLT and copy slots the scan asked
// for.
func ScanRelocations(ctx *Context) {
	for _, o := range ctx.Objs {
		for _, isec := range o.Sections {
			if isec == nil || !isec.IsLive() {
				continue
			}
			for _, r := range isec.Relocs {
				if r.State != RelocLoaded {
					continue
				}
				sym := r.Symbol(ctx)
				if sym.InputSection != nil && !sym.InputSection.IsLive() {
					r.Discard(ctx)
					continue
				}
				if !isec.IsAlloc() {
					r.MarkScanned(ctx)
					continue
				}
				sym.Referenced = true
				ctx.Arch.Scan(ctx, isec, r)
			}
		}
	}

	AllocateSymbolEntries(ctx)
}

// scanGeneric handles the relocation kinds whose treatment does not
// depend on the instruction encoding. pcType is the PC-relative type a
// PLT relocation is rewritten to when no PLT entry is needed.
func scanGeneric(ctx *Context, isec *InputSection, r *Reloc, info RelInfo, pcType uint32) {
	sym := r.Symbol(ctx)

	switch info.Kind {
	case RelUnknown:
		ctx.Warnf("%s+0x%x: unknown relocation type %d, skipped", isec, r.Offset, r.Type)
	case RelAbs:
		scanAbs(ctx, isec, r, sym, info)
	case RelPC:
		scanPC(ctx, isec, r, sym)
	case RelPLT:
		if ctx.NeedsPlt(sym) {
			sym.Flags |= NEEDS_PLT
		} else if pcType != 0 && !sym.IsImported {
			r.Type = pcType
		}
	case RelGOT:
		sym.Flags |= NEEDS_GOT
		ctx.needsGotBase = true
	case RelGOTPC, RelGOTOFF:
		ctx.needsGotBase = true
	case RelTPOFF:
		if ctx.IsShared() {
			picWarning(ctx, isec, r, sym)
		}
	}
	r.MarkScanned(ctx)
}

func scanAbs(ctx *Context, isec *InputSection, r *Reloc, sym *Symbol, info RelInfo) {
	word := uint64(info.Size) == ctx.WordSize()

	switch {
	case !ctx.IsDynamic():
	case sym.IsUndefWeak() && !sym.IsImported:
	case sym.Kind == SymAbs:
	case ctx.CanUseRelative(sym):
		if !word {
			picWarning(ctx, isec, r, sym)
			return
		}
		r.Dynamic = true
		ctx.addDynReloc(&DynReloc{
			Type:   ctx.Arch.DynRelTypes().Relative,
			Isec:   isec,
			Offset: r.Offset,
			Addend: r.Addend,
			Target: sym,
		})
	case ctx.IsLocalDef(sym):
	case ctx.NeedsCopyReloc(sym):
		sym.Flags |= NEEDS_COPY
	case !ctx.IsPIC() && sym.InDso() && sym.Type != elf.STT_OBJECT:
		sym.Flags |= NEEDS_PLT
		sym.CanonicalPlt = true
	case word:
		r.Dynamic = true
		sym.Flags |= NEEDS_DYNSYM
		ctx.addDynReloc(&DynReloc{
			Type:   ctx.Arch.DynRelTypes().Abs,
			Sym:    sym,
			Isec:   isec,
			Offset: r.Offset,
			Addend: r.Addend,
		})
	default:
		picWarning(ctx, isec, r, sym)
	}
}

func scanPC(ctx *Context, isec *InputSection, r *Reloc, sym *Symbol) {
	switch {
	case ctx.IsLocalDef(sym), sym.Kind == SymAbs:
	case sym.IsUndefWeak() && !sym.IsImported:
	case ctx.NeedsCopyReloc(sym):
		sym.Flags |= NEEDS_COPY
	case ctx.NeedsPlt(sym):
		sym.Flags |= NEEDS_PLT
		if !ctx.IsPIC() {
			sym.CanonicalPlt = true
		}
	default:
		picWarning(ctx, isec, r, sym)
	}
}

func picWarning(ctx *Context, isec *InputSection, r *Reloc, sym *Symbol) {
	what := "a position-independent executable"
	if ctx.IsShared() {
		what = "a shared object"
	}
	ctx.Warnf("%s+0x%x: relocation %s against %s cannot be used when making %s; recompile with -fPIC",
		isec, r.Offset, ctx.Arch.RelocName(r.Type), sym.LongName(), what)
}

// AllocateSymbolEntries turns the NEEDS_* flags left by the scan into
// GOT, PLT and copy-relocation slots, in symbol order.
func AllocateSymbolEntries(ctx *Context) {
	var flagged []*Symbol
	for i := 0; i < ctx.Symtab.Len(); i++ {
		sym := ctx.Symtab.Get(SymID(i))
		if sym.ResolvedTo == NoSym && sym.Flags != 0 {
			flagged = append(flagged, sym)
		}
	}

	for _, sym := range flagged {
		if sym.Flags&NEEDS_COPY != 0 {
			ctx.addCopyReloc(sym)
		}
	}

	for _, sym := range flagged {
		if sym.Flags&NEEDS_GOT != 0 {
			ctx.Got.AddGotSymbol(ctx, sym)
		}
		if sym.Flags&NEEDS_GOTTP != 0 {
			ctx.Got.AddGotTpSymbol(ctx, sym)
		}
		if sym.Flags&NEEDS_TLSGD != 0 {
			ctx.Got.AddTlsGdSymbol(ctx, sym)
		}
		if sym.Flags&NEEDS_PLT != 0 {
			ctx.Plt.AddSymbol(ctx, sym)
		}
	}

	if ctx.tlsLd.seen && !ctx.TLSLDRelaxed() {
		ctx.Got.AddTlsLd(ctx)
	}
	ctx.Got.Finalize(ctx)
}

// ApplyRelocs patches buf, the output image of s, now that every address
// is final.
func (s *InputSection) ApplyRelocs(ctx *Context, buf []byte) {
	if ctx.IsRelocatable() {
		s.writeRelocatableAddends(ctx, buf)
		return
	}

	for _, r := range s.Relocs {
		if r.State != RelocScanned {
			continue
		}
		if !r.Dynamic {
			ctx.Arch.Apply(ctx, s, r, buf)
		}
		r.MarkApplied(ctx)
	}
}

// writeRelocatableAddends rebases implicit addends of relocations that
// are re-expressed against output section symbols in a relocatable link.
// REL records have no addend field, so the new value goes in place.
func (s *InputSection) writeRelocatableAddends(ctx *Context, buf []byte) {
	if ctx.Arch.UsesRela() {
		return
	}
	for _, r := range s.Relocs {
		if r.State == RelocDiscarded {
			continue
		}
		if _, addend := relocTarget(ctx, r); addend != r.Addend {
			ctx.Arch.WriteAddend(buf[r.Offset:], r.Type, addend)
		}
	}
}

// Policy helpers consulted by the backends while scanning.

// IsPreemptible reports whether a definition may be replaced at run time
// by the dynamic loader.
func (ctx *Context) IsPreemptible(sym *Symbol) bool {
	if sym.IsImported {
		return true
	}
	return ctx.IsShared() && sym.IsExported && sym.Visibility == elf.STV_DEFAULT
}

func (ctx *Context) IsLocalDef(sym *Symbol) bool {
	return !sym.IsUndef() && !sym.InDso() && !ctx.IsPreemptible(sym)
}

func (ctx *Context) NeedsPlt(sym *Symbol) bool {
	if !ctx.IsDynamic() {
		return false
	}
	if sym.InDso() {
		return sym.Type != elf.STT_OBJECT && sym.Type != elf.STT_TLS
	}
	if sym.IsUndef() {
		return sym.IsImported
	}
	return ctx.IsShared() && ctx.IsPreemptible(sym)
}

func (ctx *Context) NeedsCopyReloc(sym *Symbol) bool {
	return !ctx.IsPIC() && !ctx.IsRelocatable() && sym.InDso() && sym.Type == elf.STT_OBJECT
}

func (ctx *Context) NeedsDynReloc(sym *Symbol) bool {
	return ctx.IsDynamic() && ctx.IsPreemptible(sym) && sym.Flags&(NEEDS_COPY|NEEDS_PLT) == 0
}

func (ctx *Context) CanUseRelative(sym *Symbol) bool {
	return ctx.IsPIC() && ctx.IsLocalDef(sym) && sym.Kind != SymAbs
}

// DynReloc is a record of .rel(a).dyn or .rel(a).plt. Offset is relative
// to Isec until FinalizeDynamic turns it into Addr.
type DynReloc struct {
	Type   uint32
	Sym    *Symbol
	Isec   *InputSection
	Offset uint64
	Addend int64
	// Target is the symbol whose address a relative relocation adds.
	Target *Symbol

	Addr  uint64
	Value int64
}

func (r *DynReloc) DynIdx() uint32 {
	if r.Sym == nil || r.Sym.DynIdx < 0 {
		return 0
	}
	return uint32(r.Sym.DynIdx)
}

func (ctx *Context) addDynReloc(r *DynReloc) {
	if r.Sym != nil {
		r.Sym.Flags |= NEEDS_DYNSYM
	}
	if r.Isec != nil && r.Isec.IsAlloc() && !r.Isec.IsWritable() {
		if !ctx.TextRel {
			ctx.Warnf("%s: creating a dynamic relocation against a read-only section; the output will need DT_TEXTREL",
				r.Isec)
		}
		ctx.TextRel = true
	}
	ctx.RelDyn.Add(r)
}

// SortDynRelocs orders relative relocations first by address, then the
// rest by dynamic symbol index and type.
func SortDynRelocs(ctx *Context, rels []*DynReloc) {
	sort.SliceStable(rels, func(i, j int) bool {
		a, b := rels[i], rels[j]
		ra, rb := ctx.Arch.IsRelative(a.Type), ctx.Arch.IsRelative(b.Type)
		if ra != rb {
			return ra
		}
		if ra {
			return a.Addr < b.Addr
		}
		if a.DynIdx() != b.DynIdx() {
			return a.DynIdx() < b.DynIdx()
		}
		return a.Type < b.Type
	})
}

// FinalizeDynamic converts section-relative offsets into addresses and
// lets the backend compute each record's addend.
func FinalizeDynamic(ctx *Context, rels []*DynReloc) {
	for _, r := range rels {
		r.Addr = r.Offset
		if r.Isec != nil {
			r.Addr = r.Isec.GetAddr() + r.Offset
		}
		r.Value = r.Addend
		ctx.Arch.FinalizeDynamic(ctx, r)
	}
}

// writeImplicitAddends stores the addends of REL dynamic relocations into
// the image after every section has been copied.
func writeImplicitAddends(ctx *Context) {
	if ctx.Arch.UsesRela() || ctx.RelDyn == nil {
		return
	}
	for _, r := range ctx.RelDyn.Relocs {
		if r.Isec == nil || r.Isec.OutputSection == nil {
			continue
		}
		off := r.Isec.OutputSection.Shdr.Offset + r.Isec.Offset + r.Offset
		utils.Assert(off+ctx.WordSize() <= uint64(len(ctx.Buf)), "dynamic relocation at 0x%x is outside the image", r.Addr)
		ctx.Layout().PutWord(ctx.Buf[off:], uint64(r.Value))
	}
}
