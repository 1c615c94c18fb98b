package linker

import (
	"debug/elf"
	"sort"

	"github.com/ksco/elfld/pkg/utils"
)

type DynstrSection struct {
	synthSection
	strs    []string
	offsets map[string]uint32
}

func NewDynstrSection(ctx *Context) *DynstrSection {
	d := &DynstrSection{offsets: map[string]uint32{"": 0}}
	d.synthSection = newSynthSection(ctx, ".dynstr", elf.SHT_STRTAB, elf.SHF_ALLOC, 0, 1, d)
	d.Isec.Size = 1
	return d
}

// Add interns name and returns its offset.
func (d *DynstrSection) Add(name string) uint32 {
	if off, ok := d.offsets[name]; ok {
		return off
	}
	off := uint32(d.Isec.Size)
	d.offsets[name] = off
	d.strs = append(d.strs, name)
	d.Isec.Size += uint64(len(name)) + 1
	return off
}

func (d *DynstrSection) WriteTo(ctx *Context, buf []byte) {
	for _, s := range d.strs {
		writeString(buf[d.offsets[s]:], s)
	}
}

// DynsymSection is .dynsym. Index 0 is the null symbol; every other entry
// is global.
type DynsymSection struct {
	synthSection
	Syms []*Symbol
}

func NewDynsymSection(ctx *Context) *DynsymSection {
	d := &DynsymSection{Syms: []*Symbol{nil}}
	d.synthSection = newSynthSection(ctx, ".dynsym", elf.SHT_DYNSYM, elf.SHF_ALLOC,
		ctx.Layout().SymSize(), ctx.WordSize(), d)
	return d
}

func (d *DynsymSection) AddSymbol(sym *Symbol) {
	if sym.DynIdx != -1 {
		return
	}
	sym.DynIdx = 0
	d.Syms = append(d.Syms, sym)
}

// Finalize numbers the symbols. Symbols owning a MIPS global GOT entry go
// last, in GOT order, as the loader walks both tables in parallel.
func (d *DynsymSection) Finalize(ctx *Context) {
	syms := d.Syms[1:]
	sort.SliceStable(syms, func(i, j int) bool {
		gi, gj := d.gotGlobal(ctx, syms[i]), d.gotGlobal(ctx, syms[j])
		if gi != gj {
			return !gi
		}
		return gi && syms[i].GotIdx < syms[j].GotIdx
	})

	for i, sym := range d.Syms {
		if sym == nil {
			continue
		}
		sym.DynIdx = int32(i)
		ctx.Dynstr.Add(sym.Name)
	}
	d.Isec.Size = uint64(len(d.Syms)) * d.Isec.EntSize
}

func (d *DynsymSection) gotGlobal(ctx *Context, sym *Symbol) bool {
	return ctx.Got.mips && sym.GotIdx >= int32(ctx.Got.NumLocal)
}

// FirstGotGlobal is the .dynsym index of the first symbol in the MIPS
// global GOT area, or the symbol count when there is none.
func (d *DynsymSection) FirstGotGlobal(ctx *Context) int {
	for i, sym := range d.Syms {
		if sym != nil && d.gotGlobal(ctx, sym) {
			return i
		}
	}
	return len(d.Syms)
}

func (d *DynsymSection) LinkInfo(ctx *Context) (uint32, uint32) {
	return ctx.Dynstr.Shndx(), 1
}

func (d *DynsymSection) WriteTo(ctx *Context, buf []byte) {
	layout := ctx.Layout()
	for i, sym := range d.Syms {
		if sym == nil {
			continue
		}
		esym := Sym{
			Name:  ctx.Dynstr.Add(sym.Name),
			Info:  elf.ST_INFO(sym.Bind, sym.Type),
			Other: uint8(sym.Visibility),
			Size:  sym.Size,
			Val:   symbolValue(ctx, sym),
		}
		if sym.IsCopied || (!sym.IsImported && !sym.IsUndef()) {
			esym.Shndx = sym.OutputShndx(ctx)
		}
		layout.WriteSym(buf[uint64(i)*layout.SymSize():], &esym)
	}
}

// HashSection is a SysV .hash table with one bucket per symbol.
type HashSection struct {
	synthSection
}

func NewHashSection(ctx *Context) *HashSection {
	h := &HashSection{}
	h.synthSection = newSynthSection(ctx, ".hash", elf.SHT_HASH, elf.SHF_ALLOC, 4, 4, h)
	return h
}

func (h *HashSection) UpdateSize(ctx *Context) {
	n := uint64(len(ctx.Dynsym.Syms))
	h.Isec.Size = (2 + n + n) * 4
}

func (h *HashSection) LinkInfo(ctx *Context) (uint32, uint32) {
	return ctx.Dynsym.Shndx(), 0
}

func (h *HashSection) WriteTo(ctx *Context, buf []byte) {
	layout := ctx.Layout()
	syms := ctx.Dynsym.Syms
	n := uint32(len(syms))
	layout.PutUint32(buf, n)
	layout.PutUint32(buf[4:], n)
	buckets := buf[8:]
	chains := buf[8+4*n:]

	for i := 1; i < len(syms); i++ {
		b := elfHash(syms[i].Name) % n
		layout.PutUint32(chains[4*i:], layout.Uint32(buckets[4*b:]))
		layout.PutUint32(buckets[4*b:], uint32(i))
	}
}

func elfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

// DynRelocSection is .rel(a).dyn or .rel(a).plt.
type DynRelocSection struct {
	synthSection
	Relocs []*DynReloc
	plt    bool
	// lead is set when the table must start with a null record, as the
	// MIPS loader skips the first entry of .rel.dyn.
	lead bool
}

func NewDynRelocSection(ctx *Context, plt bool) *DynRelocSection {
	rela := ctx.Arch.UsesRela()
	name, typ := ".rel", elf.SHT_REL
	if rela {
		name, typ = ".rela", elf.SHT_RELA
	}
	if plt {
		name += ".plt"
	} else {
		name += ".dyn"
	}

	d := &DynRelocSection{plt: plt, lead: !plt && ctx.Arch.Machine() == elf.EM_MIPS}
	d.synthSection = newSynthSection(ctx, name, typ, elf.SHF_ALLOC,
		ctx.Layout().RelSize(rela), ctx.WordSize(), d)
	return d
}

func (d *DynRelocSection) Add(r *DynReloc) {
	if d.lead && len(d.Relocs) == 0 {
		d.Relocs = append(d.Relocs, &DynReloc{})
		d.Isec.Size += d.Isec.EntSize
	}
	d.Relocs = append(d.Relocs, r)
	d.Isec.Size += d.Isec.EntSize
}

func (d *DynRelocSection) LinkInfo(ctx *Context) (uint32, uint32) {
	if d.plt {
		return ctx.Dynsym.Shndx(), ctx.GotPlt.Shndx()
	}
	return ctx.Dynsym.Shndx(), 0
}

// Finalize computes addresses and addends once the layout is fixed.
func (d *DynRelocSection) Finalize(ctx *Context) {
	FinalizeDynamic(ctx, d.Relocs)
	switch {
	case d.lead && len(d.Relocs) > 0:
		SortDynRelocs(ctx, d.Relocs[1:])
	case !d.plt:
		SortDynRelocs(ctx, d.Relocs)
	}
}

func (d *DynRelocSection) WriteTo(ctx *Context, buf []byte) {
	recs := make([]Rela, 0, len(d.Relocs))
	for _, r := range d.Relocs {
		recs = append(recs, Rela{Offset: r.Addr, Type: r.Type, Sym: r.DynIdx(), Addend: r.Value})
	}
	copy(buf, SerializeRelocs(ctx.Layout(), ctx.Arch.UsesRela(), recs))
}

type DynamicSection struct {
	synthSection
}

func NewDynamicSection(ctx *Context) *DynamicSection {
	d := &DynamicSection{}
	d.synthSection = newSynthSection(ctx, ".dynamic", elf.SHT_DYNAMIC,
		elf.SHF_ALLOC|elf.SHF_WRITE, ctx.Layout().DynSize(), ctx.WordSize(), d)
	d.Isec.Size = d.Isec.EntSize
	return d
}

func (d *DynamicSection) LinkInfo(ctx *Context) (uint32, uint32) {
	return ctx.Dynstr.Shndx(), 0
}

// UpdateSize fixes the number of entries. Which tags are present depends
// only on section sizes, so it is stable across layout.
func (d *DynamicSection) UpdateSize(ctx *Context) {
	d.Isec.Size = uint64(len(d.entries(ctx))) * d.Isec.EntSize
}

func (d *DynamicSection) entries(ctx *Context) []Dyn {
	var out []Dyn
	add := func(tag elf.DynTag, val uint64) {
		out = append(out, Dyn{tag, val})
	}

	for _, dso := range usedDsos(ctx) {
		add(elf.DT_NEEDED, uint64(ctx.Dynstr.Add(dso.Soname)))
	}
	if ctx.IsShared() && ctx.Arg.Soname != "" {
		add(elf.DT_SONAME, uint64(ctx.Dynstr.Add(ctx.Arg.Soname)))
	}

	add(elf.DT_HASH, ctx.Hash.GetAddr())
	add(elf.DT_STRTAB, ctx.Dynstr.GetAddr())
	add(elf.DT_SYMTAB, ctx.Dynsym.GetAddr())
	add(elf.DT_STRSZ, ctx.Dynstr.Size())
	add(elf.DT_SYMENT, ctx.Layout().SymSize())

	rela := ctx.Arch.UsesRela()
	if ctx.RelDyn.Size() > 0 {
		if rela {
			add(elf.DT_RELA, ctx.RelDyn.GetAddr())
			add(elf.DT_RELASZ, ctx.RelDyn.Size())
			add(elf.DT_RELAENT, ctx.Layout().RelSize(true))
		} else {
			add(elf.DT_REL, ctx.RelDyn.GetAddr())
			add(elf.DT_RELSZ, ctx.RelDyn.Size())
			add(elf.DT_RELENT, ctx.Layout().RelSize(false))
		}
	}
	if ctx.RelPlt.Size() > 0 {
		add(elf.DT_JMPREL, ctx.RelPlt.GetAddr())
		add(elf.DT_PLTRELSZ, ctx.RelPlt.Size())
		if rela {
			add(elf.DT_PLTREL, uint64(elf.DT_RELA))
		} else {
			add(elf.DT_PLTREL, uint64(elf.DT_REL))
		}
	}
	if ctx.GotPlt.Size() > 0 {
		add(elf.DT_PLTGOT, ctx.GotPlt.GetAddr())
	}

	if sym := ctx.Symtab.Lookup("_init"); sym != nil && sym.IsDefined() && !sym.InDso() {
		add(elf.DT_INIT, sym.GetAddr(ctx))
	}
	if sym := ctx.Symtab.Lookup("_fini"); sym != nil && sym.IsDefined() && !sym.InDso() {
		add(elf.DT_FINI, sym.GetAddr(ctx))
	}

	arrays := []struct {
		typ       elf.SectionType
		addr, len elf.DynTag
	}{
		{elf.SHT_PREINIT_ARRAY, elf.DT_PREINIT_ARRAY, elf.DT_PREINIT_ARRAYSZ},
		{elf.SHT_INIT_ARRAY, elf.DT_INIT_ARRAY, elf.DT_INIT_ARRAYSZ},
		{elf.SHT_FINI_ARRAY, elf.DT_FINI_ARRAY, elf.DT_FINI_ARRAYSZ},
	}
	for _, a := range arrays {
		if osec := ctx.OutputSectionByType(uint32(a.typ)); osec != nil {
			add(a.addr, osec.Shdr.Addr)
			add(a.len, osec.Shdr.Size)
		}
	}

	if ctx.Versym != nil && ctx.Versym.Size() > 0 {
		add(elf.DT_VERSYM, ctx.Versym.GetAddr())
	}
	if ctx.Verneed != nil && ctx.Verneed.Count > 0 {
		add(elf.DT_VERNEED, ctx.Verneed.GetAddr())
		add(elf.DT_VERNEEDNUM, uint64(ctx.Verneed.Count))
	}
	if ctx.Verdef != nil && ctx.Verdef.Count > 0 {
		add(elf.DT_VERDEF, ctx.Verdef.GetAddr())
		add(elf.DT_VERDEFNUM, uint64(ctx.Verdef.Count))
	}

	if !ctx.IsShared() && ctx.Arch.Machine() != elf.EM_MIPS {
		add(elf.DT_DEBUG, 0)
	}
	if ctx.TextRel {
		add(elf.DT_TEXTREL, 0)
		add(elf.DT_FLAGS, uint64(elf.DF_TEXTREL))
	}

	out = append(out, ctx.Arch.DynamicTags(ctx)...)
	add(elf.DT_NULL, 0)
	return out
}

func (d *DynamicSection) WriteTo(ctx *Context, buf []byte) {
	layout := ctx.Layout()
	for i, e := range d.entries(ctx) {
		layout.WriteDyn(buf[uint64(i)*layout.DynSize():], e)
	}
}

// OutputSectionByType returns the first non-empty output section of the
// given type.
func (ctx *Context) OutputSectionByType(typ uint32) *OutputSection {
	for _, osec := range ctx.OutputSections {
		if osec.Shdr.Type == typ && len(osec.Members) > 0 {
			return osec
		}
	}
	return nil
}

// addCopyReloc reserves space in .dynbss for a data symbol defined by a
// shared library and asks the loader to copy its initial value there.
// Aliases of the same object in the library share the copy.
func (ctx *Context) addCopyReloc(sym *Symbol) {
	if sym.IsCopied {
		return
	}
	isec := ctx.DynBss
	align := uint64(1) << min(utils.CountrZero(sym.Value), 5)
	off := utils.AlignTo(isec.Size, align)
	isec.Size = off + sym.Size
	isec.AddrAlign = max(isec.AddrAlign, align)

	for _, id := range sym.Dso.Symbols {
		alias := ctx.Symtab.Ref(id)
		if alias.Dso == sym.Dso && alias.Value == sym.Value && alias.Type == elf.STT_OBJECT {
			alias.IsCopied = true
			alias.CopyOffset = off
			alias.Flags |= NEEDS_DYNSYM
		}
	}
	sym.IsCopied = true
	sym.CopyOffset = off

	ctx.addDynReloc(&DynReloc{
		Type:   ctx.Arch.DynRelTypes().Copy,
		Sym:    sym,
		Isec:   isec,
		Offset: off,
	})
}

// ComputeImportExport decides, before relocations are scanned, which
// symbols come from shared libraries at run time and which the output
// offers to others.
func ComputeImportExport(ctx *Context) {
	if ctx.IsRelocatable() {
		return
	}

	for _, dso := range ctx.Dsos {
		for _, name := range dso.Undefs {
			if sym := ctx.Symtab.Lookup(name); sym != nil && !sym.InDso() {
				sym.RefByDso = true
			}
		}
	}

	globals := ctx.Symtab.Globals()
	for _, sym := range globals {
		if !sym.InDso() {
			sym.VerIdx = VER_NDX_GLOBAL
		}
	}
	if ctx.Arg.VersionScript != nil {
		applyVersionScript(ctx, globals)
	}

	for _, sym := range globals {
		visible := sym.Visibility == elf.STV_DEFAULT || sym.Visibility == elf.STV_PROTECTED
		switch {
		case sym.InDso():
			sym.IsImported = true
		case sym.IsUndef():
			if ctx.IsShared() {
				sym.IsImported = visible
			} else {
				sym.IsImported = ctx.IsDynamic() && !sym.IsWeak()
			}
		case !visible || sym.VerIdx == VER_NDX_LOCAL:
		case ctx.IsShared():
			sym.IsExported = true
		case ctx.IsDynamic():
			sym.IsExported = sym.RefByDso || ctx.Arg.ExportDynamic
		}
	}
}

// FinalizeDynamicSymbols fills .dynsym and the tables indexed by it.
func FinalizeDynamicSymbols(ctx *Context) {
	if !ctx.IsDynamic() {
		return
	}
	for _, sym := range ctx.Symtab.Globals() {
		if sym.Flags&NEEDS_DYNSYM != 0 || (sym.IsExported && !sym.IsUndef()) {
			ctx.Dynsym.AddSymbol(sym)
		}
	}
	ctx.Dynsym.Finalize(ctx)
	ctx.Hash.UpdateSize(ctx)
	ctx.Verdef.Finalize(ctx)
	ctx.Verneed.Finalize(ctx)
	ctx.Versym.Finalize(ctx)
}
