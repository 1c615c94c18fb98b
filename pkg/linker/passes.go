package linker

import (
	"debug/elf"
	"math"
	"sort"
	"strings"

	"github.com/ksco/elfld/pkg/utils"
	"github.com/samber/lo"
)

// syntheticSymbols are the symbols the linker defines on request. Each
// is nil unless some input referred to it and no input defined it.
type syntheticSymbols struct {
	got          *Symbol
	dynamic      *Symbol
	ehdrStart    *Symbol
	bssStart     *Symbol
	etext        *Symbol
	edata        *Symbol
	end          *Symbol
	initArray    [2]*Symbol
	finiArray    [2]*Symbol
	preinitArray [2]*Symbol
	gp           *Symbol
	gpDisp       *Symbol
	startStop    map[string][2]*Symbol
}

func CreateInternalFile(ctx *Context) {
	obj := &ObjectFile{}
	obj.Layout = ctx.Layout()
	obj.IsAlive = true
	obj.Priority = 1

	ctx.InternalObj = obj
	ctx.Objs = append(ctx.Objs, obj)
}

func CreateSyntheticSections(ctx *Context) {
	push := func(chunk Chunker) Chunker {
		ctx.Chunks = append(ctx.Chunks, chunk)
		return chunk
	}

	ctx.Ehdr = push(NewOutputEhdr(ctx)).(*OutputEhdr)
	if ctx.IsRelocatable() {
		ctx.Ehdr.Shdr.Flags = 0
	} else {
		ctx.Phdr = push(NewOutputPhdr(ctx)).(*OutputPhdr)
	}
	ctx.Shdr = push(NewOutputShdr(ctx)).(*OutputShdr)
	ctx.Shstrtab = push(NewStrtabSection(".shstrtab")).(*StrtabSection)
	ctx.SymtabSec = push(NewSymtabSection(ctx)).(*SymtabSection)
	ctx.Strtab = push(NewStrtabSection(".strtab")).(*StrtabSection)

	if ctx.IsRelocatable() {
		return
	}

	ctx.Got = NewGotSection(ctx)
	ctx.GotPlt = NewGotPltSection(ctx)
	ctx.Plt = NewPltSection(ctx)
	ctx.RelDyn = NewDynRelocSection(ctx, false)
	ctx.RelPlt = NewDynRelocSection(ctx, true)
	ctx.DynBss = ctx.AddInternalSection(".dynbss", uint32(elf.SHT_NOBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 0, 1)

	if ctx.Arg.EhFrameHdr {
		ctx.EhFrameHdr = NewEhFrameHdrSection(ctx)
	}

	if !ctx.IsDynamic() {
		return
	}
	if !ctx.IsShared() && ctx.Arg.DynamicLinker != "" {
		ctx.Interp = NewInterpSection(ctx)
	}
	ctx.Dynamic = NewDynamicSection(ctx)
	ctx.Dynsym = NewDynsymSection(ctx)
	ctx.Dynstr = NewDynstrSection(ctx)
	ctx.Hash = NewHashSection(ctx)
	ctx.Versym = NewVersymSection(ctx)
	ctx.Verneed = NewVerneedSection(ctx)
	ctx.Verdef = NewVerdefSection(ctx)
}

// AllocateCommonSymbols gives every common symbol that won resolution a
// slot in .common, or .tcommon for TLS commons. A relocatable output
// keeps them common.
func AllocateCommonSymbols(ctx *Context) {
	if ctx.IsRelocatable() {
		return
	}
	for _, sym := range ctx.Symtab.Globals() {
		if !sym.IsCommon() || sym.InDso() {
			continue
		}

		name, flags := ".common", elf.SHF_ALLOC|elf.SHF_WRITE
		if sym.IsTLS() {
			name, flags = ".tcommon", flags|elf.SHF_TLS
		}
		isec := ctx.AddInternalSection(name, uint32(elf.SHT_NOBITS), uint64(flags), 0, 1)

		align := max(sym.CommonAlign, 1)
		off := utils.AlignTo(isec.Size, align)
		isec.Size = off + sym.Size
		isec.AddrAlign = max(isec.AddrAlign, align)

		sym.SetInputSection(isec)
		sym.Value = off
		if sym.Type == elf.STT_NOTYPE {
			sym.Type = elf.STT_OBJECT
		}
	}
	ctx.Common = ctx.internalSecs[".common"]
}

// AddSyntheticSymbols defines the linker-provided symbols that inputs
// refer to. Their values are set by FixSyntheticSymbols after layout.
func AddSyntheticSymbols(ctx *Context) {
	if ctx.IsRelocatable() {
		return
	}

	add := func(name string) *Symbol {
		if ctx.Symtab.Lookup(name) == nil {
			return nil
		}
		sym := ctx.Symtab.AddInternal(ctx, name, 0, nil, elf.STV_HIDDEN)
		if !sym.Synthetic || sym.File != ctx.InternalObj {
			return nil
		}
		sym.Kind = SymDefined
		return sym
	}

	s := &ctx.synth
	s.got = add("_GLOBAL_OFFSET_TABLE_")
	s.dynamic = add("_DYNAMIC")
	s.ehdrStart = add("__ehdr_start")
	s.bssStart = add("__bss_start")
	s.etext = add("_etext")
	s.edata = add("_edata")
	s.end = add("_end")
	s.initArray = [2]*Symbol{add("__init_array_start"), add("__init_array_end")}
	s.finiArray = [2]*Symbol{add("__fini_array_start"), add("__fini_array_end")}
	s.preinitArray = [2]*Symbol{add("__preinit_array_start"), add("__preinit_array_end")}

	if ctx.Arch.Machine() == elf.EM_MIPS {
		s.gp = add("_gp")
		if s.gpDisp = add("_gp_disp"); s.gpDisp != nil {
			s.gpDisp.Kind = SymAbs
		}
	}

	s.startStop = make(map[string][2]*Symbol)
	for _, o := range ctx.Objs {
		for _, isec := range o.Sections {
			if isec == nil || !isec.IsLive() || !utils.IsCIdent(isec.Name) {
				continue
			}
			if _, ok := s.startStop[isec.Name]; ok {
				continue
			}
			start, stop := add("__start_"+isec.Name), add("__stop_"+isec.Name)
			if start != nil || stop != nil {
				s.startStop[isec.Name] = [2]*Symbol{start, stop}
			}
		}
	}
}

// ReportUndefined diagnoses undefined symbols left after resolution.
// Strong ones are errors with --no-undefined and warnings otherwise;
// shared objects may leave them to the loader. A weak undefined symbol
// resolves to zero and is only ever warned about. Symbols whose every
// relocation was folded away by TLS relaxation are not reported.
func ReportUndefined(ctx *Context) {
	if ctx.IsRelocatable() {
		return
	}

	consumed := relaxedOnly(ctx)

	var undefs, weak []string
	for _, sym := range ctx.Symtab.Globals() {
		if !sym.IsUndef() || sym.Name == "" || !sym.Referenced || consumed[sym] {
			continue
		}
		if ctx.IsShared() && (sym.IsWeak() || !ctx.Arg.NoUndefined) {
			continue
		}
		desc := sym.LongName() + " (referenced by " + symOrigin(sym) + ")"
		if sym.IsWeak() {
			weak = append(weak, desc)
		} else {
			undefs = append(undefs, desc)
		}
	}
	sort.Strings(undefs)
	sort.Strings(weak)

	if len(undefs) > 0 && ctx.Arg.NoUndefined {
		ctx.Fatalf(ErrUndefined, "undefined symbol: %s", strings.Join(undefs, ", "))
	}
	for _, u := range undefs {
		ctx.Warnf("undefined symbol: %s", u)
	}
	for _, w := range weak {
		ctx.Warnf("undefined weak symbol: %s, resolved to zero", w)
	}
}

// relaxedOnly returns the symbols that appear in live relocations, all of
// which were adjusted away.
func relaxedOnly(ctx *Context) map[*Symbol]bool {
	only := make(map[*Symbol]bool)
	for _, o := range ctx.Objs {
		for _, isec := range o.Sections {
			if isec == nil || !isec.IsLive() {
				continue
			}
			for _, r := range isec.Relocs {
				if r.State == RelocDiscarded {
					continue
				}
				sym := r.Symbol(ctx)
				adjusted := r.State == RelocAdjusted
				if prev, ok := only[sym]; ok {
					adjusted = adjusted && prev
				}
				only[sym] = adjusted
			}
		}
	}
	for sym, adjusted := range only {
		if !adjusted {
			delete(only, sym)
		}
	}
	return only
}

// BinSections fills every output section with its live members. Empty
// linker-owned sections are left out so they produce no output.
func BinSections(ctx *Context) {
	group := make([][]*InputSection, len(ctx.OutputSections))
	for _, file := range ctx.Objs {
		for _, isec := range file.Sections {
			if isec == nil || !isec.IsLive() || isec.OutputSection == nil {
				continue
			}
			if file == ctx.InternalObj && isec.Size == 0 {
				continue
			}

			idx := isec.OutputSection.Idx
			group[idx] = append(group[idx], isec)
		}
	}

	for i, osec := range ctx.OutputSections {
		osec.Members = group[i]
		if osec.Script != nil && osec.Script.NoLoad {
			osec.Shdr.Type = uint32(elf.SHT_NOBITS)
		}
		sortMembers(ctx, osec)
	}
	ctx.Chunks = append(ctx.Chunks, CollectOutputSections(ctx)...)
}

func CollectOutputSections(ctx *Context) []Chunker {
	osecs := lo.Filter(ctx.OutputSections, func(osec *OutputSection, _ int) bool {
		return len(osec.Members) != 0
	})
	return lo.Map(osecs, func(osec *OutputSection, _ int) Chunker {
		return osec
	})
}

func ComputeSectionSizes(ctx *Context) {
	for _, osec := range ctx.OutputSections {
		offset := uint64(0)
		align := uint64(1)

		for _, isec := range osec.Members {
			offset = utils.AlignTo(offset, isec.AddrAlign)
			isec.Offset = offset
			offset += isec.Size
			align = max(align, isec.AddrAlign)
		}

		osec.Shdr.Size = offset
		osec.Shdr.AddrAlign = align
	}
}

func SortOutputSections(ctx *Context) {
	script := ctx.placer != nil && ctx.placer.script != nil
	if script {
		ctx.placer.computeOrder()
	}

	getRank1 := func(chunk Chunker) int32 {
		typ := chunk.GetShdr().Type
		flags := chunk.GetShdr().Flags

		switch chunk {
		case ctx.Ehdr:
			return 0
		case ctx.Phdr:
			return 1
		case ctx.Shdr:
			return math.MaxInt32 - 1
		case ctx.Shstrtab:
			return math.MaxInt32 - 2
		case ctx.SymtabSec, ctx.Strtab:
			return math.MaxInt32
		}

		if flags&uint64(elf.SHF_ALLOC) == 0 {
			return math.MaxInt32 - 3
		}
		if osec, ok := chunk.(*OutputSection); ok && script {
			if r, ok := ctx.placer.rank(osec); ok {
				return int32(4 + r)
			}
		}
		if chunk.GetName() == ".interp" {
			return 2
		}
		if typ == uint32(elf.SHT_NOTE) {
			return 3
		}

		b2i := func(b bool) int {
			if b {
				return 1
			}
			return 0
		}

		writeable := b2i(flags&uint64(elf.SHF_WRITE) != 0)
		notExec := b2i(flags&uint64(elf.SHF_EXECINSTR) == 0)
		notTls := b2i(flags&uint64(elf.SHF_TLS) == 0)
		isBss := b2i(typ == uint32(elf.SHT_NOBITS))

		return int32((1 << 10) | writeable<<9 | notExec<<8 | notTls<<7 | isBss<<6)
	}
	getRank2 := func(chunk Chunker) int32 {
		if chunk.GetShdr().Type == uint32(elf.SHT_NOTE) {
			return -int32(chunk.GetShdr().AddrAlign)
		}

		switch chunk.GetName() {
		case ".got":
			return 1
		case ".got.plt":
			return 2
		}
		return 0
	}

	sort.SliceStable(ctx.Chunks, func(i, j int) bool {
		x := getRank1(ctx.Chunks[i])
		y := getRank1(ctx.Chunks[j])
		if x != y {
			return x < y
		}

		return getRank2(ctx.Chunks[i]) < getRank2(ctx.Chunks[j])
	})
}

// AssignSectionIndices drops empty tables, names every remaining chunk
// in .shstrtab and numbers the section headers in file order.
func AssignSectionIndices(ctx *Context) {
	ctx.Chunks = utils.RemoveIf(ctx.Chunks, func(chunk Chunker) bool {
		return chunk.Kind() == ChunkKindSynthetic && chunk.GetShdr().Size == 0 &&
			chunk != Chunker(ctx.Shstrtab)
	})

	for _, chunk := range ctx.Chunks {
		if chunk.Kind() != ChunkKindHeader {
			chunk.GetShdr().Name = ctx.Shstrtab.Add(chunk.GetName())
		}
	}

	shndx := int64(1)
	for _, chunk := range ctx.Chunks {
		if chunk.Kind() != ChunkKindHeader {
			chunk.SetShndx(shndx)
			shndx++
		}
	}

	if shndx > int64(elf.SHN_LORESERVE) {
		ctx.Fatalf(ErrUnsupported, "too many output sections: %d", shndx)
	}

	for _, chunk := range ctx.Chunks {
		chunk.UpdateShdr(ctx)
	}
}

// FixSyntheticSymbols sets the values of the linker-defined symbols once
// every address is final.
func FixSyntheticSymbols(ctx *Context) {
	s := &ctx.synth

	set := func(sym *Symbol, chunk Chunker, addr uint64) {
		if sym == nil {
			return
		}
		if chunk == nil {
			sym.Kind = SymAbs
			sym.Value = addr
			return
		}
		sym.SetOutputSection(chunk, addr)
	}
	start := func(sym *Symbol, chunk Chunker) {
		if chunk != nil {
			set(sym, chunk, chunk.GetShdr().Addr)
		}
	}
	stop := func(sym *Symbol, chunk Chunker) {
		if chunk != nil {
			set(sym, chunk, chunk.GetShdr().Addr+chunk.GetShdr().Size)
		}
	}
	osecChunk := func(osec *OutputSection) Chunker {
		if osec == nil {
			return nil
		}
		return osec
	}

	if ctx.Got != nil {
		chunk := synthChunk(&ctx.GotPlt.synthSection)
		if ctx.Arch.Machine() == elf.EM_MIPS || chunk == nil {
			chunk = synthChunk(&ctx.Got.synthSection)
		}
		set(s.got, chunk, ctx.Arch.GotBase(ctx))
		if s.gp != nil {
			set(s.gp, synthChunk(&ctx.Got.synthSection), ctx.Arch.GotBase(ctx))
		}
	}
	if ctx.Dynamic != nil {
		start(s.dynamic, synthChunk(&ctx.Dynamic.synthSection))
	}
	if isAlloc(ctx.Ehdr) {
		start(s.ehdrStart, ctx.Ehdr)
	}

	var lastExec, lastData, last, firstBss Chunker
	for _, chunk := range ctx.Chunks {
		if chunk.Kind() == ChunkKindHeader || !isAlloc(chunk) || isTbss(chunk) {
			continue
		}
		last = chunk
		if chunk.GetShdr().Flags&uint64(elf.SHF_EXECINSTR) != 0 {
			lastExec = chunk
		}
		if isNobits(chunk) {
			if firstBss == nil {
				firstBss = chunk
			}
		} else {
			lastData = chunk
		}
	}
	stop(s.etext, lastExec)
	stop(s.edata, lastData)
	stop(s.end, last)
	start(s.bssStart, firstBss)
	if firstBss == nil {
		stop(s.bssStart, lastData)
	}

	arrays := []struct {
		typ elf.SectionType
		sym [2]*Symbol
	}{
		{elf.SHT_INIT_ARRAY, s.initArray},
		{elf.SHT_FINI_ARRAY, s.finiArray},
		{elf.SHT_PREINIT_ARRAY, s.preinitArray},
	}
	for _, a := range arrays {
		chunk := osecChunk(ctx.OutputSectionByType(uint32(a.typ)))
		if chunk == nil {
			// An empty array still needs a consistent pair of bounds.
			set(a.sym[0], nil, 0)
			set(a.sym[1], nil, 0)
			continue
		}
		start(a.sym[0], chunk)
		stop(a.sym[1], chunk)
	}

	for name, pair := range s.startStop {
		osec := ctx.outputSectionByName(name)
		if osec == nil || len(osec.Members) == 0 {
			continue
		}
		start(pair[0], osec)
		stop(pair[1], osec)
	}
}
