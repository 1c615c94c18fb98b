package linker

import (
	"debug/elf"
	"math"
	"slices"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ksco/elfld/pkg/script"
	"github.com/ksco/elfld/pkg/utils"
	"github.com/pkg/errors"
)

type placementRule struct {
	pattern *script.InputPattern
	desc    *script.OutputSection
	item    int
}

// sectionPlacer decides which output section every input section lands
// in. Script rules are tried in order and the first match wins; sections
// no rule accepts are orphans.
type sectionPlacer struct {
	script   *script.Script
	rules    []placementRule
	byName   *lru.Cache[string, []int]
	byScript map[*script.OutputSection]*OutputSection

	// item is the script item that placed each section; orphans are -1.
	item    map[*InputSection]int
	orphans []*OutputSection
	order   []*OutputSection

	symbols map[string]*Symbol
}

func newSectionPlacer(ctx *Context) *sectionPlacer {
	p := &sectionPlacer{
		item:    make(map[*InputSection]int),
		symbols: make(map[string]*Symbol),
	}
	if ctx.IsRelocatable() || ctx.Arg.Script == nil {
		return p
	}

	cache, err := lru.New[string, []int](4096)
	if err != nil {
		ctx.Fatal(ErrInternal, err)
	}
	p.script = ctx.Arg.Script
	p.byName = cache
	p.byScript = make(map[*script.OutputSection]*OutputSection)

	for _, desc := range p.script.OutputSections() {
		if desc.Name != script.DiscardSection {
			osec := GetOutputSectionInstance(ctx, desc.Name, uint32(elf.SHT_NULL), 0)
			osec.Script = desc
			p.byScript[desc] = osec
		}
		for i, item := range desc.Items {
			if item.Input != nil {
				p.rules = append(p.rules, placementRule{pattern: item.Input, desc: desc, item: i})
			}
		}
	}
	return p
}

// candidates lists the rules whose section globs accept name. The answer
// only depends on the name, and input sections share a handful of names.
func (p *sectionPlacer) candidates(name string) []int {
	if idx, ok := p.byName.Get(name); ok {
		return idx
	}
	var idx []int
	for i := range p.rules {
		if p.rules[i].pattern.MatchesSection(name) {
			idx = append(idx, i)
		}
	}
	p.byName.Add(name, idx)
	return idx
}

func (p *sectionPlacer) place(ctx *Context, isec *InputSection) {
	if ctx.IsRelocatable() {
		isec.OutputSection = GetOutputSectionInstance(ctx, isec.Name, isec.Type, isec.Flags)
		return
	}
	if p.script == nil {
		isec.OutputSection = GetOutputSectionInstance(ctx, GetOutputName(isec.Name, isec.Flags),
			isec.Type, isec.Flags)
		return
	}

	path, archive := "", ""
	if isec.File.File != nil {
		path, archive = isec.File.File.Name, isec.File.ArchiveName()
	}

	for _, ri := range p.candidates(isec.Name) {
		rule := &p.rules[ri]
		if !rule.pattern.MatchesFile(path, archive) {
			continue
		}
		if rule.desc.Name == script.DiscardSection {
			isec.Discarded = true
			ctx.debug("msg", "discarding section", "section", isec.String())
			return
		}
		if rule.pattern.Keep {
			isec.Keep = true
		}
		osec := p.byScript[rule.desc]
		osec.merge(CanonicalizeType(osec.Name, isec.Type), isec.Flags&^droppedOutputFlags)
		isec.OutputSection = osec
		p.item[isec] = rule.item
		return
	}

	name := GetOutputName(isec.Name, isec.Flags)
	existing := ctx.outputSectionByName(name)
	isec.OutputSection = GetOutputSectionInstance(ctx, name, isec.Type, isec.Flags)
	p.item[isec] = -1
	if existing == nil {
		p.orphans = append(p.orphans, isec.OutputSection)
	}
}

// PlaceSections assigns every live input section to an output section.
// Sections matched by a /DISCARD/ rule are dropped here.
func PlaceSections(ctx *Context) {
	ctx.placer = newSectionPlacer(ctx)
	for _, o := range ctx.Objs {
		for _, isec := range o.Sections {
			if isec != nil && isec.IsLive() {
				ctx.placer.place(ctx, isec)
			}
		}
	}
	if ctx.placer.script != nil {
		defineScriptSymbols(ctx)
	}
}

// itemOf orders the members of a script section by the item that
// placed them.
func (p *sectionPlacer) itemOf(isec *InputSection) int {
	if i, ok := p.item[isec]; ok && i >= 0 {
		return i
	}
	return math.MaxInt32
}

func sectionClass(osec *OutputSection) uint64 {
	return osec.Shdr.Flags & uint64(elf.SHF_ALLOC|elf.SHF_WRITE)
}

// computeOrder lays out the script sections in script order and puts
// every orphan after the last non-empty script section of the same
// class.
func (p *sectionPlacer) computeOrder() {
	p.order = p.order[:0]
	descs := p.script.OutputSections()

	for _, orphan := range p.orphans {
		orphan.anchor = nil
		for _, desc := range descs {
			osec := p.byScript[desc]
			if osec != nil && len(osec.Members) > 0 && sectionClass(osec) == sectionClass(orphan) {
				orphan.anchor = osec
			}
		}
	}

	for _, desc := range descs {
		osec := p.byScript[desc]
		if osec == nil {
			continue
		}
		p.order = append(p.order, osec)
		for _, orphan := range p.orphans {
			if orphan.anchor == osec {
				p.order = append(p.order, orphan)
			}
		}
	}
	for _, orphan := range p.orphans {
		if orphan.anchor == nil {
			p.order = append(p.order, orphan)
		}
	}
}

func (p *sectionPlacer) rank(osec *OutputSection) (int, bool) {
	for i, o := range p.order {
		if o == osec {
			return i, true
		}
	}
	return 0, false
}

// defineScriptSymbols creates the symbols assigned by the script so that
// relocation scanning sees them defined. Their values are set during
// layout. A PROVIDE only defines a symbol some input refers to and no
// input defines.
func defineScriptSymbols(ctx *Context) {
	p := ctx.placer
	define := func(a *script.Assignment) {
		if a.IsDot() || p.symbols[a.Symbol] != nil {
			return
		}
		existing := ctx.Symtab.Lookup(a.Symbol)
		if a.Provide && (existing == nil || !existing.IsUndef()) {
			return
		}
		sym := NewSymbol(a.Symbol)
		sym.Kind = SymAbs
		sym.File = ctx.InternalObj
		sym.Synthetic = true
		sym.Provide = a.Provide
		if a.Hidden {
			sym.Visibility = elf.STV_HIDDEN
		}
		if existing != nil && existing.Type != elf.STT_NOTYPE {
			sym.Type = existing.Type
		}
		p.symbols[a.Symbol] = ctx.Symtab.Define(sym)
	}

	for _, st := range p.script.Sections {
		if st.Assign != nil {
			define(st.Assign)
			continue
		}
		for _, item := range st.Output.Items {
			if item.Assign != nil {
				define(item.Assign)
			}
		}
	}
}

// layoutEnv evaluates script expressions against the layout computed so
// far.
type layoutEnv struct {
	ctx *Context
	dot uint64

	// allocPlaced is set once the first allocated section has an address.
	allocPlaced bool
}

func (e *layoutEnv) Dot() uint64 {
	return e.dot
}

func (e *layoutEnv) Symbol(name string) (uint64, bool) {
	if sym := e.ctx.placer.symbols[name]; sym != nil {
		return sym.GetAddr(e.ctx), true
	}
	return e.ctx.Symtab.ValueOf(e.ctx, name)
}

func (e *layoutEnv) section(name string) *OutputSection {
	osec := e.ctx.outputSectionByName(name)
	if osec == nil || len(osec.Members) == 0 {
		return nil
	}
	return osec
}

func (e *layoutEnv) SectionAddr(name string) (uint64, bool) {
	if osec := e.section(name); osec != nil {
		return osec.Shdr.Addr, true
	}
	return 0, false
}

func (e *layoutEnv) SectionSize(name string) (uint64, bool) {
	if osec := e.section(name); osec != nil {
		return osec.Shdr.Size, true
	}
	return 0, false
}

func (e *layoutEnv) SectionAlign(name string) (uint64, bool) {
	if osec := e.section(name); osec != nil {
		return osec.Shdr.AddrAlign, true
	}
	return 0, false
}

func (e *layoutEnv) SizeofHeaders() uint64 {
	return sizeofHeaders(e.ctx)
}

func (e *layoutEnv) Constant(name string) (uint64, bool) {
	switch name {
	case "MAXPAGESIZE":
		return e.ctx.Arch.MaxPageSize(), true
	case "COMMONPAGESIZE":
		return e.ctx.Arch.CommonPageSize(), true
	}
	return 0, false
}

func sizeofHeaders(ctx *Context) uint64 {
	n := ctx.Layout().EhdrSize()
	if ctx.Phdr != nil {
		n += ctx.Phdr.Shdr.Size
	}
	return n
}

func (e *layoutEnv) eval(expr *script.Expr, what string) uint64 {
	v, err := expr.Eval(e)
	if err != nil {
		e.ctx.Fatal(ErrLayout, errors.Wrapf(err, "%s", what))
	}
	return v
}

// assign runs a symbol assignment. osec is the section the assignment
// appears in, nil at the top level.
func (e *layoutEnv) assign(a *script.Assignment, osec *OutputSection) {
	sym := e.ctx.placer.symbols[a.Symbol]
	if sym == nil {
		return
	}
	v := e.eval(a.Expr, a.Symbol)
	if osec != nil && osec.Shdr.Flags&uint64(elf.SHF_ALLOC) != 0 {
		sym.SetOutputSection(osec, v)
		return
	}
	sym.Kind = SymAbs
	sym.Value = v
}

// assignScriptAddresses walks the script with the location counter. The
// counter never moves backward at the top level. Inside a section a
// smaller value is accepted for symbol assignments but does not pull
// the following members back.
func assignScriptAddresses(ctx *Context) {
	p := ctx.placer
	p.computeOrder()
	env := &layoutEnv{ctx: ctx}
	placed := make(map[*OutputSection]bool)

	placeOrphans := func(anchor *OutputSection) {
		for _, orphan := range p.orphans {
			if orphan.anchor == anchor && len(orphan.Members) > 0 && !placed[orphan] {
				placed[orphan] = true
				env.dot = placeSection(ctx, env, orphan)
			}
		}
	}

	for _, st := range p.script.Sections {
		if a := st.Assign; a != nil {
			if !a.IsDot() {
				env.assign(a, nil)
				continue
			}
			v := env.eval(a.Expr, a.Symbol)
			if v < env.dot {
				ctx.Fatalf(ErrLayout, "location counter moved backward from 0x%x to 0x%x", env.dot, v)
			}
			env.dot = v
			continue
		}

		osec := p.byScript[st.Output]
		if osec == nil {
			continue
		}
		if len(osec.Members) == 0 {
			for _, item := range st.Output.Items {
				if item.Assign != nil && !item.Assign.IsDot() {
					env.assign(item.Assign, nil)
				}
			}
			continue
		}
		placed[osec] = true
		env.dot = placeSection(ctx, env, osec)
		placeOrphans(osec)
	}
	placeOrphans(nil)

	loadHeaders(ctx)
}

// placeSection assigns the address of osec and the offsets of its
// members, and returns the location counter after it.
func placeSection(ctx *Context, env *layoutEnv, osec *OutputSection) uint64 {
	alloc := isAlloc(osec)
	desc := osec.Script

	// Position-independent output starts right after the headers no
	// matter where the script left the location counter.
	if alloc && !env.allocPlaced {
		env.allocPlaced = true
		if ctx.IsPIC() {
			env.dot = sizeofHeaders(ctx)
		}
	}

	align := chunkAlign(osec)
	if desc != nil && desc.Align != nil {
		align = max(align, env.eval(desc.Align, osec.Name))
	}

	start := utils.AlignTo(env.dot, align)
	if desc != nil && desc.Address != nil {
		addr := env.eval(desc.Address, osec.Name)
		if alloc && addr < env.dot {
			ctx.Fatalf(ErrLayout, "%s: address 0x%x is below the location counter 0x%x",
				osec.Name, addr, env.dot)
		}
		start = addr
	}
	if !alloc {
		start = 0
	}

	outer := env.dot
	osec.Shdr.Addr = start
	env.dot = start

	put := func(isec *InputSection) {
		env.dot = utils.AlignTo(env.dot, isec.AddrAlign)
		isec.Offset = env.dot - start
		env.dot += isec.Size
	}

	members := osec.Members
	if desc != nil {
		for i, item := range desc.Items {
			if a := item.Assign; a != nil {
				if !a.IsDot() {
					env.assign(a, osec)
					continue
				}
				if v := env.eval(a.Expr, a.Symbol); v > env.dot {
					env.dot = v
				}
				continue
			}
			for len(members) > 0 && ctx.placer.itemOf(members[0]) == i {
				put(members[0])
				members = members[1:]
			}
		}
	}
	for _, isec := range members {
		put(isec)
	}

	osec.Shdr.Size = env.dot - start
	switch {
	case !alloc:
		return outer
	case isTbss(osec):
		return outer
	}
	return env.dot
}

// loadHeaders maps the ELF and program headers just below the first
// allocated section when they fit in the gap; otherwise they stay in the
// file only.
func loadHeaders(ctx *Context) {
	first := uint64(math.MaxUint64)
	for _, chunk := range ctx.Chunks {
		if chunk.Kind() != ChunkKindHeader && isAlloc(chunk) && !isTbss(chunk) {
			first = min(first, chunk.GetShdr().Addr)
		}
	}

	size := sizeofHeaders(ctx)
	base := utils.AlignDown(first, ctx.Arch.MaxPageSize())
	fits := first != math.MaxUint64 && base+size <= first

	for _, chunk := range []Chunker{ctx.Ehdr, ctx.Phdr} {
		if chunk == nil {
			continue
		}
		shdr := chunk.GetShdr()
		if !fits {
			shdr.Flags &^= uint64(elf.SHF_ALLOC)
			shdr.Addr = 0
			continue
		}
		shdr.Flags |= uint64(elf.SHF_ALLOC)
		shdr.Addr = base
		base += shdr.Size
	}
}

// assignAddresses is the default layout: every allocated chunk follows
// the previous one from the image base. TLS bss takes no address space
// of its own, so it is laid out separately starting where it would have
// been.
func assignAddresses(ctx *Context) {
	addr := ctx.ImageBase()
	for _, chunk := range ctx.Chunks {
		if !isAlloc(chunk) {
			continue
		}
		if isTbss(chunk) {
			chunk.GetShdr().Addr = addr
			continue
		}
		addr = utils.AlignTo(addr, chunkAlign(chunk))
		chunk.GetShdr().Addr = addr
		addr += chunk.GetShdr().Size
	}

	for i := 0; i < len(ctx.Chunks); {
		if !isTbss(ctx.Chunks[i]) {
			i++
			continue
		}
		addr := ctx.Chunks[i].GetShdr().Addr
		for ; i < len(ctx.Chunks) && isTbss(ctx.Chunks[i]); i++ {
			addr = utils.AlignTo(addr, chunkAlign(ctx.Chunks[i]))
			ctx.Chunks[i].GetShdr().Addr = addr
			addr += ctx.Chunks[i].GetShdr().Size
		}
	}
}

// congruent returns the first offset at or after off that is congruent
// to addr modulo the page size, which the loader requires of every
// PT_LOAD.
func congruent(off, addr, page uint64) uint64 {
	if page == 0 {
		return off
	}
	return off + (addr%page+page-off%page)%page
}

// setFileOffsets assigns file offsets in chunk order. An allocated chunk
// continues the previous one in the file when the gap between them is
// less than a page, and starts a fresh congruent run otherwise.
func setFileOffsets(ctx *Context) uint64 {
	page := ctx.Arch.MaxPageSize()
	fileoff := uint64(0)
	var prev Chunker

	for _, chunk := range ctx.Chunks {
		shdr := chunk.GetShdr()
		switch {
		case ctx.IsRelocatable() || !isAlloc(chunk):
			if isNobits(chunk) {
				shdr.Offset = fileoff
				continue
			}
			fileoff = utils.AlignTo(fileoff, shdr.AddrAlign)
			shdr.Offset = fileoff
			prev = nil
		case isNobits(chunk):
			shdr.Offset = congruent(fileoff, shdr.Addr, page)
			continue
		default:
			p := prev
			if p != nil && shdr.Addr >= p.GetShdr().Addr+p.GetShdr().Size &&
				shdr.Addr-(p.GetShdr().Addr+p.GetShdr().Size) < page {
				shdr.Offset = p.GetShdr().Offset + shdr.Addr - p.GetShdr().Addr
			} else {
				shdr.Offset = congruent(fileoff, shdr.Addr, page)
			}
			prev = chunk
		}
		fileoff = shdr.Offset + shdr.Size
	}
	return fileoff
}

func doSetOsecOffsets(ctx *Context) uint64 {
	switch {
	case ctx.IsRelocatable():
		for _, chunk := range ctx.Chunks {
			chunk.GetShdr().Addr = 0
		}
	case ctx.placer != nil && ctx.placer.script != nil:
		assignScriptAddresses(ctx)
	default:
		assignAddresses(ctx)
	}
	return setFileOffsets(ctx)
}

// SetOsecOffsets lays the image out and returns the file size. The
// program headers depend on the layout and the layout depends on their
// size and the segment alignment they ask for, so the two are iterated
// until neither changes.
func SetOsecOffsets(ctx *Context) uint64 {
	extras := func() []uint64 {
		out := make([]uint64, len(ctx.Chunks))
		for i, chunk := range ctx.Chunks {
			out[i] = chunk.GetExtraAddrAlign()
		}
		return out
	}

	for i := 0; i < 10; i++ {
		fileoff := doSetOsecOffsets(ctx)
		if ctx.Phdr == nil {
			return fileoff
		}

		size, before := ctx.Phdr.Shdr.Size, extras()
		ctx.Phdr.UpdateShdr(ctx)
		if size == ctx.Phdr.Shdr.Size && slices.Equal(before, extras()) {
			return fileoff
		}
	}
	ctx.Fatalf(ErrLayout, "layout did not converge")
	return 0
}

// sortMembers orders the members of script sections by the item that
// selected them, keeping input order within an item.
func sortMembers(ctx *Context, osec *OutputSection) {
	if ctx.placer == nil || ctx.placer.script == nil || osec.Script == nil {
		return
	}
	sort.SliceStable(osec.Members, func(i, j int) bool {
		return ctx.placer.itemOf(osec.Members[i]) < ctx.placer.itemOf(osec.Members[j])
	})
}
