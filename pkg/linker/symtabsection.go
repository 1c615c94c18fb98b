package linker

import (
	"debug/elf"
)

// StrtabSection is a string table built on the fly: .shstrtab, .strtab.
type StrtabSection struct {
	Chunk
	strs    []string
	offsets map[string]uint32
}

func NewStrtabSection(name string) *StrtabSection {
	s := &StrtabSection{Chunk: NewChunk(), offsets: map[string]uint32{"": 0}}
	s.Name = name
	s.Shdr.Type = uint32(elf.SHT_STRTAB)
	s.Shdr.Size = 1
	return s
}

func (s *StrtabSection) Add(str string) uint32 {
	if off, ok := s.offsets[str]; ok {
		return off
	}
	off := uint32(s.Shdr.Size)
	s.offsets[str] = off
	s.strs = append(s.strs, str)
	s.Shdr.Size += uint64(len(str)) + 1
	return off
}

func (s *StrtabSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[s.Shdr.Offset:]
	buf[0] = 0
	for _, str := range s.strs {
		writeString(buf[s.offsets[str]:], str)
	}
}

type symtabEntry struct {
	sym  *Symbol
	osec *OutputSection
	name uint32
	bind elf.SymBind
}

// SymtabSection is .symtab: the null entry, section symbols when the
// output keeps relocations, locals, then globals.
type SymtabSection struct {
	Chunk
	entries     []symtabEntry
	FirstGlobal int
	sectionSyms map[*OutputSection]uint32
}

func NewSymtabSection(ctx *Context) *SymtabSection {
	s := &SymtabSection{Chunk: NewChunk(), sectionSyms: make(map[*OutputSection]uint32)}
	s.Name = ".symtab"
	s.Shdr.Type = uint32(elf.SHT_SYMTAB)
	s.Shdr.EntSize = ctx.Layout().SymSize()
	s.Shdr.AddrAlign = ctx.WordSize()
	return s
}

// BuildSymtab collects the symbols that go into .symtab and numbers them.
func BuildSymtab(ctx *Context) {
	s := ctx.SymtabSec
	s.entries = []symtabEntry{{}}

	if ctx.IsRelocatable() || ctx.Arg.EmitRelocs {
		for _, osec := range ctx.OutputSections {
			if len(osec.Members) == 0 {
				continue
			}
			s.sectionSyms[osec] = uint32(len(s.entries))
			s.entries = append(s.entries, symtabEntry{osec: osec, bind: elf.STB_LOCAL})
		}
	}

	add := func(sym *Symbol, bind elf.SymBind) {
		sym.SymtabIdx = int32(len(s.entries))
		s.entries = append(s.entries, symtabEntry{sym: sym, name: ctx.Strtab.Add(sym.Name), bind: bind})
	}

	for _, o := range ctx.Objs {
		if o == ctx.InternalObj {
			continue
		}
		for _, sym := range o.LocalSymbols(ctx) {
			if sym.Name == "" || sym.Type == elf.STT_SECTION || !symbolIsLive(sym) {
				continue
			}
			add(sym, elf.STB_LOCAL)
		}
	}

	var globals []*Symbol
	for _, sym := range ctx.Symtab.Globals() {
		if !emitGlobal(ctx, sym) {
			continue
		}
		if !ctx.IsRelocatable() && !sym.IsUndef() && !sym.InDso() &&
			(sym.Visibility == elf.STV_HIDDEN || sym.Visibility == elf.STV_INTERNAL) {
			add(sym, elf.STB_LOCAL)
			continue
		}
		globals = append(globals, sym)
	}

	s.FirstGlobal = len(s.entries)
	for _, sym := range globals {
		add(sym, sym.Bind)
	}
	s.Shdr.Size = uint64(len(s.entries)) * s.Shdr.EntSize
}

func symbolIsLive(sym *Symbol) bool {
	return sym.InputSection == nil || sym.InputSection.IsLive()
}

func emitGlobal(ctx *Context, sym *Symbol) bool {
	switch {
	case sym.InDso(), sym.IsUndef():
		return sym.Referenced
	case sym.Name == "":
		return false
	}
	return symbolIsLive(sym)
}

// SectionSymbol returns the .symtab index of the section symbol of osec,
// or 0.
func (s *SymtabSection) SectionSymbol(osec *OutputSection) uint32 {
	return s.sectionSyms[osec]
}

func (s *SymtabSection) UpdateShdr(ctx *Context) {
	s.Shdr.Link = uint32(ctx.Strtab.Shndx)
	s.Shdr.Info = uint32(s.FirstGlobal)
}

func (s *SymtabSection) CopyBuf(ctx *Context) {
	layout := ctx.Layout()
	buf := ctx.Buf[s.Shdr.Offset:]
	for i, e := range s.entries {
		var esym Sym
		switch {
		case e.osec != nil:
			esym.Info = elf.ST_INFO(elf.STB_LOCAL, elf.STT_SECTION)
			esym.Shndx = uint16(e.osec.Shndx)
			if !ctx.IsRelocatable() {
				esym.Val = e.osec.Shdr.Addr
			}
		case e.sym != nil:
			sym := e.sym
			esym.Name = e.name
			esym.Info = elf.ST_INFO(e.bind, sym.Type)
			esym.Other = uint8(sym.Visibility)
			esym.Size = sym.Size
			esym.Shndx = sym.OutputShndx(ctx)
			esym.Val = symbolValue(ctx, sym)
			if sym.InDso() && !sym.IsCopied {
				esym.Shndx = uint16(elf.SHN_UNDEF)
			}
		}
		layout.WriteSym(buf[uint64(i)*layout.SymSize():], &esym)
	}
}

// symbolValue is the st_value a symbol table entry carries: section
// offsets in a relocatable output, TLS template offsets for TLS symbols,
// addresses otherwise.
func symbolValue(ctx *Context, sym *Symbol) uint64 {
	if ctx.IsRelocatable() {
		switch {
		case sym.IsCommon():
			return sym.CommonAlign
		case sym.InputSection != nil:
			return sym.InputSection.Offset + sym.Value
		}
		return sym.Value
	}

	switch {
	case sym.IsCopied:
		return sym.GetAddr(ctx)
	case sym.InDso(), sym.IsUndef():
		if sym.CanonicalPlt && sym.PltIdx != -1 {
			return sym.GetPltAddr(ctx)
		}
		return 0
	case sym.IsTLS() && sym.Kind == SymDefined:
		return sym.GetAddr(ctx) - ctx.TLSBase
	}
	return sym.GetAddr(ctx)
}
