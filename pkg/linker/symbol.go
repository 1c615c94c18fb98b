package linker

import (
	"debug/elf"
)

type SymID int32

const NoSym SymID = -1

const (
	NEEDS_GOT uint32 = 1 << iota
	NEEDS_PLT
	NEEDS_COPY
	NEEDS_GOTTP
	NEEDS_TLSGD
	NEEDS_DYNSYM
)

type SymKind uint8

const (
	SymUndef SymKind = iota
	SymDefined
	SymAbs
	SymCommon
)

type Symbol struct {
	ID SymID

	Name      string
	Version   string
	VerHidden bool

	Kind  SymKind
	File  *ObjectFile
	Dso   *SharedFile
	Value uint64
	Size  uint64

	InputSection *InputSection
	CommonAlign  uint64

	// OutputSection anchors linker-defined symbols whose Value is already
	// an address.
	OutputSection Chunker

	Bind       elf.SymBind
	Type       elf.SymType
	Visibility elf.SymVis

	// ResolvedTo links a symbol that lost resolution to the one that won.
	ResolvedTo SymID
	SrcIdx     int32

	Provide    bool
	Referenced bool
	RefByDso   bool
	Synthetic  bool

	Flags    uint32
	GotIdx   int32
	GotTpIdx int32
	TlsGdIdx int32
	PltIdx   int32
	DynIdx   int32

	SymtabIdx  int32
	VerIdx     uint16
	IsCopied   bool
	CopyOffset uint64
	IsExported bool
	IsImported bool

	// CanonicalPlt makes the PLT entry the symbol's address in the
	// executable.
	CanonicalPlt bool
}

func NewSymbol(name string) *Symbol {
	return &Symbol{
		Name:       name,
		ID:         NoSym,
		ResolvedTo: NoSym,
		SrcIdx:     -1,
		Bind:       elf.STB_GLOBAL,
		Visibility: elf.STV_DEFAULT,
		GotIdx:     -1,
		GotTpIdx:   -1,
		TlsGdIdx:   -1,
		PltIdx:     -1,
		DynIdx:     -1,
		SymtabIdx:  -1,
	}
}

// LongName is the key a symbol is registered under: the bare name, or
// name@version / name@@version for versioned symbols.
func (s *Symbol) LongName() string {
	if s.Version == "" {
		return s.Name
	}
	if s.VerHidden {
		return s.Name + "@" + s.Version
	}
	return s.Name + "@@" + s.Version
}

// key is the symbol table key. Hidden and default flavors of the same
// version share it.
func (s *Symbol) key() string {
	if s.Version == "" {
		return s.Name
	}
	return s.Name + "@" + s.Version
}

func (s *Symbol) IsUndef() bool {
	return s.Kind == SymUndef
}

func (s *Symbol) IsDefined() bool {
	return s.Kind == SymDefined || s.Kind == SymAbs
}

func (s *Symbol) IsCommon() bool {
	return s.Kind == SymCommon
}

func (s *Symbol) IsWeak() bool {
	return s.Bind == elf.STB_WEAK
}

func (s *Symbol) IsLocal() bool {
	return s.Bind == elf.STB_LOCAL
}

func (s *Symbol) IsTLS() bool {
	return s.Type == elf.STT_TLS
}

func (s *Symbol) IsFunc() bool {
	return s.Type == elf.STT_FUNC || s.Type == elf.STT_LOOS // STT_GNU_IFUNC (10)
}

func (s *Symbol) InDso() bool {
	return s.Dso != nil
}

func (s *Symbol) IsUndefWeak() bool {
	return s.IsUndef() && s.IsWeak()
}

// IsLocalDef reports whether the symbol's final address is known at link
// time and cannot be interposed at run time.
func (s *Symbol) IsLocalDef() bool {
	return !s.IsImported && !s.InDso() && !s.IsUndef()
}

func (s *Symbol) SetInputSection(isec *InputSection) {
	s.Kind = SymDefined
	s.InputSection = isec
	s.OutputSection = nil
}

func (s *Symbol) SetOutputSection(chunk Chunker, addr uint64) {
	s.Kind = SymDefined
	s.InputSection = nil
	s.OutputSection = chunk
	s.Value = addr
}

func (s *Symbol) GetAddr(ctx *Context) uint64 {
	if s.IsCopied {
		return ctx.DynBss.GetAddr() + s.CopyOffset
	}
	if s.PltIdx != -1 && s.IsImported {
		return s.GetPltAddr(ctx)
	}

	switch s.Kind {
	case SymAbs:
		return s.Value
	case SymDefined:
		if s.InputSection == nil {
			return s.Value
		}
		if !s.InputSection.IsLive() {
			return 0
		}
		return s.InputSection.GetAddr() + s.Value
	}
	return 0
}

func (s *Symbol) GetGotAddr(ctx *Context) uint64 {
	return ctx.Got.GetAddr() + uint64(s.GotIdx)*ctx.WordSize()
}

func (s *Symbol) GetGotTpAddr(ctx *Context) uint64 {
	return ctx.Got.GetAddr() + uint64(s.GotTpIdx)*ctx.WordSize()
}

func (s *Symbol) GetTlsGdAddr(ctx *Context) uint64 {
	return ctx.Got.GetAddr() + uint64(s.TlsGdIdx)*ctx.WordSize()
}

func (s *Symbol) GetPltAddr(ctx *Context) uint64 {
	return ctx.Plt.EntryAddr(ctx, s.PltIdx)
}

func (s *Symbol) GetGotPltAddr(ctx *Context) uint64 {
	return ctx.GotPlt.EntryAddr(ctx, s.PltIdx)
}

// ElfSym returns the symbol's record in its defining object, if any.
func (s *Symbol) ElfSym() *Sym {
	if s.File == nil || s.SrcIdx < 0 || int(s.SrcIdx) >= len(s.File.ElfSyms) {
		return nil
	}
	return &s.File.ElfSyms[s.SrcIdx]
}

// OutputShndx returns the section header index for the symbol's entry in
// .symtab/.dynsym.
func (s *Symbol) OutputShndx(ctx *Context) uint16 {
	if s.IsCopied {
		return uint16(ctx.DynBss.OutputSection.Shndx)
	}
	switch s.Kind {
	case SymAbs:
		return uint16(elf.SHN_ABS)
	case SymCommon:
		return uint16(elf.SHN_COMMON)
	case SymDefined:
		if s.InputSection != nil && s.InputSection.IsLive() && s.InputSection.OutputSection != nil {
			return uint16(s.InputSection.OutputSection.Shndx)
		}
		if s.OutputSection != nil && s.OutputSection.GetShndx() > 0 {
			return uint16(s.OutputSection.GetShndx())
		}
		if s.InputSection == nil && !s.InDso() {
			return uint16(elf.SHN_ABS)
		}
	}
	return uint16(elf.SHN_UNDEF)
}

func MergeVisibility(a, b elf.SymVis) elf.SymVis {
	if a == elf.STV_INTERNAL {
		a = elf.STV_HIDDEN
	}
	if b == elf.STV_INTERNAL {
		b = elf.STV_HIDDEN
	}

	priority := func(v elf.SymVis) int {
		switch v {
		case elf.STV_HIDDEN:
			return 1
		case elf.STV_PROTECTED:
			return 2
		}
		return 3
	}

	if priority(b) < priority(a) {
		return b
	}
	return a
}
