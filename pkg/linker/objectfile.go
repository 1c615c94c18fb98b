package linker

import (
	"debug/elf"
	"strings"
)

type ObjectFile struct {
	InputFile
	Sections []*InputSection
	Symbols  []SymID

	SymtabSec      *Shdr
	SymtabShndxSec []uint32

	// ExecStack is set by a .note.GNU-stack section with SHF_EXECINSTR.
	ExecStack bool
}

func NewObjectFile(ctx *Context, file *File) *ObjectFile {
	o := &ObjectFile{InputFile: *NewInputFile(ctx, file)}
	o.IsAlive = true
	return o
}

func (o *ObjectFile) parse(ctx *Context) {
	o.SymtabSec = o.FindSection(uint32(elf.SHT_SYMTAB))
	if o.SymtabSec != nil {
		o.FirstGlobal = int64(o.SymtabSec.Info)

		o.FillUpElfSyms(ctx, o.SymtabSec)
		o.SymbolStrtab = o.GetBytesFromIdx(ctx, int64(o.SymtabSec.Link))
		if o.FirstGlobal > int64(len(o.ElfSyms)) {
			ctx.Fatalf(ErrMalformedInput, "%s: bad first global symbol index", o.Name())
		}
	}

	o.initializeSections(ctx)
	o.initializeGroups(ctx)
	o.initializeSymbols(ctx)
}

func (o *ObjectFile) initializeSections(ctx *Context) {
	o.Sections = make([]*InputSection, len(o.ElfSections))
	for i := 0; i < len(o.ElfSections); i++ {
		shdr := &o.ElfSections[i]
		if (shdr.Flags&SHF_EXCLUDE != 0) &&
			(shdr.Flags&uint64(elf.SHF_ALLOC) == 0) &&
			(shdr.Type != SHT_LLVM_ADDRSIG) {
			continue
		}

		switch elf.SectionType(shdr.Type) {
		case elf.SHT_GROUP:
			// Handled by initializeGroups.
		case elf.SHT_SYMTAB_SHNDX:
			o.FillUpSymtabShndxSec(ctx, shdr)
		case elf.SHT_SYMTAB, elf.SHT_STRTAB, elf.SHT_REL, elf.SHT_RELA,
			elf.SHT_NULL, elf.SectionType(SHT_LLVM_ADDRSIG):
			break
		default:
			name := getName(o.ShStrtab, shdr.Name)

			if name == ".note.GNU-stack" {
				if shdr.Flags&uint64(elf.SHF_EXECINSTR) != 0 {
					o.ExecStack = true
				}
				continue
			}
			if strings.HasPrefix(name, ".gnu.warning.") {
				continue
			}

			o.Sections[i] = NewInputSection(ctx, o, name, int64(i))
		}
	}

	for i := 0; i < len(o.ElfSections); i++ {
		shdr := &o.ElfSections[i]
		if shdr.Type != uint32(elf.SHT_RELA) && shdr.Type != uint32(elf.SHT_REL) {
			continue
		}

		if shdr.Info >= uint32(len(o.Sections)) {
			ctx.Fatalf(ErrMalformedInput, "%s: invalid relocated section index", o.Name())
		}

		if target := o.Sections[shdr.Info]; target != nil {
			if target.RelsecIdx != NoRelsec {
				ctx.Fatalf(ErrMalformedInput, "%s: %s has more than one relocation section",
					o.Name(), target.Name)
			}
			target.RelsecIdx = uint32(i)
		}
	}
}

func (o *ObjectFile) initializeSymbols(ctx *Context) {
	if o.SymtabSec == nil {
		return
	}

	o.Symbols = make([]SymID, len(o.ElfSyms))

	for i := int64(0); i < o.FirstGlobal; i++ {
		esym := &o.ElfSyms[i]
		if esym.IsCommon() {
			ctx.Fatalf(ErrMalformedInput, "%s: common local symbol", o.Name())
		}

		name := getName(o.SymbolStrtab, esym.Name)
		if name == "" && esym.Type() == elf.STT_SECTION {
			if sec := o.GetSection(ctx, esym, i); sec != nil {
				name = sec.Name
			}
		}

		sym := NewSymbol(name)
		sym.File = o
		sym.SrcIdx = int32(i)
		sym.Bind = elf.STB_LOCAL
		sym.Type = esym.Type()
		sym.Visibility = esym.StVisibility()
		sym.Value = esym.Val
		sym.Size = esym.Size

		switch {
		case i == 0 || esym.IsUndef():
		case esym.IsAbs():
			sym.Kind = SymAbs
		default:
			if isec := o.GetSection(ctx, esym, i); isec != nil {
				sym.SetInputSection(isec)
			}
		}
		o.Symbols[i] = ctx.Symtab.AddLocal(sym)
	}

	for i := o.FirstGlobal; i < int64(len(o.ElfSyms)); i++ {
		esym := &o.ElfSyms[i]
		name, version, hidden := ParseSymbolVersion(getName(o.SymbolStrtab, esym.Name))

		sym := NewSymbol(name)
		sym.Version = version
		sym.VerHidden = hidden
		sym.File = o
		sym.SrcIdx = int32(i)
		sym.Bind = esym.Bind()
		sym.Type = esym.Type()
		sym.Visibility = esym.StVisibility()
		sym.Size = esym.Size
		sym.Value = esym.Val

		switch {
		case esym.IsUndef():
			sym.Referenced = true
		case esym.IsCommon():
			sym.Kind = SymCommon
			sym.CommonAlign = max(esym.Val, 1)
			sym.Value = 0
		case esym.IsAbs():
			sym.Kind = SymAbs
		default:
			isec := o.GetSection(ctx, esym, i)
			if isec != nil && !isec.Discarded {
				sym.SetInputSection(isec)
			} else {
				// A definition inside a discarded group falls back to
				// whatever the retained group defines.
				sym.Value = 0
				sym.Referenced = true
			}
		}

		o.Symbols[i] = ctx.Symtab.Resolve(ctx, sym)
	}
}

func (o *ObjectFile) FillUpSymtabShndxSec(ctx *Context, s *Shdr) {
	bs := o.GetBytesFromShdr(ctx, s)
	nums := len(bs) / 4
	o.SymtabShndxSec = make([]uint32, 0, nums)
	for nums > 0 {
		o.SymtabShndxSec = append(o.SymtabShndxSec, o.Layout.Uint32(bs))
		bs = bs[4:]
		nums--
	}
}

func (o *ObjectFile) GetSection(ctx *Context, esym *Sym, idx int64) *InputSection {
	shndx := o.GetShndx(ctx, esym, idx)
	if shndx < 0 || shndx >= int64(len(o.Sections)) {
		ctx.Fatalf(ErrMalformedInput, "%s: symbol %d has invalid section index %d", o.Name(), idx, shndx)
	}
	return o.Sections[shndx]
}

func (o *ObjectFile) GetShndx(ctx *Context, esym *Sym, idx int64) int64 {
	if esym.Shndx == uint16(elf.SHN_XINDEX) {
		if idx >= int64(len(o.SymtabShndxSec)) {
			ctx.Fatalf(ErrMalformedInput, "%s: missing extended section index", o.Name())
		}
		return int64(o.SymtabShndxSec[idx])
	}
	return int64(esym.Shndx)
}

// Symbol returns the resolved symbol for the object's symbol index idx.
func (o *ObjectFile) Symbol(ctx *Context, idx uint32) *Symbol {
	if int(idx) >= len(o.Symbols) {
		ctx.Fatalf(ErrMalformedInput, "%s: invalid symbol index %d", o.Name(), idx)
	}
	return ctx.Symtab.Ref(o.Symbols[idx])
}

// LocalSymbols returns the object's own local symbols, skipping the null
// entry.
func (o *ObjectFile) LocalSymbols(ctx *Context) []*Symbol {
	var out []*Symbol
	for i := int64(1); i < o.FirstGlobal && i < int64(len(o.Symbols)); i++ {
		out = append(out, ctx.Symtab.Get(o.Symbols[i]))
	}
	return out
}
