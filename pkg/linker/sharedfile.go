package linker

import (
	"debug/elf"
	"path/filepath"
)

// SharedFile is a shared library given as input. Only its dynamic symbol
// table, SONAME and version definitions are consulted.
type SharedFile struct {
	InputFile
	Soname   string
	Symbols  []SymID
	VerNames []string
	Versyms  []uint16

	// Undefs lists names the library expects the executable to provide.
	Undefs []string
}

func NewSharedFile(ctx *Context, file *File) *SharedFile {
	f := &SharedFile{InputFile: *NewInputFile(ctx, file)}
	f.IsAlive = true
	return f
}

func (f *SharedFile) parse(ctx *Context) {
	f.Soname = filepath.Base(f.File.Name)

	dynsym := f.FindSection(uint32(elf.SHT_DYNSYM))
	if dynsym == nil {
		return
	}
	f.FirstGlobal = int64(dynsym.Info)
	f.FillUpElfSyms(ctx, dynsym)
	f.SymbolStrtab = f.GetBytesFromIdx(ctx, int64(dynsym.Link))

	if dyn := f.FindSection(uint32(elf.SHT_DYNAMIC)); dyn != nil {
		strtab := f.GetBytesFromIdx(ctx, int64(dyn.Link))
		bs := f.GetBytesFromShdr(ctx, dyn)
		for size := f.Layout.DynSize(); uint64(len(bs)) >= size; bs = bs[size:] {
			d := f.Layout.ReadDyn(bs)
			if d.Tag == elf.DT_NULL {
				break
			}
			if d.Tag == elf.DT_SONAME {
				f.Soname = getName(strtab, uint32(d.Val))
			}
		}
	}

	f.readVersions(ctx)

	for i := f.FirstGlobal; i < int64(len(f.ElfSyms)); i++ {
		esym := &f.ElfSyms[i]
		name := getName(f.SymbolStrtab, esym.Name)
		if esym.IsUndef() {
			f.Undefs = append(f.Undefs, name)
			continue
		}
		if esym.Bind() == elf.STB_LOCAL {
			continue
		}

		version, hidden := "", false
		if i < int64(len(f.Versyms)) {
			idx := f.Versyms[i] &^ VERSYM_HIDDEN
			if idx == VER_NDX_LOCAL {
				continue
			}
			hidden = f.Versyms[i]&VERSYM_HIDDEN != 0
			if idx > VER_NDX_GLOBAL && int(idx) < len(f.VerNames) {
				version = f.VerNames[idx]
			}
		}

		sym := NewSymbol(name)
		sym.Dso = f
		sym.Version = version
		sym.VerHidden = hidden
		sym.SrcIdx = int32(i)
		sym.Bind = esym.Bind()
		sym.Type = esym.Type()
		sym.Visibility = esym.StVisibility()
		sym.Value = esym.Val
		sym.Size = esym.Size
		sym.Kind = SymDefined
		if esym.IsCommon() {
			sym.Kind = SymCommon
			sym.CommonAlign = max(esym.Val, 1)
		}
		f.Symbols = append(f.Symbols, ctx.Symtab.Resolve(ctx, sym))
	}
}

// readVersions loads .gnu.version and the names of .gnu.version_d
// entries, indexed by version index.
func (f *SharedFile) readVersions(ctx *Context) {
	if sec := f.FindSection(uint32(elf.SHT_GNU_VERSYM)); sec != nil {
		bs := f.GetBytesFromShdr(ctx, sec)
		for ; len(bs) >= 2; bs = bs[2:] {
			f.Versyms = append(f.Versyms, f.Layout.Uint16(bs))
		}
	}

	sec := f.FindSection(uint32(elf.SHT_GNU_VERDEF))
	if sec == nil {
		return
	}
	strtab := f.GetBytesFromIdx(ctx, int64(sec.Link))
	bs := f.GetBytesFromShdr(ctx, sec)

	for off := uint64(0); off+20 <= uint64(len(bs)); {
		vd := bs[off:]
		ndx := f.Layout.Uint16(vd[4:])
		aux := f.Layout.Uint32(vd[12:])
		next := f.Layout.Uint32(vd[16:])

		if off+uint64(aux)+8 <= uint64(len(bs)) {
			name := getName(strtab, f.Layout.Uint32(bs[off+uint64(aux):]))
			for int(ndx) >= len(f.VerNames) {
				f.VerNames = append(f.VerNames, "")
			}
			f.VerNames[ndx] = name
		}
		if next == 0 {
			break
		}
		off += uint64(next)
	}
}

// usedDsos returns, in command-line order, the shared libraries that
// define at least one referenced symbol.
func usedDsos(ctx *Context) []*SharedFile {
	used := make(map[*SharedFile]bool)
	for _, sym := range ctx.Symtab.Globals() {
		if sym.Dso != nil && sym.Referenced {
			used[sym.Dso] = true
		}
	}
	var out []*SharedFile
	for _, dso := range ctx.Dsos {
		if used[dso] {
			out = append(out, dso)
		}
	}
	return out
}
