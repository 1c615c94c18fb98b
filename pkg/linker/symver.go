package linker

import (
	"debug/elf"
	"path/filepath"
	"strings"
)

// ParseSymbolVersion splits "name@ver" (hidden) and "name@@ver" (default)
// symbol names.
func ParseSymbolVersion(name string) (string, string, bool) {
	i := strings.IndexByte(name, '@')
	if i < 0 {
		return name, "", false
	}
	if rest, ok := strings.CutPrefix(name[i:], "@@"); ok {
		return name[:i], rest, false
	}
	return name[:i], name[i+1:], true
}

// applyVersionScript assigns version indices to the definitions of
// regular objects and demotes the ones a script declares local.
func applyVersionScript(ctx *Context, globals []*Symbol) {
	vs := ctx.Arg.VersionScript
	named := make(map[string]uint16)
	for _, node := range vs.Named() {
		named[node.Name] = vs.Index(node)
	}

	for _, sym := range globals {
		if sym.InDso() || sym.IsUndef() {
			continue
		}

		if sym.Version != "" {
			idx, ok := named[sym.Version]
			if !ok {
				ctx.Warnf("%s: symbol %s has undefined version %s", symOrigin(sym), sym.Name, sym.Version)
				continue
			}
			sym.VerIdx = idx
			continue
		}

		m, ok := vs.Lookup(sym.Name)
		switch {
		case !ok:
		case !m.Global:
			sym.VerIdx = VER_NDX_LOCAL
			sym.Visibility = elf.STV_HIDDEN
		case m.Node.Name != "":
			sym.VerIdx = vs.Index(m.Node)
		}
	}
}

// VersymSection is .gnu.version, one half-word per .dynsym entry.
type VersymSection struct {
	synthSection
}

func NewVersymSection(ctx *Context) *VersymSection {
	v := &VersymSection{}
	v.synthSection = newSynthSection(ctx, ".gnu.version", elf.SHT_GNU_VERSYM, elf.SHF_ALLOC, 2, 2, v)
	return v
}

func (v *VersymSection) Finalize(ctx *Context) {
	if ctx.Verneed.Count == 0 && ctx.Verdef.Count == 0 {
		return
	}
	v.Isec.Size = uint64(len(ctx.Dynsym.Syms)) * 2
}

func (v *VersymSection) LinkInfo(ctx *Context) (uint32, uint32) {
	return ctx.Dynsym.Shndx(), 0
}

func (v *VersymSection) WriteTo(ctx *Context, buf []byte) {
	for i, sym := range ctx.Dynsym.Syms {
		if sym == nil {
			continue
		}
		idx := sym.VerIdx
		switch {
		case sym.InDso() && sym.VerIdx == 0:
			idx = VER_NDX_GLOBAL
		case sym.IsUndef():
			idx = VER_NDX_GLOBAL
		case sym.VerHidden && !sym.InDso():
			idx |= VERSYM_HIDDEN
		}
		ctx.Layout().PutUint16(buf[2*i:], idx)
	}
}

// VerdefSection is .gnu.version_d. It is emitted for shared output built
// with a version script naming at least one version.
type VerdefSection struct {
	synthSection
	Count int
}

func NewVerdefSection(ctx *Context) *VerdefSection {
	v := &VerdefSection{}
	v.synthSection = newSynthSection(ctx, ".gnu.version_d", elf.SHT_GNU_VERDEF, elf.SHF_ALLOC, 0, 4, v)
	return v
}

type verdef struct {
	flags uint16
	names []string
}

func (v *VerdefSection) defs(ctx *Context) []verdef {
	vs := ctx.Arg.VersionScript
	if !ctx.IsShared() || vs == nil || len(vs.Named()) == 0 {
		return nil
	}
	base := ctx.Arg.Soname
	if base == "" {
		base = filepath.Base(ctx.Arg.Output)
	}
	out := []verdef{{flags: VER_FLG_BASE, names: []string{base}}}
	for _, node := range vs.Named() {
		out = append(out, verdef{names: append([]string{node.Name}, node.Depends...)})
	}
	return out
}

func (v *VerdefSection) Finalize(ctx *Context) {
	size := uint64(0)
	defs := v.defs(ctx)
	for _, d := range defs {
		for _, name := range d.names {
			ctx.Dynstr.Add(name)
		}
		size += 20 + 8*uint64(len(d.names))
	}
	v.Count = len(defs)
	v.Isec.Size = size
}

func (v *VerdefSection) LinkInfo(ctx *Context) (uint32, uint32) {
	return ctx.Dynstr.Shndx(), uint32(v.Count)
}

func (v *VerdefSection) WriteTo(ctx *Context, buf []byte) {
	l := ctx.Layout()
	defs := v.defs(ctx)
	off := 0
	for i, d := range defs {
		size := 20 + 8*len(d.names)
		ent := buf[off:]
		l.PutUint16(ent, 1)
		l.PutUint16(ent[2:], d.flags)
		l.PutUint16(ent[4:], uint16(i+1))
		l.PutUint16(ent[6:], uint16(len(d.names)))
		l.PutUint32(ent[8:], elfHash(d.names[0]))
		l.PutUint32(ent[12:], 20)
		if i < len(defs)-1 {
			l.PutUint32(ent[16:], uint32(size))
		}
		for j, name := range d.names {
			aux := ent[20+8*j:]
			l.PutUint32(aux, ctx.Dynstr.Add(name))
			if j < len(d.names)-1 {
				l.PutUint32(aux[4:], 8)
			}
		}
		off += size
	}
}

// VerneedSection is .gnu.version_r: the versions the output requires
// from each shared library.
type VerneedSection struct {
	synthSection
	Count int
	needs []verneed
}

type verneed struct {
	dso      *SharedFile
	versions []string
	indices  []uint16
}

func NewVerneedSection(ctx *Context) *VerneedSection {
	v := &VerneedSection{}
	v.synthSection = newSynthSection(ctx, ".gnu.version_r", elf.SHT_GNU_VERNEED, elf.SHF_ALLOC, 0, 4, v)
	return v
}

// Finalize assigns version indices to imported versioned symbols. They
// follow the indices taken by version definitions.
func (v *VerneedSection) Finalize(ctx *Context) {
	next := uint16(2)
	if ctx.Verdef.Count > 0 {
		next = uint16(ctx.Verdef.Count) + 1
	}

	byDso := make(map[*SharedFile]int)
	for _, sym := range ctx.Dynsym.Syms {
		if sym == nil || !sym.InDso() {
			continue
		}
		if sym.Version == "" {
			sym.VerIdx = VER_NDX_GLOBAL
			continue
		}

		i, ok := byDso[sym.Dso]
		if !ok {
			i = len(v.needs)
			byDso[sym.Dso] = i
			v.needs = append(v.needs, verneed{dso: sym.Dso})
		}
		need := &v.needs[i]

		found := false
		for j, ver := range need.versions {
			if ver == sym.Version {
				sym.VerIdx = need.indices[j]
				found = true
				break
			}
		}
		if !found {
			need.versions = append(need.versions, sym.Version)
			need.indices = append(need.indices, next)
			sym.VerIdx = next
			next++
		}
	}

	size := uint64(0)
	for _, need := range v.needs {
		ctx.Dynstr.Add(need.dso.Soname)
		for _, ver := range need.versions {
			ctx.Dynstr.Add(ver)
		}
		size += 16 + 16*uint64(len(need.versions))
	}
	v.Count = len(v.needs)
	v.Isec.Size = size
}

func (v *VerneedSection) LinkInfo(ctx *Context) (uint32, uint32) {
	return ctx.Dynstr.Shndx(), uint32(v.Count)
}

func (v *VerneedSection) WriteTo(ctx *Context, buf []byte) {
	l := ctx.Layout()
	off := 0
	for i, need := range v.needs {
		size := 16 + 16*len(need.versions)
		ent := buf[off:]
		l.PutUint16(ent, 1)
		l.PutUint16(ent[2:], uint16(len(need.versions)))
		l.PutUint32(ent[4:], ctx.Dynstr.Add(need.dso.Soname))
		l.PutUint32(ent[8:], 16)
		if i < len(v.needs)-1 {
			l.PutUint32(ent[12:], uint32(size))
		}
		for j, ver := range need.versions {
			aux := ent[16+16*j:]
			l.PutUint32(aux, elfHash(ver))
			l.PutUint16(aux[6:], need.indices[j])
			l.PutUint32(aux[8:], ctx.Dynstr.Add(ver))
			if j < len(need.versions)-1 {
				l.PutUint32(aux[12:], 16)
			}
		}
		off += size
	}
}
