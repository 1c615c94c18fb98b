package linker

import (
	"debug/elf"
)

// OutputRelocSection carries the relocations of one output section into
// a relocatable output, or into an executable linked with --emit-relocs.
type OutputRelocSection struct {
	Chunk
	Target *OutputSection
}

func NewOutputRelocSection(ctx *Context, target *OutputSection) *OutputRelocSection {
	rela := ctx.Arch.UsesRela()
	o := &OutputRelocSection{Chunk: NewChunk(), Target: target}
	o.Name = ".rel" + target.Name
	o.Shdr.Type = uint32(elf.SHT_REL)
	if rela {
		o.Name = ".rela" + target.Name
		o.Shdr.Type = uint32(elf.SHT_RELA)
	}
	o.Shdr.Flags = uint64(elf.SHF_INFO_LINK)
	o.Shdr.EntSize = ctx.Layout().RelSize(rela)
	o.Shdr.AddrAlign = ctx.WordSize()
	return o
}

// CreateRelocSections adds one relocation section per output section
// that has relocations to keep.
func CreateRelocSections(ctx *Context) {
	if !ctx.IsRelocatable() && !ctx.Arg.EmitRelocs {
		return
	}
	for _, osec := range ctx.OutputSections {
		if len(osec.Members) == 0 || osec.Shdr.Type == uint32(elf.SHT_NOBITS) {
			continue
		}
		for _, isec := range osec.Members {
			if keptRelocs(isec) > 0 {
				rsec := NewOutputRelocSection(ctx, osec)
				rsec.updateSize()
				ctx.RelocSections = append(ctx.RelocSections, rsec)
				ctx.Chunks = append(ctx.Chunks, rsec)
				break
			}
		}
	}
}

func keptRelocs(isec *InputSection) int {
	n := 0
	for _, r := range isec.Relocs {
		if r.State != RelocDiscarded {
			n++
		}
	}
	return n
}

// updateSize runs before AssignSectionIndices, which drops empty
// synthetic chunks.
func (o *OutputRelocSection) updateSize() {
	n := 0
	for _, isec := range o.Target.Members {
		n += keptRelocs(isec)
	}
	o.Shdr.Size = uint64(n) * o.Shdr.EntSize
}

func (o *OutputRelocSection) UpdateShdr(ctx *Context) {
	o.updateSize()
	o.Shdr.Link = uint32(ctx.SymtabSec.Shndx)
	o.Shdr.Info = uint32(o.Target.Shndx)
}

// Records translates the kept relocations of the target section into
// output form.
func (o *OutputRelocSection) Records(ctx *Context) []Rela {
	var recs []Rela
	for _, isec := range o.Target.Members {
		for _, r := range isec.Relocs {
			if r.State == RelocDiscarded {
				continue
			}
			idx, addend := relocTarget(ctx, r)
			off := isec.Offset + r.Offset
			if !ctx.IsRelocatable() {
				off = isec.GetAddr() + r.Offset
			}
			recs = append(recs, Rela{Offset: off, Type: r.Type, Sym: idx, Addend: addend})
		}
	}
	return recs
}

func (o *OutputRelocSection) CopyBuf(ctx *Context) {
	copy(ctx.Buf[o.Shdr.Offset:], SerializeRelocs(ctx.Layout(), ctx.Arch.UsesRela(), o.Records(ctx)))
}

// relocTarget picks the .symtab index a kept relocation refers to. A
// symbol that has no entry of its own is expressed through the section
// symbol of its output section, with its offset folded into the addend.
func relocTarget(ctx *Context, r *Reloc) (uint32, int64) {
	sym := r.Symbol(ctx)
	if sym.SymtabIdx >= 0 && sym.Type != elf.STT_SECTION {
		return uint32(sym.SymtabIdx), r.Addend
	}
	if isec := sym.InputSection; isec != nil && isec.IsLive() && isec.OutputSection != nil {
		return ctx.SymtabSec.SectionSymbol(isec.OutputSection), r.Addend + int64(isec.Offset+sym.Value)
	}
	return 0, r.Addend
}
