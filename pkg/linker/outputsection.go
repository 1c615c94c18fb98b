package linker

import (
	"debug/elf"

	"github.com/ksco/elfld/pkg/script"
)

type OutputSection struct {
	Chunk
	Members []*InputSection
	Idx     uint32

	// Script is the descriptor that declared the section, nil for
	// orphans and for links without a script.
	Script *script.OutputSection
	// anchor is the script section an orphan is placed after.
	anchor *OutputSection
}

func NewOutputSection(name string, typ uint32, flags uint64, idx uint32) *OutputSection {
	o := &OutputSection{Chunk: NewChunk()}
	o.Name = name
	o.Shdr.Type = typ
	o.Shdr.Flags = flags
	o.Idx = idx
	return o
}

const droppedOutputFlags = uint64(elf.SHF_GROUP|elf.SHF_COMPRESSED|elf.SHF_LINK_ORDER|
	elf.SHF_MERGE|elf.SHF_STRINGS) | SHF_EXCLUDE | SHF_GNU_RETAIN

// GetOutputSectionInstance returns the output section called name,
// creating it on first use. Sections are keyed by name; a section with
// both NOBITS and PROGBITS members becomes PROGBITS.
func GetOutputSectionInstance(ctx *Context, name string, typ uint32, flags uint64) *OutputSection {
	typ = CanonicalizeType(name, typ)
	flags &^= droppedOutputFlags
	if typ == uint32(elf.SHT_INIT_ARRAY) || typ == uint32(elf.SHT_FINI_ARRAY) ||
		typ == uint32(elf.SHT_PREINIT_ARRAY) {
		flags |= uint64(elf.SHF_WRITE)
	}

	if osec := ctx.outputSectionByName(name); osec != nil {
		osec.merge(typ, flags)
		return osec
	}

	osec := NewOutputSection(name, typ, flags, uint32(len(ctx.OutputSections)))
	ctx.OutputSections = append(ctx.OutputSections, osec)
	return osec
}

func (ctx *Context) outputSectionByName(name string) *OutputSection {
	for _, osec := range ctx.OutputSections {
		if osec.Name == name {
			return osec
		}
	}
	return nil
}

func (o *OutputSection) merge(typ uint32, flags uint64) {
	switch {
	case o.Shdr.Type == uint32(elf.SHT_NULL):
		o.Shdr.Type = typ
	case o.Shdr.Type == uint32(elf.SHT_NOBITS) && typ != uint32(elf.SHT_NOBITS):
		o.Shdr.Type = typ
	}
	o.Shdr.Flags |= flags
}

func (o *OutputSection) Kind() int {
	return ChunkKindOutputSection
}

// UpdateShdr copies the link fields of a synthesized section into the
// header of the output section holding it.
func (o *OutputSection) UpdateShdr(ctx *Context) {
	entsize := uint64(0)
	for i, isec := range o.Members {
		if i == 0 {
			entsize = isec.EntSize
		} else if isec.EntSize != entsize {
			entsize = 0
		}
	}
	o.Shdr.EntSize = entsize

	if len(o.Members) != 1 || o.Members[0].Synth == nil {
		return
	}
	if li, ok := o.Members[0].Synth.(linkInfoer); ok {
		o.Shdr.Link, o.Shdr.Info = li.LinkInfo(ctx)
	}
}

func (o *OutputSection) CopyBuf(ctx *Context) {
	if o.Shdr.Type == uint32(elf.SHT_NOBITS) {
		return
	}

	buf := ctx.Buf[o.Shdr.Offset:]
	for i := 0; i < len(o.Members); i++ {
		isec := o.Members[i]
		isec.WriteTo(ctx, buf[isec.Offset:])

		thisEnd := isec.Offset
		if !isec.IsNobits() {
			thisEnd += isec.Size
		}
		nextStart := o.Shdr.Size
		if i < len(o.Members)-1 {
			nextStart = o.Members[i+1].Offset
		}

		for j := thisEnd; j < nextStart; j++ {
			buf[j] = 0
		}
	}
}
