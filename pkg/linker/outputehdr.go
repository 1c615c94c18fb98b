package linker

import (
	"debug/elf"
)

type OutputEhdr struct {
	Chunk
}

func NewOutputEhdr(ctx *Context) *OutputEhdr {
	o := &OutputEhdr{Chunk: NewChunk()}
	o.Shdr.Flags = uint64(elf.SHF_ALLOC)
	o.Shdr.Size = ctx.Layout().EhdrSize()
	o.Shdr.AddrAlign = ctx.WordSize()
	return o
}

func (o *OutputEhdr) Kind() int {
	return ChunkKindHeader
}

// GetEntryAddr resolves the entry symbol. An undefined entry leaves the
// field zero, as does a relocatable output.
func GetEntryAddr(ctx *Context) uint64 {
	if ctx.IsRelocatable() {
		return 0
	}
	if sym := ctx.Symtab.Lookup(ctx.Arg.Entry); sym != nil && !sym.IsUndef() {
		return sym.GetAddr(ctx)
	}
	return 0
}

func outputType(ctx *Context) elf.Type {
	switch {
	case ctx.IsRelocatable():
		return elf.ET_REL
	case ctx.IsPIC():
		return elf.ET_DYN
	}
	return elf.ET_EXEC
}

func (o *OutputEhdr) CopyBuf(ctx *Context) {
	layout := ctx.Layout()
	ehdr := &Ehdr{}
	WriteMagic(ehdr.Ident[:])
	ehdr.Ident[elf.EI_CLASS] = uint8(layout.Class)
	ehdr.Ident[elf.EI_DATA] = uint8(layout.Data())
	ehdr.Ident[elf.EI_VERSION] = uint8(elf.EV_CURRENT)
	ehdr.Ident[elf.EI_OSABI] = uint8(elf.ELFOSABI_NONE)
	ehdr.Type = uint16(outputType(ctx))
	ehdr.Machine = uint16(ctx.Arch.Machine())
	ehdr.Version = uint32(elf.EV_CURRENT)
	ehdr.Entry = GetEntryAddr(ctx)
	ehdr.ShOff = ctx.Shdr.Shdr.Offset
	ehdr.Flags = ctx.Arch.Flags(ctx)
	ehdr.EhSize = uint16(layout.EhdrSize())
	ehdr.ShEntSize = uint16(layout.ShdrSize())
	ehdr.ShNum = uint16(ctx.Shdr.Shdr.Size / layout.ShdrSize())
	if ctx.Shstrtab != nil {
		ehdr.ShStrndx = uint16(ctx.Shstrtab.Shndx)
	}
	if ctx.Phdr != nil {
		ehdr.PhOff = ctx.Phdr.Shdr.Offset
		ehdr.PhEntSize = uint16(layout.PhdrSize())
		ehdr.PhNum = uint16(ctx.Phdr.Shdr.Size / layout.PhdrSize())
	}

	layout.WriteEhdr(ctx.Buf[o.Shdr.Offset:], ehdr)
}
