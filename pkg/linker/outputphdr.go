package linker

import (
	"debug/elf"

	"github.com/ksco/elfld/pkg/utils"
)

type OutputPhdr struct {
	Chunk

	Phdrs []Phdr
}

func NewOutputPhdr(ctx *Context) *OutputPhdr {
	o := &OutputPhdr{Chunk: NewChunk()}
	o.Shdr.Flags = uint64(elf.SHF_ALLOC)
	o.Shdr.AddrAlign = ctx.WordSize()
	return o
}

func toPhdrFlags(chunk Chunker) uint32 {
	ret := uint32(elf.PF_R)
	write := chunk.GetShdr().Flags&uint64(elf.SHF_WRITE) != 0
	if write {
		ret |= uint32(elf.PF_W)
	}
	if chunk.GetShdr().Flags&uint64(elf.SHF_EXECINSTR) != 0 {
		ret |= uint32(elf.PF_X)
	}
	return ret
}

// synthChunk returns the output section holding a synthesized section,
// or nil when the section ended up empty.
func synthChunk(s *synthSection) Chunker {
	if s == nil || s.Isec == nil || s.Isec.OutputSection == nil || s.Isec.Size == 0 {
		return nil
	}
	return s.Isec.OutputSection
}

func createPhdr(ctx *Context) []Phdr {
	vec := make([]Phdr, 0)
	define := func(typ elf.ProgType, flags uint32, minAlign uint64, chunk Chunker) {
		vec = append(vec, Phdr{})
		phdr := &vec[len(vec)-1]
		phdr.Type = uint32(typ)
		phdr.Flags = flags
		phdr.Align = max(minAlign, chunk.GetShdr().AddrAlign)
		phdr.Offset = chunk.GetShdr().Offset
		if isNobits(chunk) {
			phdr.FileSize = 0
		} else {
			phdr.FileSize = chunk.GetShdr().Size
		}
		phdr.VAddr = chunk.GetShdr().Addr
		phdr.PAddr = chunk.GetShdr().Addr
		phdr.MemSize = chunk.GetShdr().Size
	}

	push := func(chunk Chunker) {
		phdr := &vec[len(vec)-1]
		phdr.Align = max(phdr.Align, chunk.GetShdr().AddrAlign)
		phdr.Flags |= toPhdrFlags(chunk)
		if !isNobits(chunk) {
			phdr.FileSize = chunk.GetShdr().Addr + chunk.GetShdr().Size - phdr.VAddr
		}
		phdr.MemSize = chunk.GetShdr().Addr + chunk.GetShdr().Size - phdr.VAddr
	}

	writable := func(chunk Chunker) bool {
		return chunk.GetShdr().Flags&uint64(elf.SHF_WRITE) != 0
	}

	// Without a script, every segment starts on a fresh page. A script
	// owns the addresses, so file offsets are made congruent instead.
	pageAlign := ctx.Arg.Script == nil
	for _, chunk := range ctx.Chunks {
		chunk.SetExtraAddrAlign(1)
	}

	if ctx.Phdr != nil && isAlloc(ctx.Phdr) {
		define(elf.PT_PHDR, uint32(elf.PF_R), ctx.WordSize(), ctx.Phdr)
	}
	if ctx.Interp != nil {
		if chunk := synthChunk(&ctx.Interp.synthSection); chunk != nil {
			define(elf.PT_INTERP, uint32(elf.PF_R), 1, chunk)
		}
	}

	end := len(ctx.Chunks)
	for i := 0; i < end; {
		first := ctx.Chunks[i]
		i++
		if !isNote(first) {
			continue
		}

		flags := toPhdrFlags(first)
		define(elf.PT_NOTE, flags, first.GetShdr().AddrAlign, first)

		for i < end && isNote(ctx.Chunks[i]) && toPhdrFlags(ctx.Chunks[i]) == flags {
			push(ctx.Chunks[i])
			i++
		}
	}

	{
		chunks := utils.RemoveIf(append([]Chunker(nil), ctx.Chunks...), isTbss)

		end := len(chunks)
		for i := 0; i < end; {
			first := chunks[i]
			i++
			if !isAlloc(first) {
				continue
			}

			define(elf.PT_LOAD, toPhdrFlags(first), ctx.Arch.MaxPageSize(), first)
			write := writable(first)

			if !isBss(first) {
				for i < end && isAlloc(chunks[i]) && !isBss(chunks[i]) &&
					writable(chunks[i]) == write &&
					chunks[i].GetShdr().Offset-first.GetShdr().Offset == chunks[i].GetShdr().Addr-first.GetShdr().Addr {
					push(chunks[i])
					i++
				}
			}

			for i < end && isAlloc(chunks[i]) && isBss(chunks[i]) && writable(chunks[i]) == write {
				push(chunks[i])
				i++
			}

			if pageAlign {
				first.SetExtraAddrAlign(vec[len(vec)-1].Align)
			}
		}
	}

	ctx.HasTLS = false
	for i := 0; i < len(ctx.Chunks); i++ {
		if !isAlloc(ctx.Chunks[i]) || ctx.Chunks[i].GetShdr().Flags&uint64(elf.SHF_TLS) == 0 {
			continue
		}

		define(elf.PT_TLS, toPhdrFlags(ctx.Chunks[i]), 1, ctx.Chunks[i])
		i++

		for i < len(ctx.Chunks) && ctx.Chunks[i].GetShdr().Flags&uint64(elf.SHF_TLS) != 0 {
			push(ctx.Chunks[i])
			i++
		}

		phdr := &vec[len(vec)-1]
		ctx.TLSBase = phdr.VAddr
		ctx.TLSSize = phdr.MemSize
		ctx.TLSAlign = phdr.Align
		ctx.HasTLS = true
		break
	}

	if ctx.Dynamic != nil {
		if chunk := synthChunk(&ctx.Dynamic.synthSection); chunk != nil {
			define(elf.PT_DYNAMIC, toPhdrFlags(chunk), ctx.WordSize(), chunk)
		}
	}
	if ctx.EhFrameHdr != nil {
		if chunk := synthChunk(&ctx.EhFrameHdr.synthSection); chunk != nil {
			define(elf.PT_GNU_EH_FRAME, uint32(elf.PF_R), 4, chunk)
		}
	}

	vec = append(vec, Phdr{})
	phdr := &vec[len(vec)-1]
	phdr.Type = uint32(elf.PT_GNU_STACK)
	phdr.Flags = uint32(elf.PF_R) | uint32(elf.PF_W)
	if ctx.ExecStack {
		phdr.Flags |= uint32(elf.PF_X)
	}
	phdr.Align = 1

	return vec
}

func (o *OutputPhdr) UpdateShdr(ctx *Context) {
	o.Phdrs = createPhdr(ctx)
	o.Shdr.Size = uint64(len(o.Phdrs)) * ctx.Layout().PhdrSize()
}

func (o *OutputPhdr) Kind() int {
	return ChunkKindHeader
}

func (o *OutputPhdr) CopyBuf(ctx *Context) {
	layout := ctx.Layout()
	buf := ctx.Buf[o.Shdr.Offset:]
	for i := range o.Phdrs {
		layout.WritePhdr(buf[uint64(i)*layout.PhdrSize():], &o.Phdrs[i])
	}
}
