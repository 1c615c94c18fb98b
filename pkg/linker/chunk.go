package linker

import (
	"debug/elf"
)

const (
	ChunkKindHeader = iota
	ChunkKindOutputSection
	ChunkKindSynthetic
)

// Chunker is one contiguous piece of the output file: a header table, an
// output section or a table the writer synthesizes after layout.
type Chunker interface {
	Kind() int
	GetShdr() *Shdr
	GetName() string
	GetShndx() int64
	GetExtraAddrAlign() uint64
	UpdateShdr(ctx *Context)
	SetShndx(a int64)
	SetExtraAddrAlign(a uint64)
	CopyBuf(ctx *Context)
}

type Chunk struct {
	Name  string
	Shdr  Shdr
	Shndx int64
	// ExtraAddrAlign is raised on the first chunk of a PT_LOAD segment so
	// the segment starts on a page boundary.
	ExtraAddrAlign uint64
}

func NewChunk() Chunk {
	return Chunk{Shdr: Shdr{AddrAlign: 1}}
}

func (c *Chunk) Kind() int {
	return ChunkKindSynthetic
}

func (c *Chunk) GetShdr() *Shdr {
	return &c.Shdr
}

func (c *Chunk) GetName() string {
	return c.Name
}

func (c *Chunk) GetShndx() int64 {
	return c.Shndx
}

func (c *Chunk) GetExtraAddrAlign() uint64 {
	return c.ExtraAddrAlign
}

func (c *Chunk) UpdateShdr(ctx *Context) {}

func (c *Chunk) SetShndx(a int64) {
	c.Shndx = a
}

func (c *Chunk) SetExtraAddrAlign(a uint64) {
	c.ExtraAddrAlign = a
}

func (c *Chunk) CopyBuf(ctx *Context) {}

func isAlloc(chunk Chunker) bool {
	return chunk.GetShdr().Flags&uint64(elf.SHF_ALLOC) != 0
}

func isNobits(chunk Chunker) bool {
	return chunk.GetShdr().Type == uint32(elf.SHT_NOBITS)
}

func isTbss(chunk Chunker) bool {
	return isNobits(chunk) && chunk.GetShdr().Flags&uint64(elf.SHF_TLS) != 0
}

func isBss(chunk Chunker) bool {
	return isNobits(chunk) && chunk.GetShdr().Flags&uint64(elf.SHF_TLS) == 0
}

func isNote(chunk Chunker) bool {
	return chunk.GetShdr().Type == uint32(elf.SHT_NOTE) && isAlloc(chunk)
}

func chunkAlign(chunk Chunker) uint64 {
	return max(chunk.GetExtraAddrAlign(), chunk.GetShdr().AddrAlign, 1)
}
