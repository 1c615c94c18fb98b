package linker

type OutputShdr struct {
	Chunk
}

func NewOutputShdr(ctx *Context) *OutputShdr {
	o := &OutputShdr{Chunk: NewChunk()}
	o.Shdr.AddrAlign = ctx.WordSize()
	return o
}

func (o *OutputShdr) UpdateShdr(ctx *Context) {
	n := uint64(0)
	for _, chunk := range ctx.Chunks {
		if chunk.GetShndx() > 0 {
			n = max(n, uint64(chunk.GetShndx()))
		}
	}

	o.Shdr.Size = (n + 1) * ctx.Layout().ShdrSize()
}

func (o *OutputShdr) Kind() int {
	return ChunkKindHeader
}

func (o *OutputShdr) CopyBuf(ctx *Context) {
	layout := ctx.Layout()
	base := ctx.Buf[o.Shdr.Offset:]
	layout.WriteShdr(base, &Shdr{})

	for _, chunk := range ctx.Chunks {
		if chunk.GetShndx() > 0 {
			layout.WriteShdr(base[uint64(chunk.GetShndx())*layout.ShdrSize():], chunk.GetShdr())
		}
	}
}
