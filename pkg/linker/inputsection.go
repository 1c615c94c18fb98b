package linker

import (
	"bytes"
	"debug/elf"
	"io"
	"math"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

const NoRelsec = math.MaxUint32

// Synthesizer produces the bytes of a linker-owned section once the
// layout is final.
type Synthesizer interface {
	WriteTo(ctx *Context, buf []byte)
}

type InputSection struct {
	File          *ObjectFile
	OutputSection *OutputSection
	Name          string
	Contents      []byte
	Offset        uint64
	Shndx         uint32
	RelsecIdx     uint32

	Type      uint32
	Flags     uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
	Size      uint64

	IsAlive   bool
	Discarded bool
	Keep      bool

	Relocs  []*Reloc
	EhFrame *EhFrame
	// Fdes are the unwind records describing this section.
	Fdes  []*EhRecord
	Synth Synthesizer
}

func NewInputSection(ctx *Context, file *ObjectFile, name string, shndx int64) *InputSection {
	shdr := &file.ElfSections[shndx]
	s := &InputSection{
		File:      file,
		Name:      name,
		Shndx:     uint32(shndx),
		RelsecIdx: NoRelsec,
		Type:      shdr.Type,
		Flags:     shdr.Flags,
		Link:      shdr.Link,
		Info:      shdr.Info,
		AddrAlign: max(shdr.AddrAlign, 1),
		EntSize:   shdr.EntSize,
		Size:      shdr.Size,
		IsAlive:   true,
	}

	if shdr.Type != uint32(elf.SHT_NOBITS) {
		s.Contents = file.GetBytesFromShdr(ctx, shdr)
	}

	if shdr.Flags&uint64(elf.SHF_COMPRESSED) != 0 {
		s.decompress(ctx)
	}
	return s
}

func (s *InputSection) decompress(ctx *Context) {
	layout := s.File.Layout
	if uint64(len(s.Contents)) < layout.ChdrSize() {
		ctx.Fatalf(ErrMalformedInput, "%s: %s: truncated compression header", s.File.Name(), s.Name)
	}
	chdr := layout.ReadChdr(s.Contents)
	data := s.Contents[layout.ChdrSize():]

	var out []byte
	var err error
	switch elf.CompressionType(chdr.Type) {
	case elf.COMPRESS_ZLIB:
		var r io.ReadCloser
		if r, err = zlib.NewReader(bytes.NewReader(data)); err == nil {
			out, err = io.ReadAll(r)
			r.Close()
		}
	case elf.COMPRESS_ZSTD:
		var dec *zstd.Decoder
		if dec, err = zstd.NewReader(nil); err == nil {
			out, err = dec.DecodeAll(data, make([]byte, 0, chdr.Size))
			dec.Close()
		}
	default:
		ctx.Fatalf(ErrUnsupported, "%s: %s: unsupported compression type %d",
			s.File.Name(), s.Name, chdr.Type)
	}
	if err != nil {
		ctx.Fatal(ErrMalformedInput, errors.Wrapf(err, "%s: %s", s.File.Name(), s.Name))
	}
	if uint64(len(out)) != chdr.Size {
		ctx.Fatalf(ErrMalformedInput, "%s: %s: decompressed size mismatch", s.File.Name(), s.Name)
	}

	s.Contents = out
	s.Size = chdr.Size
	s.AddrAlign = max(chdr.AddrAlign, 1)
	s.Flags &^= uint64(elf.SHF_COMPRESSED)
}

// IsLive reports whether the section takes part in the output.
func (s *InputSection) IsLive() bool {
	return s.IsAlive && !s.Discarded
}

func (s *InputSection) IsAlloc() bool {
	return s.Flags&uint64(elf.SHF_ALLOC) != 0
}

func (s *InputSection) IsNobits() bool {
	return s.Type == uint32(elf.SHT_NOBITS)
}

func (s *InputSection) IsWritable() bool {
	return s.Flags&uint64(elf.SHF_WRITE) != 0
}

func (s *InputSection) GetAddr() uint64 {
	if s.OutputSection == nil {
		return 0
	}
	return s.OutputSection.Shdr.Addr + s.Offset
}

func (s *InputSection) GetPriority() int64 {
	return (int64(s.File.Priority) << 32) | int64(s.Shndx)
}

func (s *InputSection) String() string {
	return s.File.Name() + ":" + s.Name
}

func (s *InputSection) WriteTo(ctx *Context, buf []byte) {
	if s.IsNobits() || s.Size == 0 {
		return
	}

	switch {
	case s.Synth != nil:
		s.Synth.WriteTo(ctx, buf[:s.Size])
		return
	case s.EhFrame != nil:
		s.EhFrame.CopyContents(ctx, buf)
	default:
		copy(buf, s.Contents)
	}

	s.ApplyRelocs(ctx, buf)
}

// AddInternalSection returns the linker-owned section called name,
// creating it on first use.
func (ctx *Context) AddInternalSection(name string, typ uint32, flags uint64, entsize, align uint64) *InputSection {
	if isec, ok := ctx.internalSecs[name]; ok {
		return isec
	}

	obj := ctx.InternalObj
	isec := &InputSection{
		File:      obj,
		Name:      name,
		Shndx:     uint32(len(obj.Sections)),
		RelsecIdx: NoRelsec,
		Type:      typ,
		Flags:     flags,
		AddrAlign: max(align, 1),
		EntSize:   entsize,
		IsAlive:   true,
	}
	obj.Sections = append(obj.Sections, isec)
	ctx.internalSecs[name] = isec
	return isec
}

// Reserve grows an internal section by count entries and returns the
// offset of the first new one.
func (ctx *Context) Reserve(isec *InputSection, count uint64) uint64 {
	if isec.EntSize == 0 {
		ctx.Fatalf(ErrInternal, "reserve in %s without an entry size", isec.Name)
	}
	off := isec.Size
	isec.Size += count * isec.EntSize
	return off
}
