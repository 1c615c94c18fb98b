package linker

import (
	"debug/elf"
	"fmt"
)

type InputFile struct {
	File         *File
	Layout       Layout
	Ehdr         Ehdr
	ElfSections  []Shdr
	FirstGlobal  int64
	ShStrtab     []byte
	SymbolStrtab []byte

	ElfSyms  []Sym
	IsAlive  bool
	Priority uint32
}

func NewInputFile(ctx *Context, file *File) *InputFile {
	f := &InputFile{File: file}
	if len(file.Contents) < 52 {
		ctx.Fatalf(ErrMalformedInput, "%s: file too small", file.Name)
	}
	if !CheckMagic(file.Contents) {
		ctx.Fatalf(ErrMalformedInput, "%s: not an ELF file", file.Name)
	}
	layout, ok := LayoutFromIdent(file.Contents)
	if !ok {
		ctx.Fatalf(ErrMalformedInput, "%s: bad ELF class or data encoding", file.Name)
	}
	if uint64(len(file.Contents)) < layout.EhdrSize() {
		ctx.Fatalf(ErrMalformedInput, "%s: file too small", file.Name)
	}
	f.Layout = layout
	f.Ehdr = layout.ReadEhdr(file.Contents)

	if f.Ehdr.ShOff == 0 {
		return f
	}
	shdrSize := layout.ShdrSize()
	if f.Ehdr.ShOff+shdrSize > uint64(len(file.Contents)) {
		ctx.Fatalf(ErrMalformedInput, "%s: section header table is out of range", file.Name)
	}

	contents := file.Contents[f.Ehdr.ShOff:]
	shdr := layout.ReadShdr(contents)

	numSections := uint64(f.Ehdr.ShNum)
	if numSections == 0 {
		numSections = shdr.Size
	}
	if numSections*shdrSize > uint64(len(contents)) {
		ctx.Fatalf(ErrMalformedInput, "%s: section header table is out of range", file.Name)
	}

	f.ElfSections = []Shdr{shdr}
	for numSections > 1 {
		contents = contents[shdrSize:]
		f.ElfSections = append(f.ElfSections, layout.ReadShdr(contents))
		numSections--
	}

	shstrtabIdx := int64(f.Ehdr.ShStrndx)
	if f.Ehdr.ShStrndx == uint16(elf.SHN_XINDEX) {
		shstrtabIdx = int64(shdr.Link)
	}

	f.ShStrtab = f.GetBytesFromIdx(ctx, shstrtabIdx)
	return f
}

// Name is the diagnostic name: the path, or archive(member).
func (f *InputFile) Name() string {
	if f.File == nil {
		return "<internal>"
	}
	if f.File.Parent != nil {
		return fmt.Sprintf("%s(%s)", f.File.Parent.Name, f.File.Name)
	}
	return f.File.Name
}

func (f *InputFile) ArchiveName() string {
	if f.File == nil || f.File.Parent == nil {
		return ""
	}
	return f.File.Parent.Name
}

func (f *InputFile) GetBytesFromShdr(ctx *Context, s *Shdr) []byte {
	if s.Type == uint32(elf.SHT_NOBITS) {
		return nil
	}
	end := s.Offset + s.Size
	if end < s.Offset || uint64(len(f.File.Contents)) < end {
		ctx.Fatalf(ErrMalformedInput, "%s: section header is out of range: %d", f.Name(), s.Offset)
	}

	return f.File.Contents[s.Offset:end]
}

func (f *InputFile) GetBytesFromIdx(ctx *Context, idx int64) []byte {
	if idx < 0 || idx >= int64(len(f.ElfSections)) {
		ctx.Fatalf(ErrMalformedInput, "%s: invalid section index %d", f.Name(), idx)
	}
	return f.GetBytesFromShdr(ctx, &f.ElfSections[idx])
}

func (f *InputFile) FillUpElfSyms(ctx *Context, s *Shdr) {
	bs := f.GetBytesFromShdr(ctx, s)
	size := f.Layout.SymSize()
	nums := uint64(len(bs)) / size
	f.ElfSyms = make([]Sym, 0, nums)
	for nums > 0 {
		f.ElfSyms = append(f.ElfSyms, f.Layout.ReadSym(bs))
		bs = bs[size:]
		nums--
	}
}

func (f *InputFile) FindSection(ty uint32) *Shdr {
	for i := 0; i < len(f.ElfSections); i++ {
		sec := &f.ElfSections[i]
		if sec.Type == ty {
			return sec
		}
	}
	return nil
}
