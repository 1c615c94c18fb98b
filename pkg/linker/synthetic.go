package linker

import (
	"debug/elf"
)

// synthSection is the common part of every linker-generated section. It
// lives in the internal object like an input section, so it goes through
// the same placement as the sections of regular objects.
type synthSection struct {
	Isec *InputSection
}

func newSynthSection(ctx *Context, name string, typ elf.SectionType, flags elf.SectionFlag,
	entsize, align uint64, synth Synthesizer) synthSection {
	isec := ctx.AddInternalSection(name, uint32(typ), uint64(flags), entsize, align)
	isec.Synth = synth
	return synthSection{Isec: isec}
}

func (s *synthSection) GetAddr() uint64 {
	if s.Isec == nil {
		return 0
	}
	return s.Isec.GetAddr()
}

func (s *synthSection) Size() uint64 {
	if s.Isec == nil {
		return 0
	}
	return s.Isec.Size
}

// Shndx is the index of the output section holding s, or 0.
func (s *synthSection) Shndx() uint32 {
	if s.Isec == nil || s.Isec.OutputSection == nil || !s.Isec.IsLive() {
		return 0
	}
	return uint32(s.Isec.OutputSection.Shndx)
}

// linkInfoer is implemented by synthesized sections whose header points
// at other sections.
type linkInfoer interface {
	LinkInfo(ctx *Context) (link, info uint32)
}

type InterpSection struct {
	synthSection
}

func NewInterpSection(ctx *Context) *InterpSection {
	s := &InterpSection{}
	s.synthSection = newSynthSection(ctx, ".interp", elf.SHT_PROGBITS, elf.SHF_ALLOC, 0, 1, s)
	s.Isec.Size = uint64(len(ctx.Arg.DynamicLinker)) + 1
	return s
}

func (s *InterpSection) WriteTo(ctx *Context, buf []byte) {
	writeString(buf, ctx.Arg.DynamicLinker)
}
