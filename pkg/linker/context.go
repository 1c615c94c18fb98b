package linker

import (
	"github.com/go-kit/log"
	"github.com/hashicorp/go-multierror"
	"github.com/ksco/elfld/pkg/script"
	"github.com/ksco/elfld/pkg/utils"
)

type OutputMode uint8

const (
	OutputExec OutputMode = iota
	OutputPIE
	OutputShared
	OutputRelocatable
)

func (m OutputMode) String() string {
	switch m {
	case OutputPIE:
		return "pie"
	case OutputShared:
		return "shared"
	case OutputRelocatable:
		return "relocatable"
	}
	return "exec"
}

type ContextArg struct {
	Output        string
	Emulation     string
	Entry         string
	DynamicLinker string
	Soname        string
	Mode          OutputMode
	Static        bool
	GCSections    bool
	EmitRelocs    bool
	EhFrameHdr    bool
	ExportDynamic bool
	ExecStack     bool
	PrintMap      bool
	NoUndefined   bool

	// ImageBase overrides the architecture's default base address for
	// position-dependent executables when non-zero.
	ImageBase uint64

	LibraryPaths []string
	Undefined    []string

	Script        *script.Script
	VersionScript *script.VersionScript
}

type Context struct {
	Arg    ContextArg
	Logger log.Logger
	Arch   Arch

	Symtab *SymbolTable

	Objs        []*ObjectFile
	Dsos        []*SharedFile
	InternalObj *ObjectFile

	FilePriority int64
	Visited      utils.MapSet[string]
	Mapped       []*File

	ComdatGroups map[string]*ObjectFile
	internalSecs map[string]*InputSection

	Ehdr      *OutputEhdr
	Shdr      *OutputShdr
	Phdr      *OutputPhdr
	Shstrtab  *StrtabSection
	SymtabSec *SymtabSection
	Strtab    *StrtabSection

	Got         *GotSection
	GotPlt      *GotPltSection
	Plt         *PltSection
	RelDyn      *DynRelocSection
	RelPlt      *DynRelocSection
	Dynamic     *DynamicSection
	Dynsym      *DynsymSection
	Dynstr      *DynstrSection
	Hash        *HashSection
	Interp      *InterpSection
	Versym      *VersymSection
	Verneed     *VerneedSection
	Verdef      *VerdefSection
	EhFrameHdr  *EhFrameHdrSection
	Common      *InputSection
	DynBss      *InputSection
	EhFrameSecs []*EhFrame

	Chunks         []Chunker
	OutputSections []*OutputSection
	RelocSections  []*OutputRelocSection
	placer         *sectionPlacer

	Buf []byte

	TLSBase  uint64
	TLSSize  uint64
	TLSAlign uint64
	HasTLS   bool

	TextRel   bool
	ExecStack bool

	needsGotBase bool
	tlsLd        struct {
		seen     bool
		mismatch bool
		// last is the rewrite chosen for the latest local-dynamic site of
		// lastSec; the DTPOFF relocations that follow it must agree.
		last    Relax
		lastSec *InputSection
	}

	// Collected lists sections dropped by garbage collection, for the map.
	Collected []*InputSection

	synth syntheticSymbols

	warnings *multierror.Error
}

func NewContext(logger log.Logger) *Context {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Context{
		Arg: ContextArg{
			Output: "a.out",
			Entry:  "_start",
		},
		Logger:       logger,
		Symtab:       NewSymbolTable(),
		Visited:      utils.NewMapSet[string](),
		FilePriority: 10000,
		ComdatGroups: make(map[string]*ObjectFile),
		internalSecs: make(map[string]*InputSection),
	}
}

func (ctx *Context) IsPIC() bool {
	return ctx.Arg.Mode == OutputPIE || ctx.Arg.Mode == OutputShared
}

func (ctx *Context) IsShared() bool {
	return ctx.Arg.Mode == OutputShared
}

func (ctx *Context) IsRelocatable() bool {
	return ctx.Arg.Mode == OutputRelocatable
}

// IsDynamic reports whether the output will be processed by the dynamic
// loader.
func (ctx *Context) IsDynamic() bool {
	if ctx.IsRelocatable() {
		return false
	}
	return ctx.IsPIC() || len(ctx.Dsos) > 0
}

// Layout is the output encoding.
func (ctx *Context) Layout() Layout {
	return ctx.Arch.Layout()
}

func (ctx *Context) WordSize() uint64 {
	return ctx.Arch.Layout().WordSize()
}

func (ctx *Context) ImageBase() uint64 {
	if ctx.IsPIC() || ctx.IsRelocatable() {
		return 0
	}
	if ctx.Arg.ImageBase != 0 {
		return ctx.Arg.ImageBase
	}
	return ctx.Arch.ImageBase()
}

// TLSLDRelaxed reports whether local-dynamic TLS sequences are rewritten
// to local-exec.
func (ctx *Context) TLSLDRelaxed() bool {
	return !ctx.IsShared() && !ctx.IsRelocatable() && !ctx.tlsLd.mismatch
}

func (ctx *Context) dtpoffRelax(isec *InputSection) Relax {
	if ctx.tlsLd.lastSec == isec {
		return ctx.tlsLd.last
	}
	return RelaxNone
}
