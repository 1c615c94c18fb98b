package linker

import (
	"debug/elf"

	"github.com/go-kit/log"
	"github.com/hashicorp/go-multierror"
	"github.com/ksco/elfld/pkg/utils"
	"github.com/pkg/errors"
)

// Link runs the whole pipeline over inputs and returns the context
// holding the finished image in Buf. An input built for another machine
// restarts the link once with that machine's backend.
func Link(arg ContextArg, logger log.Logger, inputs []string) (*Context, error) {
	arch, err := selectArch(arg, inputs)
	if err != nil {
		return nil, err
	}

	ctx, err := link(arg, logger, arch, inputs)
	var conflict *ArchConflict
	if errors.As(err, &conflict) {
		ctx.debug("msg", "restarting link", "arch", conflict.Arch.Name(), "file", conflict.File)
		ctx.Close()
		ctx, err = link(arg, logger, conflict.Arch, inputs)
		if errors.As(err, &conflict) {
			err = &Error{Kind: ErrArchConflict, Err: conflict}
		}
	}
	return ctx, err
}

// selectArch picks the backend named by the emulation, or else the one
// matching the first ELF input.
func selectArch(arg ContextArg, inputs []string) (Arch, error) {
	if arg.Emulation != "" {
		return ArchByName(arg.Emulation)
	}
	for _, path := range inputs {
		if _, ok := utils.RemovePrefix(path, "-l"); ok {
			continue
		}
		file, err := openFile(path)
		if err != nil {
			return nil, &Error{Kind: ErrIO, Err: err}
		}
		arch := GetArchFromContents(file.Contents)
		file.Close()
		if arch != nil {
			return arch, nil
		}
	}
	return nil, &Error{Kind: ErrUnsupported, Err: errors.New("cannot infer the target architecture; use -m")}
}

func link(arg ContextArg, logger log.Logger, arch Arch, inputs []string) (ctx *Context, err error) {
	ctx = NewContext(logger)
	ctx.Arg = arg
	ctx.Arch = arch
	ctx.ExecStack = arg.ExecStack
	if ctx.Arg.Entry == "" {
		ctx.Arg.Entry = "_start"
	}

	defer recoverError(&err)

	ctx.debug("msg", "link started", "arch", arch.Name(), "mode", arg.Mode, "inputs", len(inputs))

	CreateInternalFile(ctx)
	if !ctx.IsRelocatable() && !ctx.IsShared() {
		addUndefined(ctx, ctx.Arg.Entry)
	}
	for _, name := range ctx.Arg.Undefined {
		addUndefined(ctx, name)
	}

	ReadInputFiles(ctx, inputs)
	for _, o := range ctx.Objs {
		LoadRelocations(ctx, o)
	}

	CreateSyntheticSections(ctx)
	AllocateCommonSymbols(ctx)
	ParseEhFrames(ctx)
	AddSyntheticSymbols(ctx)
	ComputeImportExport(ctx)

	PlaceSections(ctx)
	CollectGarbage(ctx)
	FinalizeEhFrames(ctx)

	if !ctx.IsRelocatable() {
		ScanRelocations(ctx)
	}
	ReportUndefined(ctx)
	FinalizeDynamicSymbols(ctx)

	if ctx.EhFrameHdr != nil {
		ctx.EhFrameHdr.UpdateSize(ctx)
	}
	if ctx.GotPlt != nil && (ctx.IsDynamic() || ctx.needsGotBase || len(ctx.Plt.Syms) > 0) {
		ctx.GotPlt.Reserve(ctx)
	}

	BinSections(ctx)
	if ctx.Dynamic != nil {
		ctx.Dynamic.UpdateSize(ctx)
	}
	BuildSymtab(ctx)
	ComputeSectionSizes(ctx)
	CreateRelocSections(ctx)
	SortOutputSections(ctx)
	AssignSectionIndices(ctx)

	fileSize := SetOsecOffsets(ctx)
	FixSyntheticSymbols(ctx)
	if ctx.RelDyn != nil {
		ctx.RelDyn.Finalize(ctx)
		ctx.RelPlt.Finalize(ctx)
	}

	ctx.Buf = make([]byte, fileSize)
	for _, chunk := range ctx.Chunks {
		chunk.CopyBuf(ctx)
	}
	writeImplicitAddends(ctx)

	ctx.debug("msg", "link finished", "chunks", len(ctx.Chunks), "size", fileSize)
	return ctx, nil
}

// addUndefined registers a reference the command line asks for, so
// archive members defining it are pulled in.
func addUndefined(ctx *Context, name string) {
	if name == "" || ctx.Symtab.Lookup(name) != nil {
		return
	}
	sym := NewSymbol(name)
	sym.File = ctx.InternalObj
	sym.Bind = elf.STB_GLOBAL
	sym.Referenced = true
	ctx.Symtab.Resolve(ctx, sym)
}

// Close releases the input mappings. Buf stays valid.
func (ctx *Context) Close() error {
	if ctx == nil {
		return nil
	}
	var result *multierror.Error
	for _, f := range ctx.Mapped {
		if err := f.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	ctx.Mapped = nil
	return result.ErrorOrNil()
}
