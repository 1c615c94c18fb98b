package linker

import (
	"github.com/ksco/elfld/pkg/utils"
)

// ReadInputFiles loads the command-line inputs in order, then pulls
// archive members in until no member defines a symbol that is still
// undefined.
func ReadInputFiles(ctx *Context, args []string) {
	var archives []*Archive
	for _, arg := range args {
		var file *File
		if name, ok := utils.RemovePrefix(arg, "-l"); ok {
			file = FindLibrary(ctx, name)
		} else {
			file = OpenFile(ctx, arg)
		}
		if ar := ReadFile(ctx, file); ar != nil {
			archives = append(archives, ar)
		}
	}

	for changed := true; changed; {
		changed = false
		for _, sym := range ctx.Symtab.Undefined() {
			for _, ar := range archives {
				for _, member := range ar.Extract(sym.Name) {
					if GetFileType(member.Contents) != FileTypeObject {
						ctx.Fatalf(ErrMalformedInput, "%s(%s): not an object file", ar.File.Name, member.Name)
					}
					ctx.Objs = append(ctx.Objs, CreateObjectFile(ctx, member))
					changed = true
				}
			}
		}
	}

	if len(ctx.Objs) == 1 && len(ctx.Dsos) == 0 {
		ctx.Fatalf(ErrIO, "no input files")
	}
}

// ReadFile adds one input. An archive is returned so its members can be
// extracted on demand.
func ReadFile(ctx *Context, file *File) *Archive {
	if ctx.Visited.Contains(file.Name) {
		return nil
	}
	ctx.Visited.Add(file.Name)

	switch GetFileType(file.Contents) {
	case FileTypeObject:
		ctx.Objs = append(ctx.Objs, CreateObjectFile(ctx, file))
	case FileTypeDso:
		if ctx.Arg.Static || ctx.IsRelocatable() {
			ctx.Fatalf(ErrUnsupported, "%s: cannot link a shared library into a static or relocatable output", file.Name)
		}
		ctx.Dsos = append(ctx.Dsos, CreateSharedFile(ctx, file))
	case FileTypeAr, FileTypeThinAr:
		return ReadArchiveMembers(ctx, file)
	case FileTypeEmpty:
		ctx.Warnf("%s: empty input file, ignored", file.Name)
	default:
		ctx.Fatalf(ErrMalformedInput, "%s: unknown file type", file.Name)
	}
	return nil
}

func CreateObjectFile(ctx *Context, file *File) *ObjectFile {
	CheckFileCompatibility(ctx, file)

	obj := NewObjectFile(ctx, file)
	obj.Priority = uint32(ctx.FilePriority)
	ctx.FilePriority++

	obj.parse(ctx)
	ctx.ExecStack = ctx.ExecStack || obj.ExecStack
	return obj
}

func CreateSharedFile(ctx *Context, file *File) *SharedFile {
	CheckFileCompatibility(ctx, file)

	dso := NewSharedFile(ctx, file)
	dso.Priority = uint32(ctx.FilePriority)
	ctx.FilePriority++

	dso.parse(ctx)
	return dso
}
