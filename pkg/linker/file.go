package linker

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

type File struct {
	Name     string
	Contents []byte

	Parent *File

	mapping mmap.MMap
}

// OpenFile maps path read-only. The mapping stays alive until the link
// finishes because input sections alias it.
func OpenFile(ctx *Context, path string) *File {
	file, err := openFile(path)
	if err != nil {
		ctx.Fatal(ErrIO, err)
	}
	ctx.Mapped = append(ctx.Mapped, file)
	return file
}

func openFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open input")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	if st.IsDir() {
		return nil, errors.Errorf("%s: is a directory", path)
	}
	if st.Size() == 0 {
		return &File{Name: path}, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: mmap", path)
	}
	return &File{Name: path, Contents: m, mapping: m}, nil
}

// NewFile wraps an in-memory image.
func NewFile(name string, contents []byte) *File {
	return &File{Name: name, Contents: contents}
}

func (f *File) Close() error {
	if f.mapping == nil {
		return nil
	}
	err := f.mapping.Unmap()
	f.mapping = nil
	f.Contents = nil
	return err
}

func OpenLibrary(ctx *Context, path string) *File {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return OpenFile(ctx, path)
}

// FindLibrary resolves -l<name>. Shared libraries are preferred unless the
// link is static; -l:file names an exact file name.
func FindLibrary(ctx *Context, name string) *File {
	if exact, ok := strings.CutPrefix(name, ":"); ok {
		for _, dir := range ctx.Arg.LibraryPaths {
			if f := OpenLibrary(ctx, filepath.Join(dir, exact)); f != nil {
				return f
			}
		}
		ctx.Fatalf(ErrIO, "library not found: %s", exact)
	}

	for _, dir := range ctx.Arg.LibraryPaths {
		stem := filepath.Join(dir, "lib"+name)
		if !ctx.Arg.Static {
			if f := OpenLibrary(ctx, stem+".so"); f != nil {
				return f
			}
		}
		if f := OpenLibrary(ctx, stem+".a"); f != nil {
			return f
		}
	}

	ctx.Fatalf(ErrIO, "library not found: -l%s", name)
	return nil
}
