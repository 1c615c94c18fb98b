package linker

import (
	"bytes"
	"debug/elf"
	"unicode"
)

type FileType = int8

const (
	FileTypeUnknown FileType = iota
	FileTypeEmpty   FileType = iota
	FileTypeObject  FileType = iota
	FileTypeDso     FileType = iota
	FileTypeAr      FileType = iota
	FileTypeThinAr  FileType = iota
	FileTypeText    FileType = iota
)

func GetFileType(contents []byte) FileType {
	if len(contents) == 0 {
		return FileTypeEmpty
	}

	if CheckMagic(contents) {
		if len(contents) < 18 {
			return FileTypeUnknown
		}
		layout, ok := LayoutFromIdent(contents)
		if !ok {
			return FileTypeUnknown
		}
		switch elf.Type(layout.Uint16(contents[16:])) {
		case elf.ET_REL:
			return FileTypeObject
		case elf.ET_DYN:
			return FileTypeDso
		}
		return FileTypeUnknown
	}

	if bytes.HasPrefix(contents, []byte("!<arch>\n")) {
		return FileTypeAr
	}
	if bytes.HasPrefix(contents, []byte("!<thin>\n")) {
		return FileTypeThinAr
	}

	isTextFile := func() bool {
		return len(contents) >= 4 &&
			unicode.IsPrint(rune(contents[0])) &&
			unicode.IsPrint(rune(contents[1])) &&
			unicode.IsPrint(rune(contents[2])) &&
			unicode.IsPrint(rune(contents[3]))
	}

	if isTextFile() {
		return FileTypeText
	}

	return FileTypeUnknown
}

// CheckFileCompatibility raises an ArchConflict when an input was built
// for a different machine than the one being linked for.
func CheckFileCompatibility(ctx *Context, file *File) {
	arch := GetArchFromContents(file.Contents)
	if arch == nil {
		ctx.Fatalf(ErrUnsupported, "%s: unsupported machine type", file.Name)
	}
	if arch != ctx.Arch {
		panic(&ArchConflict{Arch: arch, File: file.Name})
	}
}
