package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"path/filepath"

	"github.com/ksco/elfld/pkg/utils"
)

// Archive is a static library. Members are only parsed as objects once
// they define a symbol the link still needs.
type Archive struct {
	File    *File
	Members []*File
	Index   map[string][]int

	loaded []bool
}

func ReadArchiveMembers(ctx *Context, file *File) *Archive {
	ar := &Archive{File: file, Index: make(map[string][]int)}
	thin := GetFileType(file.Contents) == FileTypeThinAr

	begin := 0
	data := begin + 8
	var strTab, armap []byte
	armap64 := false
	byOffset := make(map[int]int)

	for begin+len(file.Contents)-data >= 2 {
		if (begin-data)%2 == 1 {
			data++
		}
		if len(file.Contents)-data < arHdrSize {
			break
		}

		hdrOffset := data
		hdr := utils.Read[ArHdr](file.Contents[data:], binary.LittleEndian)
		size, err := hdr.GetSize()
		if err != nil {
			ctx.Fatalf(ErrMalformedInput, "%s: %v", file.Name, err)
		}
		body := data + arHdrSize
		data = body + size
		if thin && !hdr.IsStrtab() && !hdr.IsSymtab() {
			data = body
		}
		if data > len(file.Contents) {
			ctx.Fatalf(ErrMalformedInput, "%s: truncated archive member", file.Name)
		}

		if hdr.IsStrtab() {
			strTab = file.Contents[body:data]
			continue
		}

		if hdr.IsSymtab() {
			armap = file.Contents[body:data]
			armap64 = hdr.IsSymtab64()
			continue
		}

		ptr := file.Contents[body:data]
		name, err := hdr.ReadName(strTab, &ptr)
		if err != nil {
			ctx.Fatalf(ErrMalformedInput, "%s: %v", file.Name, err)
		}

		if name == "__.SYMDEF" || name == "__.SYMDEF SORTED" {
			continue
		}

		var member *File
		if thin {
			member = OpenFile(ctx, filepath.Join(filepath.Dir(file.Name), name))
		} else {
			member = &File{Name: name, Contents: ptr}
		}
		member.Parent = file

		byOffset[hdrOffset] = len(ar.Members)
		ar.Members = append(ar.Members, member)
	}

	ar.loaded = make([]bool, len(ar.Members))
	if armap != nil {
		ar.parseArmap(ctx, armap, armap64, byOffset)
	} else {
		ar.scanMembers(ctx)
	}
	return ar
}

// parseArmap reads the SysV archive index: a big-endian count, that many
// member header offsets, then the NUL-terminated symbol names.
func (ar *Archive) parseArmap(ctx *Context, data []byte, is64 bool, byOffset map[int]int) {
	word := 4
	if is64 {
		word = 8
	}
	read := func(b []byte) uint64 {
		if is64 {
			return binary.BigEndian.Uint64(b)
		}
		return uint64(binary.BigEndian.Uint32(b))
	}

	if len(data) < word {
		ctx.Fatalf(ErrMalformedInput, "%s: truncated archive index", ar.File.Name)
	}
	n := read(data)
	offsets := data[word:]
	if uint64(len(offsets))/uint64(word) < n {
		ctx.Fatalf(ErrMalformedInput, "%s: truncated archive index", ar.File.Name)
	}
	names := offsets[n*uint64(word):]

	for i := uint64(0); i < n; i++ {
		off := int(read(offsets[i*uint64(word):]))
		end := bytes.IndexByte(names, 0)
		if end < 0 {
			ctx.Fatalf(ErrMalformedInput, "%s: unterminated archive index name", ar.File.Name)
		}
		name := string(names[:end])
		names = names[end+1:]

		if idx, ok := byOffset[off]; ok {
			ar.Index[name] = append(ar.Index[name], idx)
		}
	}
}

// scanMembers builds the index from the members' own symbol tables when
// the archive has none.
func (ar *Archive) scanMembers(ctx *Context) {
	for i, member := range ar.Members {
		if GetFileType(member.Contents) != FileTypeObject {
			continue
		}
		f := NewInputFile(ctx, member)
		symtab := f.FindSection(uint32(elf.SHT_SYMTAB))
		if symtab == nil {
			continue
		}
		f.FillUpElfSyms(ctx, symtab)
		strtab := f.GetBytesFromIdx(ctx, int64(symtab.Link))
		for j := int(symtab.Info); j < len(f.ElfSyms); j++ {
			esym := &f.ElfSyms[j]
			if esym.IsUndef() || esym.IsCommon() {
				continue
			}
			name := getName(strtab, esym.Name)
			ar.Index[name] = append(ar.Index[name], i)
		}
	}
}

// Extract returns the members defining name that have not been loaded
// yet, and marks them loaded.
func (ar *Archive) Extract(name string) []*File {
	var out []*File
	for _, idx := range ar.Index[name] {
		if !ar.loaded[idx] {
			ar.loaded[idx] = true
			out = append(out, ar.Members[idx])
		}
	}
	return out
}
