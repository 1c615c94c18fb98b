package linker

import (
	"debug/elf"
)

// initializeGroups walks the object's SHT_GROUP sections and drops the
// members of every COMDAT group whose signature an earlier object
// already contributed.
func (o *ObjectFile) initializeGroups(ctx *Context) {
	for i := range o.ElfSections {
		shdr := &o.ElfSections[i]
		if shdr.Type != uint32(elf.SHT_GROUP) {
			continue
		}

		bs := o.GetBytesFromShdr(ctx, shdr)
		if len(bs) < 4 {
			ctx.Fatalf(ErrMalformedInput, "%s: empty section group", o.Name())
		}
		if o.Layout.Uint32(bs)&GRP_COMDAT == 0 {
			continue
		}

		var members []uint32
		for bs = bs[4:]; len(bs) >= 4; bs = bs[4:] {
			members = append(members, o.Layout.Uint32(bs))
		}
		ctx.DiscardSectionGroup(o, o.groupSignature(ctx, shdr), members)
	}
}

func (o *ObjectFile) groupSignature(ctx *Context, shdr *Shdr) string {
	if int64(shdr.Link) >= int64(len(o.ElfSections)) || o.SymtabSec != &o.ElfSections[shdr.Link] {
		ctx.Fatalf(ErrMalformedInput, "%s: section group has an invalid symbol table", o.Name())
	}
	if uint64(shdr.Info) >= uint64(len(o.ElfSyms)) {
		ctx.Fatalf(ErrMalformedInput, "%s: invalid section group signature index %d", o.Name(), shdr.Info)
	}

	esym := &o.ElfSyms[shdr.Info]
	name := getName(o.SymbolStrtab, esym.Name)
	if name == "" && esym.Type() == elf.STT_SECTION {
		shndx := o.GetShndx(ctx, esym, int64(shdr.Info))
		if shndx > 0 && shndx < int64(len(o.ElfSections)) {
			name = getName(o.ShStrtab, o.ElfSections[shndx].Name)
		}
	}
	return name
}

// DiscardSectionGroup records the group as the owner of signature, or, if
// another object already owns it, marks every member section discarded.
// It reports whether the members were discarded.
func (ctx *Context) DiscardSectionGroup(o *ObjectFile, signature string, members []uint32) bool {
	owner, ok := ctx.ComdatGroups[signature]
	if !ok || owner == o {
		ctx.ComdatGroups[signature] = o
		return false
	}

	for _, idx := range members {
		if idx >= uint32(len(o.Sections)) {
			ctx.Fatalf(ErrMalformedInput, "%s: invalid section group member %d", o.Name(), idx)
		}
		if isec := o.Sections[idx]; isec != nil {
			isec.Discarded = true
		}
	}
	ctx.debug("msg", "discarding duplicate section group", "signature", signature,
		"file", o.Name(), "kept", owner.Name())
	return true
}
