package linker

import (
	"debug/elf"
	"strings"

	"github.com/ksco/elfld/pkg/utils"
)

var gcRootPrefixes = []string{
	".init", ".fini", ".ctors", ".dtors", ".init_array", ".fini_array", ".preinit_array",
}

// collectable reports whether garbage collection may drop isec.
func collectable(ctx *Context, isec *InputSection) bool {
	switch {
	case isec == nil || !isec.IsLive():
		return false
	case isec.File == ctx.InternalObj || !isec.IsAlloc():
		return false
	case isec.EhFrame != nil:
		return false
	}
	return true
}

func isGCRoot(ctx *Context, isec *InputSection) bool {
	if isec.Keep || isec.Flags&SHF_GNU_RETAIN != 0 || isec.Type == uint32(elf.SHT_NOTE) {
		return true
	}
	for _, p := range gcRootPrefixes {
		if isec.Name == p || strings.HasPrefix(isec.Name, p+".") {
			return true
		}
	}
	if utils.IsCIdent(isec.Name) {
		for _, prefix := range []string{"__start_", "__stop_"} {
			if sym := ctx.Symtab.Lookup(prefix + isec.Name); sym != nil && sym.Referenced {
				return true
			}
		}
	}
	return false
}

// CollectGarbage drops the allocated sections that cannot be reached
// through relocations from the entry point, the symbols forced with -u,
// exported symbols and the sections that are always kept.
func CollectGarbage(ctx *Context) {
	if !ctx.Arg.GCSections || ctx.IsRelocatable() {
		return
	}

	var worklist []*InputSection
	markLive := func(isec *InputSection) {
		if isec == nil || isec.IsAlive || isec.Discarded {
			return
		}
		isec.IsAlive = true
		worklist = append(worklist, isec)
	}
	markSym := func(sym *Symbol) {
		if sym != nil && !sym.InDso() {
			markLive(sym.InputSection)
		}
	}

	var candidates []*InputSection
	for _, o := range ctx.Objs {
		for _, isec := range o.Sections {
			if collectable(ctx, isec) {
				isec.IsAlive = false
				candidates = append(candidates, isec)
			}
		}
	}

	for _, isec := range candidates {
		if isGCRoot(ctx, isec) {
			markLive(isec)
		}
	}
	// Sections that cannot be collected still hold references.
	for _, o := range ctx.Objs {
		for _, isec := range o.Sections {
			if isec != nil && isec.IsLive() && isec.EhFrame == nil && !collectable(ctx, isec) {
				worklist = append(worklist, isec)
			}
		}
	}

	markSym(ctx.Symtab.Lookup(ctx.Arg.Entry))
	for _, name := range ctx.Arg.Undefined {
		markSym(ctx.Symtab.Lookup(name))
	}
	for _, sym := range ctx.Symtab.Globals() {
		if sym.IsExported && sym.IsDefined() {
			markSym(sym)
		}
	}

	for len(worklist) > 0 {
		isec := worklist[0]
		worklist = worklist[1:]

		for _, r := range isec.Relocs {
			markSym(r.Symbol(ctx))
		}
		for _, fde := range isec.Fdes {
			for i, r := range fde.Relocs {
				if i > 0 {
					markSym(r.Symbol(ctx))
				}
			}
			if fde.CIE != nil {
				for _, r := range fde.CIE.Relocs {
					markSym(r.Symbol(ctx))
				}
			}
		}
	}

	for _, isec := range candidates {
		if !isec.IsAlive {
			ctx.Collected = append(ctx.Collected, isec)
			ctx.debug("msg", "removing unused section", "section", isec.String())
		}
	}
}
