package linker

import (
	"debug/elf"
	"strings"

	"github.com/pkg/errors"
)

// SymbolTable owns every symbol of a link. Symbols live in an arena and
// are addressed by SymID; the name map only ever points into the arena.
// A symbol that loses resolution keeps its slot and forwards to the
// winner through ResolvedTo.
type SymbolTable struct {
	syms  []*Symbol
	names map[string]SymID
}

func NewSymbolTable() *SymbolTable {
	return &SymbolTable{names: make(map[string]SymID)}
}

func (t *SymbolTable) Len() int {
	return len(t.syms)
}

// Get returns the arena slot without following forwarding links.
func (t *SymbolTable) Get(id SymID) *Symbol {
	return t.syms[id]
}

func (t *SymbolTable) add(sym *Symbol) SymID {
	id := SymID(len(t.syms))
	sym.ID = id
	sym.ResolvedTo = NoSym
	t.syms = append(t.syms, sym)
	return id
}

// AddLocal registers a symbol that never takes part in name resolution.
func (t *SymbolTable) AddLocal(sym *Symbol) SymID {
	return t.add(sym)
}

// Ref follows forwarding links from id to the authoritative symbol.
func (t *SymbolTable) Ref(id SymID) *Symbol {
	sym := t.syms[id]
	for hops := 0; sym.ResolvedTo != NoSym; hops++ {
		if hops > len(t.syms) {
			panic(&Error{Kind: ErrInternal,
				Err: errors.Errorf("symbol forwarding cycle at %s", t.syms[id].LongName())})
		}
		sym = t.syms[sym.ResolvedTo]
	}
	return sym
}

// Lookup returns the resolved symbol registered under name, or nil.
func (t *SymbolTable) Lookup(name string) *Symbol {
	id, ok := t.names[strings.Replace(name, "@@", "@", 1)]
	if !ok {
		return nil
	}
	return t.Ref(id)
}

func (t *SymbolTable) ValueOf(ctx *Context, name string) (uint64, bool) {
	sym := t.Lookup(name)
	if sym == nil || sym.IsUndef() {
		return 0, false
	}
	return sym.GetAddr(ctx), true
}

// Globals returns every authoritative non-local symbol in arena order.
func (t *SymbolTable) Globals() []*Symbol {
	out := make([]*Symbol, 0, len(t.names))
	for _, sym := range t.syms {
		if sym.ResolvedTo == NoSym && !sym.IsLocal() {
			out = append(out, sym)
		}
	}
	return out
}

// Undefined returns the strong undefined symbols that an archive member
// could satisfy.
func (t *SymbolTable) Undefined() []*Symbol {
	var out []*Symbol
	for _, sym := range t.syms {
		if sym.ResolvedTo == NoSym && !sym.IsLocal() && sym.IsUndef() && !sym.IsWeak() {
			out = append(out, sym)
		}
	}
	return out
}

// Resolve inserts a candidate parsed from an input and settles it against
// any existing symbol with the same long name, or with the bare name when
// the candidate carries a default version. It returns the candidate's own
// ID; Ref on it yields the winner.
func (t *SymbolTable) Resolve(ctx *Context, cand *Symbol) SymID {
	id := t.add(cand)
	key := cand.key()
	isDefault := cand.Version != "" && !cand.VerHidden

	existing, ok := t.names[key]
	if !ok && isDefault {
		existing, ok = t.names[cand.Name]
	}
	if !ok {
		t.names[key] = id
		if isDefault {
			if _, taken := t.names[cand.Name]; !taken {
				t.names[cand.Name] = id
			}
		}
		return id
	}

	b := t.Ref(existing)
	winner := t.choose(ctx, cand, b)
	loser := b
	if winner == b {
		loser = cand
	}
	loser.ResolvedTo = winner.ID
	winner.Referenced = winner.Referenced || loser.Referenced
	winner.RefByDso = winner.RefByDso || loser.RefByDso
	for _, s := range []*Symbol{cand, b} {
		if !s.InDso() {
			winner.Visibility = MergeVisibility(winner.Visibility, s.Visibility)
		}
	}

	if _, taken := t.names[key]; !taken {
		t.names[key] = winner.ID
	}
	if winner == cand && cand.InDso() && isDefault {
		t.relinkUnversioned(cand)
	}
	return id
}

// relinkUnversioned points an unversioned symbol that was settled before
// a default version of the same name appeared at the versioned definition.
func (t *SymbolTable) relinkUnversioned(def *Symbol) {
	id, ok := t.names[def.Name]
	if !ok {
		t.names[def.Name] = def.ID
		return
	}
	old := t.Ref(id)
	if old == def || old.Version != "" {
		return
	}
	if old.IsUndef() || old.InDso() {
		old.ResolvedTo = def.ID
		def.Referenced = def.Referenced || old.Referenced
		t.names[def.Name] = def.ID
	}
}

// choose applies the resolution rules to an incoming symbol a and the
// existing symbol b and returns the one that stays live.
func (t *SymbolTable) choose(ctx *Context, a, b *Symbol) *Symbol {
	if a.Type != elf.STT_NOTYPE && b.Type != elf.STT_NOTYPE && a.IsTLS() != b.IsTLS() {
		ctx.Fatalf(ErrTLSMismatch, "TLS reference mismatches non-TLS definition of %s: %s and %s",
			a.LongName(), symOrigin(a), symOrigin(b))
	}

	grow := func(dst, src *Symbol) *Symbol {
		dst.Size = max(dst.Size, src.Size)
		dst.CommonAlign = max(dst.CommonAlign, src.CommonAlign)
		return dst
	}

	switch {
	case a.IsUndef():
		if b.IsUndef() && b.IsWeak() && !a.IsWeak() {
			b.Bind = a.Bind
		}
		if b.Type == elf.STT_NOTYPE {
			b.Type = a.Type
		}
		return b

	case a.IsCommon() && !a.InDso():
		switch {
		case b.IsUndef():
			return a
		case b.IsCommon():
			if b.InDso() {
				return grow(a, b)
			}
			return grow(b, a)
		case b.InDso():
			return a
		}
		return b

	case a.IsCommon():
		switch {
		case b.IsUndef():
			return a
		case b.IsCommon():
			return grow(b, a)
		}
		return b

	case !a.InDso():
		switch {
		case b.IsUndef(), b.IsCommon(), b.InDso():
			return a
		case a.Provide != b.Provide:
			if a.Provide {
				return b
			}
			return a
		case a.IsWeak() && b.IsWeak():
			return b
		case !a.IsWeak() && !b.IsWeak():
			ctx.Fatalf(ErrMultipleDefinition, "multiple definition of %s: %s and %s",
				a.LongName(), symOrigin(b), symOrigin(a))
		case a.IsWeak():
			return b
		}
		return a
	}

	if b.IsDefined() {
		return b
	}
	if b.IsCommon() && !b.InDso() && b.IsFunc() {
		return b
	}
	return a
}

// AddInternal defines a linker-synthesized symbol. It replaces an
// undefined or shared-library symbol of the same name but leaves a
// definition from a regular object in place.
func (t *SymbolTable) AddInternal(ctx *Context, name string, value uint64,
	isec *InputSection, vis elf.SymVis) *Symbol {
	sym := NewSymbol(name)
	sym.Kind = SymAbs
	if isec != nil {
		sym.Kind = SymDefined
	}
	sym.Value = value
	sym.InputSection = isec
	sym.File = ctx.InternalObj
	sym.Visibility = vis
	sym.Synthetic = true

	if id, ok := t.names[name]; ok {
		old := t.Ref(id)
		if old.IsDefined() && !old.InDso() {
			return old
		}
		t.add(sym)
		old.ResolvedTo = sym.ID
		sym.Referenced = old.Referenced
		sym.RefByDso = old.RefByDso
		t.names[name] = sym.ID
		return sym
	}

	t.add(sym)
	t.names[name] = sym.ID
	return sym
}

// Define installs sym as the authoritative definition of its name,
// replacing whatever resolution settled on so far. Script assignments
// use it.
func (t *SymbolTable) Define(sym *Symbol) *Symbol {
	t.add(sym)
	if id, ok := t.names[sym.Name]; ok {
		old := t.Ref(id)
		old.ResolvedTo = sym.ID
		sym.Referenced = old.Referenced
		sym.RefByDso = old.RefByDso
	}
	t.names[sym.Name] = sym.ID
	return sym
}

func symOrigin(sym *Symbol) string {
	switch {
	case sym.Dso != nil:
		return sym.Dso.File.Name
	case sym.File != nil && sym.File.File != nil:
		return sym.File.Name()
	}
	return "<internal>"
}
