package linker

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDefinitionWins(t *testing.T) {
	ctx := testContext(amd64Arch)

	user := newObj()
	user.text(".text", make([]byte, 8))
	user.undef("foo")
	a := parseObj(t, ctx, "a.o", user)

	def := newObj()
	def.text(".text", make([]byte, 16))
	def.fn("foo", ".text", 4)
	b := parseObj(t, ctx, "b.o", def)

	sym := ctx.Symtab.Lookup("foo")
	require.NotNil(t, sym)
	assert.Equal(t, b, sym.File)
	assert.Equal(t, SymDefined, sym.Kind)
	assert.Equal(t, uint64(4), sym.Value)
	assert.True(t, sym.Referenced)

	// The reference in a.o forwards to the definition.
	assert.Same(t, sym, a.Symbol(ctx, 1))
}

func TestResolveMultipleDefinition(t *testing.T) {
	ctx := testContext(amd64Arch)

	for _, name := range []string{"a.o", "b.o"} {
		b := newObj()
		b.text(".text", make([]byte, 4))
		b.fn("main", ".text", 0)
		err := catchError(func() { parseObj(t, ctx, name, b) })
		if name == "a.o" {
			require.NoError(t, err)
			continue
		}
		require.Error(t, err)
		assert.True(t, IsKind(err, ErrMultipleDefinition))
		assert.Contains(t, err.Error(), "main")
	}
}

func TestResolveWeak(t *testing.T) {
	for _, strongFirst := range []bool{true, false} {
		ctx := testContext(amd64Arch)

		weak := newObj()
		weak.text(".text", make([]byte, 4))
		weak.weak("f", ".text", 0)

		strong := newObj()
		strong.text(".text", make([]byte, 4))
		strong.fn("f", ".text", 2)

		var s *ObjectFile
		if strongFirst {
			s = parseObj(t, ctx, "strong.o", strong)
			parseObj(t, ctx, "weak.o", weak)
		} else {
			parseObj(t, ctx, "weak.o", weak)
			s = parseObj(t, ctx, "strong.o", strong)
		}

		sym := ctx.Symtab.Lookup("f")
		assert.Equal(t, s, sym.File, "strongFirst=%v", strongFirst)
		assert.Equal(t, elf.STB_GLOBAL, sym.Bind)
	}
}

func TestResolveCommon(t *testing.T) {
	ctx := testContext(amd64Arch)

	a := newObj()
	a.common("buf", 8, 4)
	parseObj(t, ctx, "a.o", a)

	b := newObj()
	b.common("buf", 32, 16)
	parseObj(t, ctx, "b.o", b)

	c := newObj()
	c.common("buf", 16, 8)
	parseObj(t, ctx, "c.o", c)

	sym := ctx.Symtab.Lookup("buf")
	require.True(t, sym.IsCommon())
	assert.Equal(t, uint64(32), sym.Size)
	assert.Equal(t, uint64(16), sym.CommonAlign)

	def := newObj()
	def.data(".data", make([]byte, 4))
	def.object("buf", ".data", 0, 4)
	d := parseObj(t, ctx, "d.o", def)

	sym = ctx.Symtab.Lookup("buf")
	assert.Equal(t, SymDefined, sym.Kind)
	assert.Equal(t, d, sym.File)
}

func TestResolveTLSMismatch(t *testing.T) {
	ctx := testContext(amd64Arch)

	a := newObj()
	a.section(".tdata", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE|elf.SHF_TLS, make([]byte, 8))
	a.symbol(testSym{name: "v", bind: elf.STB_GLOBAL, typ: elf.STT_TLS, sec: ".tdata"})
	parseObj(t, ctx, "a.o", a)

	b := newObj()
	b.data(".data", make([]byte, 8))
	b.object("v", ".data", 0, 8)
	err := catchError(func() { parseObj(t, ctx, "b.o", b) })
	assert.True(t, IsKind(err, ErrTLSMismatch), "%v", err)
}

func TestResolveVisibility(t *testing.T) {
	ctx := testContext(amd64Arch)

	a := newObj()
	a.symbol(testSym{name: "h", bind: elf.STB_GLOBAL, vis: elf.STV_HIDDEN})
	parseObj(t, ctx, "a.o", a)

	b := newObj()
	b.text(".text", make([]byte, 4))
	b.fn("h", ".text", 0)
	parseObj(t, ctx, "b.o", b)

	sym := ctx.Symtab.Lookup("h")
	assert.True(t, sym.IsDefined())
	assert.Equal(t, elf.STV_HIDDEN, sym.Visibility)
}

func TestDefaultVersionAnswersBareName(t *testing.T) {
	ctx := testContext(amd64Arch)

	b := newObj()
	b.text(".text", make([]byte, 8))
	b.fn("open@@V2", ".text", 0)
	b.fn("open@V1", ".text", 4)
	parseObj(t, ctx, "v.o", b)

	def := ctx.Symtab.Lookup("open")
	require.NotNil(t, def)
	assert.Equal(t, "V2", def.Version)
	assert.Same(t, def, ctx.Symtab.Lookup("open@@V2"))
	assert.Same(t, def, ctx.Symtab.Lookup("open@V2"))

	old := ctx.Symtab.Lookup("open@V1")
	require.NotNil(t, old)
	assert.True(t, old.VerHidden)
	assert.Equal(t, uint64(4), old.Value)
}

func TestAddInternalKeepsObjectDefinition(t *testing.T) {
	ctx := testContext(amd64Arch)

	b := newObj()
	b.data(".data", make([]byte, 8))
	b.object("_end", ".data", 0, 8)
	b.undef("_edata")
	parseObj(t, ctx, "a.o", b)

	end := ctx.Symtab.AddInternal(ctx, "_end", 0, nil, elf.STV_HIDDEN)
	assert.False(t, end.Synthetic)

	edata := ctx.Symtab.AddInternal(ctx, "_edata", 0, nil, elf.STV_HIDDEN)
	assert.True(t, edata.Synthetic)
	assert.True(t, edata.Referenced)
	assert.Same(t, edata, ctx.Symtab.Lookup("_edata"))
}

func TestRefDetectsCycle(t *testing.T) {
	st := NewSymbolTable()
	a := NewSymbol("a")
	b := NewSymbol("b")
	st.AddLocal(a)
	st.AddLocal(b)
	a.ResolvedTo = b.ID
	b.ResolvedTo = a.ID

	err := catchError(func() { st.Ref(a.ID) })
	assert.True(t, IsKind(err, ErrInternal))
}

func TestMergeVisibility(t *testing.T) {
	assert.Equal(t, elf.STV_HIDDEN, MergeVisibility(elf.STV_DEFAULT, elf.STV_HIDDEN))
	assert.Equal(t, elf.STV_PROTECTED, MergeVisibility(elf.STV_PROTECTED, elf.STV_DEFAULT))
	assert.Equal(t, elf.STV_HIDDEN, MergeVisibility(elf.STV_INTERNAL, elf.STV_PROTECTED))
}

func testDso(name string) *SharedFile {
	return &SharedFile{InputFile: InputFile{File: &File{Name: name}}}
}

func definedSym(name string, typ elf.SymType) *Symbol {
	sym := NewSymbol(name)
	sym.Kind = SymDefined
	sym.Type = typ
	return sym
}

func commonSym(name string, typ elf.SymType, size, align uint64) *Symbol {
	sym := NewSymbol(name)
	sym.Kind = SymCommon
	sym.Type = typ
	sym.Size = size
	sym.CommonAlign = align
	return sym
}

func inDso(dso *SharedFile, sym *Symbol) *Symbol {
	sym.Dso = dso
	return sym
}

func TestResolveSharedLibraryDefinitions(t *testing.T) {
	libc := testDso("libc.so")

	tests := []struct {
		name      string
		first     *Symbol
		second    *Symbol
		want      int // index of the winner: 0 for first, 1 for second
		wantSize  uint64
		wantAlign uint64
	}{
		{
			name:      "shared common grows regular common",
			first:     commonSym("c", elf.STT_OBJECT, 8, 4),
			second:    inDso(libc, commonSym("c", elf.STT_OBJECT, 32, 16)),
			want:      0,
			wantSize:  32,
			wantAlign: 16,
		},
		{
			name:      "regular common absorbs earlier shared common",
			first:     inDso(libc, commonSym("c", elf.STT_OBJECT, 32, 16)),
			second:    commonSym("c", elf.STT_OBJECT, 8, 4),
			want:      1,
			wantSize:  32,
			wantAlign: 16,
		},
		{
			name:   "regular definition beats shared common",
			first:  inDso(libc, commonSym("c", elf.STT_OBJECT, 32, 16)),
			second: definedSym("c", elf.STT_OBJECT),
			want:   1,
		},
		{
			name:   "shared common satisfies a reference",
			first:  inDso(libc, commonSym("c", elf.STT_OBJECT, 32, 16)),
			second: NewSymbol("c"),
			want:   0,
		},
		{
			name:      "common function beats later shared definition",
			first:     commonSym("f", elf.STT_FUNC, 16, 16),
			second:    inDso(libc, definedSym("f", elf.STT_FUNC)),
			want:      0,
			wantSize:  16,
			wantAlign: 16,
		},
		{
			name:      "common function beats earlier shared definition",
			first:     inDso(libc, definedSym("f", elf.STT_FUNC)),
			second:    commonSym("f", elf.STT_FUNC, 16, 16),
			want:      1,
			wantSize:  16,
			wantAlign: 16,
		},
		{
			name:   "shared definition beats common object",
			first:  commonSym("d", elf.STT_OBJECT, 8, 8),
			second: inDso(libc, definedSym("d", elf.STT_OBJECT)),
			want:   1,
		},
		{
			name:   "first shared definition wins",
			first:  inDso(libc, definedSym("g", elf.STT_FUNC)),
			second: inDso(testDso("libm.so"), definedSym("g", elf.STT_FUNC)),
			want:   0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testContext(amd64Arch)
			ctx.Symtab.Resolve(ctx, tt.first)
			ctx.Symtab.Resolve(ctx, tt.second)

			want := []*Symbol{tt.first, tt.second}[tt.want]
			got := ctx.Symtab.Lookup(tt.first.Name)
			require.Same(t, want, got)
			if tt.wantSize != 0 {
				assert.Equal(t, tt.wantSize, got.Size)
				assert.Equal(t, tt.wantAlign, got.CommonAlign)
			}
		})
	}
}

func TestResolvePrefersNonProvidedDefinition(t *testing.T) {
	for _, provideFirst := range []bool{true, false} {
		ctx := testContext(amd64Arch)

		provided := definedSym("p", elf.STT_NOTYPE)
		provided.Provide = true
		regular := definedSym("p", elf.STT_OBJECT)

		if provideFirst {
			ctx.Symtab.Resolve(ctx, provided)
			ctx.Symtab.Resolve(ctx, regular)
		} else {
			ctx.Symtab.Resolve(ctx, regular)
			ctx.Symtab.Resolve(ctx, provided)
		}
		assert.Same(t, regular, ctx.Symtab.Lookup("p"), "provideFirst=%v", provideFirst)
	}
}

func TestRelinkUnversionedReference(t *testing.T) {
	ctx := testContext(amd64Arch)

	bare := NewSymbol("open")
	bare.Referenced = true
	bareID := ctx.Symtab.Resolve(ctx, bare)

	// An explicit reference to open@V2 takes the versioned slot first.
	ref := NewSymbol("open")
	ref.Version = "V2"
	ref.VerHidden = true
	ctx.Symtab.Resolve(ctx, ref)

	def := inDso(testDso("libc.so"), definedSym("open", elf.STT_FUNC))
	def.Version = "V2"
	ctx.Symtab.Resolve(ctx, def)

	assert.Same(t, def, ctx.Symtab.Ref(bareID))
	assert.Same(t, def, ctx.Symtab.Lookup("open"))
	assert.Same(t, def, ctx.Symtab.Lookup("open@V2"))
	assert.True(t, def.Referenced)
}
