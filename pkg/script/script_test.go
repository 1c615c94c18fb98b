package script

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	dot  uint64
	syms map[string]uint64
	secs map[string][2]uint64
}

func (e *testEnv) Dot() uint64 { return e.dot }

func (e *testEnv) Symbol(name string) (uint64, bool) {
	v, ok := e.syms[name]
	return v, ok
}

func (e *testEnv) SectionAddr(name string) (uint64, bool) {
	v, ok := e.secs[name]
	return v[0], ok
}

func (e *testEnv) SectionSize(name string) (uint64, bool) {
	v, ok := e.secs[name]
	return v[1], ok
}

func (e *testEnv) SectionAlign(name string) (uint64, bool) {
	_, ok := e.secs[name]
	return 16, ok
}

func (e *testEnv) SizeofHeaders() uint64 { return 0x120 }

func (e *testEnv) Constant(name string) (uint64, bool) {
	switch name {
	case "MAXPAGESIZE":
		return 0x1000, true
	case "COMMONPAGESIZE":
		return 0x1000, true
	}
	return 0, false
}

func TestExprEval(t *testing.T) {
	env := &testEnv{
		dot:  0x401234,
		syms: map[string]uint64{"foo": 0x10, "__data_start": 0x600000},
		secs: map[string][2]uint64{".text": {0x401000, 0x234}},
	}

	tests := []struct {
		src  string
		want uint64
	}{
		{"0x400000 + SIZEOF_HEADERS", 0x400120},
		{"ALIGN(0x1000)", 0x402000},
		{"ALIGN(., 16)", 0x401240},
		{"ADDR(.text) + SIZEOF(.text)", 0x401234},
		{"foo * 2 + 1", 0x21},
		{"(foo + 1) * 2", 0x22},
		{"4K", 4096},
		{"1M - 1", 1<<20 - 1},
		{"DEFINED(bar)", 0},
		{"DEFINED(foo)", 1},
		{"MAX(foo, 3)", 0x10},
		{"CONSTANT(MAXPAGESIZE)", 0x1000},
		{"__data_start - .", 0x600000 - 0x401234},
		{"1 << 4 | 1", 17},
		{"-1", ^uint64(0)},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			e, err := ParseExpr(tt.src)
			require.NoError(t, err)
			got, err := e.Eval(env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExprErrors(t *testing.T) {
	_, err := ParseExpr("1 +")
	require.Error(t, err)
	_, err = ParseExpr("ALIGN(1")
	require.Error(t, err)
	_, err = ParseExpr("a ? b : c")
	require.Error(t, err)

	e := MustParseExpr("missing + 1")
	_, err = e.Eval(&testEnv{})
	require.ErrorContains(t, err, "missing")
	assert.Equal(t, []string{"missing"}, e.Symbols())

	e = MustParseExpr("SIZEOF(.nope)")
	_, err = e.Eval(&testEnv{})
	require.Error(t, err)
}

const testScript = `
entry: _start
sections:
  - assign: {symbol: ".", expr: "0x400000 + SIZEOF_HEADERS"}
  - output:
      name: .text
      items:
        - input: {sections: [".text", ".text.*"]}
        - assign: {symbol: _etext, expr: "."}
  - output:
      name: .data
      address: ALIGN(0x1000)
      items:
        - input: {file: "libc.a:*", sections: [".data*"]}
        - input: {sections: [".data*"], keep: true}
  - assign: {symbol: end, expr: ".", provide: true}
  - output:
      name: /DISCARD/
      items:
        - input: {sections: [".comment"]}
`

func TestLoad(t *testing.T) {
	s, err := Load(strings.NewReader(testScript))
	require.NoError(t, err)
	assert.Equal(t, "_start", s.Entry)
	require.Len(t, s.Sections, 5)

	osecs := s.OutputSections()
	require.Len(t, osecs, 3)
	assert.Equal(t, ".text", osecs[0].Name)
	assert.Equal(t, "ALIGN(0x1000)", osecs[1].Address.String())
	assert.True(t, osecs[1].Items[1].Input.Keep)
	assert.Equal(t, DiscardSection, osecs[2].Name)
	assert.True(t, s.Sections[3].Assign.Provide)
	assert.True(t, s.Sections[0].Assign.IsDot())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(strings.NewReader("sections:\n  - {}\n"))
	require.Error(t, err)

	_, err = Load(strings.NewReader("sections:\n  - assign: {symbol: x, expr: \"1 +\"}\n"))
	require.Error(t, err)

	_, err = Load(strings.NewReader("bogus: 1\n"))
	require.Error(t, err)

	_, err = Load(strings.NewReader("sections:\n  - assign: {symbol: ., expr: \"1\", provide: true}\n"))
	require.Error(t, err)
}

func TestInputPatternMatch(t *testing.T) {
	p := &InputPattern{File: "libc.a:*.o", Sections: []string{".text*"}, Exclude: []string{".text.unlikely"}}
	assert.True(t, p.MatchesSection(".text.hot"))
	assert.False(t, p.MatchesSection(".text.unlikely"))
	assert.True(t, p.MatchesFile("printf.o", "/usr/lib/libc.a"))
	assert.False(t, p.MatchesFile("printf.o", ""))

	p = &InputPattern{File: "crt*.o", Sections: []string{".init"}}
	assert.True(t, p.MatchesFile("/usr/lib/crti.o", ""))
	assert.False(t, p.MatchesFile("main.o", ""))

	p = &InputPattern{Sections: []string{"*"}}
	assert.True(t, p.MatchesFile("anything.o", "x.a"))
}

const testVersionScript = `
versions:
  - name: V1
    global: [foo, "bar_*"]
    local: ["*"]
  - name: V2
    depends: [V1]
    global: [bar_special]
`

func TestVersionScript(t *testing.T) {
	v, err := LoadVersionScript(strings.NewReader(testVersionScript))
	require.NoError(t, err)

	m, ok := v.Lookup("foo")
	require.True(t, ok)
	assert.Equal(t, "V1", m.Node.Name)
	assert.True(t, m.Global)

	m, ok = v.Lookup("bar_special")
	require.True(t, ok)
	assert.Equal(t, "V2", m.Node.Name)

	m, ok = v.Lookup("bar_x")
	require.True(t, ok)
	assert.Equal(t, "V1", m.Node.Name)
	assert.True(t, m.Global)

	m, ok = v.Lookup("internal")
	require.True(t, ok)
	assert.False(t, m.Global)

	assert.Equal(t, uint16(2), v.Index(v.Versions[0]))
	assert.Equal(t, uint16(3), v.Index(v.Versions[1]))
	assert.Len(t, v.Named(), 2)
}

func TestVersionScriptErrors(t *testing.T) {
	_, err := LoadVersionScript(strings.NewReader("versions:\n  - {name: A}\n  - {name: A}\n"))
	require.Error(t, err)

	_, err = LoadVersionScript(strings.NewReader("versions:\n  - {name: A, depends: [B]}\n"))
	require.Error(t, err)

	_, err = LoadVersionScript(strings.NewReader("versions:\n  - {global: [a]}\n  - {name: B}\n"))
	require.Error(t, err)
}
