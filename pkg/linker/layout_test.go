package linker

import (
	"bytes"
	"debug/elf"
	"fmt"
	"strings"
	"testing"

	"github.com/ksco/elfld/pkg/script"
	"github.com/ksco/elfld/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadScript(t *testing.T, src string) *script.Script {
	t.Helper()
	s, err := script.Load(strings.NewReader(src))
	require.NoError(t, err)
	return s
}

const textDataScript = `
sections:
  - assign: {symbol: ".", expr: "0x400000 + SIZEOF_HEADERS"}
  - output:
      name: .text
      items:
        - input: {sections: [".text"]}
  - assign: {symbol: ".", expr: "ALIGN(0x1000)"}
  - output:
      name: .data
      items:
        - input: {sections: [".data"]}
`

func TestScriptPlacesOrphansAfterTheirClass(t *testing.T) {
	dir := t.TempDir()

	a := startObj("foo")
	a.section(".rodata", elf.SHT_PROGBITS, elf.SHF_ALLOC, []byte("hi\x00"))
	a.data(".data", make([]byte, 8)).aligned(8)
	a.data(".mydata", make([]byte, 8)).aligned(8)

	_, f := linkFiles(t, ContextArg{Mode: OutputExec, Script: loadScript(t, textDataScript)},
		a.write(t, dir, "a.o"), fooObj().write(t, dir, "b.o"))

	var addrs []uint64
	for _, name := range []string{".text", ".rodata", ".data", ".mydata"} {
		s := f.Section(name)
		require.NotNil(t, s, name)
		addrs = append(addrs, s.Addr)
	}
	assert.IsIncreasing(t, addrs)
	assert.Zero(t, addrs[2]%0x1000)
	assert.Less(t, addrs[0], uint64(0x401000))
}

func TestScriptLayoutErrors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{
			name: "location counter moves backward",
			script: `
sections:
  - assign: {symbol: ".", expr: "0x500000"}
  - output:
      name: .text
      items:
        - input: {sections: [".text"]}
  - assign: {symbol: ".", expr: "0x400000"}
  - output:
      name: .data
      items:
        - input: {sections: [".data"]}
`,
			want: "moved backward",
		},
		{
			name: "section address below the location counter",
			script: `
sections:
  - assign: {symbol: ".", expr: "0x500000"}
  - output:
      name: .text
      address: "0x400000"
      items:
        - input: {sections: [".text"]}
`,
			want: "below the location counter",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			a := startObj("foo")
			a.data(".data", make([]byte, 8))

			_, err := Link(ContextArg{Mode: OutputExec, Script: loadScript(t, tt.script)}, nil, []string{
				a.write(t, dir, "a.o"), fooObj().write(t, dir, "b.o"),
			})
			require.Error(t, err)
			assert.True(t, IsKind(err, ErrLayout), "%v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestScriptPositionIndependentStartsAfterHeaders(t *testing.T) {
	dir := t.TempDir()

	s := loadScript(t, `
sections:
  - assign: {symbol: ".", expr: "0x10000"}
  - output:
      name: .text
      items:
        - input: {sections: [".text"]}
`)
	_, f := linkFiles(t, ContextArg{Mode: OutputPIE, Script: s},
		startObj("foo").write(t, dir, "a.o"), fooObj().write(t, dir, "b.o"))
	assert.Equal(t, elf.ET_DYN, f.Type)

	text := f.Section(".text")
	require.NotNil(t, text)
	headers := uint64(64 + 56*len(f.Progs))
	assert.Equal(t, utils.AlignTo(headers, text.Addralign), text.Addr)
}

func TestPrintMap(t *testing.T) {
	dir := t.TempDir()

	a := newObj()
	a.text(".text._start", []byte{0xe8, 0, 0, 0, 0, 0xc3}).
		rel(1, uint32(elf.R_X86_64_PLT32), "x", -4)
	a.text(".text.x", []byte{0xc3})
	a.text(".text.z", []byte{0xc3})
	a.fn("_start", ".text._start", 0)
	a.fn("x", ".text.x", 0)
	a.fn("z", ".text.z", 0)

	ctx, f := linkFiles(t, ContextArg{Mode: OutputExec, GCSections: true}, a.write(t, dir, "a.o"))

	var buf bytes.Buffer
	PrintMap(ctx, &buf)
	out := buf.String()

	discarded, memory, ok := strings.Cut(out, "Memory map")
	require.True(t, ok, out)
	assert.Contains(t, discarded, "Discarded input sections")
	assert.Contains(t, discarded, "a.o:.text.z")
	assert.Contains(t, discarded, "gc")

	text := f.Section(".text")
	require.NotNil(t, text)
	assert.Contains(t, memory, fmt.Sprintf("%x", text.Addr))
	assert.Contains(t, memory, "a.o:.text._start")
	assert.Contains(t, memory, "a.o:.text.x")
	assert.NotContains(t, memory, ".text.z")
}
