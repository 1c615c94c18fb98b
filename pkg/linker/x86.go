package linker

import (
	"bytes"

	"golang.org/x/arch/x86/x86asm"
)

// matchInsts reports whether code starts with the instruction sequence
// ops when decoded in the given mode (32 or 64).
func matchInsts(code []byte, mode int, ops ...x86asm.Op) bool {
	for _, op := range ops {
		inst, err := x86asm.Decode(code, mode)
		if err != nil || inst.Op != op {
			return false
		}
		code = code[inst.Len:]
	}
	return true
}

// tlsSite returns the bytes of isec's input image from start to start+n,
// or nil when the range is outside the section.
func tlsSite(isec *InputSection, start int64, n int) []byte {
	if start < 0 || start+int64(n) > int64(len(isec.Contents)) {
		return nil
	}
	return isec.Contents[start : start+int64(n)]
}

// matchSite checks a TLS code sequence both byte-wise against the
// compiler's canonical encoding and by decoding it.
func matchSite(isec *InputSection, start int64, prefix []byte, n, mode int, ops ...x86asm.Op) bool {
	code := tlsSite(isec, start, n)
	return code != nil && bytes.HasPrefix(code, prefix) && matchInsts(code, mode, ops...)
}

func warnTLSSite(ctx *Context, isec *InputSection, r *Reloc) {
	ctx.Warnf("%s+0x%x: unrecognized instruction sequence for %s, not relaxed",
		isec, r.Offset, ctx.Arch.RelocName(r.Type))
}

// consumeCall marks the relocation of the __tls_get_addr call folded
// into a relaxed sequence.
func consumeCall(ctx *Context, isec *InputSection, off uint64) {
	if r := relocAt(isec, off); r != nil && r.State == RelocLoaded {
		r.MarkAdjusted(ctx)
	}
}

// x86GotPltEntry points a fresh .got.plt slot at the push following the
// indirect jump of the PLT entry, so the first call enters the resolver.
func x86GotPltEntry(ctx *Context, sym *Symbol) uint64 {
	return sym.GetPltAddr(ctx) + 6
}
