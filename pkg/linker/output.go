package linker

import (
	"debug/elf"
	"strings"
)

var prefixes = []string{
	".text.", ".data.rel.ro.", ".data.", ".rodata.", ".bss.rel.ro.", ".bss.",
	".init_array.", ".fini_array.", ".tbss.", ".tdata.", ".gcc_except_table.",
	".ctors.", ".dtors.", ".sdata.", ".sbss.",
}

// GetOutputName folds an input section name into the name of the output
// section it lands in when no script places it.
func GetOutputName(name string, flags uint64) string {
	switch name {
	case ".common", ".dynbss":
		return ".bss"
	case ".tcommon":
		return ".tbss"
	}

	if flags&uint64(elf.SHF_ALLOC) == 0 {
		return name
	}

	for _, prefix := range prefixes {
		stem := prefix[:len(prefix)-1]
		if name == stem || strings.HasPrefix(name, prefix) {
			return stem
		}
	}
	return name
}

func CanonicalizeType(name string, typ uint32) uint32 {
	if typ == uint32(elf.SHT_PROGBITS) {
		if name == ".init_array" || strings.HasPrefix(name, ".init_array.") {
			return uint32(elf.SHT_INIT_ARRAY)
		}
		if name == ".fini_array" || strings.HasPrefix(name, ".fini_array.") {
			return uint32(elf.SHT_FINI_ARRAY)
		}
		if name == ".preinit_array" {
			return uint32(elf.SHT_PREINIT_ARRAY)
		}
	}
	return typ
}
