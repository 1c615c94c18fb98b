package linker

import (
	"debug/elf"
)

// GetArchFromContents identifies the backend for an object or shared
// library image by machine, class and byte order.
func GetArchFromContents(contents []byte) Arch {
	switch GetFileType(contents) {
	case FileTypeObject, FileTypeDso:
	default:
		return nil
	}
	if len(contents) < 20 {
		return nil
	}

	layout, ok := LayoutFromIdent(contents)
	if !ok {
		return nil
	}
	return ArchForMachine(elf.Machine(layout.Uint16(contents[18:])), layout)
}

func ArchForMachine(machine elf.Machine, layout Layout) Arch {
	for _, arch := range archs {
		l := arch.Layout()
		if arch.Machine() == machine && l.Class == layout.Class && l.Data() == layout.Data() {
			return arch
		}
	}
	return nil
}
