package main

import (
	"path/filepath"
	"strings"

	"github.com/ksco/elfld/pkg/linker"
	"github.com/ksco/elfld/pkg/script"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type options struct {
	output        string
	entry         string
	dynamicLinker string
	soname        string
	emulation     string
	scriptPath    string
	versionScript string
	imageBase     uint64

	libraryPaths []string
	undefined    []string
	z            []string

	shared        bool
	pie           bool
	noPie         bool
	static        bool
	relocatable   bool
	gcSections    bool
	noGCSections  bool
	emitRelocs    bool
	ehFrameHdr    bool
	exportDynamic bool
	printMap      bool
	noUndefined   bool
	verbose       bool

	// inputs holds the files and -l libraries in command-line order.
	inputs []string
}

func (o *options) register(fs *pflag.FlagSet) {
	fs.StringVarP(&o.output, "output", "o", "a.out", "Write the output to `file`")
	fs.StringVarP(&o.entry, "entry", "e", "", "Start execution at `symbol`")
	fs.StringVarP(&o.dynamicLinker, "dynamic-linker", "I", "", "Set the program interpreter")
	fs.StringVarP(&o.soname, "soname", "h", "", "Set DT_SONAME of a shared object")
	fs.StringVarP(&o.emulation, "emulation", "m", "", "Link for `target` (elf_x86_64, elf_i386, elf32ltsmip, elf32btsmip)")
	fs.StringVarP(&o.scriptPath, "script", "T", "", "Read the linker script from `file`")
	fs.StringVar(&o.versionScript, "version-script", "", "Read the version script from `file`")
	fs.Uint64Var(&o.imageBase, "image-base", 0, "Base address of a position-dependent executable")

	fs.StringArrayVarP(&o.libraryPaths, "library-path", "L", nil, "Add `dir` to the library search path")
	fs.StringArrayP("library", "l", nil, "Link against lib`name`")
	fs.StringArrayVarP(&o.undefined, "undefined", "u", nil, "Force `symbol` to be entered as undefined")
	fs.StringArrayVarP(&o.z, "keyword", "z", nil, "Keyword option: execstack, noexecstack, defs")

	fs.BoolVar(&o.shared, "shared", false, "Create a shared object")
	fs.BoolVar(&o.pie, "pie", false, "Create a position-independent executable")
	fs.BoolVar(&o.noPie, "no-pie", false, "Create a position-dependent executable")
	fs.BoolVar(&o.static, "static", false, "Do not link against shared libraries")
	fs.BoolVarP(&o.relocatable, "relocatable", "r", false, "Create a relocatable object")
	fs.BoolVar(&o.gcSections, "gc-sections", false, "Remove unreferenced sections")
	fs.BoolVar(&o.noGCSections, "no-gc-sections", false, "Keep unreferenced sections")
	fs.BoolVarP(&o.emitRelocs, "emit-relocs", "q", false, "Keep relocations in the output")
	fs.BoolVar(&o.ehFrameHdr, "eh-frame-hdr", false, "Create .eh_frame_hdr")
	fs.BoolVarP(&o.exportDynamic, "export-dynamic", "E", false, "Put all global symbols in the dynamic symbol table")
	fs.BoolVarP(&o.printMap, "print-map", "M", false, "Print the link map to standard output")
	fs.BoolVar(&o.noUndefined, "no-undefined", false, "Report undefined symbols as errors")
	fs.BoolVar(&o.verbose, "verbose", false, "Log the link passes")

	// -h is -soname, as in GNU ld, so help is long-only.
	fs.Bool("help", false, "Print this help")

	// Accepted for compatibility with compiler drivers.
	for _, name := range []string{"sysroot", "plugin", "plugin-opt", "hash-style", "build-id"} {
		fs.String(name, "", "")
		fs.MarkHidden(name)
	}
	for _, name := range []string{"as-needed", "no-as-needed", "start-group", "end-group", "no-relax"} {
		fs.Bool(name, false, "")
		fs.MarkHidden(name)
	}
	fs.BoolP("strip-all", "s", false, "")
	fs.MarkHidden("strip-all")
	fs.Lookup("build-id").NoOptDefVal = "sha1"
}

// normalizeArgs rewrites GNU single-dash long options such as -shared
// and -soname to their double-dash spelling.
func normalizeArgs(fs *pflag.FlagSet, args []string) []string {
	out := make([]string, 0, len(args))
	for i, arg := range args {
		if arg == "--" {
			return append(out, args[i:]...)
		}
		if len(arg) > 2 && arg[0] == '-' && arg[1] != '-' {
			name, _, _ := strings.Cut(arg[1:], "=")
			if fs.Lookup(name) != nil {
				arg = "-" + arg
			}
		}
		out = append(out, arg)
	}
	return out
}

// splitArgs separates the flags from the inputs. Libraries stay in the
// inputs as -l<name> so they are searched in command-line order.
func splitArgs(fs *pflag.FlagSet, args []string) (flags, inputs []string, err error) {
	takesValue := func(f *pflag.Flag) bool {
		return f != nil && f.NoOptDefVal == ""
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return flags, append(inputs, args[i+1:]...), nil
		case arg == "-" || !strings.HasPrefix(arg, "-"):
			inputs = append(inputs, arg)
			continue
		}

		var lib string
		if v, ok := strings.CutPrefix(arg, "--library="); ok {
			lib = v
		} else if arg == "-l" || arg == "--library" {
			if i+1 == len(args) {
				return nil, nil, errors.Errorf("option %s: argument missing", arg)
			}
			i++
			lib = args[i]
		} else if v, ok := strings.CutPrefix(arg, "-l"); ok && !strings.HasPrefix(arg, "--") {
			lib = v
		}
		if lib != "" {
			inputs = append(inputs, "-l"+lib)
			continue
		}

		flags = append(flags, arg)
		var f *pflag.Flag
		switch {
		case strings.HasPrefix(arg, "--") && !strings.Contains(arg, "="):
			f = fs.Lookup(arg[2:])
		case len(arg) == 2:
			f = fs.ShorthandLookup(arg[1:])
		}
		if takesValue(f) && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return flags, inputs, nil
}

// contextArg turns the parsed options into the linker's arguments.
func (o *options) contextArg() (linker.ContextArg, error) {
	arg := linker.ContextArg{
		Output:        o.output,
		Emulation:     o.emulation,
		Entry:         o.entry,
		DynamicLinker: o.dynamicLinker,
		Soname:        o.soname,
		Static:        o.static,
		GCSections:    o.gcSections && !o.noGCSections,
		EmitRelocs:    o.emitRelocs,
		EhFrameHdr:    o.ehFrameHdr,
		ExportDynamic: o.exportDynamic,
		PrintMap:      o.printMap,
		NoUndefined:   o.noUndefined,
		ImageBase:     o.imageBase,
		Undefined:     o.undefined,
	}

	switch {
	case o.relocatable && (o.shared || o.pie):
		return arg, errors.New("-r and -shared/-pie may not be used together")
	case o.shared && o.static:
		return arg, errors.New("-shared and -static may not be used together")
	case o.relocatable:
		arg.Mode = linker.OutputRelocatable
	case o.shared:
		arg.Mode = linker.OutputShared
	case o.pie && !o.noPie:
		arg.Mode = linker.OutputPIE
	default:
		arg.Mode = linker.OutputExec
	}

	for _, kw := range o.z {
		switch kw {
		case "execstack":
			arg.ExecStack = true
		case "noexecstack":
			arg.ExecStack = false
		case "defs":
			arg.NoUndefined = true
		default:
			return arg, errors.Errorf("unknown -z option: %s", kw)
		}
	}

	for _, dir := range o.libraryPaths {
		arg.LibraryPaths = append(arg.LibraryPaths, filepath.Clean(dir))
	}

	if o.scriptPath != "" {
		s, err := script.LoadFile(o.scriptPath)
		if err != nil {
			return arg, err
		}
		arg.Script = s
		if arg.Entry == "" {
			arg.Entry = s.Entry
		}
	}
	if o.versionScript != "" {
		v, err := script.LoadVersionScriptFile(o.versionScript)
		if err != nil {
			return arg, err
		}
		arg.VersionScript = v
	}
	if arg.Entry == "" {
		arg.Entry = "_start"
	}
	return arg, nil
}

func newCommand(o *options, run func(*options) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "elfld [options] file...",
		Short:         "Link ELF objects for x86, x86-64 and MIPS",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(*cobra.Command, []string) error {
			return run(o)
		},
	}
	cmd.SetVersionTemplate("elfld {{ .Version }}\n")
	cmd.Flags().SortFlags = false
	o.register(cmd.Flags())
	return cmd
}
