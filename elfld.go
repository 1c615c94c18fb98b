package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/renameio/v2"
	"github.com/ksco/elfld/pkg/linker"
	"github.com/pkg/errors"
)

var version = "dev"

func main() {
	o := &options{}
	cmd := newCommand(o, run)

	args := normalizeArgs(cmd.Flags(), os.Args[1:])
	flags, inputs, err := splitArgs(cmd.Flags(), args)
	if err != nil {
		fatal(err)
	}
	o.inputs = inputs
	cmd.SetArgs(flags)

	if err := cmd.Execute(); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "elfld: %s %s\n", color.New(color.FgRed, color.Bold).Sprint("fatal:"), err)
	os.Exit(1)
}

func newLogger(verbose bool) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	allow := level.AllowWarn()
	if verbose {
		allow = level.AllowDebug()
	}
	logger = level.NewFilter(logger, allow)
	return log.With(logger, "caller", log.DefaultCaller)
}

func run(o *options) error {
	if len(o.inputs) == 0 {
		return errors.New("no input files")
	}

	arg, err := o.contextArg()
	if err != nil {
		return err
	}

	ctx, err := linker.Link(arg, newLogger(o.verbose), o.inputs)
	defer ctx.Close()
	if err != nil {
		return err
	}

	perm := os.FileMode(0o755)
	if ctx.IsRelocatable() {
		perm = 0o644
	}
	if err := renameio.WriteFile(arg.Output, ctx.Buf, perm); err != nil {
		return errors.Wrapf(err, "cannot write %s", arg.Output)
	}

	if arg.PrintMap {
		linker.PrintMap(ctx, os.Stdout)
	}
	return nil
}
