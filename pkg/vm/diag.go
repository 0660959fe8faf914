package vm

import (
	"bytes"
	"io"
	"os"

	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
)

var (
	gcPrefix        = []byte("[GC]")
	gcPrefixColored = []byte("\x1b[36m[GC]\x1b[0m")
)

// diagWriter highlights the [GC] prefix of diagnostic lines.
type diagWriter struct {
	w io.Writer
}

// NewDiagWriter returns the diagnostics writer for f. On a terminal the
// [GC] prefix is coloured, with ANSI sequences translated where the
// console needs it.
func NewDiagWriter(f *os.File) io.Writer {
	color := isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	return newDiagWriter(colorable.NewColorable(f), color)
}

func newDiagWriter(w io.Writer, color bool) io.Writer {
	if !color {
		return colorable.NewNonColorable(w)
	}
	return &diagWriter{w: w}
}

func (d *diagWriter) Write(p []byte) (int, error) {
	if !bytes.Contains(p, gcPrefix) {
		return d.w.Write(p)
	}
	if _, err := d.w.Write(bytes.ReplaceAll(p, gcPrefix, gcPrefixColored)); err != nil {
		return 0, err
	}
	return len(p), nil
}
