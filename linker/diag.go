package linker

import (
	"fmt"
	"io"
)

type Diagnostics struct {
	w        io.Writer
	verbose  bool
	warnings []string
}

func NewDiagnostics(w io.Writer, verbose bool) *Diagnostics {
	if w == nil {
		w = io.Discard
	}
	return &Diagnostics{w: w, verbose: verbose}
}

func (d *Diagnostics) Warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.warnings = append(d.warnings, msg)
	fmt.Fprintf(d.w, "warning: %s\n", msg)
}

func (d *Diagnostics) Tracef(format string, args ...any) {
	if !d.verbose {
		return
	}
	fmt.Fprintf(d.w, "trace: %s\n", fmt.Sprintf(format, args...))
}

func (d *Diagnostics) Warnings() []string {
	return d.warnings
}
