package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/wnxd/microdbg-linker/linker"

	_ "github.com/wnxd/microdbg-linker/aarch64"
	_ "github.com/wnxd/microdbg-linker/arm"
	_ "github.com/wnxd/microdbg-linker/mips"
)

const version = "mdld 0.1.0"

const usage = `usage: mdld [options] file...

  -o FILE                  write output to FILE (default a.out)
  -shared                  create a shared object
  -static                  do not link against shared libraries
  -e SYM, --entry=SYM      set the entry point
  -soname NAME, -h NAME    set DT_SONAME
  -Bsymbolic               bind global references locally
  --no-undefined           report undefined symbols in shared objects
  --as-needed              only record DT_NEEDED for used libraries
  --no-as-needed           always record DT_NEEDED
  -L DIR                   add DIR to the library search path
  -l NAME                  link against libNAME
  -I FILE                  set the program interpreter
  --section-start=S=ADDR   place section S at ADDR
  -Ttext=ADDR              place .text at ADDR
  -Tdata=ADDR              place .data at ADDR
  -Tbss=ADDR               place .bss at ADDR
  -z max-page-size=N       set the segment alignment
  -m EMULATION             select the target by emulation name
  -mtriple=TRIPLE          select the target by triple
  --fix-cortex-a53-843419  patch Cortex-A53 erratum 843419 sequences
  -v, --verbose            trace link decisions
`

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := parseArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "mdld: error: %v\n", err)
		if errors.Is(err, errUsage) {
			fmt.Fprint(stderr, usage)
		}
		return 1
	}
	switch {
	case cfg.help:
		fmt.Fprint(stdout, usage)
		return 0
	case cfg.version:
		fmt.Fprintln(stdout, version)
		return 0
	}
	ctx := linker.NewContext(cfg.opts, stderr)
	if err := linker.Link(ctx); err != nil {
		fmt.Fprintf(stderr, "mdld: error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
