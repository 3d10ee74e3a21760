package main

import (
	"bytes"
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/wnxd/microdbg-linker/linker"
)

func TestParseArgs(t *testing.T) {
	t.Setenv("MDLD_VERBOSE", "")
	t.Setenv("MDLD_DYNAMIC_LINKER", "")
	t.Setenv("MDLD_LIBRARY_PATH", "")

	cases := []struct {
		args  []string
		check func(*linker.Options) bool
	}{
		{[]string{"a.o"}, func(o *linker.Options) bool {
			return o.Output == "a.out" && o.Type == linker.OutputExec && len(o.Inputs) == 1
		}},
		{[]string{"-o", "out", "a.o"}, func(o *linker.Options) bool { return o.Output == "out" }},
		{[]string{"--output=out", "a.o"}, func(o *linker.Options) bool { return o.Output == "out" }},
		{[]string{"-shared", "-soname", "libx.so", "a.o"}, func(o *linker.Options) bool {
			return o.Type == linker.OutputShared && o.Soname == "libx.so"
		}},
		{[]string{"--entry=go", "a.o"}, func(o *linker.Options) bool { return o.Entry == "go" }},
		{[]string{"-e", "go", "a.o"}, func(o *linker.Options) bool { return o.Entry == "go" }},
		{[]string{"-Bsymbolic", "--no-undefined", "a.o"}, func(o *linker.Options) bool {
			return o.Symbolic && o.NoUndefined
		}},
		{[]string{"-z", "defs", "a.o"}, func(o *linker.Options) bool { return o.NoUndefined }},
		{[]string{"-z", "max-page-size=0x10000", "a.o"}, func(o *linker.Options) bool { return o.MaxPageSize == 0x10000 }},
		{[]string{"-Ttext=0x80001000", "--section-start=.foo=2000", "a.o"}, func(o *linker.Options) bool {
			return o.SectionStart[".text"] == 0x80001000 && o.SectionStart[".foo"] == 0x2000
		}},
		{[]string{"-I", "/lib/ld.so.1", "a.o"}, func(o *linker.Options) bool { return o.DynamicLinker == "/lib/ld.so.1" }},
		{[]string{"-mtriple=mipsel-linux-gnu", "a.o"}, func(o *linker.Options) bool {
			return o.Machine == elf.EM_MIPS && o.Class == elf.ELFCLASS32 && o.Data == elf.ELFDATA2LSB
		}},
		{[]string{"-m", "aarch64linux", "a.o"}, func(o *linker.Options) bool { return o.Machine == elf.EM_AARCH64 }},
		{[]string{"--fix-cortex-a53-843419", "-v", "a.o"}, func(o *linker.Options) bool {
			return o.FixCortexA53843419 && o.Verbose
		}},
		{[]string{"--build-id", "--hash-style=gnu", "--eh-frame-hdr", "-s", "a.o"}, func(o *linker.Options) bool {
			return len(o.Inputs) == 1 && o.Inputs[0].Path == "a.o"
		}},
		{[]string{"a.o", "--as-needed", "b.so", "--no-as-needed", "c.so"}, func(o *linker.Options) bool {
			return reflect.DeepEqual(o.Inputs, []linker.Input{{Path: "a.o"}, {Path: "b.so", AsNeeded: true}, {Path: "c.so"}})
		}},
	}
	for _, c := range cases {
		cfg, err := parseArgs(c.args)
		if err != nil {
			t.Errorf("parseArgs(%q): %v", c.args, err)
			continue
		}
		if !c.check(&cfg.opts) {
			t.Errorf("parseArgs(%q) = %+v", c.args, cfg.opts)
		}
	}
}

func TestParseArgsErrors(t *testing.T) {
	cases := []struct {
		args []string
		want error
	}{
		{nil, errUsage},
		{[]string{"--bogus", "a.o"}, errUsage},
		{[]string{"a.o", "-o"}, errUsage},
		{[]string{"-z", "max-page-size=3", "a.o"}, errUsage},
		{[]string{"-Ttext=xyz", "a.o"}, errUsage},
		{[]string{"-m", "elf_i386", "a.o"}, linker.ErrUnsupportedTarget},
		{[]string{"-lnothere", "a.o"}, linker.ErrLibraryNotFound},
	}
	for _, c := range cases {
		if _, err := parseArgs(c.args); !errors.Is(err, c.want) {
			t.Errorf("parseArgs(%q) = %v, want %v", c.args, err, c.want)
		}
	}
}

func TestLibrarySearch(t *testing.T) {
	dir, envDir := t.TempDir(), t.TempDir()
	for _, p := range []string{
		filepath.Join(dir, "libfoo.so"),
		filepath.Join(dir, "libfoo.a"),
		filepath.Join(envDir, "libbar.a"),
	} {
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("MDLD_LIBRARY_PATH", envDir)

	// -l is resolved after every -L, so order on the command line does not matter.
	cfg, err := parseArgs([]string{"-lfoo", "-L", dir, "-l", "bar"})
	if err != nil {
		t.Fatal(err)
	}
	want := []linker.Input{{Path: filepath.Join(dir, "libfoo.so")}, {Path: filepath.Join(envDir, "libbar.a")}}
	if !reflect.DeepEqual(cfg.opts.Inputs, want) {
		t.Errorf("inputs = %+v, want %+v", cfg.opts.Inputs, want)
	}

	cfg, err = parseArgs([]string{"-static", "-L" + dir, "-lfoo"})
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.opts.Inputs[0].Path; got != filepath.Join(dir, "libfoo.a") {
		t.Errorf("static -lfoo = %s", got)
	}
}

func TestEnvironmentDefaults(t *testing.T) {
	t.Setenv("MDLD_VERBOSE", "1")
	t.Setenv("MDLD_DYNAMIC_LINKER", "/lib/ld-musl.so.1")
	cfg, err := parseArgs([]string{"a.o"})
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.opts.Verbose || cfg.opts.DynamicLinker != "/lib/ld-musl.so.1" {
		t.Errorf("opts = %+v", cfg.opts)
	}
	cfg, err = parseArgs([]string{"--dynamic-linker=/lib/ld.so.1", "a.o"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.opts.DynamicLinker != "/lib/ld.so.1" {
		t.Errorf("command line did not override environment: %s", cfg.opts.DynamicLinker)
	}
}

func TestRun(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--version"}, &stdout, &stderr); code != 0 || !strings.HasPrefix(stdout.String(), "mdld ") {
		t.Errorf("--version: %d %q", code, stdout.String())
	}
	stdout.Reset()
	if code := run([]string{"--help"}, &stdout, &stderr); code != 0 || !strings.Contains(stdout.String(), "usage:") {
		t.Errorf("--help: %d %q", code, stdout.String())
	}
	if code := run([]string{filepath.Join(t.TempDir(), "missing.o")}, &stdout, &stderr); code != 1 ||
		!strings.HasPrefix(stderr.String(), "mdld: error: ") {
		t.Errorf("missing input: %d %q", code, stderr.String())
	}
}
