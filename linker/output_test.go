package linker_test

import (
	"bytes"
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/wnxd/microdbg-linker/elftest"
	"github.com/wnxd/microdbg-linker/linker"
)

func TestFailedLinkKeepsOutput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "a.out")
	old := []byte("previous output")
	if err := os.WriteFile(out, old, 0o755); err != nil {
		t.Fatal(err)
	}

	sec := text(2)
	sec.Relocs = []elftest.Reloc{{Offset: 0, Symbol: "_start", Type: uint32(elf.R_AARCH64_ABS16)}}
	paths := write(t, object([]elftest.Section{sec}, sym("_start", ".text", 0, elf.STB_GLOBAL)))
	if _, err := linkFiles(t, linker.Options{Output: out}, paths...); !errors.Is(err, linker.ErrRelocationOverflow) {
		t.Fatalf("link = %v, want ErrRelocationOverflow", err)
	}
	if data, err := os.ReadFile(out); err != nil || !bytes.Equal(data, old) {
		t.Errorf("output after failed link = %q, %v", data, err)
	}
	assertNoTempFiles(t, dir, "a.out")
}

func TestOutputReplaced(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "a.out")
	if err := os.WriteFile(out, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	paths := write(t, object([]elftest.Section{text(2)}, sym("_start", ".text", 0, elf.STB_GLOBAL)))
	res, err := linkFiles(t, linker.Options{Output: out}, paths...)
	if err != nil {
		t.Fatal(err)
	}
	if res.Entry != res.Sym(t, "_start").Value {
		t.Errorf("entry %#x", res.Entry)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Errorf("output mode %v is not executable", info.Mode())
	}
	assertNoTempFiles(t, dir, "a.out")
}

func assertNoTempFiles(t *testing.T, dir string, want ...string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		found := false
		for _, name := range want {
			found = found || e.Name() == name
		}
		if !found {
			t.Errorf("unexpected file %s left in output directory", e.Name())
		}
	}
}
