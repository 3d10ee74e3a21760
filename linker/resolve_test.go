package linker_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/wnxd/microdbg-linker/aarch64"
	"github.com/wnxd/microdbg-linker/elftest"
	"github.com/wnxd/microdbg-linker/linker"
)

const nop = 0xd503201f

func object(secs []elftest.Section, syms ...elftest.Symbol) *elftest.Object {
	return &elftest.Object{
		Class:    elf.ELFCLASS64,
		Data:     elf.ELFDATA2LSB,
		Machine:  elf.EM_AARCH64,
		Sections: secs,
		Symbols:  syms,
	}
}

func section(name string, flags elf.SectionFlag, n int) elftest.Section {
	words := make([]uint32, n)
	for i := range words {
		words[i] = nop
	}
	return elftest.Section{
		Name:  name,
		Type:  elf.SHT_PROGBITS,
		Flags: flags,
		Align: 8,
		Data:  elftest.Word32(binary.LittleEndian, words...),
		Rela:  true,
	}
}

func text(n int) elftest.Section {
	return section(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, n)
}

func sym(name, sec string, value uint64, bind elf.SymBind) elftest.Symbol {
	return elftest.Symbol{Name: name, Section: sec, Value: value, Bind: bind, Type: elf.STT_NOTYPE}
}

func undef(name string) elftest.Symbol {
	return sym(name, elftest.SectionUndef, 0, elf.STB_GLOBAL)
}

func common(name string, size, align uint64) elftest.Symbol {
	return elftest.Symbol{Name: name, Section: elftest.SectionCommon, Value: align, Size: size, Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT}
}

type result struct {
	*elftest.Image
	ctx  *linker.Context
	diag string
}

func linkFiles(t *testing.T, opts linker.Options, paths ...string) (*result, error) {
	t.Helper()
	for _, p := range paths {
		opts.Inputs = append(opts.Inputs, linker.Input{Path: p})
	}
	if opts.Output == "" {
		opts.Output = filepath.Join(t.TempDir(), "a.out")
	}
	var diag bytes.Buffer
	ctx := linker.NewContext(opts, &diag)
	if err := linker.Link(ctx); err != nil {
		return nil, err
	}
	return &result{Image: elftest.Open(t, opts.Output), ctx: ctx, diag: diag.String()}, nil
}

func write(t *testing.T, objs ...*elftest.Object) []string {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for i, obj := range objs {
		paths = append(paths, obj.WriteFile(t, dir, string(rune('a'+i))+".o"))
	}
	return paths
}

func writeArchive(t *testing.T, members map[string]*elftest.Object, order []string) string {
	t.Helper()
	data := make(map[string][]byte)
	for name, obj := range members {
		b, err := obj.Bytes()
		if err != nil {
			t.Fatal(err)
		}
		data[name] = b
	}
	path := filepath.Join(t.TempDir(), "lib.a")
	if err := os.WriteFile(path, elftest.Archive(data, order), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMultipleDefinition(t *testing.T) {
	paths := write(t,
		object([]elftest.Section{text(1)}, sym("_start", ".text", 0, elf.STB_GLOBAL), sym("dup", ".text", 0, elf.STB_GLOBAL)),
		object([]elftest.Section{text(1)}, sym("dup", ".text", 0, elf.STB_GLOBAL)),
	)
	_, err := linkFiles(t, linker.Options{}, paths...)
	if !errors.Is(err, linker.ErrMultipleDefinition) || !strings.Contains(err.Error(), "dup") {
		t.Errorf("link = %v", err)
	}
}

func TestWeakDefinitionOverride(t *testing.T) {
	paths := write(t,
		object([]elftest.Section{text(2)}, sym("_start", ".text", 0, elf.STB_GLOBAL), sym("f", ".text", 4, elf.STB_WEAK)),
		object([]elftest.Section{text(4)}, sym("f", ".text", 8, elf.STB_GLOBAL)),
		object([]elftest.Section{text(1)}, sym("f", ".text", 0, elf.STB_WEAK)),
	)
	r, err := linkFiles(t, linker.Options{}, paths...)
	if err != nil {
		t.Fatal(err)
	}
	f := r.Sym(t, "f")
	if elf.ST_BIND(f.Info) != elf.STB_GLOBAL {
		t.Errorf("f binding = %s", elf.ST_BIND(f.Info))
	}
	start := r.Sym(t, "_start")
	if f.Value == start.Value+4 {
		t.Errorf("weak definition won: f = %#x", f.Value)
	}
}

func TestUndefinedSymbol(t *testing.T) {
	paths := write(t, object([]elftest.Section{text(1)}, sym("_start", ".text", 0, elf.STB_GLOBAL), undef("missing")))
	// references without relocations still count.
	_, err := linkFiles(t, linker.Options{}, paths...)
	if !errors.Is(err, linker.ErrUndefinedSymbol) || !strings.Contains(err.Error(), "missing") {
		t.Errorf("exec link = %v", err)
	}

	if _, err := linkFiles(t, linker.Options{Type: linker.OutputShared}, paths...); err != nil {
		t.Errorf("shared link = %v", err)
	}
	_, err = linkFiles(t, linker.Options{Type: linker.OutputShared, NoUndefined: true}, paths...)
	if !errors.Is(err, linker.ErrUndefinedSymbol) {
		t.Errorf("--no-undefined link = %v", err)
	}
}

func TestImportBinding(t *testing.T) {
	paths := write(t,
		object([]elftest.Section{text(1)}, sym("f", ".text", 0, elf.STB_GLOBAL), undef("strong"),
			sym("maybe", elftest.SectionUndef, 0, elf.STB_WEAK), sym("mixed", elftest.SectionUndef, 0, elf.STB_WEAK)),
		object([]elftest.Section{text(1)}, sym("g", ".text", 0, elf.STB_GLOBAL),
			sym("maybe", elftest.SectionUndef, 0, elf.STB_WEAK), undef("mixed")),
	)
	r, err := linkFiles(t, linker.Options{Type: linker.OutputShared}, paths...)
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name string
		bind elf.SymBind
	}{
		{"strong", elf.STB_GLOBAL},
		{"maybe", elf.STB_WEAK},
		{"mixed", elf.STB_GLOBAL},
	}
	for _, c := range cases {
		for _, s := range []elf.Symbol{r.DynSym(t, c.name), r.Sym(t, c.name)} {
			if elf.ST_BIND(s.Info) != c.bind || s.Section != elf.SHN_UNDEF {
				t.Errorf("%s: bind %s shndx %s, want %s UND", c.name, elf.ST_BIND(s.Info), s.Section, c.bind)
			}
		}
	}
}

func TestArchiveExtraction(t *testing.T) {
	main := write(t, object([]elftest.Section{text(1)}, sym("_start", ".text", 0, elf.STB_GLOBAL), undef("used")))
	lib := writeArchive(t, map[string]*elftest.Object{
		"used.o":   object([]elftest.Section{text(1)}, sym("used", ".text", 0, elf.STB_GLOBAL), undef("chained")),
		"chain.o":  object([]elftest.Section{text(1)}, sym("chained", ".text", 0, elf.STB_GLOBAL)),
		"unused.o": object([]elftest.Section{text(1)}, sym("unused", ".text", 0, elf.STB_GLOBAL), undef("nowhere")),
	}, []string{"unused.o", "used.o", "chain.o"})

	r, err := linkFiles(t, linker.Options{Verbose: true}, append(main, lib)...)
	if err != nil {
		t.Fatal(err)
	}
	r.Sym(t, "used")
	r.Sym(t, "chained")
	syms, _ := r.Symbols()
	for _, s := range syms {
		if s.Name == "unused" {
			t.Errorf("unused archive member was linked")
		}
	}
	if !strings.Contains(r.diag, "extracted for used") || !strings.Contains(r.diag, "extracted for chained") {
		t.Errorf("trace = %q", r.diag)
	}
}

func TestCommonSymbols(t *testing.T) {
	paths := write(t,
		object([]elftest.Section{text(1)}, sym("_start", ".text", 0, elf.STB_GLOBAL), common("buf", 8, 4), common("both", 4, 4)),
		object(nil, common("buf", 32, 16)),
		object([]elftest.Section{section(".data", elf.SHF_ALLOC|elf.SHF_WRITE, 2)},
			elftest.Symbol{Name: "both", Section: ".data", Size: 8, Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT}),
	)
	r, err := linkFiles(t, linker.Options{}, paths...)
	if err != nil {
		t.Fatal(err)
	}
	buf := r.Sym(t, "buf")
	if buf.Size != 32 || buf.Value%16 != 0 {
		t.Errorf("buf = size %d at %#x", buf.Size, buf.Value)
	}
	bss := r.Section(".bss")
	if bss == nil || buf.Value < bss.Addr || buf.Value >= bss.Addr+bss.Size {
		t.Errorf("buf not in .bss: %#x", buf.Value)
	}
	both := r.Sym(t, "both")
	if data := r.Section(".data"); data == nil || both.Value < data.Addr || both.Size != 8 {
		t.Errorf("definition did not override common: %#x", both.Value)
	}
}

func TestComdatGroups(t *testing.T) {
	group := func(size int) *elftest.Object {
		obj := object([]elftest.Section{section(".text.inl", elf.SHF_ALLOC|elf.SHF_EXECINSTR|elf.SHF_GROUP, size)},
			sym("inl", ".text.inl", 0, elf.STB_GLOBAL))
		obj.Groups = []elftest.Group{{Signature: "inl", Members: []string{".text.inl"}}}
		return obj
	}
	main := object([]elftest.Section{text(1)}, sym("_start", ".text", 0, elf.STB_GLOBAL), undef("inl"))
	paths := write(t, main, group(2), group(6))
	r, err := linkFiles(t, linker.Options{}, paths...)
	if err != nil {
		t.Fatal(err)
	}
	var total uint64
	for _, s := range r.Sections {
		if s.Flags&elf.SHF_EXECINSTR != 0 {
			total += s.Size
		}
	}
	// _start plus one 8-byte copy of the group, never the 24-byte one.
	if total >= 4+8+24 {
		t.Errorf("both comdat copies kept: %d bytes of code", total)
	}
}

func TestMissingEntryWarns(t *testing.T) {
	paths := write(t, object([]elftest.Section{text(1)}, sym("main", ".text", 0, elf.STB_GLOBAL)))
	r, err := linkFiles(t, linker.Options{}, paths...)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.ctx.Diag.Warnings()) != 1 || !strings.Contains(r.diag, "cannot find entry symbol _start") {
		t.Errorf("diag = %q", r.diag)
	}
	if text := r.Section(".text"); text == nil || r.Entry != text.Addr {
		t.Errorf("entry = %#x", r.Entry)
	}

	r, err = linkFiles(t, linker.Options{Entry: "main"}, paths...)
	if err != nil {
		t.Fatal(err)
	}
	if r.Entry != r.Sym(t, "main").Value || r.diag != "" {
		t.Errorf("entry = %#x, diag = %q", r.Entry, r.diag)
	}
}

func TestInputErrors(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.o")
	if err := os.WriteFile(junk, []byte("not an object"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := linkFiles(t, linker.Options{}, junk); !errors.Is(err, linker.ErrUnknownFileType) {
		t.Errorf("junk input: %v", err)
	}

	paths := write(t, object([]elftest.Section{text(1)}, sym("_start", ".text", 0, elf.STB_GLOBAL)))
	if _, err := linkFiles(t, linker.Options{Machine: elf.EM_X86_64}, paths...); !errors.Is(err, linker.ErrUnsupportedTarget) {
		t.Errorf("x86-64: %v", err)
	}
	mips := object([]elftest.Section{text(1)})
	mips.Machine, mips.Class = elf.EM_MIPS, elf.ELFCLASS32
	paths = append(paths, write(t, mips)...)
	if _, err := linkFiles(t, linker.Options{}, paths...); !errors.Is(err, linker.ErrIncompatibleMachine) {
		t.Errorf("mixed machines: %v", err)
	}
}
