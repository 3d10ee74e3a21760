package arm

import (
	"debug/elf"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wnxd/microdbg-linker/elftest"
	"github.com/wnxd/microdbg-linker/linker"
)

func TestStaticRelocations(t *testing.T) {
	obj := object(eabi5,
		[]elftest.Section{
			text([]uint32{
				0xebfffffe, // bl   func
				0xe3000000, // movw r0, #:lower16:data
				0xe3400000, // movt r0, #:upper16:data
				0xe12fff1e, // bx   lr
				0xe12fff1e, // func: bx lr
			},
				rel(0, "func", elf.R_ARM_CALL),
				rel(4, "data", elf.R_ARM_MOVW_ABS_NC),
				rel(8, "data", elf.R_ARM_MOVT_ABS),
			),
			data([]uint32{0, 8, 0, 4},
				rel(0, "func", elf.R_ARM_ABS32),
				rel(4, "data", elf.R_ARM_REL32),
				rel(8, "func", elf.R_ARM_PREL31),
				rel(12, "data", elf.R_ARM_TARGET1),
			),
		},
		global("_start", ".text", 0, 16, elf.STT_FUNC),
		global("func", ".text", 16, 4, elf.STT_FUNC),
		global("data", ".data", 0, 16, elf.STT_OBJECT),
	)
	out := link(t, linker.Options{}, obj)
	if out.Machine != elf.EM_ARM || out.Class != elf.ELFCLASS32 {
		t.Fatalf("machine %s class %s", out.Machine, out.Class)
	}
	textSec, _ := out.Contents(t, ".text")
	pc := textSec.Addr
	if pc < 0x10000 || pc >= 0x20000 {
		t.Errorf(".text at %#x", pc)
	}
	fn := out.Sym(t, "func").Value
	d := out.Sym(t, "data").Value

	want := []uint32{
		bl(pc, fn),
		0xe3000000 | uint32(d)&0xf000<<4 | uint32(d)&0xfff,
		0xe3400000 | uint32(d>>16)&0xf000<<4 | uint32(d>>16)&0xfff,
	}
	for i, w := range want {
		if got := out.Word(t, pc+uint64(i)*4); got != w {
			t.Errorf("insn %d = %#08x, want %#08x", i, got, w)
		}
	}
	if v := out.Word(t, d); uint64(v) != fn {
		t.Errorf("ABS32 = %#x, want %#x", v, fn)
	}
	if v := out.Word(t, d+4); v != 4 {
		t.Errorf("REL32 = %#x, want 4", v)
	}
	if v := out.Word(t, d+8); v != uint32(fn-(d+8))&0x7fffffff {
		t.Errorf("PREL31 = %#x", v)
	}
	if v := out.Word(t, d+12); uint64(v) != d+4 {
		t.Errorf("TARGET1 = %#x, want %#x", v, d+4)
	}
	if flags := out.EFlags(t); flags != eabi5 {
		t.Errorf("e_flags = %#x", flags)
	}
}

func TestGOTRelative(t *testing.T) {
	obj := object(eabi5,
		[]elftest.Section{
			text([]uint32{0xe12fff1e}),
			data([]uint32{0, 0, 0},
				rel(0, "data", R_ARM_GOT_BREL),
				rel(4, "data", R_ARM_GOTOFF32),
				rel(8, "_GLOBAL_OFFSET_TABLE_", R_ARM_BASE_PREL),
			),
		},
		global("_start", ".text", 0, 4, elf.STT_FUNC),
		global("data", ".data", 0, 12, elf.STT_OBJECT),
		global("_GLOBAL_OFFSET_TABLE_", elftest.SectionUndef, 0, 0, elf.STT_NOTYPE),
	)
	out := link(t, linker.Options{}, obj)
	got, gotData := out.Contents(t, ".got")
	d := out.Sym(t, "data").Value
	if len(gotData) != 4 || uint64(le.Uint32(gotData)) != d {
		t.Fatalf(".got = %x", gotData)
	}
	if v := out.Word(t, d); v != 0 {
		t.Errorf("GOT_BREL = %#x, want 0", v)
	}
	if v := out.Word(t, d+4); v != uint32(d-got.Addr) {
		t.Errorf("GOTOFF32 = %#x, want %#x", v, uint32(d-got.Addr))
	}
	if v := out.Word(t, d+8); v != uint32(got.Addr-(d+8)) {
		t.Errorf("BASE_PREL = %#x, want %#x", v, uint32(got.Addr-(d+8)))
	}
}

func farObjects(far elftest.Symbol) (*elftest.Object, *elftest.Object) {
	call := object(eabi5,
		[]elftest.Section{text([]uint32{0xebfffffe, 0xe12fff1e}, rel(0, "far", elf.R_ARM_CALL))},
		global("_start", ".text", 0, 8, elf.STT_FUNC),
		global("far", elftest.SectionUndef, 0, 0, elf.STT_NOTYPE),
	)
	target := object(eabi5,
		[]elftest.Section{section(".far", elf.SHF_ALLOC|elf.SHF_EXECINSTR, []uint32{0xe12fff1e})},
		far,
	)
	return call, target
}

func TestFarCallVeneer(t *testing.T) {
	call, far := farObjects(global("far", ".far", 0, 4, elf.STT_FUNC))
	out := link(t, linker.Options{SectionStart: map[string]uint64{".far": 0x4000000}}, call, far)
	farAddr := out.Sym(t, "far").Value
	if farAddr != 0x4000000 {
		t.Fatalf("far at %#x", farAddr)
	}
	veneer := out.Sym(t, "__far_ljmp_veneer").Value
	textSec, _ := out.Contents(t, ".text")
	if veneer < textSec.Addr || veneer+absVeneerSize > textSec.Addr+textSec.Size {
		t.Fatalf("veneer at %#x outside .text", veneer)
	}
	if got, want := out.Word(t, textSec.Addr), bl(textSec.Addr, veneer); got != want {
		t.Errorf("bl = %#08x, want %#08x", got, want)
	}
	if got := out.Word(t, veneer); got != 0xe51ff004 {
		t.Errorf("veneer word 0 = %#08x", got)
	}
	if got := out.Word(t, veneer+4); uint64(got) != farAddr {
		t.Errorf("veneer target = %#x", got)
	}
}

func TestPCRelativeVeneerInSharedObject(t *testing.T) {
	call, far := farObjects(elftest.Symbol{Name: "far", Section: ".far", Size: 4, Bind: elf.STB_GLOBAL,
		Type: elf.STT_FUNC, Other: uint8(elf.STV_HIDDEN)})
	out := link(t, linker.Options{
		Type:         linker.OutputShared,
		SectionStart: map[string]uint64{".far": 0x4000000},
	}, call, far)
	veneer := out.Sym(t, "__far_ljmp_veneer").Value
	textSec, _ := out.Contents(t, ".text")
	if got, want := out.Word(t, textSec.Addr), bl(textSec.Addr, veneer); got != want {
		t.Errorf("bl = %#08x, want %#08x", got, want)
	}
	code := []uint32{0xe59fc000, 0xe08ff00c, uint32(0x4000000 - (veneer + 12))}
	for i, w := range code {
		if got := out.Word(t, veneer+uint64(i)*4); got != w {
			t.Errorf("veneer word %d = %#08x, want %#08x", i, got, w)
		}
	}
	if out.Section(".rel.dyn") != nil && out.Section(".rel.dyn").Size != 0 {
		t.Errorf("veneer needs %d bytes of dynamic relocations", out.Section(".rel.dyn").Size)
	}
}

func TestSharedLibraryAndPLT(t *testing.T) {
	dir := t.TempDir()
	lib := object(eabi5,
		[]elftest.Section{
			text([]uint32{0xe12fff1e}),
			data([]uint32{0, 4},
				rel(0, "foo", elf.R_ARM_ABS32),
				rel(4, "hid", elf.R_ARM_ABS32),
			),
		},
		global("foo", ".text", 0, 4, elf.STT_FUNC),
		elftest.Symbol{Name: "hid", Section: ".data", Size: 8, Bind: elf.STB_GLOBAL,
			Type: elf.STT_OBJECT, Other: uint8(elf.STV_HIDDEN)},
	)
	libPath := filepath.Join(dir, "libfoo.so")
	so, err := runLink(t, linker.Options{
		Output: libPath,
		Type:   linker.OutputShared,
		Soname: "libfoo.so",
		Inputs: writeObjects(t, dir, []*elftest.Object{lib}),
	})
	if err != nil {
		t.Fatalf("link shared: %v", err)
	}
	dataSec, _ := so.Contents(t, ".data")
	_, relDyn := so.Contents(t, ".rel.dyn")
	if len(relDyn) != 16 {
		t.Fatalf(".rel.dyn has %d bytes", len(relDyn))
	}
	fooIdx := dynsymIndex(t, so.Image, "foo")
	for off := 0; off < len(relDyn); off += 8 {
		r, info := uint64(le.Uint32(relDyn[off:])), le.Uint32(relDyn[off+4:])
		switch elf.R_ARM(elf.R_TYPE32(info)) {
		case elf.R_ARM_ABS32:
			if r != dataSec.Addr || elf.R_SYM32(info) != uint32(fooIdx) {
				t.Errorf("ABS32 at %#x sym %d", r, elf.R_SYM32(info))
			}
		case elf.R_ARM_RELATIVE:
			if r != dataSec.Addr+4 || elf.R_SYM32(info) != 0 {
				t.Errorf("RELATIVE at %#x info %#x", r, info)
			}
		default:
			t.Errorf("unexpected dynamic relocation %#x", info)
		}
	}
	if v := so.Word(t, dataSec.Addr); v != 0 {
		t.Errorf("ABS32 field against foo = %#x, want 0", v)
	}
	if v := so.Word(t, dataSec.Addr+4); uint64(v) != dataSec.Addr+4 {
		t.Errorf("RELATIVE field = %#x, want %#x", v, dataSec.Addr+4)
	}

	exe := object(eabi5,
		[]elftest.Section{text([]uint32{0xebfffffe, 0xe12fff1e}, rel(0, "foo", elf.R_ARM_CALL))},
		global("_start", ".text", 0, 8, elf.STT_FUNC),
		global("foo", elftest.SectionUndef, 0, 0, elf.STT_NOTYPE),
	)
	out := link(t, linker.Options{Inputs: []linker.Input{{Path: libPath}}}, exe)

	_, interp := out.Contents(t, ".interp")
	if s := strings.TrimRight(string(interp), "\x00"); s != "/lib/ld-linux.so.3" {
		t.Errorf(".interp = %q", s)
	}
	plt, _ := out.Contents(t, ".plt")
	if plt.Size != pltHeaderSize+pltEntrySize {
		t.Fatalf(".plt size %d", plt.Size)
	}
	entry := plt.Addr + pltHeaderSize
	textSec, _ := out.Contents(t, ".text")
	if got, want := out.Word(t, textSec.Addr), bl(textSec.Addr, entry); got != want {
		t.Errorf("bl = %#08x, want %#08x", got, want)
	}

	gotPlt, gotPltData := out.Contents(t, ".got.plt")
	if len(gotPltData) != 16 {
		t.Fatalf(".got.plt has %d bytes", len(gotPltData))
	}
	if v := le.Uint32(gotPltData); uint64(v) != out.Section(".dynamic").Addr {
		t.Errorf(".got.plt[0] = %#x", v)
	}
	if v := le.Uint32(gotPltData[12:]); uint64(v) != plt.Addr {
		t.Errorf(".got.plt[3] = %#x, want %#x", v, plt.Addr)
	}
	if got, want := out.Word(t, plt.Addr+16), uint32(gotPlt.Addr-plt.Addr-16); got != want {
		t.Errorf("PLT header offset = %#x, want %#x", got, want)
	}
	slot := gotPlt.Addr + 12
	for i, w := range pltEntry(entry, slot) {
		if got := out.Word(t, entry+uint64(i)*4); got != w {
			t.Errorf("PLT entry word %d = %#08x, want %#08x", i, got, w)
		}
	}

	_, relPlt := out.Contents(t, ".rel.plt")
	if len(relPlt) != 8 {
		t.Fatalf(".rel.plt has %d bytes", len(relPlt))
	}
	info := le.Uint32(relPlt[4:])
	if uint64(le.Uint32(relPlt)) != slot || elf.R_SYM32(info) != uint32(dynsymIndex(t, out.Image, "foo")) ||
		elf.R_ARM(elf.R_TYPE32(info)) != elf.R_ARM_JUMP_SLOT {
		t.Errorf(".rel.plt entry off %#x info %#x", le.Uint32(relPlt), info)
	}
	if v, err := out.DynValue(elf.DT_PLTGOT); err != nil || len(v) != 1 || v[0] != gotPlt.Addr {
		t.Errorf("DT_PLTGOT = %v, %v", v, err)
	}
}

func TestHeaderFlags(t *testing.T) {
	mk := func(flags uint32, name string) *elftest.Object {
		return object(flags, []elftest.Section{text([]uint32{0xe12fff1e})}, global(name, ".text", 0, 4, elf.STT_FUNC))
	}
	out := link(t, linker.Options{}, mk(eabi5, "_start"), mk(EF_ARM_EABI_VER5|EF_ARM_ABI_FLOAT_HARD, "other"))
	if flags := out.EFlags(t); flags != eabi5 {
		t.Errorf("e_flags = %#x", flags)
	}
	if !strings.Contains(out.diag, "hard-float") {
		t.Errorf("no float ABI warning in %q", out.diag)
	}

	_, err := runLink(t, linker.Options{
		Inputs: writeObjects(t, t.TempDir(), []*elftest.Object{mk(eabi5, "_start"), mk(0x04000000, "old")}),
	})
	if !errors.Is(err, linker.ErrIncompatibleFlags) {
		t.Errorf("EABI mismatch: %v", err)
	}
}

func TestCallToUndefinedWeak(t *testing.T) {
	obj := object(eabi5,
		[]elftest.Section{text([]uint32{0xebfffffe, 0xe12fff1e}, rel(0, "maybe", elf.R_ARM_CALL))},
		global("_start", ".text", 0, 8, elf.STT_FUNC),
		elftest.Symbol{Name: "maybe", Bind: elf.STB_WEAK, Type: elf.STT_FUNC},
	)
	out := link(t, linker.Options{}, obj)
	textSec, _ := out.Contents(t, ".text")
	if got := out.Word(t, textSec.Addr); got != 0xebffffff {
		t.Errorf("bl = %#08x, want a call to the next instruction", got)
	}
}

func dynsymIndex(t *testing.T, img *elftest.Image, name string) int {
	t.Helper()
	syms, err := img.DynamicSymbols()
	if err != nil {
		t.Fatal(err)
	}
	for i, sym := range syms {
		if sym.Name == name {
			return i + 1
		}
	}
	t.Fatalf("%s is not in .dynsym", name)
	return 0
}
