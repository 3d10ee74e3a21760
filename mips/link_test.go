package mips

import (
	"bytes"
	"debug/elf"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/wnxd/microdbg-linker/elftest"
	"github.com/wnxd/microdbg-linker/linker"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func jumpField(v uint64) uint32 {
	return uint32(v>>2) & 0x3ffffff
}

func TestJumpThroughLA25Stub(t *testing.T) {
	obj := object32(EF_MIPS_CPIC|o32,
		[]elftest.Section{text(mustHex(t, "ffffff01ffffff03ffffff01ffffff030000000000000000"),
			rel(0, "T1", elf.R_MIPS_26),
			rel(4, "T1", elf.R_MIPS_26),
			rel(8, ".text", elf.R_MIPS_26),
			rel(12, ".text", elf.R_MIPS_26),
		)},
		global("T0", ".text", 0, 16, elf.STT_NOTYPE),
		global("T1", ".text", 16, 4, elf.STT_NOTYPE),
	)
	out := link(t, linker.Options{Entry: "T0"}, obj)

	sec, _ := out.Contents(t, ".text")
	stub := out.Sym(t, "__T1_pic@island-0")
	t1 := out.Sym(t, "T1")
	if stub.Value != sec.Addr+0x18 || stub.Size != 16 || elf.ST_TYPE(stub.Info) != elf.STT_FUNC || elf.ST_BIND(stub.Info) != elf.STB_LOCAL {
		t.Fatalf("stub symbol %+v, .text at %#x", stub, sec.Addr)
	}
	if out.Entry != out.Sym(t, "T0").Value {
		t.Errorf("entry %#x", out.Entry)
	}

	want := []uint32{
		jumpField(stub.Value + 0x7fffffc),
		jumpField(stub.Value - 4),
		jumpField((0x7fffffc|(sec.Addr+8+4)&^0x0fffffff) + sec.Addr),
		jumpField((0x0ffffffc|(sec.Addr+12+4)&^0x0fffffff) + sec.Addr),
	}
	for i, w := range want {
		if got := out.Word(t, sec.Addr+uint64(i)*4); got != w {
			t.Errorf("jump %d = %#08x, want %#08x", i, got, w)
		}
	}
	code := []uint32{
		0x3c190000 | hi16(t1.Value),
		0x08000000 | jumpField(t1.Value),
		0x27390000 | lo16(t1.Value),
		0,
	}
	for i, w := range code {
		if got := out.Word(t, stub.Value+uint64(i)*4); got != w {
			t.Errorf("stub word %d = %#08x, want %#08x", i, got, w)
		}
	}
}

func TestHI16LO16Pairing(t *testing.T) {
	code := elftest.Word32(le,
		0x3c040001, // lui   $4, 1        HI16 D
		0x3c050001, // lui   $5, 1        HI16 D
		0x24848000, // addiu $4, $4, -0x8000  LO16 D
		0x3c060000, // lui   $6, 0        HI16 E, no LO16
		0,
	)
	data := elftest.Section{Name: ".data", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Align: 16, Size: 0x20}
	obj := object32(o32,
		[]elftest.Section{text(code,
			rel(0, "D", elf.R_MIPS_HI16),
			rel(4, "D", elf.R_MIPS_HI16),
			rel(8, "D", elf.R_MIPS_LO16),
			rel(12, "E", elf.R_MIPS_HI16),
		), data},
		global("__start", ".text", 0, 0, elf.STT_FUNC),
		global("D", ".data", 0x10, 4, elf.STT_OBJECT),
		global("E", ".data", 0x18, 4, elf.STT_OBJECT),
	)
	out := link(t, linker.Options{}, obj)
	sec, _ := out.Contents(t, ".text")
	d := out.Sym(t, "D").Value
	e := out.Sym(t, "E").Value

	// AHL = (1 << 16) + (-0x8000)
	if got, want := out.Word(t, sec.Addr), 0x3c040000|hi16(d+0x8000); got != want {
		t.Errorf("first HI16 = %#08x, want %#08x", got, want)
	}
	if got, want := out.Word(t, sec.Addr+4), 0x3c050000|hi16(d+0x8000); got != want {
		t.Errorf("second HI16 = %#08x, want %#08x", got, want)
	}
	if got, want := out.Word(t, sec.Addr+8), 0x24840000|lo16(d-0x8000); got != want {
		t.Errorf("LO16 = %#08x, want %#08x", got, want)
	}
	if got, want := out.Word(t, sec.Addr+12), 0x3c060000|hi16(e); got != want {
		t.Errorf("unpaired HI16 = %#08x, want %#08x", got, want)
	}
}

func TestGPDisp(t *testing.T) {
	code := elftest.Word32(le,
		0x3c1c0000, // lui   $gp, %hi(_gp_disp)
		0x279c0000, // addiu $gp, $gp, %lo(_gp_disp)
	)
	obj := object32(EF_MIPS_PIC|EF_MIPS_CPIC|o32,
		[]elftest.Section{text(code,
			rel(0, "_gp_disp", elf.R_MIPS_HI16),
			rel(4, "_gp_disp", elf.R_MIPS_LO16),
		)},
		global("__start", ".text", 0, 0, elf.STT_FUNC),
		global("_gp_disp", elftest.SectionUndef, 0, 0, elf.STT_NOTYPE),
	)
	out := link(t, linker.Options{}, obj)
	sec, _ := out.Contents(t, ".text")
	got, _ := out.Contents(t, ".got")
	if got.Flags&SHF_MIPS_GPREL == 0 {
		t.Errorf(".got flags %v", got.Flags)
	}
	gp := got.Addr + gpOffset
	hi := out.Word(t, sec.Addr) & 0xffff
	lo := out.Word(t, sec.Addr+4) & 0xffff
	if disp := uint64(hi)<<16 + uint64(int64(int16(lo))); uint32(disp) != uint32(gp-sec.Addr) {
		t.Errorf("%%hi/%%lo(_gp_disp) = %#x/%#x, want gp-P = %#x", hi, lo, gp-sec.Addr)
	}
	if flags := out.ctx.Target.Flags(out.ctx); flags&EF_MIPS_NOREORDER == 0 {
		t.Errorf("e_flags %#x lack noreorder", flags)
	}
}

func TestGPRel32WithRegInfo(t *testing.T) {
	reginfo := make([]byte, 24)
	le.PutUint32(reginfo[20:], 0x100)
	obj := object32(o32,
		[]elftest.Section{
			text(elftest.Word32(le, 0x03e00008, 0)),
			{Name: ".data", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Align: 4,
				Data:   elftest.Word32(le, 4),
				Relocs: []elftest.Reloc{rel(0, ".data", elf.R_MIPS_GPREL32)}},
			{Name: ".reginfo", Type: elf.SectionType(0x70000006), Flags: elf.SHF_ALLOC, Align: 4, Data: reginfo},
		},
		global("__start", ".text", 0, 0, elf.STT_FUNC),
	)
	out := link(t, linker.Options{}, obj)
	if out.Section(".reginfo") != nil {
		t.Error(".reginfo was copied to the output")
	}
	data, _ := out.Contents(t, ".data")
	got, _ := out.Contents(t, ".got")
	want := uint32(data.Addr + 4 + 0x100 - (got.Addr + gpOffset))
	if w := out.Word(t, data.Addr); w != want {
		t.Errorf("GPREL32 = %#x, want %#x", w, want)
	}
}

func TestTLSStatic(t *testing.T) {
	code := elftest.Word32(le,
		0x8f848000, // lw  $4, %gottprel(X)($gp)
		0x3c050000, // lui $5, %tprel_hi(X)
		0x24a50000, // addiu $5, $5, %tprel_lo(X)
	)
	obj := object32(o32,
		[]elftest.Section{
			text(code,
				rel(0, "X", elf.R_MIPS_TLS_GOTTPREL),
				rel(4, "X", elf.R_MIPS_TLS_TPREL_HI16),
				rel(8, "X", elf.R_MIPS_TLS_TPREL_LO16),
			),
			{Name: ".tdata", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE | elf.SHF_TLS, Align: 4, Size: 8},
		},
		global("__start", ".text", 0, 0, elf.STT_FUNC),
		global("X", ".tdata", 4, 4, elf.STT_TLS),
	)
	out := link(t, linker.Options{}, obj)
	sec, _ := out.Contents(t, ".text")
	got, gotData := out.Contents(t, ".got")
	off := int32(4 - tpOffset)
	tp := uint32(off)
	if v := le.Uint32(gotData[8:]); v != tp {
		t.Errorf("IE GOT entry = %#x, want %#x", v, tp)
	}
	if imm := int16(out.Word(t, sec.Addr) & 0xffff); int64(imm) != int64(got.Addr+8)-int64(got.Addr+gpOffset) {
		t.Errorf("GOTTPREL offset %d", imm)
	}
	hi := out.Word(t, sec.Addr+4) & 0xffff
	lo := out.Word(t, sec.Addr+8) & 0xffff
	if uint32(hi)<<16+uint32(int32(int16(lo))) != tp {
		t.Errorf("TPREL hi/lo = %#x/%#x", hi, lo)
	}
}

func TestN64ChainsAndGOTPages(t *testing.T) {
	code := elftest.Word32(le,
		0x3c010000, // lui    $1, %hi(%neg(%gp_rel(LT1)))
		0x64210000, // daddiu $1, $1, %lo(%neg(%gp_rel(LT1)))
		0xdf810000, // ld     $1, %got_page(.rodata+8)($gp)
		0x64210000, // daddiu $1, $1, %got_ofst(.rodata+8)
		0xdf990000, // ld     $25, %call16(T1)($gp)
		0x03e00008, // LT1: jr $ra
		0,
	)
	chain := func(ops ...elf.R_MIPS) uint32 {
		var typ uint32
		for i, op := range ops {
			typ |= uint32(op) << (8 * i)
		}
		return typ
	}
	textSec := text(code,
		elftest.Reloc{Offset: 0, Symbol: "LT1", Type: chain(elf.R_MIPS_GPREL16, elf.R_MIPS_SUB, elf.R_MIPS_HI16)},
		elftest.Reloc{Offset: 4, Symbol: "LT1", Type: chain(elf.R_MIPS_GPREL16, elf.R_MIPS_SUB, elf.R_MIPS_LO16)},
		elftest.Reloc{Offset: 8, Symbol: ".rodata", Type: uint32(elf.R_MIPS_GOT_PAGE), Addend: 8},
		elftest.Reloc{Offset: 12, Symbol: ".rodata", Type: uint32(elf.R_MIPS_GOT_OFST), Addend: 8},
		elftest.Reloc{Offset: 16, Symbol: "T1", Type: uint32(elf.R_MIPS_CALL16)},
	)
	textSec.Rela = true
	obj := &elftest.Object{
		Class:   elf.ELFCLASS64,
		Data:    elf.ELFDATA2LSB,
		Machine: elf.EM_MIPS,
		Flags:   EF_MIPS_ARCH_64 | EF_MIPS_PIC | EF_MIPS_CPIC,
		Sections: []elftest.Section{
			textSec,
			{Name: ".rodata", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Align: 8, Size: 16},
		},
		Symbols: []elftest.Symbol{
			{Name: "LT1", Section: ".text", Value: 20, Bind: elf.STB_LOCAL, Type: elf.STT_FUNC},
			global("__start", ".text", 0, 0, elf.STT_FUNC),
			global("T1", ".text", 20, 8, elf.STT_FUNC),
		},
	}
	out := link(t, linker.Options{}, obj)
	if out.Class != elf.ELFCLASS64 {
		t.Fatalf("class %v", out.Class)
	}
	sec, _ := out.Contents(t, ".text")
	got, gotData := out.Contents(t, ".got")
	rodata, _ := out.Contents(t, ".rodata")
	gp := got.Addr + gpOffset
	lt1 := sec.Addr + 20

	neg := gp - lt1
	if hi := out.Word(t, sec.Addr) & 0xffff; hi != hi16(neg) {
		t.Errorf("chained hi = %#x, want %#x", hi, hi16(neg))
	}
	if lo := out.Word(t, sec.Addr+4) & 0xffff; lo != lo16(neg) {
		t.Errorf("chained lo = %#x, want %#x", lo, lo16(neg))
	}

	if v := le.Uint64(gotData[8:]); v != 1<<63 {
		t.Errorf("GOT[1] = %#x", v)
	}
	// The page entries of .rodata come first, followed by local entries.
	if v := le.Uint64(gotData[16:]); v != pageAddr(rodata.Addr) {
		t.Errorf("GOT page entry = %#x, want %#x", v, pageAddr(rodata.Addr))
	}
	if off := int16(out.Word(t, sec.Addr+8)); int64(off) != int64(got.Addr+16)-int64(gp) {
		t.Errorf("GOT_PAGE offset %d", off)
	}
	target := rodata.Addr + 8
	if ofst := out.Word(t, sec.Addr+12) & 0xffff; ofst != lo16(target-pageAddr(target)) {
		t.Errorf("GOT_OFST = %#x", ofst)
	}
	call := int64(int16(out.Word(t, sec.Addr+16)))
	idx := (int64(gp) + call - int64(got.Addr)) / 8
	if idx < 2 || int(idx)*8+8 > len(gotData) {
		t.Fatalf("CALL16 slot %d outside the GOT", idx)
	}
	if v := le.Uint64(gotData[idx*8:]); v != out.Sym(t, "T1").Value {
		t.Errorf("CALL16 entry = %#x, want T1", v)
	}
}

func TestLongJumpIsland(t *testing.T) {
	call := object32(o32,
		[]elftest.Section{text(elftest.Word32(le, 0x0c000000, 0), rel(0, "FAR", elf.R_MIPS_26))},
		global("__start", ".text", 0, 0, elf.STT_FUNC),
		global("FAR", elftest.SectionUndef, 0, 0, elf.STT_NOTYPE),
	)
	far := object32(o32,
		[]elftest.Section{{Name: ".far", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Align: 4,
			Data: elftest.Word32(le, 0x03e00008, 0)}},
		global("FAR", ".far", 0, 8, elf.STT_FUNC),
	)
	out := link(t, linker.Options{SectionStart: map[string]uint64{".far": 0x10400000}}, call, far)
	island := out.Sym(t, "__FAR_ljmp_veneer")
	farAddr := out.Sym(t, "FAR").Value
	if farAddr != 0x10400000 {
		t.Fatalf("FAR at %#x", farAddr)
	}
	sec, _ := out.Contents(t, ".text")
	if island.Value < sec.Addr || island.Value >= sec.Addr+sec.Size {
		t.Fatalf("island at %#x outside .text", island.Value)
	}
	if got, want := out.Word(t, sec.Addr), 0x0c000000|jumpField(island.Value); got != want {
		t.Errorf("call = %#08x, want %#08x", got, want)
	}
	code := []uint32{lui(regAT, hi16(farAddr)), addiu(regAT, regAT, lo16(farAddr)), jr(regAT), 0}
	for i, w := range code {
		if got := out.Word(t, island.Value+uint64(i)*4); got != w {
			t.Errorf("island word %d = %#08x, want %#08x", i, got, w)
		}
	}
}

func TestPLTForSharedFunction(t *testing.T) {
	dir := t.TempDir()
	lib := object32(EF_MIPS_PIC|EF_MIPS_CPIC|o32,
		[]elftest.Section{text(elftest.Word32(le, 0x03e00008, 0))},
		global("foo", ".text", 0, 8, elf.STT_FUNC),
	)
	libPath := filepath.Join(dir, "libfoo.so")
	if _, err := runLink(t, linker.Options{
		Output: libPath,
		Type:   linker.OutputShared,
		Soname: "libfoo.so",
		Inputs: writeObjects(t, dir, []*elftest.Object{lib}),
	}); err != nil {
		t.Fatalf("link shared: %v", err)
	}

	exe := object32(o32,
		[]elftest.Section{text(elftest.Word32(le, 0x0c000000, 0), rel(0, "foo", elf.R_MIPS_26))},
		global("__start", ".text", 0, 0, elf.STT_FUNC),
		global("foo", elftest.SectionUndef, 0, 0, elf.STT_NOTYPE),
	)
	out := link(t, linker.Options{Inputs: []linker.Input{{Path: libPath}}}, exe)

	interp, interpData := out.Contents(t, ".interp")
	if s := strings.TrimRight(string(interpData), "\x00"); s != "/lib/ld.so.1" || interp.Flags&elf.SHF_ALLOC == 0 {
		t.Errorf(".interp = %q", s)
	}
	plt, _ := out.Contents(t, ".plt")
	if plt.Size != pltHeaderSize+pltEntrySize {
		t.Fatalf(".plt size %d", plt.Size)
	}
	textSec, _ := out.Contents(t, ".text")
	if got, want := out.Word(t, textSec.Addr), 0x0c000000|jumpField(plt.Addr+pltHeaderSize); got != want {
		t.Errorf("jal = %#08x, want %#08x", got, want)
	}

	gotPlt, gotPltData := out.Contents(t, ".got.plt")
	if len(gotPltData) != 12 || le.Uint32(gotPltData) != 0 || uint64(le.Uint32(gotPltData[8:])) != plt.Addr {
		t.Errorf(".got.plt = %x", gotPltData)
	}
	slot := gotPlt.Addr + 8
	if got, want := out.Word(t, plt.Addr+pltHeaderSize), 0x3c0f0000|hi16(slot); got != want {
		t.Errorf("PLT entry word 0 = %#08x, want %#08x", got, want)
	}

	dynsyms, err := out.DynamicSymbols()
	if err != nil {
		t.Fatal(err)
	}
	fooIdx := -1
	for i, sym := range dynsyms {
		if sym.Name == "foo" {
			fooIdx = i + 1
		}
	}
	if fooIdx < 0 {
		t.Fatal("foo is not in .dynsym")
	}
	_, relPlt := out.Contents(t, ".rel.plt")
	if len(relPlt) != 8 {
		t.Fatalf(".rel.plt has %d bytes", len(relPlt))
	}
	info := le.Uint32(relPlt[4:])
	if uint64(le.Uint32(relPlt)) != slot || elf.R_SYM32(info) != uint32(fooIdx) || elf.R_TYPE32(info) != uint32(R_MIPS_JUMP_SLOT) {
		t.Errorf(".rel.plt entry off %#x info %#x", le.Uint32(relPlt), info)
	}
	if v, err := out.DynValue(DT_MIPS_PLTGOT); err != nil || len(v) != 1 || v[0] != gotPlt.Addr {
		t.Errorf("DT_MIPS_PLTGOT = %v, %v", v, err)
	}
	if v, err := out.DynValue(elf.DT_PLTGOT); err != nil || len(v) != 1 || v[0] != out.Section(".got").Addr {
		t.Errorf("DT_PLTGOT = %v, %v", v, err)
	}
}

func TestABIFlagsMerge(t *testing.T) {
	abiflags := func(fp FPABI) elftest.Section {
		a := ABIFlagsFromEFlags(o32)
		a.FPABI = fp
		return elftest.Section{Name: ".MIPS.abiflags", Type: SHT_MIPS_ABIFLAGS, Flags: elf.SHF_ALLOC, Align: 8, Data: a.Bytes(le)}
	}
	a := object32(o32,
		[]elftest.Section{text(elftest.Word32(le, 0)), abiflags(FP_DOUBLE)},
		global("__start", ".text", 0, 0, elf.STT_FUNC),
	)
	b := object32(o32, []elftest.Section{text(elftest.Word32(le, 0)), abiflags(FP_SINGLE)})
	out := link(t, linker.Options{}, a, b)
	warning := regexp.MustCompile(`FP ABI -mdouble-float is incompatible with -msingle-float used by \S*in1\.o \(previously set by \S*in0\.o\)`)
	if !warning.MatchString(out.diag) {
		t.Errorf("diagnostics %q", out.diag)
	}
	_, data := out.Contents(t, ".MIPS.abiflags")
	merged, err := ParseABIFlags(data, le)
	if err != nil || merged.FPABI != FP_DOUBLE || merged.ISALevel != 32 {
		t.Errorf("merged abiflags %+v, %v", merged, err)
	}
	var found bool
	for _, p := range out.Progs {
		found = found || p.Type == PT_MIPS_ABIFLAGS
	}
	if !found {
		t.Error("no PT_MIPS_ABIFLAGS segment")
	}

	bad := ABIFlagsFromEFlags(o32)
	bad.Version = 1
	c := object32(o32, []elftest.Section{
		text(elftest.Word32(le, 0)),
		{Name: ".MIPS.abiflags", Type: SHT_MIPS_ABIFLAGS, Flags: elf.SHF_ALLOC, Align: 8, Data: bad.Bytes(le)},
	}, global("__start", ".text", 0, 0, elf.STT_FUNC))
	_, err = runLink(t, linker.Options{Inputs: writeObjects(t, t.TempDir(), []*elftest.Object{c})})
	if !errors.Is(err, ErrABIFlagsVersion) {
		t.Errorf("version 1 abiflags: %v", err)
	}
}

func TestSmallDataMerge(t *testing.T) {
	sdata := func(word uint32) elftest.Section {
		return elftest.Section{Name: ".sdata", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE | SHF_MIPS_GPREL,
			Align: 4, Data: elftest.Word32(le, word)}
	}
	a := object32(o32, []elftest.Section{text(elftest.Word32(le, 0x03e00008, 0)), sdata(0x11111111)},
		global("__start", ".text", 0, 0, elf.STT_FUNC))
	b := object32(o32, []elftest.Section{sdata(0x22222222)})
	out := link(t, linker.Options{}, a, b)

	sec, data := out.Contents(t, ".sdata")
	if sec.Size != 8 || sec.Flags != elf.SHF_ALLOC|elf.SHF_WRITE|SHF_MIPS_GPREL {
		t.Errorf(".sdata size %d flags %v", sec.Size, sec.Flags)
	}
	if le.Uint32(data) != 0x11111111 || le.Uint32(data[4:]) != 0x22222222 {
		t.Errorf(".sdata = %x", data)
	}
}

func TestIncompatibleNaN(t *testing.T) {
	a := object32(o32, []elftest.Section{text(elftest.Word32(le, 0))}, global("__start", ".text", 0, 0, elf.STT_FUNC))
	b := object32(o32|EF_MIPS_NAN2008, []elftest.Section{text(elftest.Word32(le, 0))})
	_, err := runLink(t, linker.Options{Inputs: writeObjects(t, t.TempDir(), []*elftest.Object{a, b})})
	if !errors.Is(err, linker.ErrIncompatibleFlags) || !strings.Contains(err.Error(), "in1.o") ||
		!strings.Contains(err.Error(), "-mnan=2008 is incompatible with -mnan=legacy") {
		t.Errorf("link = %v", err)
	}
}

func TestHI16LO16Carry(t *testing.T) {
	const dataAddr = 0x10007ff8
	addends := []int64{0, 7, 8, 0x7ff7, 0x7ff8, 0x8007, 0x8008, 0xfff8, 0x18008, -0x10, -0x7ff8}
	var code []uint32
	var relocs []elftest.Reloc
	for i, a := range addends {
		off := uint64(i * 8)
		code = append(code,
			lui(4, uint32((a+0x8000)>>16)),
			addiu(4, 4, uint32(a)),
		)
		relocs = append(relocs, rel(off, "D", elf.R_MIPS_HI16), rel(off+4, "D", elf.R_MIPS_LO16))
	}
	data := elftest.Section{Name: ".data", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Align: 8, Size: 8}
	obj := object32(o32, []elftest.Section{text(elftest.Word32(le, code...), relocs...), data},
		global("__start", ".text", 0, 0, elf.STT_FUNC),
		global("D", ".data", 0, 8, elf.STT_OBJECT),
	)
	out := link(t, linker.Options{SectionStart: map[string]uint64{".data": dataAddr}}, obj)
	if d := out.Sym(t, "D").Value; d != dataAddr {
		t.Fatalf("D at %#x", d)
	}
	sec, _ := out.Contents(t, ".text")
	for i, a := range addends {
		hi := out.Word(t, sec.Addr+uint64(i*8)) & 0xffff
		lo := out.Word(t, sec.Addr+uint64(i*8)+4) & 0xffff
		got := uint32(hi)<<16 + uint32(int32(int16(lo)))
		if want := uint32(dataAddr + a); got != want {
			t.Errorf("D%+#x: %%hi %#x %%lo %#x rebuild %#x, want %#x", a, hi, lo, got, want)
		}
	}
}

func TestReproducibleOutput(t *testing.T) {
	code := elftest.Word32(le,
		0x3c1c0000, // lui   $gp, %hi(_gp_disp)
		0x279c0000, // addiu $gp, $gp, %lo(_gp_disp)
		0x8f990000, // lw    $25, %call16(puts)($gp)
		0x8f840000, // lw    $4, %got(.data)($gp)
		0x24840000, // addiu $4, $4, %lo(.data)
		0x03e00008, // jr    $ra
	)
	obj := object32(pic,
		[]elftest.Section{
			text(code,
				rel(0, "_gp_disp", elf.R_MIPS_HI16),
				rel(4, "_gp_disp", elf.R_MIPS_LO16),
				rel(8, "puts", elf.R_MIPS_CALL16),
				rel(12, ".data", elf.R_MIPS_GOT16),
				rel(16, ".data", elf.R_MIPS_LO16),
			),
			{Name: ".data", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Align: 4, Data: elftest.Word32(le, 0),
				Relocs: []elftest.Reloc{rel(0, "g", elf.R_MIPS_32)}},
		},
		global("f", ".text", 0, 24, elf.STT_FUNC),
		global("g", ".text", 0, 0, elf.STT_FUNC),
		global("_gp_disp", elftest.SectionUndef, 0, 0, elf.STT_NOTYPE),
		global("puts", elftest.SectionUndef, 0, 0, elf.STT_NOTYPE),
	)
	dir := t.TempDir()
	inputs := writeObjects(t, dir, []*elftest.Object{obj})
	var first []byte
	for i := range 4 {
		opts := linker.Options{
			Output: filepath.Join(dir, fmt.Sprintf("lib%d.so", i)),
			Type:   linker.OutputShared,
			Inputs: inputs,
		}
		if _, err := runLink(t, opts); err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(opts.Output)
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = data
			continue
		}
		if !bytes.Equal(data, first) {
			t.Fatalf("link %d differs from the first", i)
		}
	}
}
