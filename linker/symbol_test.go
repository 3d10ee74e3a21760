package linker

import (
	"bytes"
	"debug/elf"
	"strings"
	"testing"
)

func TestIsPreemptible(t *testing.T) {
	exec := NewContext(Options{}, nil)
	shared := NewContext(Options{Type: OutputShared}, nil)
	symbolic := NewContext(Options{Type: OutputShared, Symbolic: true}, nil)
	obj := &ObjectFile{}

	defined := &Symbol{kind: symDefined, File: obj}
	hidden := &Symbol{kind: symDefined, File: obj, Other: uint8(elf.STV_HIDDEN)}
	undef := &Symbol{kind: symUndefined}
	lib := &Symbol{kind: symShared}
	copied := &Symbol{kind: symShared, Flags: CopyRelocated}
	local := &Symbol{kind: symDefined, File: obj, Local: true}
	linkerDefined := &Symbol{kind: symDefined}

	cases := []struct {
		name string
		sym  *Symbol
		ctx  *Context
		want bool
	}{
		{"defined/exec", defined, exec, false},
		{"defined/shared", defined, shared, true},
		{"defined/symbolic", defined, symbolic, false},
		{"hidden/shared", hidden, shared, false},
		{"undef/exec", undef, exec, false},
		{"undef/shared", undef, shared, true},
		{"lib/exec", lib, exec, true},
		{"copied/exec", copied, exec, false},
		{"local/shared", local, shared, false},
		{"linker/shared", linkerDefined, shared, false},
	}
	for _, c := range cases {
		if got := c.sym.IsPreemptible(c.ctx); got != c.want {
			t.Errorf("%s: IsPreemptible = %v", c.name, got)
		}
	}
}

func TestDefineSymbol(t *testing.T) {
	ctx := NewContext(Options{}, nil)
	if sym := ctx.DefineSymbol("_gp", false); sym != nil {
		t.Errorf("unreferenced symbol defined: %v", sym)
	}
	ref := ctx.Symbol("_gp")
	if sym := ctx.DefineSymbol("_gp", false); sym != nil {
		t.Errorf("dead reference defined: %v", sym)
	}
	ref.Live = true
	if sym := ctx.DefineSymbol("_gp", false); sym != ref || !sym.IsDefined() || sym.Bind != elf.STB_GLOBAL {
		t.Errorf("live reference not defined: %+v", sym)
	}
	if sym := ctx.DefineSymbol("_gp", true); sym != nil {
		t.Errorf("redefined: %v", sym)
	}
	if sym := ctx.DefineSymbol("_forced", true); sym == nil || ctx.LookupSymbol("_forced") != sym {
		t.Errorf("forced definition missing")
	}
}

func TestLocalSymbol(t *testing.T) {
	ctx := NewContext(Options{Type: OutputShared}, nil)
	isec := &InputSection{Name: ".text"}
	sym := ctx.AddLocalSymbol("__stub", isec, 8, 16, elf.STT_FUNC)
	if !sym.Local || sym.IsPreemptible(ctx) || ctx.LookupSymbol("__stub") != nil {
		t.Errorf("local symbol leaked: %+v", sym)
	}
	if len(ctx.Locals) != 1 || sym.elfInfo() != elf.ST_INFO(elf.STB_LOCAL, elf.STT_FUNC) {
		t.Errorf("locals = %v, info = %#x", ctx.Locals, sym.elfInfo())
	}
}

func TestMergeVisibility(t *testing.T) {
	cases := []struct {
		cur, other, want elf.SymVis
	}{
		{elf.STV_DEFAULT, elf.STV_HIDDEN, elf.STV_HIDDEN},
		{elf.STV_HIDDEN, elf.STV_DEFAULT, elf.STV_HIDDEN},
		{elf.STV_PROTECTED, elf.STV_HIDDEN, elf.STV_HIDDEN},
		{elf.STV_HIDDEN, elf.STV_PROTECTED, elf.STV_HIDDEN},
		{elf.STV_DEFAULT, elf.STV_PROTECTED, elf.STV_PROTECTED},
		{elf.STV_INTERNAL, elf.STV_HIDDEN, elf.STV_INTERNAL},
	}
	for _, c := range cases {
		if got := elf.SymVis(mergeVisibility(uint8(c.cur), uint8(c.other)) & 3); got != c.want {
			t.Errorf("mergeVisibility(%s, %s) = %s", c.cur, c.other, got)
		}
	}
}

func TestDiagnostics(t *testing.T) {
	var buf bytes.Buffer
	d := NewDiagnostics(&buf, false)
	d.Tracef("hidden %d", 1)
	d.Warnf("odd %s", "flags")
	if buf.String() != "warning: odd flags\n" {
		t.Errorf("output = %q", buf.String())
	}
	if w := d.Warnings(); len(w) != 1 || w[0] != "odd flags" {
		t.Errorf("warnings = %q", w)
	}

	buf.Reset()
	NewDiagnostics(&buf, true).Tracef("stub for %s", "f")
	if !strings.HasPrefix(buf.String(), "trace: stub for f") {
		t.Errorf("trace = %q", buf.String())
	}
	NewDiagnostics(nil, true).Warnf("discarded")
}
