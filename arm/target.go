package arm

import (
	"debug/elf"

	"github.com/wnxd/microdbg-linker/linker"
)

// EABI names of relocations that debug/elf knows by their older names.
const (
	R_ARM_GOTOFF32  = elf.R_ARM_GOTOFF
	R_ARM_BASE_PREL = elf.R_ARM_GOTPC
	R_ARM_GOT_BREL  = elf.R_ARM_GOT32
)

type Target struct {
	linker.BaseTarget

	first  *linker.ObjectFile
	eflags uint32

	got    *GotSection
	gotPlt *GotPltSection
	plt    *PltSection

	veneers     map[veneerKey]*veneer
	veneerList  []*veneer
	veneerNames map[string]int
	stubSecs    map[*linker.OutputSection]*linker.InputSection
	stubOrder   []*linker.InputSection
}

func New() *Target {
	return &Target{
		veneers:     make(map[veneerKey]*veneer),
		veneerNames: make(map[string]int),
		stubSecs:    make(map[*linker.OutputSection]*linker.InputSection),
	}
}

func init() {
	linker.RegisterTarget(elf.EM_ARM, func() linker.Target { return New() })
}

func (*Target) Machine() elf.Machine {
	return elf.EM_ARM
}

func (t *Target) DefaultInterp(*linker.Context) string {
	if t.eflags&EF_ARM_ABI_FLOAT_HARD != 0 {
		return "/lib/ld-linux-armhf.so.3"
	}
	return "/lib/ld-linux.so.3"
}

func (*Target) ImageBase(ctx *linker.Context) uint64 {
	if ctx.IsShared() {
		return 0
	}
	return 0x10000
}

func (*Target) IsRela(*linker.Context) bool {
	return false
}

func (t *Target) CreateSyntheticSections(ctx *linker.Context) error {
	t.got = newGotSection()
	ctx.AddChunk(t.got)
	if ctx.IsDynamic() {
		t.gotPlt = newGotPltSection()
		t.plt = newPltSection()
		t.gotPlt.plt, t.plt.gotPlt = t.plt, t.gotPlt
		ctx.AddChunk(t.gotPlt)
		ctx.AddChunk(t.plt)
	}
	if sym := ctx.DefineSymbol("_GLOBAL_OFFSET_TABLE_", false); sym != nil {
		sym.Chunk = t.got
		sym.Type = elf.STT_OBJECT
		sym.Other = uint8(elf.STV_HIDDEN)
		t.got.used = true
	}
	return nil
}

func (t *Target) FinalizeTables(ctx *linker.Context) error {
	t.got.finalize(ctx)
	return nil
}

func (t *Target) DynamicTags(*linker.Context) []elf.Dyn64 {
	if t.plt == nil || len(t.plt.syms) == 0 {
		return nil
	}
	return []elf.Dyn64{{Tag: int64(elf.DT_PLTGOT), Val: t.gotPlt.Header().Addr}}
}

func (t *Target) PreWrite(ctx *linker.Context) error {
	t.writeVeneers(ctx)
	return nil
}

func (*Target) RelocName(typ uint32) string {
	switch elf.R_ARM(typ) {
	case R_ARM_GOTOFF32:
		return "R_ARM_GOTOFF32"
	case R_ARM_BASE_PREL:
		return "R_ARM_BASE_PREL"
	case R_ARM_GOT_BREL:
		return "R_ARM_GOT_BREL"
	}
	return elf.R_ARM(typ).String()
}

// gotBase is the GOT origin that GOT-relative relocations measure from.
func (t *Target) gotBase() uint64 {
	return t.got.Header().Addr
}
