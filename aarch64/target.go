package aarch64

import (
	"debug/elf"
	"encoding/binary"

	"github.com/wnxd/microdbg-linker/linker"
	"github.com/wnxd/microdbg-linker/utils"
)

// Instructions are little-endian even in big-endian images.
var insnOrder = binary.LittleEndian

type Target struct {
	linker.BaseTarget

	got    *GotSection
	gotPlt *GotPltSection
	plt    *PltSection

	veneers     map[veneerKey]*veneer
	veneerList  []*veneer
	veneerNames map[string]int
	errata      map[erratumKey]*erratum
	errataList  []*erratum
	stubSecs    map[*linker.OutputSection]*linker.InputSection
	stubOrder   []*linker.InputSection
}

func New() *Target {
	return &Target{
		veneers:     make(map[veneerKey]*veneer),
		veneerNames: make(map[string]int),
		errata:      make(map[erratumKey]*erratum),
		stubSecs:    make(map[*linker.OutputSection]*linker.InputSection),
	}
}

func init() {
	linker.RegisterTarget(elf.EM_AARCH64, func() linker.Target { return New() })
}

func (*Target) Machine() elf.Machine {
	return elf.EM_AARCH64
}

func (*Target) DefaultClass() elf.Class {
	return elf.ELFCLASS64
}

func (*Target) DefaultInterp(*linker.Context) string {
	return "/lib/ld-linux-aarch64.so.1"
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

func (t *Target) PostWrite(ctx *linker.Context) error {
	return t.patchErrata(ctx)
}

func (*Target) RelocName(typ uint32) string {
	return elf.R_AARCH64(typ).String()
}

// tprel is the offset of v from the thread pointer. The TLS block follows
// a 16-byte thread control block.
func tprel(ctx *linker.Context, v uint64) uint64 {
	return v - ctx.TLSBegin + utils.AlignTo(16, ctx.TLSAlign)
}
