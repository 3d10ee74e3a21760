package mips

import (
	"debug/elf"
	"encoding/binary"
	"slices"

	"github.com/wnxd/microdbg-linker/linker"
)

const (
	DT_MIPS_RLD_VERSION  = elf.DynTag(0x70000001)
	DT_MIPS_FLAGS        = elf.DynTag(0x70000005)
	DT_MIPS_BASE_ADDRESS = elf.DynTag(0x70000006)
	DT_MIPS_LOCAL_GOTNO  = elf.DynTag(0x7000000a)
	DT_MIPS_SYMTABNO     = elf.DynTag(0x70000011)
	DT_MIPS_GOTSYM       = elf.DynTag(0x70000013)
	DT_MIPS_RLD_MAP      = elf.DynTag(0x70000016)
	DT_MIPS_PLTGOT       = elf.DynTag(0x70000032)

	RHF_NOTPOT = 2

	SHF_MIPS_GPREL = elf.SectionFlag(0x10000000)
	STO_MIPS_PLT   = 0x8

	ODK_REGINFO = 1
)

const (
	gpOffset  = 0x7ff0
	tpOffset  = 0x7000
	dtpOffset = 0x8000
)

type Target struct {
	linker.BaseTarget

	first       *linker.ObjectFile
	eflags      uint32
	abiflags    ABIFlags
	fpFile      string
	hasABIFlags bool
	gp0         map[*linker.ObjectFile]int64

	got         *GotSection
	gotPlt      *GotPltSection
	plt         *PltSection
	abiflagsSec *linker.DataSection
	rldMap      *linker.DataSection
	la25        map[*linker.Symbol]*stub
	islands     map[islandKey]*stub
	islandNames map[string]int
	stubSecs    map[*linker.OutputSection]*linker.InputSection
	stubOrder   []*linker.InputSection
	stubs       []*stub
}

func New() *Target {
	return &Target{
		gp0:         make(map[*linker.ObjectFile]int64),
		la25:        make(map[*linker.Symbol]*stub),
		islands:     make(map[islandKey]*stub),
		islandNames: make(map[string]int),
		stubSecs:    make(map[*linker.OutputSection]*linker.InputSection),
	}
}

func init() {
	linker.RegisterTarget(elf.EM_MIPS, func() linker.Target { return New() })
}

func (*Target) Machine() elf.Machine {
	return elf.EM_MIPS
}

func (*Target) DefaultEntry() string {
	return "__start"
}

func (t *Target) DefaultInterp(ctx *linker.Context) string {
	switch {
	case ctx.Is64():
		return "/lib64/ld.so.1"
	case t.eflags&EF_MIPS_ABI2 != 0:
		return "/lib32/ld.so.1"
	}
	return "/lib/ld.so.1"
}

func (*Target) ImageBase(ctx *linker.Context) uint64 {
	switch {
	case ctx.IsShared():
		return 0
	case ctx.Is64():
		return 0x120000000
	}
	return 0x400000
}

func (*Target) PageSize(ctx *linker.Context) uint64 {
	if ctx.Opts.MaxPageSize != 0 {
		return ctx.Opts.MaxPageSize
	}
	return 0x10000
}

func (*Target) IsRela(*linker.Context) bool {
	return false
}

// Discard drops the register-info and ABI-flags sections from the output
// after recording what later passes need from them.
func (t *Target) Discard(ctx *linker.Context, f *linker.ObjectFile, sec *elf.Section) bool {
	switch sec.Name {
	case ".reginfo":
		if data, err := sec.Data(); err == nil && len(data) >= 24 {
			t.gp0[f] = int64(int32(ctx.ByteOrder.Uint32(data[20:])))
		}
		return true
	case ".MIPS.options":
		if data, err := sec.Data(); err == nil {
			if gp, ok := optionsGP(data, ctx.ByteOrder); ok {
				t.gp0[f] = gp
			}
		}
		return true
	case ".MIPS.abiflags":
		return true
	}
	return false
}

// optionsGP finds the ODK_REGINFO descriptor of a .MIPS.options section and
// returns its gp value.
func optionsGP(data []byte, order binary.ByteOrder) (int64, bool) {
	for off := 0; off+8 <= len(data); {
		kind, size := data[off], int(data[off+1])
		if size < 8 {
			break
		}
		if kind == ODK_REGINFO && off+8+32 <= len(data) {
			return int64(order.Uint64(data[off+8+24:])), true
		}
		off += size
	}
	return 0, false
}

func (*Target) DecodeRelInfo(ctx *linker.Context, info uint64) (uint32, uint32) {
	if !ctx.Is64() {
		return elf.R_SYM32(uint32(info)), elf.R_TYPE32(uint32(info))
	}
	var sym uint32
	var t1, t2, t3 uint64
	if ctx.ByteOrder == binary.LittleEndian {
		sym = uint32(info)
		t3, t2, t1 = info>>40&0xff, info>>48&0xff, info>>56
	} else {
		sym = uint32(info >> 32)
		t3, t2, t1 = info>>16&0xff, info>>8&0xff, info&0xff
	}
	return sym, uint32(t1 | t2<<8 | t3<<16)
}

func (*Target) EncodeRelInfo(ctx *linker.Context, sym uint32, typ uint32) uint64 {
	if !ctx.Is64() {
		return uint64(elf.R_INFO32(sym, typ))
	}
	t1, t2, t3 := uint64(typ&0xff), uint64(typ>>8&0xff), uint64(typ>>16&0xff)
	if ctx.ByteOrder == binary.LittleEndian {
		return uint64(sym) | t3<<40 | t2<<48 | t1<<56
	}
	return uint64(sym)<<32 | t3<<16 | t2<<8 | t1
}

func (t *Target) CreateSyntheticSections(ctx *linker.Context) error {
	t.got = newGotSection(ctx)
	ctx.AddChunk(t.got)
	if ctx.IsDynamic() && !ctx.IsShared() {
		t.gotPlt = newGotPltSection(ctx)
		t.plt = newPltSection()
		t.gotPlt.plt, t.plt.gotPlt = t.plt, t.gotPlt
		ctx.AddChunk(t.gotPlt)
		ctx.AddChunk(t.plt)
		word := ctx.WordSize()
		t.rldMap = linker.NewDataSection(".rld_map", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, word, make([]byte, word))
		ctx.AddChunk(t.rldMap)
	}
	if t.hasABIFlags {
		t.abiflagsSec = linker.NewDataSection(".MIPS.abiflags", SHT_MIPS_ABIFLAGS, elf.SHF_ALLOC, 8, t.abiflags.Bytes(ctx.ByteOrder))
		t.abiflagsSec.Header().EntSize = abiFlagsSize
		ctx.AddChunk(t.abiflagsSec)
	}
	for _, name := range []string{"_gp", "_gp_disp", "__gnu_local_gp"} {
		if sym := ctx.DefineSymbol(name, false); sym != nil {
			sym.Chunk = t.got
			sym.Value = gpOffset
			sym.Other = uint8(elf.STV_HIDDEN)
		}
	}
	if sym := ctx.DefineSymbol("_GLOBAL_OFFSET_TABLE_", true); sym != nil {
		sym.Chunk = t.got
		sym.Type = elf.STT_OBJECT
		sym.Other = uint8(elf.STV_HIDDEN)
	}
	return nil
}

// gp is the global pointer f runs with. Inputs served by the primary GOT
// share _gp, which an input may pin by defining it itself.
func (t *Target) gp(ctx *linker.Context, f *linker.ObjectFile) uint64 {
	if t.got.part(f) != t.got.primary() {
		return t.got.gp(ctx, f)
	}
	if sym := ctx.LookupSymbol("_gp"); sym != nil && sym.File != nil && sym.IsDefined() {
		return sym.Addr()
	}
	return t.got.Header().Addr + gpOffset
}

func (t *Target) FinalizeTables(ctx *linker.Context) error {
	if t.plt != nil && len(t.plt.syms) > 0 {
		if sym := ctx.DefineSymbol("_PROCEDURE_LINKAGE_TABLE_", true); sym != nil {
			sym.Chunk = t.plt
			sym.Type = elf.STT_OBJECT
			sym.Other = uint8(elf.STV_HIDDEN)
		}
	}
	t.got.finalize(ctx)
	return nil
}

// SortDynamicSymbols moves the symbols with global GOT entries to the end of
// .dynsym in GOT order, as DT_MIPS_GOTSYM requires.
func (t *Target) SortDynamicSymbols(_ *linker.Context, syms []*linker.Symbol) []*linker.Symbol {
	globals := t.got.globals()
	inGOT := make(map[*linker.Symbol]bool, len(globals))
	for _, sym := range globals {
		inGOT[sym] = true
	}
	out := make([]*linker.Symbol, 0, len(syms))
	for _, sym := range syms {
		if !inGOT[sym] {
			out = append(out, sym)
		}
	}
	return append(out, globals...)
}

func (t *Target) gotSym(ctx *linker.Context) uint64 {
	return uint64(len(ctx.DynSymbols) + 1 - len(t.got.globals()))
}

func (t *Target) DynamicTags(ctx *linker.Context) []elf.Dyn64 {
	tags := []elf.Dyn64{
		{Tag: int64(DT_MIPS_RLD_VERSION), Val: 1},
		{Tag: int64(DT_MIPS_FLAGS), Val: RHF_NOTPOT},
		{Tag: int64(DT_MIPS_BASE_ADDRESS), Val: t.ImageBase(ctx)},
		{Tag: int64(DT_MIPS_LOCAL_GOTNO), Val: uint64(t.got.localCount())},
		{Tag: int64(DT_MIPS_SYMTABNO), Val: uint64(len(ctx.DynSymbols) + 1)},
		{Tag: int64(DT_MIPS_GOTSYM), Val: t.gotSym(ctx)},
		{Tag: int64(elf.DT_PLTGOT), Val: t.got.Header().Addr},
	}
	if t.plt != nil && len(t.plt.syms) > 0 {
		tags = append(tags, elf.Dyn64{Tag: int64(DT_MIPS_PLTGOT), Val: t.gotPlt.Header().Addr})
	}
	if t.rldMap != nil {
		tags = append(tags, elf.Dyn64{Tag: int64(DT_MIPS_RLD_MAP), Val: t.rldMap.Header().Addr})
	}
	return tags
}

func (t *Target) ProgramHeaders(ctx *linker.Context) []elf.ProgHeader {
	if t.abiflagsSec == nil || !ctx.HasChunk(t.abiflagsSec) {
		return nil
	}
	h := t.abiflagsSec.Header()
	return []elf.ProgHeader{{
		Type:   PT_MIPS_ABIFLAGS,
		Flags:  elf.PF_R,
		Off:    h.Offset,
		Vaddr:  h.Addr,
		Paddr:  h.Addr,
		Filesz: h.Size,
		Memsz:  h.Size,
		Align:  8,
	}}
}

// PreWrite renders the stub sections and puts .rel.dyn in dynamic symbol
// order now that every address is final.
func (t *Target) PreWrite(ctx *linker.Context) error {
	t.writeStubs(ctx)
	if ctx.RelDyn != nil {
		slices.SortStableFunc(ctx.RelDyn.Relocs, func(a, b linker.DynReloc) int {
			return dynIdx(a.Sym) - dynIdx(b.Sym)
		})
	}
	return nil
}

func dynIdx(sym *linker.Symbol) int {
	if sym == nil {
		return 0
	}
	return sym.DynIdx
}

func (t *Target) RelocName(typ uint32) string {
	name := relocName(elf.R_MIPS(typ & 0xff))
	for typ >>= 8; typ != 0; typ >>= 8 {
		name += "/" + relocName(elf.R_MIPS(typ&0xff))
	}
	return name
}
