package aarch64

import (
	"debug/elf"

	"github.com/wnxd/microdbg-linker/linker"
)

type gotKind uint8

const (
	gotAddr gotKind = iota
	gotTPRel
)

type gotKey struct {
	sym  *linker.Symbol
	kind gotKind
}

type GotSection struct {
	linker.BaseChunk
	used    bool
	entries []gotKey
	idx     map[gotKey]int
}

func newGotSection() *GotSection {
	return &GotSection{
		BaseChunk: linker.NewBaseChunk(".got", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 8),
		idx:       make(map[gotKey]int),
	}
}

func (g *GotSection) add(sym *linker.Symbol, kind gotKind) {
	key := gotKey{sym, kind}
	if _, ok := g.idx[key]; ok {
		return
	}
	g.idx[key] = len(g.entries)
	g.entries = append(g.entries, key)
}

func (g *GotSection) entryAddr(sym *linker.Symbol, kind gotKind) (uint64, bool) {
	i, ok := g.idx[gotKey{sym, kind}]
	if !ok {
		return 0, false
	}
	return g.Header().Addr + uint64(i)*8, true
}

// finalize emits the dynamic relocations that fill GOT entries at load
// time.
func (g *GotSection) finalize(ctx *linker.Context) {
	if ctx.RelDyn == nil {
		return
	}
	for i, e := range g.entries {
		r := linker.DynReloc{Chunk: g, Offset: uint64(i) * 8}
		switch {
		case e.kind == gotAddr && dynamicSym(ctx, e.sym):
			r.Type, r.Sym = uint32(elf.R_AARCH64_GLOB_DAT), e.sym
		case e.kind == gotAddr && ctx.IsShared() && !e.sym.Abs && !e.sym.IsUndefined():
			r.Type, r.Kind, r.Base = uint32(elf.R_AARCH64_RELATIVE), linker.AddendAddr, e.sym
		case e.kind == gotTPRel && e.sym.IsPreemptible(ctx):
			r.Type, r.Sym = uint32(elf.R_AARCH64_TLS_TPREL64), e.sym
		case e.kind == gotTPRel && ctx.IsShared():
			r.Type, r.Kind, r.Base = uint32(elf.R_AARCH64_TLS_TPREL64), linker.AddendTLSOffset, e.sym
		default:
			continue
		}
		if r.Sym != nil {
			r.Sym.Flags |= linker.NeedsDynsym
		}
		ctx.RelDyn.Add(r)
	}
}

func (g *GotSection) UpdateHeader(*linker.Context) {
	n := len(g.entries)
	if n == 0 && g.used {
		n = 1
	}
	g.Header().Size = uint64(n) * 8
	g.Header().EntSize = 8
}

func (g *GotSection) Write(ctx *linker.Context, buf []byte) error {
	for i, e := range g.entries {
		var v uint64
		switch {
		case e.kind == gotAddr && !dynamicSym(ctx, e.sym):
			v = e.sym.Addr()
		case e.kind == gotTPRel && e.sym.IsPreemptible(ctx):
		case e.kind == gotTPRel && ctx.IsShared():
			v = e.sym.Addr() - ctx.TLSBegin
		case e.kind == gotTPRel:
			v = tprel(ctx, e.sym.Addr())
		}
		ctx.ByteOrder.PutUint64(buf[i*8:], v)
	}
	return nil
}

const (
	pltHeaderSize  = 32
	pltEntrySize   = 16
	gotPltReserved = 3
)

type GotPltSection struct {
	linker.BaseChunk
	plt *PltSection
}

func newGotPltSection() *GotPltSection {
	return &GotPltSection{BaseChunk: linker.NewBaseChunk(".got.plt", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 8)}
}

func (g *GotPltSection) UpdateHeader(*linker.Context) {
	g.Header().Size = 0
	if n := len(g.plt.syms); n > 0 {
		g.Header().Size = uint64(gotPltReserved+n) * 8
	}
	g.Header().EntSize = 8
}

func (g *GotPltSection) slotAddr(i int) uint64 {
	return g.Header().Addr + uint64(gotPltReserved+i)*8
}

// Write stores the address of .dynamic in the first reserved word and
// points every slot at the PLT header for lazy binding.
func (g *GotPltSection) Write(ctx *linker.Context, buf []byte) error {
	if ctx.Dynamic != nil {
		ctx.ByteOrder.PutUint64(buf, ctx.Dynamic.Header().Addr)
	}
	hdr := g.plt.Header().Addr
	for i := range g.plt.syms {
		ctx.ByteOrder.PutUint64(buf[(gotPltReserved+i)*8:], hdr)
	}
	return nil
}

type PltSection struct {
	linker.BaseChunk
	gotPlt *GotPltSection
	syms   []*linker.Symbol
	idx    map[*linker.Symbol]int
}

func newPltSection() *PltSection {
	return &PltSection{
		BaseChunk: linker.NewBaseChunk(".plt", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 16),
		idx:       make(map[*linker.Symbol]int),
	}
}

func (p *PltSection) UpdateHeader(*linker.Context) {
	p.Header().Size = 0
	if len(p.syms) > 0 {
		p.Header().Size = pltHeaderSize + uint64(len(p.syms))*pltEntrySize
	}
}

func (p *PltSection) entryAddr(sym *linker.Symbol) (uint64, bool) {
	i, ok := p.idx[sym]
	if !ok {
		return 0, false
	}
	return p.Header().Addr + pltHeaderSize + uint64(i)*pltEntrySize, true
}

func (t *Target) addPLT(ctx *linker.Context, sym *linker.Symbol) {
	if _, ok := t.plt.idx[sym]; ok {
		return
	}
	i := len(t.plt.syms)
	t.plt.idx[sym] = i
	t.plt.syms = append(t.plt.syms, sym)
	sym.Flags |= linker.NeedsDynsym
	ctx.RelPlt.Add(linker.DynReloc{
		Type:   uint32(elf.R_AARCH64_JUMP_SLOT),
		Sym:    sym,
		Chunk:  t.gotPlt,
		Offset: uint64(gotPltReserved+i) * 8,
	})
}

// addCanonicalPLT makes the PLT entry of a shared function its address in
// the executable, so that every module sees the same function pointer.
func (t *Target) addCanonicalPLT(ctx *linker.Context, sym *linker.Symbol) {
	t.addPLT(ctx, sym)
	sym.Flags |= linker.CanonicalPLT
	sym.Chunk = t.plt
	sym.Value = pltHeaderSize + uint64(t.plt.idx[sym])*pltEntrySize
}

func (p *PltSection) Write(ctx *linker.Context, buf []byte) error {
	put := func(off int, insns ...uint32) {
		for i, insn := range insns {
			insnOrder.PutUint32(buf[off+4*i:], insn)
		}
	}
	pc := p.Header().Addr
	got2 := p.gotPlt.Header().Addr + 16
	put(0,
		0xa9bf7bf0, // stp x16, x30, [sp, #-16]!
		setADR(0x90000010, pageDelta(got2, pc+4)>>12),
		setImm12(0xf9400211, got2&0xfff>>3),
		setImm12(0x91000210, got2),
		0xd61f0220, // br x17
		nop, nop, nop,
	)
	for i := range p.syms {
		off := pltHeaderSize + i*pltEntrySize
		slot := p.gotPlt.slotAddr(i)
		put(off,
			setADR(0x90000010, pageDelta(slot, pc+uint64(off))>>12),
			setImm12(0xf9400211, slot&0xfff>>3),
			setImm12(0x91000210, slot),
			0xd61f0220,
		)
	}
	return nil
}
