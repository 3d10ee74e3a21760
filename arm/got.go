package arm

import (
	"debug/elf"

	"github.com/wnxd/microdbg-linker/linker"
)

type GotSection struct {
	linker.BaseChunk
	used bool
	syms []*linker.Symbol
	idx  map[*linker.Symbol]int
}

func newGotSection() *GotSection {
	return &GotSection{
		BaseChunk: linker.NewBaseChunk(".got", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 4),
		idx:       make(map[*linker.Symbol]int),
	}
}

func (g *GotSection) add(sym *linker.Symbol) {
	if _, ok := g.idx[sym]; ok {
		return
	}
	g.idx[sym] = len(g.syms)
	g.syms = append(g.syms, sym)
}

func (g *GotSection) entryAddr(sym *linker.Symbol) (uint64, bool) {
	i, ok := g.idx[sym]
	if !ok {
		return 0, false
	}
	return g.Header().Addr + uint64(i)*4, true
}

func (g *GotSection) finalize(ctx *linker.Context) {
	if ctx.RelDyn == nil {
		return
	}
	for i, sym := range g.syms {
		r := linker.DynReloc{Chunk: g, Offset: uint64(i) * 4}
		switch {
		case dynamicSym(ctx, sym):
			r.Type, r.Sym = uint32(elf.R_ARM_GLOB_DAT), sym
			sym.Flags |= linker.NeedsDynsym
		case ctx.IsShared() && !sym.Abs && !sym.IsUndefined():
			r.Type = uint32(elf.R_ARM_RELATIVE)
		default:
			continue
		}
		ctx.RelDyn.Add(r)
	}
}

func (g *GotSection) UpdateHeader(*linker.Context) {
	n := len(g.syms)
	if n == 0 && g.used {
		n = 1
	}
	g.Header().Size = uint64(n) * 4
	g.Header().EntSize = 4
}

// Write fills every entry with its symbol's address, which also serves as
// the implicit addend of a RELATIVE relocation. Entries bound at load time
// by GLOB_DAT stay zero.
func (g *GotSection) Write(ctx *linker.Context, buf []byte) error {
	for i, sym := range g.syms {
		if !dynamicSym(ctx, sym) {
			ctx.ByteOrder.PutUint32(buf[i*4:], uint32(sym.Addr()))
		}
	}
	return nil
}

const (
	pltHeaderSize  = 32
	pltEntrySize   = 12
	gotPltReserved = 3
)

type GotPltSection struct {
	linker.BaseChunk
	plt *PltSection
}

func newGotPltSection() *GotPltSection {
	return &GotPltSection{BaseChunk: linker.NewBaseChunk(".got.plt", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 4)}
}

func (g *GotPltSection) UpdateHeader(*linker.Context) {
	g.Header().Size = 0
	if n := len(g.plt.syms); n > 0 {
		g.Header().Size = uint64(gotPltReserved+n) * 4
	}
	g.Header().EntSize = 4
}

func (g *GotPltSection) slotAddr(i int) uint64 {
	return g.Header().Addr + uint64(gotPltReserved+i)*4
}

func (g *GotPltSection) Write(ctx *linker.Context, buf []byte) error {
	if ctx.Dynamic != nil {
		ctx.ByteOrder.PutUint32(buf, uint32(ctx.Dynamic.Header().Addr))
	}
	hdr := uint32(g.plt.Header().Addr)
	for i := range g.plt.syms {
		ctx.ByteOrder.PutUint32(buf[(gotPltReserved+i)*4:], hdr)
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
		BaseChunk: linker.NewBaseChunk(".plt", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 4),
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
		Type:   uint32(elf.R_ARM_JUMP_SLOT),
		Sym:    sym,
		Chunk:  t.gotPlt,
		Offset: uint64(gotPltReserved+i) * 4,
	})
}

func (t *Target) addCanonicalPLT(ctx *linker.Context, sym *linker.Symbol) {
	t.addPLT(ctx, sym)
	sym.Flags |= linker.CanonicalPLT
	sym.Chunk = t.plt
	sym.Value = pltHeaderSize + uint64(t.plt.idx[sym])*pltEntrySize
}

// pltEntry loads the .got.plt slot at slot into pc from the entry at pc,
// reaching 256MiB forward.
func pltEntry(entry, slot uint64) [3]uint32 {
	off := uint32(slot - entry - 8)
	return [3]uint32{
		0xe28fc600 | off>>20&0xff, // add ip, pc, #off&0x0ff00000
		0xe28cca00 | off>>12&0xff, // add ip, ip, #off&0x000ff000
		0xe5bcf000 | off&0xfff,    // ldr pc, [ip, #off&0xfff]!
	}
}

func (p *PltSection) Write(ctx *linker.Context, buf []byte) error {
	put := func(off int, insns ...uint32) {
		for i, insn := range insns {
			ctx.ByteOrder.PutUint32(buf[off+4*i:], insn)
		}
	}
	pc := p.Header().Addr
	put(0,
		0xe52de004, // str lr, [sp, #-4]!
		0xe59fe004, // ldr lr, [pc, #4]
		0xe08fe00e, // add lr, pc, lr
		0xe5bef008, // ldr pc, [lr, #8]!
		uint32(p.gotPlt.Header().Addr-pc-16),
		0xd4d4d4d4, 0xd4d4d4d4, 0xd4d4d4d4,
	)
	for i := range p.syms {
		off := pltHeaderSize + i*pltEntrySize
		e := pltEntry(pc+uint64(off), p.gotPlt.slotAddr(i))
		put(off, e[:]...)
	}
	return nil
}
