package mips

import (
	"debug/elf"

	"github.com/wnxd/microdbg-linker/linker"
)

const (
	pltHeaderSize = 32
	pltEntrySize  = 16
)

type GotPltSection struct {
	linker.BaseChunk
	plt *PltSection
}

func newGotPltSection(ctx *linker.Context) *GotPltSection {
	return &GotPltSection{BaseChunk: linker.NewBaseChunk(".got.plt", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, ctx.WordSize())}
}

func (g *GotPltSection) UpdateHeader(ctx *linker.Context) {
	n := 0
	if g.plt != nil && len(g.plt.syms) > 0 {
		n = gotReserved + len(g.plt.syms)
	}
	g.Header().Size = uint64(n) * ctx.WordSize()
	g.Header().EntSize = ctx.WordSize()
}

func (g *GotPltSection) slotAddr(ctx *linker.Context, i int) uint64 {
	return g.Header().Addr + uint64(gotReserved+i)*ctx.WordSize()
}

// Write leaves the two reserved words for the dynamic loader and points
// every slot at the PLT header until the first call resolves it.
func (g *GotPltSection) Write(ctx *linker.Context, buf []byte) error {
	word := ctx.WordSize()
	hdr := g.plt.Header().Addr
	for i := range g.plt.syms {
		ctx.PutWord(buf[uint64(gotReserved+i)*word:], hdr)
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
	if len(p.syms) == 0 {
		p.Header().Size = 0
		return
	}
	p.Header().Size = pltHeaderSize + uint64(len(p.syms))*pltEntrySize
}

func (p *PltSection) entryAddr(sym *linker.Symbol) (uint64, bool) {
	i, ok := p.idx[sym]
	if !ok {
		return 0, false
	}
	return p.Header().Addr + pltHeaderSize + uint64(i)*pltEntrySize, true
}

// addPLT gives sym a lazy-binding PLT entry and its .got.plt slot.
func (t *Target) addPLT(ctx *linker.Context, sym *linker.Symbol) {
	if _, ok := t.plt.idx[sym]; ok {
		return
	}
	i := len(t.plt.syms)
	t.plt.idx[sym] = i
	t.plt.syms = append(t.plt.syms, sym)
	sym.Flags |= linker.NeedsDynsym
	ctx.RelPlt.Add(linker.DynReloc{
		Type:   uint32(R_MIPS_JUMP_SLOT),
		Sym:    sym,
		Chunk:  t.gotPlt,
		Offset: uint64(gotReserved+i) * ctx.WordSize(),
	})
}

// addCanonicalPLT makes the PLT entry of a shared function its address in
// this executable, so that every module compares equal pointers.
func (t *Target) addCanonicalPLT(ctx *linker.Context, sym *linker.Symbol) {
	if sym.Flags&linker.CanonicalPLT != 0 {
		return
	}
	t.addPLT(ctx, sym)
	sym.Flags |= linker.CanonicalPLT | linker.NeedsDynsym
	sym.Other |= STO_MIPS_PLT
	sym.Chunk = t.plt
	sym.Value = pltHeaderSize + uint64(t.plt.idx[sym])*pltEntrySize
}

func hi16(v uint64) uint32 {
	return uint32((v+0x8000)>>16&0xffff)
}

func lo16(v uint64) uint32 {
	return uint32(v & 0xffff)
}

func (p *PltSection) Write(ctx *linker.Context, buf []byte) error {
	gotPlt := p.gotPlt.Header().Addr
	var hdr []uint32
	if ctx.Is64() {
		hdr = []uint32{
			0x3c1c0000 | hi16(gotPlt), // lui   $28, %hi(&GOTPLT[0])
			0xdf990000 | lo16(gotPlt), // ld    $25, %lo(&GOTPLT[0])($28)
			0x679c0000 | lo16(gotPlt), // daddiu $28, $28, %lo(&GOTPLT[0])
			0x031cc02f,                // dsubu $24, $24, $28
			0x03e07825,                // move  $15, $31
			0x0018c0c2,                // srl   $24, $24, 3
			0x0320f809,                // jalr  $25
			0x6718fffe,                // daddiu $24, $24, -2
		}
	} else {
		hdr = []uint32{
			0x3c1c0000 | hi16(gotPlt), // lui   $28, %hi(&GOTPLT[0])
			0x8f990000 | lo16(gotPlt), // lw    $25, %lo(&GOTPLT[0])($28)
			0x279c0000 | lo16(gotPlt), // addiu $28, $28, %lo(&GOTPLT[0])
			0x031cc023,                // subu  $24, $24, $28
			0x03e07825,                // move  $15, $31
			0x0018c082,                // srl   $24, $24, 2
			0x0320f809,                // jalr  $25
			0x2718fffe,                // subu  $24, $24, 2
		}
	}
	for i, insn := range hdr {
		ctx.ByteOrder.PutUint32(buf[i*4:], insn)
	}
	load, add := uint32(0x8df90000), uint32(0x25f80000)
	if ctx.Is64() {
		load, add = 0xddf90000, 0x65f80000
	}
	for i := range p.syms {
		slot := p.gotPlt.slotAddr(ctx, i)
		ent := buf[pltHeaderSize+i*pltEntrySize:]
		ctx.ByteOrder.PutUint32(ent[0:], 0x3c0f0000|hi16(slot)) // lui   $15, %hi(.got.plt entry)
		ctx.ByteOrder.PutUint32(ent[4:], load|lo16(slot))       // l[wd] $25, %lo(.got.plt entry)($15)
		ctx.ByteOrder.PutUint32(ent[8:], 0x03200008)            // jr    $25
		ctx.ByteOrder.PutUint32(ent[12:], add|lo16(slot))       // addiu $24, $15, %lo(.got.plt entry)
	}
	return nil
}
