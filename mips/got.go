package mips

import (
	"cmp"
	"debug/elf"
	"fmt"
	"slices"

	"github.com/wnxd/microdbg-linker/linker"
)

const (
	gotReserved = 2
	pageSize64K = 0x10000

	// gotWindow is how many bytes of GOT a signed 16-bit offset from one gp
	// value can reach.
	gotWindow = 0xfff0
)

func pageAddr(v uint64) uint64 {
	return (v + 0x8000) &^ 0xffff
}

type localKey struct {
	sym    *linker.Symbol
	addend int64
	page   bool
}

type tlsKind uint8

const (
	tlsGD tlsKind = iota
	tlsIE
)

type tlsKey struct {
	sym  *linker.Symbol
	kind tlsKind
}

type tlsEntry struct {
	tlsKey
	slot   int
	dynMod bool
	dynOff bool
	dynSym *linker.Symbol
}

type pageRange struct {
	first int
	count int
}

// gotPart is one 64K window of the GOT. While relocations are scanned each
// input file collects its own part; finalize merges them so that every file
// reaches all of its entries from a single gp value.
type gotPart struct {
	start int

	pageSecs  []*linker.OutputSection
	pages     map[*linker.OutputSection]pageRange
	locals    []localKey
	localIdx  map[localKey]int
	globals   []*linker.Symbol
	globalIdx map[*linker.Symbol]int
	tls       []*tlsEntry
	tlsIdx    map[tlsKey]*tlsEntry
	hasLDM    bool
	ldm       int
	ldmDyn    bool
}

func newGotPart() *gotPart {
	return &gotPart{
		pages:     make(map[*linker.OutputSection]pageRange),
		localIdx:  make(map[localKey]int),
		globalIdx: make(map[*linker.Symbol]int),
		tlsIdx:    make(map[tlsKey]*tlsEntry),
		ldm:       -1,
	}
}

func (p *gotPart) addPage(osec *linker.OutputSection) {
	if _, ok := p.pages[osec]; ok {
		return
	}
	p.pages[osec] = pageRange{}
	p.pageSecs = append(p.pageSecs, osec)
}

func (p *gotPart) addLocal(key localKey) {
	if _, ok := p.localIdx[key]; ok {
		return
	}
	p.localIdx[key] = -1
	p.locals = append(p.locals, key)
}

func (p *gotPart) addGlobal(sym *linker.Symbol) {
	if _, ok := p.globalIdx[sym]; ok {
		return
	}
	p.globalIdx[sym] = -1
	p.globals = append(p.globals, sym)
}

func (p *gotPart) addTLS(key tlsKey) {
	if _, ok := p.tlsIdx[key]; ok {
		return
	}
	e := &tlsEntry{tlsKey: key}
	p.tlsIdx[key] = e
	p.tls = append(p.tls, e)
}

func pageCount(osec *linker.OutputSection) int {
	return int(osec.Header().Size/pageSize64K) + 2
}

func tlsSize(kind tlsKind) int {
	if kind == tlsGD {
		return 2
	}
	return 1
}

// size counts the entries a gp-relative access can hit.
func (p *gotPart) size() int {
	n := len(p.locals) + len(p.globals)
	for _, osec := range p.pageSecs {
		n += pageCount(osec)
	}
	for _, e := range p.tls {
		n += tlsSize(e.kind)
	}
	if p.hasLDM {
		n += 2
	}
	return n
}

// growth is how many entries p gains by absorbing src.
func (p *gotPart) growth(src *gotPart) int {
	var n int
	for _, osec := range src.pageSecs {
		if _, ok := p.pages[osec]; !ok {
			n += pageCount(osec)
		}
	}
	for _, key := range src.locals {
		if _, ok := p.localIdx[key]; !ok {
			n++
		}
	}
	for _, sym := range src.globals {
		if _, ok := p.globalIdx[sym]; !ok {
			n++
		}
	}
	for _, e := range src.tls {
		if _, ok := p.tlsIdx[e.tlsKey]; !ok {
			n += tlsSize(e.kind)
		}
	}
	if src.hasLDM && !p.hasLDM {
		n += 2
	}
	return n
}

func (p *gotPart) absorb(src *gotPart) {
	for _, osec := range src.pageSecs {
		p.addPage(osec)
	}
	for _, key := range src.locals {
		p.addLocal(key)
	}
	for _, sym := range src.globals {
		p.addGlobal(sym)
	}
	for _, e := range src.tls {
		p.addTLS(e.tlsKey)
	}
	p.hasLDM = p.hasLDM || src.hasLDM
}

// GotSection is the MIPS .got. The primary part holds two reserved words,
// page entries for local data, local symbol entries, a global entry for
// every preemptible symbol and finally TLS entries. Inputs that do not fit
// in the primary window get secondary parts of the same shape, minus the
// reserved words, whose entries the dynamic loader fills through .rel.dyn.
type GotSection struct {
	linker.BaseChunk
	used bool

	files   []*linker.ObjectFile
	demand  map[*linker.ObjectFile]*gotPart
	dynRefs []*linker.Symbol
	dynSeen map[*linker.Symbol]bool

	parts  []*gotPart
	partOf map[*linker.ObjectFile]*gotPart
	total  int
}

func newGotSection(ctx *linker.Context) *GotSection {
	flags := elf.SHF_ALLOC | elf.SHF_WRITE | SHF_MIPS_GPREL
	return &GotSection{
		BaseChunk: linker.NewBaseChunk(".got", elf.SHT_PROGBITS, flags, ctx.WordSize()),
		demand:    make(map[*linker.ObjectFile]*gotPart),
		dynSeen:   make(map[*linker.Symbol]bool),
		partOf:    make(map[*linker.ObjectFile]*gotPart),
	}
}

func (g *GotSection) fileDemand(f *linker.ObjectFile) *gotPart {
	g.used = true
	p, ok := g.demand[f]
	if !ok {
		p = newGotPart()
		g.demand[f] = p
		g.files = append(g.files, f)
	}
	return p
}

func (g *GotSection) addPage(f *linker.ObjectFile, osec *linker.OutputSection) {
	g.fileDemand(f).addPage(osec)
}

func (g *GotSection) addLocal(f *linker.ObjectFile, sym *linker.Symbol, addend int64, page bool) {
	g.fileDemand(f).addLocal(localKey{sym, addend, page})
}

func (g *GotSection) addGlobal(f *linker.ObjectFile, sym *linker.Symbol) {
	g.fileDemand(f).addGlobal(sym)
	sym.Flags |= linker.NeedsDynsym
}

// addDynRef gives sym a global entry that no code loads through gp. The
// loader only resolves dynamic relocations against symbols it finds in the
// global part of the primary GOT.
func (g *GotSection) addDynRef(sym *linker.Symbol) {
	g.used = true
	sym.Flags |= linker.NeedsDynsym
	if !g.dynSeen[sym] {
		g.dynSeen[sym] = true
		g.dynRefs = append(g.dynRefs, sym)
	}
}

func (g *GotSection) addTLS(f *linker.ObjectFile, sym *linker.Symbol, kind tlsKind) {
	g.fileDemand(f).addTLS(tlsKey{sym, kind})
}

func (g *GotSection) addLDM(f *linker.ObjectFile) {
	g.fileDemand(f).hasLDM = true
}

func symbolOrder(sym *linker.Symbol) (int, int) {
	if sym.File == nil {
		return 0, sym.Index
	}
	return sym.File.Priority, sym.SymIdx
}

func (g *GotSection) primary() *gotPart {
	return g.parts[0]
}

func (g *GotSection) part(f *linker.ObjectFile) *gotPart {
	if p, ok := g.partOf[f]; ok {
		return p
	}
	return g.primary()
}

// merge packs the per-file demand into parts. A file joins the primary part
// when it fits, then the newest secondary part, and opens a new one
// otherwise.
func (g *GotSection) merge(ctx *linker.Context) {
	slices.SortStableFunc(g.files, func(a, b *linker.ObjectFile) int {
		return cmp.Compare(a.Priority, b.Priority)
	})
	limit := int(gotWindow / ctx.WordSize())
	everyGlobal := make(map[*linker.Symbol]bool)
	for _, f := range g.files {
		for _, sym := range g.demand[f].globals {
			everyGlobal[sym] = true
		}
	}
	for _, sym := range g.dynRefs {
		everyGlobal[sym] = true
	}
	fits := func(dst, src *gotPart) bool {
		n := dst.size() + dst.growth(src)
		if dst == g.parts[0] {
			n += gotReserved
			// Primary TLS entries come after every global entry.
			if len(dst.tls)+len(src.tls) > 0 || dst.hasLDM || src.hasLDM {
				n += len(everyGlobal)
			}
		}
		return n <= limit
	}
	g.parts = []*gotPart{newGotPart()}
	for _, f := range g.files {
		src := g.demand[f]
		dst := g.parts[0]
		if !fits(dst, src) {
			dst = g.parts[len(g.parts)-1]
			if !fits(dst, src) {
				dst = newGotPart()
				g.parts = append(g.parts, dst)
			}
		}
		dst.absorb(src)
		g.partOf[f] = dst
	}
}

// finalize fixes the entry order and creates the dynamic relocations of
// secondary and TLS entries.
func (g *GotSection) finalize(ctx *linker.Context) {
	for _, f := range g.files {
		for _, osec := range g.demand[f].pageSecs {
			osec.UpdateHeader(ctx)
		}
	}
	g.merge(ctx)

	prim := g.primary()
	byIndex := func(a, b *linker.Symbol) int {
		return cmp.Compare(a.Index, b.Index)
	}
	slices.SortStableFunc(prim.globals, byIndex)
	// Globals loaded only through secondary parts still need a primary
	// entry past the window, so that the loader resolves them.
	var extra []*linker.Symbol
	for _, p := range g.parts[1:] {
		extra = append(extra, p.globals...)
	}
	extra = append(extra, g.dynRefs...)
	slices.SortStableFunc(extra, byIndex)
	for _, sym := range extra {
		prim.addGlobal(sym)
	}

	next := gotReserved
	for i, p := range g.parts {
		if i > 0 {
			p.start = next
		}
		next = g.place(ctx, p, next)
	}
	g.total = next

	word := ctx.WordSize()
	gotRel := rel32(ctx, elf.R_MIPS_64)
	for _, p := range g.parts[1:] {
		for _, sym := range p.globals {
			ctx.RelDyn.Add(linker.DynReloc{Type: gotRel, Sym: sym, Chunk: g, Offset: uint64(p.globalIdx[sym]) * word})
		}
		if !ctx.IsShared() {
			continue
		}
		for _, osec := range p.pageSecs {
			r := p.pages[osec]
			for i := 0; i < r.count; i++ {
				ctx.RelDyn.Add(linker.DynReloc{Type: gotRel, Chunk: g, Offset: uint64(r.first+i) * word})
			}
		}
		for _, key := range p.locals {
			if !key.sym.Abs {
				ctx.RelDyn.Add(linker.DynReloc{Type: gotRel, Chunk: g, Offset: uint64(p.localIdx[key]) * word})
			}
		}
	}
}

// place assigns the slots of p from next on and returns the first free
// slot after it.
func (g *GotSection) place(ctx *linker.Context, p *gotPart, next int) int {
	for _, osec := range p.pageSecs {
		n := pageCount(osec)
		p.pages[osec] = pageRange{first: next, count: n}
		next += n
	}

	slices.SortStableFunc(p.locals, func(a, b localKey) int {
		af, ai := symbolOrder(a.sym)
		bf, bi := symbolOrder(b.sym)
		return cmp.Or(cmp.Compare(af, bf), cmp.Compare(ai, bi), cmp.Compare(a.addend, b.addend))
	})
	for _, key := range p.locals {
		p.localIdx[key] = next
		next++
	}

	if p != g.primary() {
		slices.SortStableFunc(p.globals, func(a, b *linker.Symbol) int {
			return cmp.Compare(a.Index, b.Index)
		})
	}
	for _, sym := range p.globals {
		p.globalIdx[sym] = next
		next++
	}

	word := ctx.WordSize()
	for _, e := range p.tls {
		e.slot = next
		preemptible := e.sym.IsPreemptible(ctx)
		switch e.kind {
		case tlsGD:
			next += 2
			if !ctx.IsDynamic() || (!ctx.IsShared() && !preemptible) {
				break
			}
			e.dynMod = true
			if preemptible {
				e.dynOff = true
				e.dynSym = e.sym
				e.sym.Flags |= linker.NeedsDynsym
			}
			off := uint64(e.slot) * word
			ctx.RelDyn.Add(linker.DynReloc{Type: uint32(dtpmod(ctx)), Sym: e.dynSym, Chunk: g, Offset: off})
			if e.dynOff {
				ctx.RelDyn.Add(linker.DynReloc{Type: uint32(dtprel(ctx)), Sym: e.dynSym, Chunk: g, Offset: off + word})
			}
		case tlsIE:
			next++
			if !ctx.IsDynamic() {
				break
			}
			e.dynOff = true
			if exportable(e.sym) {
				e.dynSym = e.sym
				e.sym.Flags |= linker.NeedsDynsym
			}
			ctx.RelDyn.Add(linker.DynReloc{Type: uint32(tprel(ctx)), Sym: e.dynSym, Chunk: g, Offset: uint64(e.slot) * word})
		}
	}
	if p.hasLDM {
		p.ldm = next
		next += 2
		if ctx.IsShared() {
			p.ldmDyn = true
			ctx.RelDyn.Add(linker.DynReloc{Type: uint32(dtpmod(ctx)), Chunk: g, Offset: uint64(p.ldm) * word})
		}
	}
	return next
}

// exportable reports whether sym can be named by a dynamic relocation.
func exportable(sym *linker.Symbol) bool {
	if sym.Local {
		return false
	}
	if sym.IsShared() || sym.IsUndefined() {
		return true
	}
	vis := sym.Visibility()
	return vis == elf.STV_DEFAULT || vis == elf.STV_PROTECTED
}

func dtpmod(ctx *linker.Context) elf.R_MIPS {
	if ctx.Is64() {
		return elf.R_MIPS_TLS_DTPMOD64
	}
	return elf.R_MIPS_TLS_DTPMOD32
}

func dtprel(ctx *linker.Context) elf.R_MIPS {
	if ctx.Is64() {
		return elf.R_MIPS_TLS_DTPREL64
	}
	return elf.R_MIPS_TLS_DTPREL32
}

func tprel(ctx *linker.Context) elf.R_MIPS {
	if ctx.Is64() {
		return elf.R_MIPS_TLS_TPREL64
	}
	return elf.R_MIPS_TLS_TPREL32
}

func (g *GotSection) numEntries() int {
	if !g.used {
		return 0
	}
	return g.total
}

// localCount is DT_MIPS_LOCAL_GOTNO: reserved, page and local entries of
// the primary part.
func (g *GotSection) localCount() int {
	prim := g.primary()
	n := gotReserved + len(prim.locals)
	for _, osec := range prim.pageSecs {
		n += prim.pages[osec].count
	}
	return n
}

func (g *GotSection) globals() []*linker.Symbol {
	return g.primary().globals
}

func (g *GotSection) UpdateHeader(ctx *linker.Context) {
	n := g.numEntries()
	if n == 0 && ctx.IsDynamic() {
		n = gotReserved
	}
	g.Header().Size = uint64(n) * ctx.WordSize()
	g.Header().EntSize = ctx.WordSize()
}

func (g *GotSection) entryAddr(ctx *linker.Context, idx int) uint64 {
	return g.Header().Addr + uint64(idx)*ctx.WordSize()
}

// gp is the global pointer of the part f loads its entries from.
func (g *GotSection) gp(ctx *linker.Context, f *linker.ObjectFile) uint64 {
	return g.entryAddr(ctx, g.part(f).start) + gpOffset
}

func (g *GotSection) pageEntry(ctx *linker.Context, f *linker.ObjectFile, osec *linker.OutputSection, v uint64) (uint64, error) {
	r, ok := g.part(f).pages[osec]
	if !ok {
		return 0, fmt.Errorf("no GOT page entries for %s", osec.Name())
	}
	i := int((pageAddr(v) - pageAddr(osec.Header().Addr)) >> 16)
	if i < 0 || i >= r.count {
		return 0, fmt.Errorf("GOT page entries for %s exhausted at %#x", osec.Name(), v)
	}
	return g.entryAddr(ctx, r.first+i), nil
}

func (g *GotSection) localEntry(ctx *linker.Context, f *linker.ObjectFile, sym *linker.Symbol, addend int64, page bool) (uint64, bool) {
	idx, ok := g.part(f).localIdx[localKey{sym, addend, page}]
	if !ok || idx < 0 {
		return 0, false
	}
	return g.entryAddr(ctx, idx), true
}

func (g *GotSection) globalEntry(ctx *linker.Context, f *linker.ObjectFile, sym *linker.Symbol) (uint64, bool) {
	idx, ok := g.part(f).globalIdx[sym]
	if !ok || idx < 0 {
		return 0, false
	}
	return g.entryAddr(ctx, idx), true
}

func (g *GotSection) tlsAddr(ctx *linker.Context, f *linker.ObjectFile, sym *linker.Symbol, kind tlsKind) (uint64, bool) {
	e, ok := g.part(f).tlsIdx[tlsKey{sym, kind}]
	if !ok {
		return 0, false
	}
	return g.entryAddr(ctx, e.slot), true
}

func (g *GotSection) ldmEntry(ctx *linker.Context, f *linker.ObjectFile) (uint64, bool) {
	p := g.part(f)
	if p.ldm < 0 {
		return 0, false
	}
	return g.entryAddr(ctx, p.ldm), true
}

func (g *GotSection) Write(ctx *linker.Context, buf []byte) error {
	word := ctx.WordSize()
	put := func(idx int, v uint64) {
		ctx.PutWord(buf[uint64(idx)*word:], v)
	}
	put(1, 1<<(word*8-1))
	dtp := ctx.TLSBegin + dtpOffset
	tp := ctx.TLSBegin + tpOffset
	for i, p := range g.parts {
		for _, osec := range p.pageSecs {
			r := p.pages[osec]
			base := pageAddr(osec.Header().Addr)
			for j := 0; j < r.count; j++ {
				put(r.first+j, base+uint64(j)*pageSize64K)
			}
		}
		for _, key := range p.locals {
			v := key.sym.Addr() + uint64(key.addend)
			if key.page {
				v = pageAddr(v)
			}
			put(p.localIdx[key], v)
		}
		// Secondary global entries hold the REL32 addend.
		if i == 0 {
			for _, sym := range p.globals {
				put(p.globalIdx[sym], sym.Addr())
			}
		}
		for _, e := range p.tls {
			addr := e.sym.Addr()
			switch e.kind {
			case tlsGD:
				if !e.dynMod {
					put(e.slot, 1)
				}
				if !e.dynOff {
					put(e.slot+1, addr-dtp)
				}
			case tlsIE:
				switch {
				case e.dynSym != nil:
				case e.dynOff:
					put(e.slot, addr-ctx.TLSBegin)
				default:
					put(e.slot, addr-tp)
				}
			}
		}
		if p.ldm >= 0 && !p.ldmDyn {
			put(p.ldm, 1)
		}
	}
	return nil
}
