package linker

import (
	"debug/elf"
	"slices"
	"strconv"

	"github.com/wnxd/microdbg-linker/utils"
)

const maxRelaxRounds = 16

func CreateSyntheticSections(ctx *Context) error {
	ctx.Ehdr = NewOutputEhdr()
	ctx.Phdr = NewOutputPhdr()
	ctx.Shdr = NewOutputShdr()
	ctx.AddChunk(ctx.Ehdr)
	ctx.AddChunk(ctx.Phdr)
	ctx.AddChunk(ctx.Shdr)
	if ctx.IsDynamic() {
		if !ctx.IsShared() {
			interp := ctx.Opts.DynamicLinker
			if interp == "" {
				interp = ctx.Target.DefaultInterp(ctx)
			}
			ctx.Interp = NewDataSection(".interp", elf.SHT_PROGBITS, elf.SHF_ALLOC, 1, append([]byte(interp), 0))
			ctx.DynBss = NewDynBssSection()
			ctx.AddChunk(ctx.Interp)
			ctx.AddChunk(ctx.DynBss)
		}
		ctx.Dynamic = NewDynamicSection(ctx)
		ctx.Dynsym = NewDynsymSection()
		ctx.Dynstr = NewStrtabSection(".dynstr", elf.SHF_ALLOC)
		ctx.Hash = NewHashSection()
		ctx.RelDyn = NewRelocSection(ctx, ".dyn")
		ctx.RelPlt = NewRelocSection(ctx, ".plt")
		for _, c := range []Chunk{ctx.Dynamic, ctx.Dynsym, ctx.Dynstr, ctx.Hash, ctx.RelDyn, ctx.RelPlt} {
			ctx.AddChunk(c)
		}
	}
	ctx.Symtab = NewSymtabSection()
	ctx.Strtab = NewStrtabSection(".strtab", 0)
	ctx.Shstrtab = NewStrtabSection(".shstrtab", 0)
	ctx.AddChunk(ctx.Symtab)
	ctx.AddChunk(ctx.Strtab)
	ctx.AddChunk(ctx.Shstrtab)
	return ctx.Target.CreateSyntheticSections(ctx)
}

var fixedRanks = map[string]int{
	".interp":        10,
	".MIPS.abiflags": 11,
	".hash":          31,
	".dynsym":        32,
	".dynstr":        33,
	".rel.dyn":       34,
	".rela.dyn":      34,
	".rel.plt":       35,
	".rela.plt":      35,
	".plt":           102,
	".got.plt":       450,
	".got":           460,
	".sdata":         470,
	".sbss":          590,
	".bss":           600,
	".dynbss":        610,
	".symtab":        910,
	".strtab":        920,
	".shstrtab":      930,
}

func chunkRank(ctx *Context, c Chunk) int {
	switch c {
	case ctx.Ehdr:
		return 0
	case ctx.Phdr:
		return 1
	case ctx.Shdr:
		return 1000
	}
	h := c.Header()
	if c.Name() == ".dynamic" {
		if h.Flags&elf.SHF_WRITE != 0 {
			return 420
		}
		return 30
	}
	if r, ok := fixedRanks[c.Name()]; ok {
		return r
	}
	switch {
	case h.Flags&elf.SHF_ALLOC == 0:
		return 900
	case h.Type == elf.SHT_NOTE:
		return 20
	case h.Flags&elf.SHF_TLS != 0 && h.Type == elf.SHT_NOBITS:
		return 310
	case h.Flags&elf.SHF_TLS != 0:
		return 300
	case h.Flags&elf.SHF_WRITE != 0 && h.Type == elf.SHT_NOBITS:
		return 600
	case h.Flags&elf.SHF_WRITE != 0:
		return 400
	case h.Flags&elf.SHF_EXECINSTR != 0:
		return 100
	}
	return 200
}

func isHeaderChunk(ctx *Context, c Chunk) bool {
	return c == ctx.Ehdr || c == ctx.Phdr || c == ctx.Shdr
}

func updateHeaders(ctx *Context) {
	for _, c := range ctx.Chunks {
		c.UpdateHeader(ctx)
	}
}

// finalizeChunks drops empty synthetic sections, fixes the output order and
// numbers the section headers.
func finalizeChunks(ctx *Context) {
	updateHeaders(ctx)
	ctx.Chunks = utils.RemoveIf(ctx.Chunks, func(c Chunk) bool {
		if isHeaderChunk(ctx, c) || c == ctx.Shstrtab || c == ctx.Strtab || c == ctx.Symtab {
			return false
		}
		if osec, ok := c.(*OutputSection); ok {
			return len(osec.Members) == 0
		}
		return c.Header().Size == 0
	})
	ctx.OutputSections = utils.RemoveIf(ctx.OutputSections, func(osec *OutputSection) bool {
		return len(osec.Members) == 0
	})
	slices.SortStableFunc(ctx.Chunks, func(a, b Chunk) int {
		return chunkRank(ctx, a) - chunkRank(ctx, b)
	})
	idx := 1
	for _, c := range ctx.Chunks {
		if c.Header().Type == elf.SHT_NULL {
			continue
		}
		c.SetShndx(idx)
		idx++
	}
	ctx.Shstrtab.reset()
	for _, c := range ctx.Chunks {
		if c.Header().Type != elf.SHT_NULL {
			c.Header().Name = ctx.Shstrtab.Add(c.Name())
		}
	}
}

func assignAddresses(ctx *Context) uint64 {
	page := ctx.Target.PageSize(ctx)
	addr := ctx.Target.ImageBase(ctx)
	var off uint64
	var prevWritable, started bool
	for _, c := range ctx.Chunks {
		h := c.Header()
		if h.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		writable := h.Flags&elf.SHF_WRITE != 0
		if start, ok := ctx.Opts.SectionStart[c.Name()]; ok && c.Name() != "" {
			addr = start
		} else if started && writable != prevWritable {
			addr = utils.AlignTo(addr, page)
		}
		started, prevWritable = true, writable
		addr = utils.AlignTo(addr, max(h.AddrAlign, 1))
		off += (addr - off) & (page - 1)
		h.Addr = addr
		h.Offset = off
		if isTbss(c) {
			continue
		}
		addr += h.Size
		if h.Type != elf.SHT_NOBITS {
			off += h.Size
		}
	}
	for _, c := range ctx.Chunks {
		h := c.Header()
		if h.Flags&elf.SHF_ALLOC != 0 {
			continue
		}
		off = utils.AlignTo(off, max(h.AddrAlign, 1))
		h.Addr = 0
		h.Offset = off
		off += h.Size
	}
	return off
}

func computeTLS(ctx *Context) {
	ctx.TLSBegin, ctx.TLSEnd, ctx.TLSAlign = 0, 0, 1
	first := true
	for _, c := range ctx.Chunks {
		h := c.Header()
		if h.Flags&elf.SHF_TLS == 0 {
			continue
		}
		if first {
			ctx.TLSBegin = h.Addr
			first = false
		}
		ctx.TLSEnd = max(ctx.TLSEnd, h.Addr+h.Size)
		ctx.TLSAlign = max(ctx.TLSAlign, h.AddrAlign)
	}
}

// Layout assigns addresses until the target stops inserting stubs.
func Layout(ctx *Context) error {
	finalizeChunks(ctx)
	for round := 0; ; round++ {
		updateHeaders(ctx)
		ctx.FileSize = assignAddresses(ctx)
		computeTLS(ctx)
		changed, err := ctx.Target.Relax(ctx)
		if err != nil {
			return err
		}
		if !changed {
			break
		}
		if round+1 >= maxRelaxRounds {
			return ErrNoConvergence
		}
		ctx.Diag.Tracef("layout round %d inserted stubs", round+1)
	}
	finalizeLinkerSymbols(ctx)
	ctx.EntryAddr = resolveEntry(ctx)
	return nil
}

func resolveEntry(ctx *Context) uint64 {
	name := ctx.Opts.Entry
	if name == "" {
		name = ctx.Target.DefaultEntry()
	}
	if sym := ctx.LookupSymbol(name); sym != nil && sym.IsDefined() {
		return sym.Addr()
	}
	if v, err := strconv.ParseUint(name, 0, 64); err == nil {
		return v
	}
	if ctx.IsShared() {
		return 0
	}
	var addr uint64
	if text := ctx.FirstExecSection(); text != nil {
		addr = text.shdr.Addr
	}
	ctx.Diag.Warnf("cannot find entry symbol %s; defaulting to %#x", name, addr)
	return addr
}
