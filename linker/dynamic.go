package linker

import (
	"debug/elf"

	"github.com/wnxd/microdbg-linker/utils"
)

// AddendKind says how the written addend of a RELA dynamic relocation is
// derived once addresses are final.
type AddendKind uint8

const (
	AddendConst AddendKind = iota
	AddendAddr
	AddendTLSOffset
)

type DynReloc struct {
	Type    uint32
	Sym     *Symbol
	Section *InputSection
	Chunk   Chunk
	Offset  uint64
	Addend  int64
	Kind    AddendKind
	Base    *Symbol
}

func (r *DynReloc) Addr() uint64 {
	switch {
	case r.Section != nil:
		return r.Section.Addr() + r.Offset
	case r.Chunk != nil:
		return r.Chunk.Header().Addr + r.Offset
	}
	return r.Offset
}

// FinalAddend is Addend for AddendConst, Base's address plus Addend for
// AddendAddr, and Base's offset in the TLS block plus Addend for
// AddendTLSOffset.
func (r *DynReloc) FinalAddend(ctx *Context) int64 {
	switch r.Kind {
	case AddendAddr:
		return int64(r.Base.Addr()) + r.Addend
	case AddendTLSOffset:
		return int64(r.Base.Addr()-ctx.TLSBegin) + r.Addend
	}
	return r.Addend
}

func (r *DynReloc) isText() bool {
	return r.Section != nil && r.Section.Flags&elf.SHF_WRITE == 0
}

type RelocSection struct {
	BaseChunk
	Relocs []DynReloc
}

func NewRelocSection(ctx *Context, name string) *RelocSection {
	typ := elf.SHT_REL
	if ctx.Target.IsRela(ctx) {
		typ = elf.SHT_RELA
		name = ".rela" + name
	} else {
		name = ".rel" + name
	}
	return &RelocSection{BaseChunk: NewBaseChunk(name, typ, elf.SHF_ALLOC, ctx.WordSize())}
}

func (s *RelocSection) Add(r DynReloc) {
	s.Relocs = append(s.Relocs, r)
}

func (s *RelocSection) UpdateHeader(ctx *Context) {
	s.shdr.EntSize = uint64(relocEntrySize(ctx.Class, s.shdr.Type == elf.SHT_RELA))
	s.shdr.Size = uint64(len(s.Relocs)) * s.shdr.EntSize
	if ctx.Dynsym != nil {
		s.shdr.Link = uint32(ctx.Dynsym.Shndx())
	}
}

func (s *RelocSection) Write(ctx *Context, buf []byte) error {
	rela := s.shdr.Type == elf.SHT_RELA
	for i, r := range s.Relocs {
		ent := buf[uint64(i)*s.shdr.EntSize:]
		var symIdx uint32
		if r.Sym != nil {
			symIdx = uint32(r.Sym.DynIdx)
		}
		info := ctx.Target.EncodeRelInfo(ctx, symIdx, r.Type)
		switch {
		case ctx.Is64() && rela:
			putStruct(ent, ctx.ByteOrder, &elf.Rela64{Off: r.Addr(), Info: info, Addend: r.FinalAddend(ctx)})
		case ctx.Is64():
			putStruct(ent, ctx.ByteOrder, &elf.Rel64{Off: r.Addr(), Info: info})
		case rela:
			putStruct(ent, ctx.ByteOrder, &elf.Rela32{Off: uint32(r.Addr()), Info: uint32(info), Addend: int32(r.FinalAddend(ctx))})
		default:
			putStruct(ent, ctx.ByteOrder, &elf.Rel32{Off: uint32(r.Addr()), Info: uint32(info)})
		}
	}
	return nil
}

type DynBssSection struct {
	BaseChunk
}

func NewDynBssSection() *DynBssSection {
	return &DynBssSection{NewBaseChunk(".dynbss", elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 1)}
}

func (s *DynBssSection) Allocate(size, align uint64) uint64 {
	off := utils.AlignTo(s.shdr.Size, align)
	s.shdr.Size = off + size
	s.shdr.AddrAlign = max(s.shdr.AddrAlign, align)
	return off
}

func (s *DynBssSection) Write(*Context, []byte) error {
	return nil
}

// AddCopyRelocation reserves space in .dynbss for a data object defined by a
// shared library and redirects the object and its aliases there.
func AddCopyRelocation(ctx *Context, sym *Symbol, typ uint32) {
	if sym.Flags&CopyRelocated != 0 || !sym.IsShared() {
		return
	}
	align := uint64(16)
	for align > 1 && sym.Value%align != 0 {
		align >>= 1
	}
	off := ctx.DynBss.Allocate(max(sym.Size, 1), align)
	aliases := append(sym.Lib.aliases(ctx, sym), sym)
	for _, alias := range aliases {
		alias.Chunk = ctx.DynBss
		alias.Value = off
		alias.Flags |= CopyRelocated | NeedsDynsym
	}
	ctx.RelDyn.Add(DynReloc{Type: typ, Sym: sym, Chunk: ctx.DynBss, Offset: off})
	ctx.Diag.Tracef("copy relocation for %s (%d bytes)", sym.Name, sym.Size)
}

type DynamicSection struct {
	BaseChunk
}

func NewDynamicSection(ctx *Context) *DynamicSection {
	flags := elf.SHF_ALLOC | elf.SHF_WRITE
	return &DynamicSection{NewBaseChunk(".dynamic", elf.SHT_DYNAMIC, flags, ctx.WordSize())}
}

func (s *DynamicSection) entSize(ctx *Context) uint64 {
	return 2 * ctx.WordSize()
}

func (s *DynamicSection) UpdateHeader(ctx *Context) {
	s.shdr.EntSize = s.entSize(ctx)
	s.shdr.Size = uint64(len(dynamicEntries(ctx))) * s.shdr.EntSize
	s.shdr.Link = uint32(ctx.Dynstr.Shndx())
}

func (s *DynamicSection) Write(ctx *Context, buf []byte) error {
	size := s.entSize(ctx)
	for i, d := range dynamicEntries(ctx) {
		ent := buf[uint64(i)*size:]
		if ctx.Is64() {
			putStruct(ent, ctx.ByteOrder, &d)
			continue
		}
		putStruct(ent, ctx.ByteOrder, &elf.Dyn32{Tag: int32(d.Tag), Val: uint32(d.Val)})
	}
	return nil
}

func hasRelocs(s *RelocSection) bool {
	return s != nil && len(s.Relocs) > 0
}

// dynamicEntries computes the .dynamic contents. The same list serves both
// sizing and writing.
func dynamicEntries(ctx *Context) []elf.Dyn64 {
	var entries []elf.Dyn64
	add := func(tag elf.DynTag, val uint64) {
		entries = append(entries, elf.Dyn64{Tag: int64(tag), Val: val})
	}
	for _, lib := range ctx.Libs {
		if lib.IsNeeded() {
			add(elf.DT_NEEDED, uint64(ctx.Dynstr.Add(lib.Name)))
		}
	}
	if ctx.Opts.Soname != "" {
		add(elf.DT_SONAME, uint64(ctx.Dynstr.Add(ctx.Opts.Soname)))
	}
	add(elf.DT_HASH, ctx.Hash.shdr.Addr)
	add(elf.DT_STRTAB, ctx.Dynstr.shdr.Addr)
	add(elf.DT_SYMTAB, ctx.Dynsym.shdr.Addr)
	add(elf.DT_STRSZ, ctx.Dynstr.shdr.Size)
	add(elf.DT_SYMENT, symEntSize(ctx))
	if hasRelocs(ctx.RelDyn) {
		h := ctx.RelDyn.Header()
		if h.Type == elf.SHT_RELA {
			add(elf.DT_RELA, h.Addr)
			add(elf.DT_RELASZ, h.Size)
			add(elf.DT_RELAENT, h.EntSize)
		} else {
			add(elf.DT_REL, h.Addr)
			add(elf.DT_RELSZ, h.Size)
			add(elf.DT_RELENT, h.EntSize)
		}
	}
	if hasRelocs(ctx.RelPlt) {
		h := ctx.RelPlt.Header()
		add(elf.DT_JMPREL, h.Addr)
		add(elf.DT_PLTRELSZ, h.Size)
		if h.Type == elf.SHT_RELA {
			add(elf.DT_PLTREL, uint64(elf.DT_RELA))
		} else {
			add(elf.DT_PLTREL, uint64(elf.DT_REL))
		}
	}
	if ctx.Opts.Symbolic {
		add(elf.DT_SYMBOLIC, 0)
	}
	if hasTextRelocs(ctx) {
		add(elf.DT_TEXTREL, 0)
	}
	if !ctx.IsShared() {
		add(elf.DT_DEBUG, 0)
	}
	entries = append(entries, ctx.Target.DynamicTags(ctx)...)
	add(elf.DT_NULL, 0)
	return entries
}

func hasTextRelocs(ctx *Context) bool {
	for _, s := range []*RelocSection{ctx.RelDyn, ctx.RelPlt} {
		if s == nil {
			continue
		}
		for i := range s.Relocs {
			if s.Relocs[i].isText() {
				return true
			}
		}
	}
	return false
}

// ComputeDynamicSymbols selects and orders the .dynsym entries.
func ComputeDynamicSymbols(ctx *Context) {
	if !ctx.IsDynamic() {
		return
	}
	for _, lib := range ctx.Libs {
		if !lib.IsNeeded() {
			continue
		}
		lib.Lib.Imports(func(esym *elf.Symbol) bool {
			sym := ctx.LookupSymbol(esym.Name)
			if sym != nil && sym.Live && sym.File != nil && sym.IsDefined() && sym.Visibility() == elf.STV_DEFAULT {
				sym.Flags |= NeedsDynsym
			}
			return true
		})
	}
	var syms []*Symbol
	for _, sym := range ctx.Globals {
		if !sym.Live || isHiddenDefinition(sym) {
			continue
		}
		switch {
		case sym.Flags&NeedsDynsym != 0:
		case ctx.IsShared() && sym.File != nil && sym.IsDefined():
		case ctx.IsShared() && sym.IsUndefined():
		default:
			continue
		}
		syms = append(syms, sym)
	}
	syms = ctx.Target.SortDynamicSymbols(ctx, syms)
	ctx.DynSymbols = syms
	for i, sym := range syms {
		sym.DynIdx = i + 1
		ctx.Dynstr.Add(sym.Name)
	}
	for _, lib := range ctx.Libs {
		if lib.IsNeeded() {
			ctx.Dynstr.Add(lib.Name)
		}
	}
	if ctx.Opts.Soname != "" {
		ctx.Dynstr.Add(ctx.Opts.Soname)
	}
}
