package linker

import (
	"debug/elf"

	dso "github.com/wnxd/microdbg-linker/elf"
)

type StrtabSection struct {
	BaseChunk
	data    []byte
	offsets map[string]uint32
}

func NewStrtabSection(name string, flags elf.SectionFlag) *StrtabSection {
	s := &StrtabSection{BaseChunk: NewBaseChunk(name, elf.SHT_STRTAB, flags, 1)}
	s.reset()
	return s
}

func (s *StrtabSection) reset() {
	s.data = []byte{0}
	s.offsets = map[string]uint32{"": 0}
}

func (s *StrtabSection) Add(str string) uint32 {
	if off, ok := s.offsets[str]; ok {
		return off
	}
	off := uint32(len(s.data))
	s.data = append(s.data, str...)
	s.data = append(s.data, 0)
	s.offsets[str] = off
	return off
}

func (s *StrtabSection) UpdateHeader(*Context) {
	s.shdr.Size = uint64(len(s.data))
}

func (s *StrtabSection) Write(_ *Context, buf []byte) error {
	copy(buf, s.data)
	return nil
}

func symEntSize(ctx *Context) uint64 {
	if ctx.Is64() {
		return elf.Sym64Size
	}
	return elf.Sym32Size
}

func putSym(ctx *Context, buf []byte, name uint32, value, size uint64, info, other uint8, shndx elf.SectionIndex) {
	if ctx.Is64() {
		putStruct(buf, ctx.ByteOrder, &elf.Sym64{
			Name:  name,
			Info:  info,
			Other: other,
			Shndx: uint16(shndx),
			Value: value,
			Size:  size,
		})
		return
	}
	putStruct(buf, ctx.ByteOrder, &elf.Sym32{
		Name:  name,
		Value: uint32(value),
		Size:  uint32(size),
		Info:  info,
		Other: other,
		Shndx: uint16(shndx),
	})
}

// symbolValue is the st_value written for sym in either symbol table.
func symbolValue(ctx *Context, sym *Symbol) uint64 {
	switch {
	case sym.IsShared() && sym.Flags&(CopyRelocated|CanonicalPLT) == 0:
		return 0
	case sym.IsUndefined():
		return 0
	case sym.Type == elf.STT_TLS:
		return sym.Addr() - ctx.TLSBegin
	}
	return sym.Addr()
}

func symbolShndx(sym *Symbol) elf.SectionIndex {
	if sym.IsShared() && sym.Flags&CopyRelocated == 0 {
		return elf.SHN_UNDEF
	}
	return sym.OutputShndx()
}

type SymtabSection struct {
	BaseChunk
	syms        []*Symbol
	names       []uint32
	firstGlobal int
}

func NewSymtabSection() *SymtabSection {
	return &SymtabSection{BaseChunk: NewBaseChunk(".symtab", elf.SHT_SYMTAB, 0, 8)}
}

func includeLocal(sym *Symbol) bool {
	if sym.Name == "" || sym.Type == elf.STT_SECTION || sym.Type == elf.STT_FILE {
		return false
	}
	if sym.Section != nil {
		return sym.Section.Alive && sym.Section.Output != nil
	}
	return true
}

func isHiddenDefinition(sym *Symbol) bool {
	if !sym.IsDefined() {
		return false
	}
	vis := sym.Visibility()
	return vis == elf.STV_HIDDEN || vis == elf.STV_INTERNAL
}

func (s *SymtabSection) UpdateHeader(ctx *Context) {
	s.syms = append(s.syms[:0], nil)
	for _, f := range ctx.Objs {
		for _, sym := range f.Symbols[1:f.FirstGlobal] {
			if includeLocal(sym) {
				s.syms = append(s.syms, sym)
			}
		}
	}
	s.syms = append(s.syms, ctx.Locals...)
	for _, sym := range ctx.Globals {
		if sym.Live && isHiddenDefinition(sym) {
			s.syms = append(s.syms, sym)
		}
	}
	s.firstGlobal = len(s.syms)
	for _, sym := range ctx.Globals {
		if sym.Live && !isHiddenDefinition(sym) {
			s.syms = append(s.syms, sym)
		}
	}

	ctx.Strtab.reset()
	s.names = s.names[:0]
	for _, sym := range s.syms {
		if sym == nil {
			s.names = append(s.names, 0)
			continue
		}
		s.names = append(s.names, ctx.Strtab.Add(sym.Name))
	}
	s.shdr.Size = uint64(len(s.syms)) * symEntSize(ctx)
	s.shdr.EntSize = symEntSize(ctx)
	s.shdr.AddrAlign = ctx.WordSize()
	s.shdr.Info = uint32(s.firstGlobal)
	s.shdr.Link = uint32(ctx.Strtab.Shndx())
}

func (s *SymtabSection) Write(ctx *Context, buf []byte) error {
	size := symEntSize(ctx)
	for i, sym := range s.syms {
		if sym == nil {
			continue
		}
		bind := sym.Bind
		if i < s.firstGlobal {
			bind = elf.STB_LOCAL
		}
		info := elf.ST_INFO(bind, sym.Type)
		putSym(ctx, buf[uint64(i)*size:], s.names[i], symbolValue(ctx, sym), sym.Size, info, sym.Other, symbolShndx(sym))
	}
	return nil
}

type DynsymSection struct {
	BaseChunk
	names []uint32
}

func NewDynsymSection() *DynsymSection {
	return &DynsymSection{BaseChunk: NewBaseChunk(".dynsym", elf.SHT_DYNSYM, elf.SHF_ALLOC, 8)}
}

func (s *DynsymSection) UpdateHeader(ctx *Context) {
	s.shdr.Size = uint64(len(ctx.DynSymbols)+1) * symEntSize(ctx)
	s.shdr.EntSize = symEntSize(ctx)
	s.shdr.AddrAlign = ctx.WordSize()
	s.shdr.Info = 1
	s.shdr.Link = uint32(ctx.Dynstr.Shndx())
}

func (s *DynsymSection) Write(ctx *Context, buf []byte) error {
	size := symEntSize(ctx)
	for i, sym := range ctx.DynSymbols {
		name := ctx.Dynstr.Add(sym.Name)
		info := elf.ST_INFO(sym.Bind, sym.Type)
		putSym(ctx, buf[uint64(i+1)*size:], name, symbolValue(ctx, sym), sym.Size, info, sym.Other, symbolShndx(sym))
	}
	return nil
}

type HashSection struct {
	BaseChunk
}

func NewHashSection() *HashSection {
	return &HashSection{NewBaseChunk(".hash", elf.SHT_HASH, elf.SHF_ALLOC, 4)}
}

func (s *HashSection) names(ctx *Context) []string {
	names := make([]string, len(ctx.DynSymbols)+1)
	for i, sym := range ctx.DynSymbols {
		names[i+1] = sym.Name
	}
	return names
}

func (s *HashSection) UpdateHeader(ctx *Context) {
	buckets, chains := dso.SysvHash(s.names(ctx))
	s.shdr.Size = uint64(2+len(buckets)+len(chains)) * 4
	s.shdr.EntSize = 4
	s.shdr.Link = uint32(ctx.Dynsym.Shndx())
}

func (s *HashSection) Write(ctx *Context, buf []byte) error {
	buckets, chains := dso.SysvHash(s.names(ctx))
	ctx.ByteOrder.PutUint32(buf, uint32(len(buckets)))
	ctx.ByteOrder.PutUint32(buf[4:], uint32(len(chains)))
	off := 8
	for _, v := range append(buckets, chains...) {
		ctx.ByteOrder.PutUint32(buf[off:], v)
		off += 4
	}
	return nil
}
