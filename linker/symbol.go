package linker

import "debug/elf"

type SymbolFlag uint32

const (
	NeedsDynsym SymbolFlag = 1 << iota
	CopyRelocated
	CanonicalPLT
)

type symKind uint8

const (
	symUndefined symKind = iota
	symShared
	symCommon
	symDefined
)

type Symbol struct {
	Name    string
	File    *ObjectFile
	Lib     *SharedFile
	Section *InputSection
	Chunk   Chunk
	Value   uint64
	Size    uint64
	Type    elf.SymType
	Bind    elf.SymBind
	Other   uint8
	Abs     bool
	Local   bool
	Live    bool
	Index   int
	SymIdx  int
	DynIdx  int
	Flags   SymbolFlag
	Aux     int32

	kind      symKind
	strongRef bool
	refFile   *ObjectFile
	align     uint64
}

func newSymbol(name string) *Symbol {
	return &Symbol{Name: name, Index: -1, SymIdx: -1, Aux: -1}
}

// Symbol interns a global symbol by name.
func (ctx *Context) Symbol(name string) *Symbol {
	if sym, ok := ctx.symbolMap[name]; ok {
		return sym
	}
	sym := newSymbol(name)
	sym.Index = len(ctx.Globals)
	ctx.symbolMap[name] = sym
	ctx.Globals = append(ctx.Globals, sym)
	return sym
}

func (ctx *Context) LookupSymbol(name string) *Symbol {
	return ctx.symbolMap[name]
}

// DefineSymbol turns name into a linker-provided definition. Without force
// this only happens when a live input references name and nothing defines it.
func (ctx *Context) DefineSymbol(name string, force bool) *Symbol {
	sym := ctx.symbolMap[name]
	if sym == nil {
		if !force {
			return nil
		}
		sym = ctx.Symbol(name)
	}
	if sym.kind == symDefined || sym.kind == symCommon {
		return nil
	}
	if !force && !sym.Live {
		return nil
	}
	sym.kind = symDefined
	sym.File = nil
	sym.Lib = nil
	sym.Live = true
	sym.Bind = elf.STB_GLOBAL
	sym.Type = elf.STT_NOTYPE
	return sym
}

func (ctx *Context) AddLocalSymbol(name string, isec *InputSection, value, size uint64, typ elf.SymType) *Symbol {
	sym := newSymbol(name)
	sym.Section = isec
	sym.Value = value
	sym.Size = size
	sym.Type = typ
	sym.Bind = elf.STB_LOCAL
	sym.Local = true
	sym.Live = true
	sym.kind = symDefined
	ctx.Locals = append(ctx.Locals, sym)
	return sym
}

func (s *Symbol) IsUndefined() bool {
	return s.kind == symUndefined && !s.Abs && s.Section == nil && s.Chunk == nil
}

func (s *Symbol) IsShared() bool {
	return s.kind == symShared
}

func (s *Symbol) IsDefined() bool {
	return s.kind == symDefined || s.kind == symCommon
}

func (s *Symbol) IsWeakUndefined() bool {
	return s.IsUndefined() && !s.strongRef
}

// refBind is the binding an import carries: weak only when every
// reference to it is weak.
func (s *Symbol) refBind() elf.SymBind {
	if s.strongRef {
		return elf.STB_GLOBAL
	}
	return elf.STB_WEAK
}

func (s *Symbol) Visibility() elf.SymVis {
	return elf.ST_VISIBILITY(s.Other)
}

func (s *Symbol) IsFunc() bool {
	return s.Type == elf.STT_FUNC || s.Type == elf.STT_GNU_IFUNC
}

// IsPreemptible reports whether the final address is decided by the dynamic
// loader rather than at link time.
func (s *Symbol) IsPreemptible(ctx *Context) bool {
	if s.Local {
		return false
	}
	switch s.kind {
	case symShared:
		return s.Flags&CopyRelocated == 0
	case symUndefined:
		return !s.Abs && ctx.IsShared()
	}
	if s.File == nil || !ctx.IsShared() || ctx.Opts.Symbolic {
		return false
	}
	return s.Visibility() == elf.STV_DEFAULT
}

func (s *Symbol) Addr() uint64 {
	switch {
	case s.Section != nil:
		return s.Section.Addr() + s.Value
	case s.Chunk != nil:
		return s.Chunk.Header().Addr + s.Value
	case s.kind == symShared:
		return 0
	}
	return s.Value
}

func (s *Symbol) OutputShndx() elf.SectionIndex {
	switch {
	case s.Abs:
		return elf.SHN_ABS
	case s.Section != nil:
		if s.Section.Output == nil {
			return elf.SHN_UNDEF
		}
		return elf.SectionIndex(s.Section.Output.Shndx())
	case s.Chunk != nil:
		return elf.SectionIndex(s.Chunk.Shndx())
	case s.kind == symDefined:
		return elf.SHN_ABS
	}
	return elf.SHN_UNDEF
}

func (s *Symbol) elfInfo() uint8 {
	bind := s.Bind
	if s.Local {
		bind = elf.STB_LOCAL
	}
	return elf.ST_INFO(bind, s.Type)
}

func (s *Symbol) String() string {
	return s.Name
}

func mergeVisibility(cur, other uint8) uint8 {
	a, b := cur&3, other&3
	switch {
	case b == 0:
		return cur
	case a == 0 || b < a:
		return cur&^3 | b
	}
	return cur
}
