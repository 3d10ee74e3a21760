package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
)

const shfExclude = elf.SectionFlag(0x80000000)

type comdatGroup struct {
	signature string
	members   []uint32
}

type ObjectFile struct {
	Name        string
	Priority    int
	Elf         *elf.File
	Flags       uint32
	Sections    []*InputSection
	Symbols     []*Symbol
	ElfSyms     []elf.Symbol
	FirstGlobal int
	Alive       bool

	groups []comdatGroup
}

func parseObject(ctx *Context, name string, data []byte, inArchive bool) (*ObjectFile, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if ef.Type != elf.ET_REL {
		return nil, fmt.Errorf("%s: %w: %v", name, ErrUnknownFileType, ef.Type)
	}
	if ef.Machine != ctx.Opts.Machine {
		return nil, fmt.Errorf("%s: %w: %v", name, ErrIncompatibleMachine, ef.Machine)
	}
	if ef.Class != ctx.Class || ef.Data != ctx.Opts.Data {
		return nil, fmt.Errorf("%s: %w: %v %v is incompatible with %v %v", name, ErrIncompatibleClass, ef.Class, ef.Data, ctx.Class, ctx.Opts.Data)
	}
	f := &ObjectFile{
		Name:     name,
		Priority: ctx.nextPriority(),
		Elf:      ef,
		Flags:    headerFlags(data, ef.Class, ctx.ByteOrder),
		Alive:    !inArchive,
	}
	if err := f.initSymbols(ctx); err != nil {
		return nil, err
	}
	if err := f.initSections(ctx); err != nil {
		return nil, err
	}
	if err := f.initRelocations(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

func headerFlags(data []byte, class elf.Class, order binary.ByteOrder) uint32 {
	off := 36
	if class == elf.ELFCLASS64 {
		off = 48
	}
	if len(data) < off+4 {
		return 0
	}
	return order.Uint32(data[off:])
}

func (f *ObjectFile) initSymbols(ctx *Context) error {
	syms, err := f.Elf.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return fmt.Errorf("%s: %w", f.Name, err)
	}
	f.ElfSyms = append([]elf.Symbol{{}}, syms...)
	f.FirstGlobal = len(f.ElfSyms)
	for _, sec := range f.Elf.Sections {
		if sec.Type == elf.SHT_SYMTAB {
			f.FirstGlobal = min(int(sec.Info), len(f.ElfSyms))
			break
		}
	}
	f.Symbols = make([]*Symbol, len(f.ElfSyms))
	for i := range f.ElfSyms {
		esym := &f.ElfSyms[i]
		if i >= f.FirstGlobal {
			f.Symbols[i] = ctx.Symbol(esym.Name)
			continue
		}
		sym := newSymbol(esym.Name)
		sym.File = f
		sym.SymIdx = i
		sym.Local = true
		sym.Value = esym.Value
		sym.Size = esym.Size
		sym.Type = elf.ST_TYPE(esym.Info)
		sym.Bind = elf.STB_LOCAL
		sym.Other = esym.Other
		sym.Abs = esym.Section == elf.SHN_ABS
		if i > 0 {
			sym.kind = symDefined
		}
		f.Symbols[i] = sym
	}
	return nil
}

func (f *ObjectFile) initSections(ctx *Context) error {
	f.Sections = make([]*InputSection, len(f.Elf.Sections))
	for i, sec := range f.Elf.Sections {
		switch sec.Type {
		case elf.SHT_NULL, elf.SHT_SYMTAB, elf.SHT_STRTAB, elf.SHT_REL, elf.SHT_RELA, elf.SHT_SYMTAB_SHNDX:
			continue
		case elf.SHT_GROUP:
			if err := f.readGroup(sec); err != nil {
				return err
			}
			continue
		}
		if sec.Flags&shfExclude != 0 || sec.Name == ".note.GNU-stack" {
			continue
		}
		if ctx.Target.Discard(ctx, f, sec) {
			continue
		}
		isec := &InputSection{
			File:  f,
			Name:  sec.Name,
			Index: i,
			Type:  sec.Type,
			Flags: sec.Flags,
			Size:  sec.Size,
			Align: max(sec.Addralign, 1),
			Alive: true,
		}
		if sec.Type != elf.SHT_NOBITS {
			data, err := sec.Data()
			if err != nil {
				return fmt.Errorf("%s: %s: %w", f.Name, sec.Name, err)
			}
			isec.Contents = data
		}
		f.Sections[i] = isec
	}
	for _, sym := range f.Symbols[1:f.FirstGlobal] {
		esym := &f.ElfSyms[sym.SymIdx]
		if esym.Section != elf.SHN_UNDEF && esym.Section < elf.SHN_LORESERVE && int(esym.Section) < len(f.Sections) {
			sym.Section = f.Sections[esym.Section]
		}
	}
	return nil
}

func (f *ObjectFile) readGroup(sec *elf.Section) error {
	data, err := sec.Data()
	if err != nil {
		return fmt.Errorf("%s: %s: %w", f.Name, sec.Name, err)
	}
	if len(data) < 4 || f.Elf.ByteOrder.Uint32(data)&0x1 == 0 {
		return nil
	}
	if int(sec.Info) >= len(f.ElfSyms) {
		return fmt.Errorf("%s: %s: %w", f.Name, sec.Name, ErrBadSymbolIndex)
	}
	g := comdatGroup{signature: f.ElfSyms[sec.Info].Name}
	for off := 4; off+4 <= len(data); off += 4 {
		g.members = append(g.members, f.Elf.ByteOrder.Uint32(data[off:]))
	}
	f.groups = append(f.groups, g)
	return nil
}

func (f *ObjectFile) initRelocations(ctx *Context) error {
	for _, sec := range f.Elf.Sections {
		if sec.Type != elf.SHT_REL && sec.Type != elf.SHT_RELA {
			continue
		}
		if int(sec.Info) >= len(f.Sections) || f.Sections[sec.Info] == nil {
			continue
		}
		isec := f.Sections[sec.Info]
		data, err := sec.Data()
		if err != nil {
			return fmt.Errorf("%s: %s: %w", f.Name, sec.Name, err)
		}
		rela := sec.Type == elf.SHT_RELA
		rels, err := f.decodeRelocations(ctx, data, rela)
		if err != nil {
			return fmt.Errorf("%s: %s: %w", f.Name, sec.Name, err)
		}
		isec.Rels = append(isec.Rels, rels...)
		isec.IsRela = rela
	}
	return nil
}

func (f *ObjectFile) decodeRelocations(ctx *Context, data []byte, rela bool) ([]Reloc, error) {
	order := f.Elf.ByteOrder
	size := relocEntrySize(f.Elf.Class, rela)
	rels := make([]Reloc, 0, len(data)/size)
	for off := 0; off+size <= len(data); off += size {
		var r Reloc
		var info uint64
		if f.Elf.Class == elf.ELFCLASS64 {
			r.Offset = order.Uint64(data[off:])
			info = order.Uint64(data[off+8:])
			if rela {
				r.Addend = int64(order.Uint64(data[off+16:]))
			}
		} else {
			r.Offset = uint64(order.Uint32(data[off:]))
			info = uint64(order.Uint32(data[off+4:]))
			if rela {
				r.Addend = int64(int32(order.Uint32(data[off+8:])))
			}
		}
		r.Sym, r.Type = ctx.Target.DecodeRelInfo(ctx, info)
		if int(r.Sym) >= len(f.Symbols) {
			return nil, fmt.Errorf("%w: %d", ErrBadSymbolIndex, r.Sym)
		}
		rels = append(rels, r)
	}
	return rels, nil
}

func relocEntrySize(class elf.Class, rela bool) int {
	switch {
	case class == elf.ELFCLASS64 && rela:
		return 24
	case class == elf.ELFCLASS64:
		return 16
	case rela:
		return 12
	}
	return 8
}

// SectionData returns the contents of a section that was not turned into an
// input section, such as one the target discards after reading.
func (f *ObjectFile) SectionData(name string) []byte {
	sec := f.Elf.Section(name)
	if sec == nil || sec.Type == elf.SHT_NOBITS {
		return nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil
	}
	return data
}

func (f *ObjectFile) isDiscarded(shndx elf.SectionIndex) bool {
	if shndx == elf.SHN_UNDEF || shndx >= elf.SHN_LORESERVE || int(shndx) >= len(f.Sections) {
		return false
	}
	isec := f.Sections[shndx]
	return isec != nil && !isec.Alive
}

func (f *ObjectFile) String() string {
	return f.Name
}
