// Package elftest assembles small ELF relocatable objects in memory so that
// linker tests can describe their inputs declaratively.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

const (
	SectionUndef  = ""
	SectionAbs    = "*ABS*"
	SectionCommon = "*COM*"
)

type Reloc struct {
	Offset uint64
	Symbol string
	Type   uint32
	Addend int64
}

type Section struct {
	Name   string
	Type   elf.SectionType
	Flags  elf.SectionFlag
	Align  uint64
	Data   []byte
	Size   uint64
	Relocs []Reloc
	Rela   bool
}

type Symbol struct {
	Name    string
	Section string
	Value   uint64
	Size    uint64
	Bind    elf.SymBind
	Type    elf.SymType
	Other   uint8
}

type Group struct {
	Signature string
	Members   []string
}

type Object struct {
	Class    elf.Class
	Data     elf.Data
	Machine  elf.Machine
	Flags    uint32
	Sections []Section
	Symbols  []Symbol
	Groups   []Group
}

type strtab struct {
	data []byte
}

func (s *strtab) add(str string) uint32 {
	if len(s.data) == 0 {
		s.data = []byte{0}
	}
	if str == "" {
		return 0
	}
	off := uint32(len(s.data))
	s.data = append(append(s.data, str...), 0)
	return off
}

type outSection struct {
	name  string
	typ   elf.SectionType
	flags elf.SectionFlag
	align uint64
	data  []byte
	size  uint64
	link  uint32
	info  uint32
	ent   uint64
}

func (o *Object) is64() bool {
	return o.Class == elf.ELFCLASS64
}

func (o *Object) order() binary.ByteOrder {
	if o.Data == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (o *Object) sectionIndex(name string) (int, bool) {
	for i, sec := range o.Sections {
		if sec.Name == name {
			return i + 1, true
		}
	}
	return 0, false
}

// Bytes encodes the object. It fails when a relocation or symbol names
// something that does not exist.
func (o *Object) Bytes() ([]byte, error) {
	order := o.order()
	var secs []outSection
	for _, sec := range o.Sections {
		size := uint64(len(sec.Data))
		if sec.Size > size {
			size = sec.Size
		}
		data := sec.Data
		if sec.Type != elf.SHT_NOBITS && uint64(len(data)) < size {
			data = append(append([]byte(nil), data...), make([]byte, size-uint64(len(data)))...)
		}
		secs = append(secs, outSection{name: sec.Name, typ: sec.Type, flags: sec.Flags, align: max(sec.Align, 1), data: data, size: size})
	}

	var strs strtab
	strs.add("")
	type symEnt struct {
		name  uint32
		value uint64
		size  uint64
		info  uint8
		other uint8
		shndx uint16
	}
	symIndex := make(map[string]uint32)
	ents := []symEnt{{}}
	for i, sec := range o.Sections {
		symIndex[sec.Name] = uint32(len(ents))
		ents = append(ents, symEnt{info: elf.ST_INFO(elf.STB_LOCAL, elf.STT_SECTION), shndx: uint16(i + 1)})
	}
	addSym := func(sym Symbol) error {
		var shndx uint16
		switch sym.Section {
		case SectionUndef:
		case SectionAbs:
			shndx = uint16(elf.SHN_ABS)
		case SectionCommon:
			shndx = uint16(elf.SHN_COMMON)
		default:
			idx, ok := o.sectionIndex(sym.Section)
			if !ok {
				return fmt.Errorf("symbol %s: no section %s", sym.Name, sym.Section)
			}
			shndx = uint16(idx)
		}
		symIndex[sym.Name] = uint32(len(ents))
		ents = append(ents, symEnt{
			name:  strs.add(sym.Name),
			value: sym.Value,
			size:  sym.Size,
			info:  elf.ST_INFO(sym.Bind, sym.Type),
			other: sym.Other,
			shndx: shndx,
		})
		return nil
	}
	for _, sym := range o.Symbols {
		if sym.Bind == elf.STB_LOCAL {
			if err := addSym(sym); err != nil {
				return nil, err
			}
		}
	}
	firstGlobal := len(ents)
	for _, sym := range o.Symbols {
		if sym.Bind != elf.STB_LOCAL {
			if err := addSym(sym); err != nil {
				return nil, err
			}
		}
	}

	symtabIdx := uint32(len(secs) + len(o.Groups) + o.numRelSections() + 1)
	for _, g := range o.Groups {
		sig, ok := symIndex[g.Signature]
		if !ok {
			return nil, fmt.Errorf("group %s: no signature symbol", g.Signature)
		}
		var buf bytes.Buffer
		binary.Write(&buf, order, uint32(1))
		for _, m := range g.Members {
			idx, ok := o.sectionIndex(m)
			if !ok {
				return nil, fmt.Errorf("group %s: no section %s", g.Signature, m)
			}
			binary.Write(&buf, order, uint32(idx))
		}
		secs = append(secs, outSection{name: ".group", typ: elf.SHT_GROUP, align: 4, data: buf.Bytes(), size: uint64(buf.Len()), link: symtabIdx, info: sig, ent: 4})
	}

	for i, sec := range o.Sections {
		if len(sec.Relocs) == 0 {
			continue
		}
		var buf bytes.Buffer
		for _, r := range sec.Relocs {
			var sym uint32
			if r.Symbol != "" {
				idx, ok := symIndex[r.Symbol]
				if !ok {
					return nil, fmt.Errorf("relocation in %s: no symbol %s", sec.Name, r.Symbol)
				}
				sym = idx
			}
			o.writeReloc(&buf, r, sym, sec.Rela)
		}
		name, typ := ".rel"+sec.Name, elf.SHT_REL
		if sec.Rela {
			name, typ = ".rela"+sec.Name, elf.SHT_RELA
		}
		ent := uint64(buf.Len() / len(sec.Relocs))
		secs = append(secs, outSection{name: name, typ: typ, flags: elf.SHF_INFO_LINK, align: 4, data: buf.Bytes(), size: uint64(buf.Len()), link: symtabIdx, info: uint32(i + 1), ent: ent})
	}

	var symbuf bytes.Buffer
	for _, e := range ents {
		if o.is64() {
			binary.Write(&symbuf, order, elf.Sym64{Name: e.name, Info: e.info, Other: e.other, Shndx: e.shndx, Value: e.value, Size: e.size})
		} else {
			binary.Write(&symbuf, order, elf.Sym32{Name: e.name, Value: uint32(e.value), Size: uint32(e.size), Info: e.info, Other: e.other, Shndx: e.shndx})
		}
	}
	symSize := uint64(elf.Sym32Size)
	if o.is64() {
		symSize = elf.Sym64Size
	}
	secs = append(secs,
		outSection{name: ".symtab", typ: elf.SHT_SYMTAB, align: 8, data: symbuf.Bytes(), size: uint64(symbuf.Len()), link: symtabIdx + 1, info: uint32(firstGlobal), ent: symSize},
		outSection{name: ".strtab", typ: elf.SHT_STRTAB, align: 1, data: strs.data, size: uint64(len(strs.data))},
	)
	var shstr strtab
	shstr.add("")
	names := make([]uint32, len(secs)+1)
	for i, sec := range secs {
		names[i] = shstr.add(sec.name)
	}
	names[len(secs)] = shstr.add(".shstrtab")
	secs = append(secs, outSection{name: ".shstrtab", typ: elf.SHT_STRTAB, align: 1})
	secs[len(secs)-1].data = shstr.data
	secs[len(secs)-1].size = uint64(len(shstr.data))

	return o.layout(secs, names), nil
}

func (o *Object) numRelSections() int {
	n := 0
	for _, sec := range o.Sections {
		if len(sec.Relocs) > 0 {
			n++
		}
	}
	return n
}

func (o *Object) writeReloc(buf *bytes.Buffer, r Reloc, sym uint32, rela bool) {
	order := o.order()
	if !o.is64() {
		binary.Write(buf, order, uint32(r.Offset))
		binary.Write(buf, order, elf.R_INFO32(sym, r.Type))
		if rela {
			binary.Write(buf, order, int32(r.Addend))
		}
		return
	}
	info := elf.R_INFO(sym, r.Type)
	if o.Machine == elf.EM_MIPS {
		t1, t2, t3 := uint64(r.Type&0xff), uint64(r.Type>>8&0xff), uint64(r.Type>>16&0xff)
		if o.Data != elf.ELFDATA2MSB {
			info = uint64(sym) | t3<<40 | t2<<48 | t1<<56
		} else {
			info = uint64(sym)<<32 | t3<<16 | t2<<8 | t1
		}
	}
	binary.Write(buf, order, r.Offset)
	binary.Write(buf, order, info)
	if rela {
		binary.Write(buf, order, r.Addend)
	}
}

func alignTo(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func (o *Object) layout(secs []outSection, names []uint32) []byte {
	order := o.order()
	ehsize, shentsize := uint64(52), uint64(40)
	if o.is64() {
		ehsize, shentsize = 64, 64
	}
	offsets := make([]uint64, len(secs))
	off := ehsize
	for i, sec := range secs {
		off = alignTo(off, sec.align)
		offsets[i] = off
		if sec.typ != elf.SHT_NOBITS {
			off += uint64(len(sec.data))
		}
	}
	shoff := alignTo(off, 8)
	out := make([]byte, shoff+uint64(len(secs)+1)*shentsize)
	for i, sec := range secs {
		if sec.typ != elf.SHT_NOBITS {
			copy(out[offsets[i]:], sec.data)
		}
	}

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(o.Class)
	ident[elf.EI_DATA] = byte(o.Data)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	var hdr bytes.Buffer
	shnum, shstrndx := uint16(len(secs)+1), uint16(len(secs))
	if o.is64() {
		binary.Write(&hdr, order, elf.Header64{Ident: ident, Type: uint16(elf.ET_REL), Machine: uint16(o.Machine), Version: 1, Shoff: shoff, Flags: o.Flags, Ehsize: uint16(ehsize), Shentsize: uint16(shentsize), Shnum: shnum, Shstrndx: shstrndx})
	} else {
		binary.Write(&hdr, order, elf.Header32{Ident: ident, Type: uint16(elf.ET_REL), Machine: uint16(o.Machine), Version: 1, Shoff: uint32(shoff), Flags: o.Flags, Ehsize: uint16(ehsize), Shentsize: uint16(shentsize), Shnum: shnum, Shstrndx: shstrndx})
	}
	copy(out, hdr.Bytes())

	for i, sec := range secs {
		var sh bytes.Buffer
		if o.is64() {
			binary.Write(&sh, order, elf.Section64{Name: names[i], Type: uint32(sec.typ), Flags: uint64(sec.flags), Off: offsets[i], Size: sec.size, Link: sec.link, Info: sec.info, Addralign: sec.align, Entsize: sec.ent})
		} else {
			binary.Write(&sh, order, elf.Section32{Name: names[i], Type: uint32(sec.typ), Flags: uint32(sec.flags), Off: uint32(offsets[i]), Size: uint32(sec.size), Link: sec.link, Info: sec.info, Addralign: uint32(sec.align), Entsize: uint32(sec.ent)})
		}
		copy(out[shoff+uint64(i+1)*shentsize:], sh.Bytes())
	}
	return out
}

// WriteFile encodes o into dir/name and returns the path.
func (o *Object) WriteFile(t testing.TB, dir, name string) string {
	t.Helper()
	data, err := o.Bytes()
	if err != nil {
		t.Fatalf("encode %s: %v", name, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// Archive bundles members into a GNU ar archive.
func Archive(members map[string][]byte, order []string) []byte {
	var buf bytes.Buffer
	buf.WriteString("!<arch>\n")
	for _, name := range order {
		data := members[name]
		fmt.Fprintf(&buf, "%-16s%-12d%-6d%-6d%-8o%-10d`\n", name+"/", 0, 0, 0, 0o644, len(data))
		buf.Write(data)
		if buf.Len()%2 == 1 {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}

func Word32(order binary.ByteOrder, words ...uint32) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		order.PutUint32(buf[4*i:], w)
	}
	return buf
}
