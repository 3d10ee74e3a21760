package elf

import (
	"debug/elf"
	"encoding/binary"
	"io"
	"math"
	"slices"

	"github.com/wnxd/microdbg/debugger"
)

type Library interface {
	io.Closer
	Name() string
	Class() elf.Class
	Machine() elf.Machine
	ByteOrder() binary.ByteOrder
	Flags() uint32
	DynValue(tag elf.DynTag) []uint64
	Needed() []string
	NumSymbols() uint32
	GetSymbol(index uint32) *elf.Symbol
	FindSymbol(name string) (*elf.Symbol, error)
	Symbols(yield func(debugger.Symbol) bool)
	Imports(yield func(*elf.Symbol) bool)
}

type library struct {
	name    string
	r       io.ReaderAt
	closer  io.Closer
	header  elf.FileHeader
	flags   uint32
	progs   []elf.ProgHeader
	dynamic map[elf.DynTag][]uint64
	hash    elfHashTable
	gnuHash gnuHashTable
	needed  []string
	symbols []*elf.Symbol
	count   uint32
}

func (l *library) init() error {
	l.dynamic = make(map[elf.DynTag][]uint64)
	if !l.parseDynamic() {
		return ErrNoDynamic
	}
	l.parseHash()
	l.parseName()
	l.parseNeeded()
	l.count = l.symbolCount()
	return nil
}

func (l *library) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *library) Name() string {
	return l.name
}

func (l *library) Class() elf.Class {
	return l.header.Class
}

func (l *library) Machine() elf.Machine {
	return l.header.Machine
}

func (l *library) ByteOrder() binary.ByteOrder {
	return byteOrder(l.header)
}

func (l *library) Flags() uint32 {
	return l.flags
}

func (l *library) DynValue(tag elf.DynTag) []uint64 {
	return l.dynamic[tag]
}

func (l *library) Needed() []string {
	return l.needed
}

func (l *library) NumSymbols() uint32 {
	return l.count
}

func (l *library) FindSymbol(name string) (*elf.Symbol, error) {
	if sym, err := l.findGNUHashSymbol(name); sym != nil {
		return sym, nil
	} else if err != nil {
		return nil, err
	} else if sym, err = l.findHashSymbol(name); sym != nil {
		return sym, nil
	} else if err != nil {
		return nil, err
	}
	for i := uint32(1); i < l.count; i++ {
		sym := l.GetSymbol(i)
		if sym != nil && sym.Name == name && isExport(sym) {
			return sym, nil
		}
	}
	return nil, debugger.ErrSymbolNotFound
}

func (l *library) Symbols(yield func(debugger.Symbol) bool) {
	for i := uint32(1); i < l.count; i++ {
		sym := l.GetSymbol(i)
		if sym == nil {
			break
		} else if !isExport(sym) {
			continue
		} else if !yield(debugger.Symbol{Name: sym.Name, Value: sym.Value}) {
			break
		}
	}
}

func (l *library) Imports(yield func(*elf.Symbol) bool) {
	for i := uint32(1); i < l.count; i++ {
		sym := l.GetSymbol(i)
		if sym == nil {
			break
		} else if !IsImportSymbol(sym) {
			continue
		} else if !yield(sym) {
			break
		}
	}
}

func (l *library) GetSymbol(index uint32) *elf.Symbol {
	count := uint32(len(l.symbols))
	if index < count {
		return l.symbols[index]
	}
	size := index - count + 1
	ent := l.dynamic[elf.DT_SYMENT]
	for i, v := range l.dynamic[elf.DT_SYMTAB] {
		n := uint32(symEntSize(l.header.Class))
		if i < len(ent) && ent[i] != 0 {
			n = uint32(ent[i])
		}
		sr := l.sectionReader(v+uint64(count*n), uint64(size*n))
		switch l.header.Class {
		case elf.ELFCLASS32:
			l.parseSym32(sr)
		case elf.ELFCLASS64:
			l.parseSym64(sr)
		}
		if uint32(len(l.symbols)) == count {
			break
		}
		count = uint32(len(l.symbols))
		if index < count {
			return l.symbols[index]
		}
		size = index - count + 1
	}
	return nil
}

func (l *library) symbolCount() uint32 {
	if n := uint32(len(l.hash.chains)); n != 0 {
		return n
	}
	if len(l.gnuHash.buckets) != 0 {
		count := slices.Max(l.gnuHash.buckets)
		if count < l.gnuHash.symbias {
			return l.gnuHash.symbias
		}
		for ; ; count++ {
			if l.getGNUChain(count-l.gnuHash.symbias)&1 != 0 {
				break
			}
		}
		return count + 1
	}
	symtab, strtab := l.dynamic[elf.DT_SYMTAB], l.dynamic[elf.DT_STRTAB]
	ent := l.dynamic[elf.DT_SYMENT]
	if len(symtab) != 0 && len(strtab) != 0 && len(ent) != 0 && strtab[0] > symtab[0] && ent[0] != 0 {
		return uint32((strtab[0] - symtab[0]) / ent[0])
	}
	return 0
}

func (l *library) findHashSymbol(name string) (*elf.Symbol, error) {
	if len(l.hash.buckets) == 0 {
		return nil, nil
	}
	h := elfHash(name)
	index := l.hash.buckets[h%uint32(len(l.hash.buckets))]
	for index != 0 && index < uint32(len(l.hash.chains)) {
		sym := l.GetSymbol(index)
		if sym == nil {
			break
		}
		if sym.Name == name {
			if !isExport(sym) {
				break
			}
			return sym, nil
		}
		index = l.hash.chains[index]
	}
	return nil, debugger.ErrSymbolNotFound
}

func (l *library) findGNUHashSymbol(name string) (*elf.Symbol, error) {
	if len(l.gnuHash.buckets) == 0 {
		return nil, nil
	}
	h := gnuHash(name)
	var bits uint32
	switch l.header.Class {
	case elf.ELFCLASS32:
		bits = 32
	case elf.ELFCLASS64:
		bits = 64
	}
	index := l.gnuHash.indexes[(h/bits)%uint32(len(l.gnuHash.indexes))]
	mask := (uint64(1) << (h % bits)) | (uint64(1) << ((h >> l.gnuHash.shift) % bits))
	if (index & mask) != mask {
		return nil, debugger.ErrSymbolNotFound
	}
	idx := l.gnuHash.buckets[h%uint32(len(l.gnuHash.buckets))]
	if idx < l.gnuHash.symbias {
		return nil, debugger.ErrSymbolNotFound
	}
	for ; ; idx++ {
		sym := l.GetSymbol(idx)
		if sym == nil {
			break
		}
		if sym.Name == name {
			if !isExport(sym) {
				break
			}
			return sym, nil
		}
		if l.getGNUChain(idx-l.gnuHash.symbias)&1 != 0 {
			break
		}
	}
	return nil, debugger.ErrSymbolNotFound
}

func (l *library) sectionReader(addr uint64, size uint64) *io.SectionReader {
	for i := range l.progs {
		prog := &l.progs[i]
		if prog.Type != elf.PT_LOAD || addr < prog.Vaddr || addr >= prog.Vaddr+prog.Filesz {
			continue
		}
		if avail := prog.Vaddr + prog.Filesz - addr; size > avail {
			size = avail
		}
		return io.NewSectionReader(l.r, int64(prog.Off+addr-prog.Vaddr), int64(size))
	}
	return io.NewSectionReader(l.r, 0, 0)
}

func (l *library) getString(start uint32) string {
	sz := l.dynamic[elf.DT_STRSZ]
	for i, v := range l.dynamic[elf.DT_STRTAB] {
		size := uint64(math.MaxUint32)
		if i < len(sz) {
			size = sz[i]
		}
		sr := l.sectionReader(v, size)
		var data []byte
		var buf [0x10]byte
		for begin := int64(start); ; {
			n, _ := sr.ReadAt(buf[:], begin)
			if n == 0 {
				break
			}
			i := slices.Index(buf[:n], 0)
			if i == -1 {
				data = append(data, buf[:n]...)
				begin += int64(n)
			} else {
				data = append(data, buf[:i]...)
				break
			}
		}
		if len(data) != 0 {
			return string(data)
		}
	}
	return ""
}

func (l *library) getGNUChain(index uint32) uint32 {
	if index < uint32(len(l.gnuHash.chains)) {
		return l.gnuHash.chains[index]
	}
	x := int(index) - len(l.gnuHash.chains)
	chains := make([]uint32, x+1)
	for i := 0; i <= x; i++ {
		if err := binary.Read(l.gnuHash.sr, l.ByteOrder(), &chains[i]); err != nil {
			// a truncated table terminates the chain
			chains[i] = 1
		}
	}
	l.gnuHash.chains = append(l.gnuHash.chains, chains...)
	return chains[x]
}

func (l *library) progByType(typ elf.ProgType) *elf.ProgHeader {
	for i := range l.progs {
		prog := &l.progs[i]
		if prog.Type == typ {
			return prog
		}
	}
	return nil
}

func (l *library) parseDynamic() bool {
	ds := l.progByType(elf.PT_DYNAMIC)
	if ds == nil {
		return false
	}
	sr := io.NewSectionReader(l.r, int64(ds.Off), int64(ds.Filesz))
	switch l.header.Class {
	case elf.ELFCLASS32:
		l.parseDyn32(sr)
	case elf.ELFCLASS64:
		l.parseDyn64(sr)
	}
	return true
}

func (l *library) parseHash() {
	bo := l.ByteOrder()
	for _, v := range l.dynamic[elf.DT_HASH] {
		sr := l.sectionReader(v, math.MaxUint32)
		var nbucket, nchain uint32
		binary.Read(sr, bo, &nbucket)
		binary.Read(sr, bo, &nchain)
		l.hash.buckets = make([]uint32, nbucket)
		l.hash.chains = make([]uint32, nchain)
		for i := 0; i < int(nbucket); i++ {
			binary.Read(sr, bo, &l.hash.buckets[i])
		}
		for i := 0; i < int(nchain); i++ {
			binary.Read(sr, bo, &l.hash.chains[i])
		}
		break
	}
	for _, v := range l.dynamic[elf.DT_GNU_HASH] {
		sr := l.sectionReader(v, math.MaxUint32)
		var nbucket, nbitmask uint32
		binary.Read(sr, bo, &nbucket)
		binary.Read(sr, bo, &l.gnuHash.symbias)
		binary.Read(sr, bo, &nbitmask)
		binary.Read(sr, bo, &l.gnuHash.shift)
		l.gnuHash.indexes = make([]uint64, nbitmask)
		l.gnuHash.buckets = make([]uint32, nbucket)
		for i := 0; i < int(nbitmask); i++ {
			switch l.header.Class {
			case elf.ELFCLASS32:
				var index uint32
				binary.Read(sr, bo, &index)
				l.gnuHash.indexes[i] = uint64(index)
			case elf.ELFCLASS64:
				binary.Read(sr, bo, &l.gnuHash.indexes[i])
			}
		}
		for i := 0; i < int(nbucket); i++ {
			binary.Read(sr, bo, &l.gnuHash.buckets[i])
		}
		l.gnuHash.sr = sr
		break
	}
}

func (l *library) parseName() {
	for _, v := range l.dynamic[elf.DT_SONAME] {
		l.name = l.getString(uint32(v))
		break
	}
}

func (l *library) parseNeeded() {
	for _, v := range l.dynamic[elf.DT_NEEDED] {
		l.needed = append(l.needed, l.getString(uint32(v)))
	}
}

func (l *library) parseDyn32(r io.Reader) {
	for {
		var dyn elf.Dyn32
		err := binary.Read(r, l.ByteOrder(), &dyn)
		if err != nil {
			break
		}
		tag := elf.DynTag(dyn.Tag)
		if tag == elf.DT_NULL {
			break
		}
		l.dynamic[tag] = append(l.dynamic[tag], uint64(dyn.Val))
	}
}

func (l *library) parseDyn64(r io.Reader) {
	for {
		var dyn elf.Dyn64
		err := binary.Read(r, l.ByteOrder(), &dyn)
		if err != nil {
			break
		}
		tag := elf.DynTag(dyn.Tag)
		if tag == elf.DT_NULL {
			break
		}
		l.dynamic[tag] = append(l.dynamic[tag], dyn.Val)
	}
}

func (l *library) parseSym32(r io.Reader) {
	for {
		var sym elf.Sym32
		err := binary.Read(r, l.ByteOrder(), &sym)
		if err != nil {
			break
		}
		l.symbols = append(l.symbols, &elf.Symbol{
			Name:    l.getString(sym.Name),
			Info:    sym.Info,
			Other:   sym.Other,
			Section: elf.SectionIndex(sym.Shndx),
			Value:   uint64(sym.Value),
			Size:    uint64(sym.Size),
		})
	}
}

func (l *library) parseSym64(r io.Reader) {
	for {
		var sym elf.Sym64
		err := binary.Read(r, l.ByteOrder(), &sym)
		if err != nil {
			break
		}
		l.symbols = append(l.symbols, &elf.Symbol{
			Name:    l.getString(sym.Name),
			Info:    sym.Info,
			Other:   sym.Other,
			Section: elf.SectionIndex(sym.Shndx),
			Value:   sym.Value,
			Size:    sym.Size,
		})
	}
}

func symEntSize(class elf.Class) uint64 {
	if class == elf.ELFCLASS64 {
		return elf.Sym64Size
	}
	return elf.Sym32Size
}

func isExport(sym *elf.Symbol) bool {
	if sym.Section == elf.SHN_UNDEF {
		return false
	}
	switch elf.ST_BIND(sym.Info) {
	case elf.STB_GLOBAL, elf.STB_WEAK:
	default:
		return false
	}
	switch elf.ST_VISIBILITY(sym.Other) {
	case elf.STV_HIDDEN, elf.STV_INTERNAL:
		return false
	}
	return true
}

func IsImportSymbol(sym *elf.Symbol) bool {
	if sym.Section != elf.SHN_UNDEF {
		return false
	}
	bind := elf.ST_BIND(sym.Info)
	return bind == elf.STB_GLOBAL || bind == elf.STB_WEAK
}
