package elftest

import (
	"debug/elf"
	"os"
	"testing"
)

// Image is a linked output file opened for inspection.
type Image struct {
	*elf.File
	path string
}

func Open(t testing.TB, path string) *Image {
	t.Helper()
	f, err := elf.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return &Image{File: f, path: path}
}

func (img *Image) Sym(t testing.TB, name string) elf.Symbol {
	t.Helper()
	syms, err := img.Symbols()
	if err != nil {
		t.Fatal(err)
	}
	for _, sym := range syms {
		if sym.Name == name {
			return sym
		}
	}
	t.Fatalf("no symbol %s in output", name)
	return elf.Symbol{}
}

// DynSym looks name up in .dynsym.
func (img *Image) DynSym(t testing.TB, name string) elf.Symbol {
	t.Helper()
	syms, err := img.DynamicSymbols()
	if err != nil {
		t.Fatal(err)
	}
	for _, sym := range syms {
		if sym.Name == name {
			return sym
		}
	}
	t.Fatalf("no dynamic symbol %s in output", name)
	return elf.Symbol{}
}

func (img *Image) Contents(t testing.TB, name string) (*elf.Section, []byte) {
	t.Helper()
	sec := img.Section(name)
	if sec == nil {
		t.Fatalf("no section %s in output", name)
	}
	data, err := sec.Data()
	if err != nil {
		t.Fatal(err)
	}
	return sec, data
}

// bytesAt returns the n bytes at addr from whichever section holds them.
func (img *Image) bytesAt(t testing.TB, addr, n uint64) []byte {
	t.Helper()
	for _, sec := range img.Sections {
		if sec.Type == elf.SHT_NOBITS || sec.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		if addr >= sec.Addr && addr+n <= sec.Addr+sec.Size {
			data, err := sec.Data()
			if err != nil {
				t.Fatal(err)
			}
			return data[addr-sec.Addr:]
		}
	}
	t.Fatalf("address %#x is not in any section", addr)
	return nil
}

func (img *Image) Word(t testing.TB, addr uint64) uint32 {
	t.Helper()
	return img.ByteOrder.Uint32(img.bytesAt(t, addr, 4))
}

func (img *Image) Word64(t testing.TB, addr uint64) uint64 {
	t.Helper()
	return img.ByteOrder.Uint64(img.bytesAt(t, addr, 8))
}

// EFlags reads e_flags, which debug/elf does not expose.
func (img *Image) EFlags(t testing.TB) uint32 {
	t.Helper()
	data, err := os.ReadFile(img.path)
	if err != nil {
		t.Fatal(err)
	}
	off := 36
	if img.Class == elf.ELFCLASS64 {
		off = 48
	}
	if len(data) < off+4 {
		t.Fatalf("%s: truncated ELF header", img.path)
	}
	return img.ByteOrder.Uint32(data[off:])
}
