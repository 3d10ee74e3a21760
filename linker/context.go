package linker

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

type OutputType uint8

const (
	OutputExec OutputType = iota
	OutputShared
)

type Input struct {
	Path     string
	AsNeeded bool
}

type Options struct {
	Output             string
	Type               OutputType
	Machine            elf.Machine
	Class              elf.Class
	Data               elf.Data
	Entry              string
	Soname             string
	Symbolic           bool
	NoUndefined        bool
	Static             bool
	DynamicLinker      string
	SectionStart       map[string]uint64
	LibraryPaths       []string
	FixCortexA53843419 bool
	MaxPageSize        uint64
	Verbose            bool
	Inputs             []Input
}

type Context struct {
	Opts      Options
	Target    Target
	Diag      *Diagnostics
	Class     elf.Class
	ByteOrder binary.ByteOrder

	Objs    []*ObjectFile
	Libs    []*SharedFile
	Globals []*Symbol
	Locals  []*Symbol

	Chunks         []Chunk
	OutputSections []*OutputSection

	Ehdr     *OutputEhdr
	Phdr     *OutputPhdr
	Shdr     *OutputShdr
	Interp   *DataSection
	Dynamic  *DynamicSection
	Dynsym   *DynsymSection
	Dynstr   *StrtabSection
	Hash     *HashSection
	RelDyn   *RelocSection
	RelPlt   *RelocSection
	DynBss   *DynBssSection
	Symtab   *SymtabSection
	Strtab   *StrtabSection
	Shstrtab *StrtabSection

	DynSymbols []*Symbol
	TLSBegin   uint64
	TLSEnd     uint64
	TLSAlign   uint64
	EntryAddr  uint64
	FileSize   uint64
	Buf        []byte

	symbolMap map[string]*Symbol
	comdats   map[string]*ObjectFile
	priority  int
}

func NewContext(opts Options, diag io.Writer) *Context {
	if opts.SectionStart == nil {
		opts.SectionStart = make(map[string]uint64)
	}
	return &Context{
		Opts:      opts,
		Diag:      NewDiagnostics(diag, opts.Verbose),
		symbolMap: make(map[string]*Symbol),
		comdats:   make(map[string]*ObjectFile),
	}
}

func (ctx *Context) IsShared() bool {
	return ctx.Opts.Type == OutputShared
}

func (ctx *Context) IsDynamic() bool {
	if ctx.IsShared() {
		return true
	}
	for _, lib := range ctx.Libs {
		if lib.IsNeeded() {
			return true
		}
	}
	return false
}

func (ctx *Context) Is64() bool {
	return ctx.Class == elf.ELFCLASS64
}

func (ctx *Context) WordSize() uint64 {
	if ctx.Is64() {
		return 8
	}
	return 4
}

func (ctx *Context) Word(buf []byte) uint64 {
	if ctx.Is64() {
		return ctx.ByteOrder.Uint64(buf)
	}
	return uint64(ctx.ByteOrder.Uint32(buf))
}

func (ctx *Context) PutWord(buf []byte, v uint64) {
	if ctx.Is64() {
		ctx.ByteOrder.PutUint64(buf, v)
	} else {
		ctx.ByteOrder.PutUint32(buf, uint32(v))
	}
}

func (ctx *Context) nextPriority() int {
	ctx.priority++
	return ctx.priority
}

// ParseTriple maps a target triple such as mipsel-linux-gnu or
// aarch64-unknown-linux to its ELF machine, class and data encoding.
func ParseTriple(triple string) (elf.Machine, elf.Class, elf.Data, error) {
	arch, _, _ := strings.Cut(triple, "-")
	switch {
	case strings.HasPrefix(arch, "mips"):
		class := elf.ELFCLASS32
		if strings.Contains(arch, "64") {
			class = elf.ELFCLASS64
		}
		data := elf.ELFDATA2MSB
		if strings.HasSuffix(arch, "el") {
			data = elf.ELFDATA2LSB
		}
		return elf.EM_MIPS, class, data, nil
	case arch == "aarch64" || arch == "arm64":
		return elf.EM_AARCH64, elf.ELFCLASS64, elf.ELFDATA2LSB, nil
	case arch == "aarch64_be":
		return elf.EM_AARCH64, elf.ELFCLASS64, elf.ELFDATA2MSB, nil
	case strings.HasPrefix(arch, "arm") || strings.HasPrefix(arch, "thumb"):
		data := elf.ELFDATA2LSB
		if strings.HasSuffix(arch, "eb") {
			data = elf.ELFDATA2MSB
		}
		return elf.EM_ARM, elf.ELFCLASS32, data, nil
	}
	return elf.EM_NONE, elf.ELFCLASSNONE, elf.ELFDATANONE, fmt.Errorf("%w: %s", ErrUnsupportedTarget, triple)
}

var emulations = map[string]struct {
	machine elf.Machine
	class   elf.Class
	data    elf.Data
}{
	"elf32ltsmip":        {elf.EM_MIPS, elf.ELFCLASS32, elf.ELFDATA2LSB},
	"elf32btsmip":        {elf.EM_MIPS, elf.ELFCLASS32, elf.ELFDATA2MSB},
	"elf64ltsmip":        {elf.EM_MIPS, elf.ELFCLASS64, elf.ELFDATA2LSB},
	"elf64btsmip":        {elf.EM_MIPS, elf.ELFCLASS64, elf.ELFDATA2MSB},
	"aarch64linux":       {elf.EM_AARCH64, elf.ELFCLASS64, elf.ELFDATA2LSB},
	"aarch64elf":         {elf.EM_AARCH64, elf.ELFCLASS64, elf.ELFDATA2LSB},
	"armelf":             {elf.EM_ARM, elf.ELFCLASS32, elf.ELFDATA2LSB},
	"armelf_linux_eabi":  {elf.EM_ARM, elf.ELFCLASS32, elf.ELFDATA2LSB},
	"armelfb_linux_eabi": {elf.EM_ARM, elf.ELFCLASS32, elf.ELFDATA2MSB},
}

func ParseEmulation(name string) (elf.Machine, elf.Class, elf.Data, error) {
	if e, ok := emulations[name]; ok {
		return e.machine, e.class, e.data, nil
	}
	return elf.EM_NONE, elf.ELFCLASSNONE, elf.ELFDATANONE, fmt.Errorf("%w: unknown emulation %s", ErrUnsupportedTarget, name)
}
