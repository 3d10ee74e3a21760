package linker

import (
	"debug/elf"
	"errors"
	"strings"

	"github.com/wnxd/microdbg-linker/utils"
)

type Reloc struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

type InputSection struct {
	File     *ObjectFile
	Name     string
	Index    int
	Type     elf.SectionType
	Flags    elf.SectionFlag
	Size     uint64
	Align    uint64
	Contents []byte
	Rels     []Reloc
	IsRela   bool
	Output   *OutputSection
	Offset   uint64
	Alive    bool
}

func (isec *InputSection) Addr() uint64 {
	if isec.Output == nil {
		return 0
	}
	return isec.Output.shdr.Addr + isec.Offset
}

func (isec *InputSection) Symbol(rel *Reloc) *Symbol {
	return isec.File.Symbols[rel.Sym]
}

func (isec *InputSection) String() string {
	if isec.File == nil {
		return "<internal>:(" + isec.Name + ")"
	}
	return isec.File.Name + ":(" + isec.Name + ")"
}

type OutputSection struct {
	BaseChunk
	Members []*InputSection
}

func (o *OutputSection) UpdateHeader(*Context) {
	var off uint64
	align := max(o.shdr.AddrAlign, 1)
	for _, isec := range o.Members {
		off = utils.AlignTo(off, max(isec.Align, 1))
		isec.Offset = off
		off += isec.Size
		align = max(align, isec.Align)
	}
	o.shdr.Size = off
	o.shdr.AddrAlign = align
}

func (o *OutputSection) Write(ctx *Context, buf []byte) error {
	if o.shdr.Type == elf.SHT_NOBITS {
		return nil
	}
	var errs []error
	for _, isec := range o.Members {
		if isec.Type == elf.SHT_NOBITS {
			continue
		}
		copy(buf[isec.Offset:], isec.Contents)
	}
	for _, isec := range o.Members {
		if len(isec.Rels) == 0 {
			continue
		}
		if err := ctx.Target.ApplyRelocations(ctx, isec, buf[isec.Offset:isec.Offset+isec.Size]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var outputPrefixes = []string{
	".text.", ".data.rel.ro.", ".data.", ".rodata.", ".bss.", ".init_array.",
	".fini_array.", ".tbss.", ".tdata.", ".gcc_except_table.", ".ctors.",
	".dtors.", ".sdata.", ".sbss.", ".lit4.", ".lit8.",
}

const ignoredSectionFlags = elf.SHF_GROUP | elf.SHF_MERGE | elf.SHF_STRINGS |
	elf.SHF_COMPRESSED | elf.SHF_INFO_LINK | elf.SHF_LINK_ORDER

func outputSectionName(name string) string {
	for _, prefix := range outputPrefixes {
		stem := prefix[:len(prefix)-1]
		if name == stem || strings.HasPrefix(name, prefix) {
			return stem
		}
	}
	return name
}

// OutputSectionFor finds or creates the output section that collects
// sections with the given name, type and flags.
func (ctx *Context) OutputSectionFor(name string, typ elf.SectionType, flags elf.SectionFlag) *OutputSection {
	flags &^= ignoredSectionFlags
	for _, osec := range ctx.OutputSections {
		if osec.name == name && osec.shdr.Type == typ && osec.shdr.Flags == flags {
			return osec
		}
	}
	osec := &OutputSection{BaseChunk: NewBaseChunk(name, typ, flags, 1)}
	ctx.OutputSections = append(ctx.OutputSections, osec)
	ctx.AddChunk(osec)
	return osec
}

func BinSections(ctx *Context) {
	for _, f := range ctx.Objs {
		for _, isec := range f.Sections {
			if isec == nil || !isec.Alive {
				continue
			}
			osec := ctx.OutputSectionFor(outputSectionName(isec.Name), isec.Type, isec.Flags)
			osec.Members = append(osec.Members, isec)
			isec.Output = osec
		}
	}
}

// FirstExecSection returns the first executable output section, the home
// of linker-generated stubs.
func (ctx *Context) FirstExecSection() *OutputSection {
	for _, osec := range ctx.OutputSections {
		if osec.shdr.Flags&elf.SHF_EXECINSTR != 0 {
			return osec
		}
	}
	return nil
}

// AddStubSection appends an empty linker-owned section to osec. Its size
// and contents are owned by the caller.
func (ctx *Context) AddStubSection(osec *OutputSection, name string, align uint64) *InputSection {
	isec := &InputSection{
		Name:   name,
		Type:   elf.SHT_PROGBITS,
		Flags:  osec.shdr.Flags,
		Align:  align,
		Alive:  true,
		Output: osec,
	}
	osec.Members = append(osec.Members, isec)
	return isec
}
