package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

func putStruct(buf []byte, order binary.ByteOrder, v any) {
	var b bytes.Buffer
	binary.Write(&b, order, v)
	copy(buf, b.Bytes())
}

type OutputEhdr struct {
	BaseChunk
}

func NewOutputEhdr() *OutputEhdr {
	return &OutputEhdr{NewBaseChunk("", elf.SHT_NULL, elf.SHF_ALLOC, 8)}
}

func (o *OutputEhdr) UpdateHeader(ctx *Context) {
	o.shdr.Size = 52
	if ctx.Is64() {
		o.shdr.Size = 64
	}
}

func (o *OutputEhdr) Write(ctx *Context, buf []byte) error {
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(ctx.Class)
	ident[elf.EI_DATA] = byte(ctx.Opts.Data)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	typ := elf.ET_EXEC
	if ctx.IsShared() {
		typ = elf.ET_DYN
	}
	phnum := ctx.Phdr.shdr.Size / ctx.Phdr.entSize(ctx)
	shnum := ctx.Shdr.shdr.Size / ctx.Shdr.entSize(ctx)
	var shstrndx int
	if ctx.Shstrtab != nil {
		shstrndx = ctx.Shstrtab.Shndx()
	}
	if ctx.Is64() {
		putStruct(buf, ctx.ByteOrder, &elf.Header64{
			Ident:     ident,
			Type:      uint16(typ),
			Machine:   uint16(ctx.Opts.Machine),
			Version:   uint32(elf.EV_CURRENT),
			Entry:     ctx.EntryAddr,
			Phoff:     ctx.Phdr.shdr.Offset,
			Shoff:     ctx.Shdr.shdr.Offset,
			Flags:     ctx.Target.Flags(ctx),
			Ehsize:    uint16(o.shdr.Size),
			Phentsize: uint16(ctx.Phdr.entSize(ctx)),
			Phnum:     uint16(phnum),
			Shentsize: uint16(ctx.Shdr.entSize(ctx)),
			Shnum:     uint16(shnum),
			Shstrndx:  uint16(shstrndx),
		})
		return nil
	}
	putStruct(buf, ctx.ByteOrder, &elf.Header32{
		Ident:     ident,
		Type:      uint16(typ),
		Machine:   uint16(ctx.Opts.Machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     uint32(ctx.EntryAddr),
		Phoff:     uint32(ctx.Phdr.shdr.Offset),
		Shoff:     uint32(ctx.Shdr.shdr.Offset),
		Flags:     ctx.Target.Flags(ctx),
		Ehsize:    uint16(o.shdr.Size),
		Phentsize: uint16(ctx.Phdr.entSize(ctx)),
		Phnum:     uint16(phnum),
		Shentsize: uint16(ctx.Shdr.entSize(ctx)),
		Shnum:     uint16(shnum),
		Shstrndx:  uint16(shstrndx),
	})
	return nil
}

type OutputPhdr struct {
	BaseChunk
	Phdrs []elf.ProgHeader
}

func NewOutputPhdr() *OutputPhdr {
	return &OutputPhdr{BaseChunk: NewBaseChunk("", elf.SHT_NULL, elf.SHF_ALLOC, 8)}
}

func (o *OutputPhdr) entSize(ctx *Context) uint64 {
	if ctx.Is64() {
		return 56
	}
	return 32
}

func (o *OutputPhdr) UpdateHeader(ctx *Context) {
	o.Phdrs = createPhdrs(ctx)
	o.shdr.Size = uint64(len(o.Phdrs)) * o.entSize(ctx)
}

func (o *OutputPhdr) Write(ctx *Context, buf []byte) error {
	o.Phdrs = createPhdrs(ctx)
	size := o.entSize(ctx)
	for i, p := range o.Phdrs {
		ent := buf[uint64(i)*size:]
		if ctx.Is64() {
			putStruct(ent, ctx.ByteOrder, &elf.Prog64{
				Type:   uint32(p.Type),
				Flags:  uint32(p.Flags),
				Off:    p.Off,
				Vaddr:  p.Vaddr,
				Paddr:  p.Paddr,
				Filesz: p.Filesz,
				Memsz:  p.Memsz,
				Align:  p.Align,
			})
			continue
		}
		putStruct(ent, ctx.ByteOrder, &elf.Prog32{
			Type:   uint32(p.Type),
			Off:    uint32(p.Off),
			Vaddr:  uint32(p.Vaddr),
			Paddr:  uint32(p.Paddr),
			Filesz: uint32(p.Filesz),
			Memsz:  uint32(p.Memsz),
			Flags:  uint32(p.Flags),
			Align:  uint32(p.Align),
		})
	}
	return nil
}

func phdrFlags(c Chunk) elf.ProgFlag {
	flags := elf.PF_R
	h := c.Header()
	if h.Flags&elf.SHF_WRITE != 0 {
		flags |= elf.PF_W
	}
	if h.Flags&elf.SHF_EXECINSTR != 0 {
		flags |= elf.PF_X
	}
	return flags
}

func createPhdrs(ctx *Context) []elf.ProgHeader {
	var phdrs []elf.ProgHeader
	define := func(typ elf.ProgType, flags elf.ProgFlag, align uint64, c Chunk) {
		h := c.Header()
		p := elf.ProgHeader{
			Type:  typ,
			Flags: flags,
			Off:   h.Offset,
			Vaddr: h.Addr,
			Paddr: h.Addr,
			Memsz: h.Size,
			Align: max(align, h.AddrAlign),
		}
		if h.Type != elf.SHT_NOBITS {
			p.Filesz = h.Size
		}
		phdrs = append(phdrs, p)
	}
	push := func(c Chunk) {
		p := &phdrs[len(phdrs)-1]
		h := c.Header()
		p.Align = max(p.Align, h.AddrAlign)
		if h.Type != elf.SHT_NOBITS {
			p.Filesz = h.Offset + h.Size - p.Off
		}
		p.Memsz = h.Addr + h.Size - p.Vaddr
		p.Flags |= phdrFlags(c)
	}

	if ctx.Interp != nil && ctx.HasChunk(ctx.Interp) {
		define(elf.PT_PHDR, elf.PF_R, 8, ctx.Phdr)
		define(elf.PT_INTERP, elf.PF_R, 1, ctx.Interp)
	}
	phdrs = append(phdrs, ctx.Target.ProgramHeaders(ctx)...)

	page := ctx.Target.PageSize(ctx)
	var loadWritable bool
	inLoad := false
	for _, c := range ctx.Chunks {
		h := c.Header()
		if h.Flags&elf.SHF_ALLOC == 0 || isTbss(c) {
			continue
		}
		writable := h.Flags&elf.SHF_WRITE != 0
		_, override := ctx.Opts.SectionStart[c.Name()]
		if !inLoad || writable != loadWritable || (override && c.Name() != "") {
			define(elf.PT_LOAD, phdrFlags(c), page, c)
			inLoad, loadWritable = true, writable
			continue
		}
		push(c)
	}

	if ctx.Dynamic != nil && ctx.HasChunk(ctx.Dynamic) {
		define(elf.PT_DYNAMIC, phdrFlags(ctx.Dynamic), ctx.WordSize(), ctx.Dynamic)
	}

	inTLS := false
	for _, c := range ctx.Chunks {
		h := c.Header()
		if h.Flags&elf.SHF_TLS == 0 {
			continue
		}
		if !inTLS {
			define(elf.PT_TLS, elf.PF_R, 1, c)
			inTLS = true
			continue
		}
		push(c)
	}

	phdrs = append(phdrs, elf.ProgHeader{Type: elf.PT_GNU_STACK, Flags: elf.PF_R | elf.PF_W, Align: 16})
	return phdrs
}

type OutputShdr struct {
	BaseChunk
}

func NewOutputShdr() *OutputShdr {
	return &OutputShdr{NewBaseChunk("", elf.SHT_NULL, 0, 8)}
}

func (o *OutputShdr) entSize(ctx *Context) uint64 {
	if ctx.Is64() {
		return 64
	}
	return 40
}

func (o *OutputShdr) UpdateHeader(ctx *Context) {
	n := uint64(1)
	for _, c := range ctx.Chunks {
		if c.Header().Type != elf.SHT_NULL {
			n++
		}
	}
	o.shdr.Size = n * o.entSize(ctx)
}

func (o *OutputShdr) Write(ctx *Context, buf []byte) error {
	size := o.entSize(ctx)
	for _, c := range ctx.Chunks {
		h := c.Header()
		if h.Type == elf.SHT_NULL {
			continue
		}
		ent := buf[uint64(c.Shndx())*size:]
		if ctx.Is64() {
			putStruct(ent, ctx.ByteOrder, &elf.Section64{
				Name:      h.Name,
				Type:      uint32(h.Type),
				Flags:     uint64(h.Flags),
				Addr:      h.Addr,
				Off:       h.Offset,
				Size:      h.Size,
				Link:      h.Link,
				Info:      h.Info,
				Addralign: h.AddrAlign,
				Entsize:   h.EntSize,
			})
			continue
		}
		putStruct(ent, ctx.ByteOrder, &elf.Section32{
			Name:      h.Name,
			Type:      uint32(h.Type),
			Flags:     uint32(h.Flags),
			Addr:      uint32(h.Addr),
			Off:       uint32(h.Offset),
			Size:      uint32(h.Size),
			Link:      h.Link,
			Info:      h.Info,
			Addralign: uint32(h.AddrAlign),
			Entsize:   uint32(h.EntSize),
		})
	}
	return nil
}
