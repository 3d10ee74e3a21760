package linker

import "debug/elf"

type SectionHeader struct {
	Name      uint32
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

type Chunk interface {
	Name() string
	Header() *SectionHeader
	Shndx() int
	SetShndx(idx int)
	UpdateHeader(ctx *Context)
	Write(ctx *Context, buf []byte) error
}

type BaseChunk struct {
	name  string
	shdr  SectionHeader
	shndx int
}

func NewBaseChunk(name string, typ elf.SectionType, flags elf.SectionFlag, align uint64) BaseChunk {
	return BaseChunk{name: name, shdr: SectionHeader{Type: typ, Flags: flags, AddrAlign: align}}
}

func (c *BaseChunk) Name() string {
	return c.name
}

func (c *BaseChunk) Header() *SectionHeader {
	return &c.shdr
}

func (c *BaseChunk) Shndx() int {
	return c.shndx
}

func (c *BaseChunk) SetShndx(idx int) {
	c.shndx = idx
}

func (c *BaseChunk) UpdateHeader(*Context) {}

func (ctx *Context) AddChunk(c Chunk) {
	ctx.Chunks = append(ctx.Chunks, c)
}

func (ctx *Context) HasChunk(c Chunk) bool {
	for _, chunk := range ctx.Chunks {
		if chunk == c {
			return true
		}
	}
	return false
}

func isTbss(c Chunk) bool {
	h := c.Header()
	return h.Type == elf.SHT_NOBITS && h.Flags&elf.SHF_TLS != 0
}

// DataSection is a synthetic section with fixed contents.
type DataSection struct {
	BaseChunk
	Data []byte
}

func NewDataSection(name string, typ elf.SectionType, flags elf.SectionFlag, align uint64, data []byte) *DataSection {
	return &DataSection{BaseChunk: NewBaseChunk(name, typ, flags, align), Data: data}
}

func (s *DataSection) UpdateHeader(*Context) {
	s.shdr.Size = uint64(len(s.Data))
}

func (s *DataSection) Write(_ *Context, buf []byte) error {
	copy(buf, s.Data)
	return nil
}
