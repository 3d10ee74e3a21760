package mips

import (
	"debug/elf"
	"fmt"

	"github.com/wnxd/microdbg-linker/linker"
)

type stubKind uint8

const (
	stubLA25 stubKind = iota
	stubIsland
)

// stub is a short code sequence the linker places at the end of an output
// section: an LA25 stub loading $t9 before entering PIC code, or an island
// reaching a target outside the 256MB region of a jump.
type stub struct {
	kind   stubKind
	target *linker.Symbol
	addend int64
	sym    *linker.Symbol
	from   *linker.InputSection
}

func (s *stub) addr() uint64 {
	return s.sym.Addr()
}

type islandKey struct {
	osec   *linker.OutputSection
	sym    *linker.Symbol
	addend int64
}

func (t *Target) stubSize(ctx *linker.Context) uint64 {
	if ctx.Is64() {
		return 32
	}
	return 16
}

func (t *Target) stubSection(ctx *linker.Context, osec *linker.OutputSection) *linker.InputSection {
	if isec, ok := t.stubSecs[osec]; ok {
		return isec
	}
	isec := ctx.AddStubSection(osec, ".text.mips_stubs", 8)
	t.stubSecs[osec] = isec
	t.stubOrder = append(t.stubOrder, isec)
	return isec
}

func (t *Target) newStub(ctx *linker.Context, osec *linker.OutputSection, name string, s *stub) *stub {
	isec := t.stubSection(ctx, osec)
	size := t.stubSize(ctx)
	s.sym = ctx.AddLocalSymbol(name, isec, isec.Size, size, elf.STT_FUNC)
	isec.Size += size
	t.stubs = append(t.stubs, s)
	return s
}

func (t *Target) addLA25(ctx *linker.Context, sym *linker.Symbol) {
	if _, ok := t.la25[sym]; ok {
		return
	}
	name := fmt.Sprintf("__%s_pic@island-0", sym.Name)
	t.la25[sym] = t.newStub(ctx, sym.Section.Output, name, &stub{kind: stubLA25, target: sym})
}

func (t *Target) islandName(sym *linker.Symbol) string {
	name := fmt.Sprintf("__%s_ljmp_veneer", sym.Name)
	n := t.islandNames[name]
	t.islandNames[name] = n + 1
	if n == 0 {
		return name
	}
	return fmt.Sprintf("%s%d", name, n)
}

// Relax adds a long-jump island for every R_MIPS_26 whose target symbol
// lies outside the jump's 256MB region. An addend that wraps the field is
// written as is.
func (t *Target) Relax(ctx *linker.Context) (bool, error) {
	changed := false
	for _, f := range ctx.Objs {
		for _, isec := range f.Sections {
			if isec == nil || !isec.Alive || isec.Output == nil || isec.Flags&elf.SHF_EXECINSTR == 0 {
				continue
			}
			for i := range isec.Rels {
				rel := &isec.Rels[i]
				if elf.R_MIPS(rel.Type&0xff) != elf.R_MIPS_26 {
					continue
				}
				sym := isec.Symbol(rel)
				if sym.Local && !isec.IsRela {
					continue
				}
				if sym.IsUndefined() {
					continue
				}
				a := t.addend(ctx, isec, rel, elf.R_MIPS_26)
				key := islandKey{isec.Output, sym, a}
				if _, ok := t.islands[key]; ok {
					continue
				}
				p := isec.Addr() + rel.Offset
				if t.jumpDest(isec, sym)&^0x0fffffff == (p+4)&^0x0fffffff {
					continue
				}
				t.islands[key] = t.newStub(ctx, isec.Output, t.islandName(sym), &stub{
					kind:   stubIsland,
					target: sym,
					addend: a,
					from:   isec,
				})
				ctx.Diag.Tracef("%s+%#x: long jump island for %s", isec, rel.Offset, sym.Name)
				changed = true
			}
		}
	}
	return changed, nil
}

func lui(rt, imm uint32) uint32        { return 0x3c000000 | rt<<16 | imm&0xffff }
func addiu(rt, rs, imm uint32) uint32  { return 0x24000000 | rs<<21 | rt<<16 | imm&0xffff }
func daddiu(rt, rs, imm uint32) uint32 { return 0x64000000 | rs<<21 | rt<<16 | imm&0xffff }
func dsll(rd, rt, sa uint32) uint32    { return 0x38 | rt<<16 | rd<<11 | sa<<6 }
func jump(target uint64) uint32        { return 0x08000000 | uint32(target>>2)&0x3ffffff }
func jr(rs uint32) uint32              { return 0x8 | rs<<21 }

const (
	regAT = 1
	regT9 = 25
)

// loadAddr64 builds a full 64-bit address in reg with the low half still
// to be added by the caller.
func loadAddr64(reg uint32, v uint64) []uint32 {
	return []uint32{
		lui(reg, uint32((v+0x800080008000)>>48)),
		daddiu(reg, reg, uint32((v+0x80008000)>>32)),
		dsll(reg, reg, 16),
		daddiu(reg, reg, hi16(v)),
		dsll(reg, reg, 16),
	}
}

func (t *Target) stubCode(ctx *linker.Context, s *stub) []uint32 {
	switch s.kind {
	case stubLA25:
		v := s.target.Addr()
		if ctx.Is64() {
			return append(loadAddr64(regT9, v), jump(v), daddiu(regT9, regT9, lo16(v)), 0)
		}
		return []uint32{lui(regT9, hi16(v)), jump(v), addiu(regT9, regT9, lo16(v)), 0}
	default:
		v := t.jumpDest(s.from, s.target) + uint64(s.addend)
		if ctx.Is64() {
			return append(loadAddr64(regAT, v), daddiu(regAT, regAT, lo16(v)), jr(regAT), 0)
		}
		return []uint32{lui(regAT, hi16(v)), addiu(regAT, regAT, lo16(v)), jr(regAT), 0}
	}
}

// writeStubs renders every stub into the contents of its section. Stub
// sections have no relocations, so the output writer copies them as is.
func (t *Target) writeStubs(ctx *linker.Context) {
	for _, isec := range t.stubOrder {
		isec.Contents = make([]byte, isec.Size)
	}
	for _, s := range t.stubs {
		isec := s.sym.Section
		off := s.sym.Value
		for i, insn := range t.stubCode(ctx, s) {
			ctx.ByteOrder.PutUint32(isec.Contents[off+uint64(i)*4:], insn)
		}
	}
}
