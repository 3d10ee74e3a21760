package aarch64

import (
	"debug/elf"
	"fmt"

	"github.com/wnxd/microdbg-linker/linker"
	"github.com/wnxd/microdbg-linker/utils"
)

const (
	veneerSize  = 12
	erratumSize = 8
)

// veneer carries a B or BL to a target beyond the ±128MB branch range:
// adrp x16, target; add x16, x16, :lo12:target; br x16.
type veneer struct {
	target *linker.Symbol
	addend int64
	sym    *linker.Symbol
}

type veneerKey struct {
	osec   *linker.OutputSection
	sym    *linker.Symbol
	addend int64
}

// erratum replaces the load or store at off of isec, which completes a
// Cortex-A53 843419 sequence, with a branch to a copy of it.
type erratum struct {
	isec *linker.InputSection
	off  uint64
	sym  *linker.Symbol
}

type erratumKey struct {
	isec *linker.InputSection
	off  uint64
}

func (t *Target) stubSection(ctx *linker.Context, osec *linker.OutputSection) *linker.InputSection {
	if isec, ok := t.stubSecs[osec]; ok {
		return isec
	}
	isec := ctx.AddStubSection(osec, ".text.aarch64_veneers", 4)
	t.stubSecs[osec] = isec
	t.stubOrder = append(t.stubOrder, isec)
	return isec
}

func (t *Target) newStubSymbol(ctx *linker.Context, osec *linker.OutputSection, name string, size uint64) *linker.Symbol {
	isec := t.stubSection(ctx, osec)
	sym := ctx.AddLocalSymbol(name, isec, isec.Size, size, elf.STT_FUNC)
	isec.Size += size
	return sym
}

func (t *Target) veneerName(sym *linker.Symbol) string {
	name := fmt.Sprintf("__%s_ljmp_veneer", sym.Name)
	n := t.veneerNames[name]
	t.veneerNames[name] = n + 1
	if n == 0 {
		return name
	}
	return fmt.Sprintf("%s%d", name, n)
}

// Relax adds a veneer for every B or BL that cannot reach its target and,
// with FixCortexA53843419, an erratum veneer for every new erratum
// sequence. A veneer once placed stays in use.
func (t *Target) Relax(ctx *linker.Context) (bool, error) {
	changed := false
	for _, f := range ctx.Objs {
		for _, isec := range f.Sections {
			if isec == nil || !isec.Alive || isec.Output == nil || isec.Flags&elf.SHF_EXECINSTR == 0 {
				continue
			}
			if t.addVeneers(ctx, isec) {
				changed = true
			}
			if ctx.Opts.FixCortexA53843419 && t.scanErrata(ctx, isec) {
				changed = true
			}
		}
	}
	return changed, nil
}

func (t *Target) addVeneers(ctx *linker.Context, isec *linker.InputSection) bool {
	changed := false
	for i := range isec.Rels {
		rel := &isec.Rels[i]
		if !isBranch26(elf.R_AARCH64(rel.Type)) {
			continue
		}
		sym := isec.Symbol(rel)
		key := veneerKey{isec.Output, sym, rel.Addend}
		if _, ok := t.veneers[key]; ok {
			continue
		}
		if sym.IsUndefined() && !t.hasPLT(sym) {
			continue
		}
		p := isec.Addr() + rel.Offset
		if utils.IsInt(int64(t.branchDest(sym)+uint64(rel.Addend)-p), 28) {
			continue
		}
		v := &veneer{target: sym, addend: rel.Addend}
		v.sym = t.newStubSymbol(ctx, isec.Output, t.veneerName(sym), veneerSize)
		t.veneers[key] = v
		t.veneerList = append(t.veneerList, v)
		ctx.Diag.Tracef("%s+%#x: veneer %s for %s", isec, rel.Offset, v.sym.Name, sym.Name)
		changed = true
	}
	return changed
}

func (t *Target) hasPLT(sym *linker.Symbol) bool {
	if t.plt == nil {
		return false
	}
	_, ok := t.plt.idx[sym]
	return ok
}

func (t *Target) writeVeneers(ctx *linker.Context) {
	for _, isec := range t.stubOrder {
		isec.Contents = make([]byte, isec.Size)
	}
	for _, v := range t.veneerList {
		pc := v.sym.Addr()
		dest := t.branchDest(v.target) + uint64(v.addend)
		buf := v.sym.Section.Contents[v.sym.Value:]
		insnOrder.PutUint32(buf, setADR(0x90000010, pageDelta(dest, pc)>>12))
		insnOrder.PutUint32(buf[4:], setImm12(0x91000210, dest))
		insnOrder.PutUint32(buf[8:], 0xd61f0200)
	}
}

func isADRP(insn uint32) bool {
	return insn&0x9f000000 == 0x90000000
}

func isBranch(insn uint32) bool {
	switch {
	case insn&0x7c000000 == 0x14000000: // b, bl
	case insn&0xfe000000 == 0x54000000: // b.cond
	case insn&0x7e000000 == 0x34000000: // cbz, cbnz
	case insn&0x7e000000 == 0x36000000: // tbz, tbnz
	case insn&0xfe000000 == 0xd6000000: // br, blr, ret
	default:
		return false
	}
	return true
}

// isLoadStoreUnsigned matches the load/store register (unsigned immediate)
// class.
func isLoadStoreUnsigned(insn uint32) bool {
	return insn&0x3b000000 == 0x39000000
}

func isLoadStoreRegister(insn uint32) bool {
	return insn&0x3b000000 == 0x38000000
}

func isStorePair(insn uint32) bool {
	return insn&0x3a000000 == 0x28000000 && insn&(1<<22) == 0
}

func isLoadLiteral(insn uint32) bool {
	return insn&0x3b000000 == 0x18000000
}

func isLoadExclusive(insn uint32) bool {
	return insn&0x3f000000 == 0x08000000 && insn&(1<<22) != 0
}

// writesReg reports whether the load/store insn overwrites reg, either as
// a loaded value or through base register write-back.
func writesReg(insn uint32, reg uint32) bool {
	rt, rn := insn&0x1f, insn>>5&0x1f
	switch {
	case isLoadStoreUnsigned(insn):
		return insn&(3<<22) != 0 && rt == reg
	case isLoadStoreRegister(insn):
		writeback := insn&(1<<21) == 0 && insn&(1<<10) != 0
		load := insn&(3<<22) != 0
		return (load && rt == reg) || (writeback && rn == reg)
	case isStorePair(insn):
		return insn&(1<<23) != 0 && rn == reg
	case isLoadLiteral(insn), isLoadExclusive(insn):
		return rt == reg
	}
	return false
}

// isErratumSequence matches an ADRP, a load or store that leaves the ADRP
// register alone, and a final load or store based on that register.
func isErratumSequence(insn1, insn2, last uint32) bool {
	if !isADRP(insn1) {
		return false
	}
	rd := insn1 & 0x1f
	ok2 := isLoadStoreUnsigned(insn2) || isLoadStoreRegister(insn2) || isStorePair(insn2) ||
		isLoadLiteral(insn2) || isLoadExclusive(insn2)
	return ok2 && !writesReg(insn2, rd) && isLoadStoreUnsigned(last) && last>>5&0x1f == rd
}

// erratumOffset returns the offset of the instruction to patch when an
// erratum sequence starts at off.
func erratumOffset(data []byte, off uint64) (uint64, bool) {
	word := func(o uint64) uint32 { return insnOrder.Uint32(data[o:]) }
	if off+12 > uint64(len(data)) {
		return 0, false
	}
	insn1, insn2, insn3 := word(off), word(off+4), word(off+8)
	if isErratumSequence(insn1, insn2, insn3) {
		return off + 8, true
	}
	if off+16 <= uint64(len(data)) && !isBranch(insn3) && isErratumSequence(insn1, insn2, word(off+12)) {
		return off + 12, true
	}
	return 0, false
}

func (t *Target) scanErrata(ctx *linker.Context, isec *linker.InputSection) bool {
	changed := false
	base := isec.Addr()
	for off := uint64(0); off+12 <= uint64(len(isec.Contents)); off += 4 {
		if pc := (base + off) & 0xfff; pc != 0xff8 && pc != 0xffc {
			continue
		}
		patch, ok := erratumOffset(isec.Contents, off)
		if !ok {
			continue
		}
		key := erratumKey{isec, patch}
		if _, ok := t.errata[key]; ok {
			continue
		}
		name := fmt.Sprintf("__erratum_843419_veneer%d", len(t.errataList))
		e := &erratum{isec: isec, off: patch}
		e.sym = t.newStubSymbol(ctx, isec.Output, name, erratumSize)
		t.errata[key] = e
		t.errataList = append(t.errataList, e)
		ctx.Diag.Tracef("%s+%#x: erratum 843419 sequence, patched via %s", isec, patch, name)
		changed = true
	}
	return changed
}

func branchTo(from, to uint64) (uint32, bool) {
	disp := to - from
	return setBranch26(0x14000000, disp), utils.IsInt(int64(disp), 28)
}

// patchErrata runs on the relocated image: each patched instruction moves
// into its veneer, followed by a branch back, and is replaced by a branch
// to the veneer.
func (t *Target) patchErrata(ctx *linker.Context) error {
	for _, e := range t.errataList {
		at := e.isec.Addr() + e.off
		v := e.sym.Addr()
		loc, vbuf := ctx.BufAt(at), ctx.BufAt(v)
		if loc == nil || vbuf == nil {
			return fmt.Errorf("%s+%#x: erratum veneer %s is not in the image", e.isec, e.off, e.sym.Name)
		}
		there, ok1 := branchTo(at, v)
		back, ok2 := branchTo(v+4, at+4)
		if !ok1 || !ok2 {
			return fmt.Errorf("%s+%#x: %w: erratum veneer %s", e.isec, e.off, linker.ErrRelocationOverflow, e.sym.Name)
		}
		insnOrder.PutUint32(vbuf, insnOrder.Uint32(loc))
		insnOrder.PutUint32(vbuf[4:], back)
		insnOrder.PutUint32(loc, there)
	}
	return nil
}
