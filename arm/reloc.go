package arm

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/wnxd/microdbg-linker/linker"
	"github.com/wnxd/microdbg-linker/utils"
)

func isBranch(typ elf.R_ARM) bool {
	switch typ {
	case elf.R_ARM_CALL, elf.R_ARM_JUMP24, elf.R_ARM_PC24, elf.R_ARM_PLT32:
		return true
	}
	return false
}

func dynamicSym(ctx *linker.Context, sym *linker.Symbol) bool {
	return sym.IsPreemptible(ctx) && sym.Flags&linker.CanonicalPLT == 0
}

// addend reads the implicit addend that a REL relocation keeps in the
// field it patches.
func addend(ctx *linker.Context, isec *linker.InputSection, rel *linker.Reloc) int64 {
	if isec.IsRela {
		return rel.Addend
	}
	loc := isec.Contents[rel.Offset:]
	switch typ := elf.R_ARM(rel.Type); {
	case isBranch(typ):
		return utils.SignExtend(uint64(utils.Bits(ctx.ByteOrder.Uint32(loc), 23, 0))<<2, 26)
	case typ == elf.R_ARM_PREL31:
		return utils.SignExtend(uint64(ctx.ByteOrder.Uint32(loc)), 31)
	case typ == elf.R_ARM_MOVW_ABS_NC || typ == elf.R_ARM_MOVT_ABS:
		insn := ctx.ByteOrder.Uint32(loc)
		return utils.SignExtend(uint64(utils.Bits(insn, 19, 16)<<12|utils.Bits(insn, 11, 0)), 16)
	case typ == elf.R_ARM_NONE || typ == elf.R_ARM_V4BX:
		return 0
	}
	return int64(int32(ctx.ByteOrder.Uint32(loc)))
}

func (t *Target) ScanRelocations(ctx *linker.Context, isec *linker.InputSection) error {
	var errs []error
	for i := range isec.Rels {
		rel := &isec.Rels[i]
		if err := t.scan(ctx, isec, rel, isec.Symbol(rel)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Target) scan(ctx *linker.Context, isec *linker.InputSection, rel *linker.Reloc, sym *linker.Symbol) error {
	typ := elf.R_ARM(rel.Type)
	switch typ {
	case elf.R_ARM_NONE, elf.R_ARM_V4BX:
	case elf.R_ARM_ABS32, elf.R_ARM_TARGET1:
		t.scanAbs32(ctx, isec, rel, sym)
	case elf.R_ARM_MOVW_ABS_NC, elf.R_ARM_MOVT_ABS:
		if ctx.IsShared() && !sym.Abs {
			return fmt.Errorf("%s+%#x: %w: %s against %s cannot be used when making a shared object; recompile with -fPIC",
				isec, rel.Offset, linker.ErrUnsupportedRelocation, t.RelocName(rel.Type), sym.Name)
		}
		t.scanAddress(ctx, sym)
	case elf.R_ARM_REL32, elf.R_ARM_PREL31:
		if ctx.IsShared() && sym.IsPreemptible(ctx) {
			return fmt.Errorf("%s+%#x: %w: %s against preemptible symbol %s; recompile with -fPIC",
				isec, rel.Offset, linker.ErrUnsupportedRelocation, t.RelocName(rel.Type), sym.Name)
		}
		t.scanAddress(ctx, sym)
	case elf.R_ARM_CALL, elf.R_ARM_JUMP24, elf.R_ARM_PC24, elf.R_ARM_PLT32:
		if !sym.IsPreemptible(ctx) {
			break
		}
		if t.plt == nil {
			return fmt.Errorf("%s+%#x: %w: %s against %s needs a PLT entry",
				isec, rel.Offset, linker.ErrUnsupportedRelocation, t.RelocName(rel.Type), sym.Name)
		}
		t.addPLT(ctx, sym)
	case R_ARM_GOT_BREL:
		t.got.add(sym)
	case R_ARM_BASE_PREL, R_ARM_GOTOFF32:
		t.got.used = true
	default:
		return fmt.Errorf("%s+%#x: %w: %s", isec, rel.Offset, linker.ErrUnsupportedRelocation, t.RelocName(rel.Type))
	}
	return nil
}

func (t *Target) scanAbs32(ctx *linker.Context, isec *linker.InputSection, rel *linker.Reloc, sym *linker.Symbol) {
	if !ctx.IsDynamic() {
		return
	}
	if !ctx.IsShared() && sym.IsShared() {
		t.scanAddress(ctx, sym)
		return
	}
	switch {
	case dynamicSym(ctx, sym):
		sym.Flags |= linker.NeedsDynsym
		ctx.RelDyn.Add(linker.DynReloc{Type: uint32(elf.R_ARM_ABS32), Sym: sym, Section: isec, Offset: rel.Offset})
	case ctx.IsShared() && !sym.Abs && !sym.IsUndefined():
		ctx.RelDyn.Add(linker.DynReloc{Type: uint32(elf.R_ARM_RELATIVE), Section: isec, Offset: rel.Offset})
	}
}

func (t *Target) scanAddress(ctx *linker.Context, sym *linker.Symbol) {
	if ctx.IsShared() || !sym.IsShared() || t.plt == nil {
		return
	}
	if sym.IsFunc() {
		t.addCanonicalPLT(ctx, sym)
		return
	}
	linker.AddCopyRelocation(ctx, sym, uint32(elf.R_ARM_COPY))
}

func (t *Target) branchDest(sym *linker.Symbol) uint64 {
	if t.plt != nil {
		if addr, ok := t.plt.entryAddr(sym); ok {
			return addr
		}
	}
	return sym.Addr()
}

// branchTarget is the S of a branch, which is its veneer when the target is
// out of reach.
func (t *Target) branchTarget(isec *linker.InputSection, sym *linker.Symbol, a int64) uint64 {
	if v, ok := t.veneers[veneerKey{isec.Output, sym, a}]; ok {
		return v.sym.Addr()
	}
	return t.branchDest(sym)
}

func (t *Target) ApplyRelocations(ctx *linker.Context, isec *linker.InputSection, buf []byte) error {
	var errs []error
	for i := range isec.Rels {
		if err := t.apply(ctx, isec, buf, &isec.Rels[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Target) apply(ctx *linker.Context, isec *linker.InputSection, buf []byte, rel *linker.Reloc) error {
	typ := elf.R_ARM(rel.Type)
	sym := isec.Symbol(rel)
	loc := buf[rel.Offset:]
	a := addend(ctx, isec, rel)
	s, p := sym.Addr(), isec.Addr()+rel.Offset
	insn := ctx.ByteOrder.Uint32(loc)
	put := func(v uint32) { ctx.ByteOrder.PutUint32(loc, v) }
	overflow := func() error {
		return fmt.Errorf("%s+%#x: %w: %s against %s out of range",
			isec, rel.Offset, linker.ErrRelocationOverflow, t.RelocName(rel.Type), sym.Name)
	}

	switch typ {
	case elf.R_ARM_NONE, elf.R_ARM_V4BX:
	case elf.R_ARM_ABS32, elf.R_ARM_TARGET1:
		if ctx.IsDynamic() && dynamicSym(ctx, sym) {
			put(uint32(a))
			break
		}
		put(uint32(s + uint64(a)))
	case elf.R_ARM_REL32:
		put(uint32(s + uint64(a) - p))
	case elf.R_ARM_PREL31:
		v := int64(s + uint64(a) - p)
		if !utils.IsInt(v, 31) {
			return overflow()
		}
		put(insn&0x80000000 | uint32(v)&0x7fffffff)
	case elf.R_ARM_CALL, elf.R_ARM_JUMP24, elf.R_ARM_PC24, elf.R_ARM_PLT32:
		v := int64(t.branchTarget(isec, sym, a) + uint64(a) - p)
		if sym.IsUndefined() && !t.hasPLT(sym) {
			// undefined weak: continue with the next instruction
			v = -4
		}
		if !utils.IsInt(v, 26) {
			return overflow()
		}
		put(insn&0xff000000 | uint32(v>>2)&0xffffff)
	case elf.R_ARM_MOVW_ABS_NC, elf.R_ARM_MOVT_ABS:
		v := uint32(s + uint64(a))
		if typ == elf.R_ARM_MOVT_ABS {
			v >>= 16
		}
		put(insn&0xfff0f000 | v<<4&0xf0000 | v&0xfff)
	case R_ARM_BASE_PREL:
		put(uint32(t.gotBase() + uint64(a) - p))
	case R_ARM_GOTOFF32:
		put(uint32(s + uint64(a) - t.gotBase()))
	case R_ARM_GOT_BREL:
		g, ok := t.got.entryAddr(sym)
		if !ok {
			return fmt.Errorf("%s+%#x: %s against %s has no GOT entry", isec, rel.Offset, t.RelocName(rel.Type), sym.Name)
		}
		put(uint32(g + uint64(a) - t.gotBase()))
	default:
		return fmt.Errorf("%s+%#x: %w: %s", isec, rel.Offset, linker.ErrUnsupportedRelocation, t.RelocName(rel.Type))
	}
	return nil
}
