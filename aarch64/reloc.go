package aarch64

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/wnxd/microdbg-linker/linker"
	"github.com/wnxd/microdbg-linker/utils"
)

const nop = 0xd503201f

func page(v uint64) uint64 {
	return v &^ 0xfff
}

func pageDelta(target, p uint64) uint64 {
	return page(target) - page(p)
}

// setADR stores the 21-bit immediate of an ADR or ADRP.
func setADR(insn uint32, imm uint64) uint32 {
	return insn&^(3<<29|0x7ffff<<5) | uint32(imm&3)<<29 | uint32(imm>>2&0x7ffff)<<5
}

func setImm12(insn uint32, imm uint64) uint32 {
	return insn&^(0xfff<<10) | uint32(imm&0xfff)<<10
}

func setImm16(insn uint32, imm uint64) uint32 {
	return insn&^(0xffff<<5) | uint32(imm&0xffff)<<5
}

func setBranch26(insn uint32, disp uint64) uint32 {
	return insn&^0x3ffffff | uint32(disp>>2)&0x3ffffff
}

// ldstShift is the access size scale of a LDSTn_ABS_LO12_NC relocation.
var ldstShift = map[elf.R_AARCH64]uint{
	elf.R_AARCH64_LDST8_ABS_LO12_NC:   0,
	elf.R_AARCH64_LDST16_ABS_LO12_NC:  1,
	elf.R_AARCH64_LDST32_ABS_LO12_NC:  2,
	elf.R_AARCH64_LDST64_ABS_LO12_NC:  3,
	elf.R_AARCH64_LDST128_ABS_LO12_NC: 4,
}

func isBranch26(typ elf.R_AARCH64) bool {
	return typ == elf.R_AARCH64_JUMP26 || typ == elf.R_AARCH64_CALL26
}

// dynamicSym reports whether references to sym are left to the dynamic
// loader.
func dynamicSym(ctx *linker.Context, sym *linker.Symbol) bool {
	return sym.IsPreemptible(ctx) && sym.Flags&linker.CanonicalPLT == 0
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
	typ := elf.R_AARCH64(rel.Type)
	switch typ {
	case elf.R_AARCH64_NONE, elf.R_AARCH64_NULL:
	case elf.R_AARCH64_ABS64:
		t.scanAbs64(ctx, isec, rel, sym)
	case elf.R_AARCH64_ABS32, elf.R_AARCH64_ABS16, elf.R_AARCH64_MOVW_UABS_G0, elf.R_AARCH64_MOVW_UABS_G0_NC,
		elf.R_AARCH64_MOVW_UABS_G1, elf.R_AARCH64_MOVW_UABS_G1_NC, elf.R_AARCH64_MOVW_UABS_G2,
		elf.R_AARCH64_MOVW_UABS_G2_NC, elf.R_AARCH64_MOVW_UABS_G3:
		if ctx.IsShared() && !sym.Abs {
			return fmt.Errorf("%s+%#x: %w: %s against %s cannot be used when making a shared object; recompile with -fPIC",
				isec, rel.Offset, linker.ErrUnsupportedRelocation, typ, sym.Name)
		}
		t.scanAddress(ctx, sym)
	case elf.R_AARCH64_PREL64, elf.R_AARCH64_PREL32, elf.R_AARCH64_PREL16, elf.R_AARCH64_ADR_PREL_LO21,
		elf.R_AARCH64_ADR_PREL_PG_HI21, elf.R_AARCH64_ADR_PREL_PG_HI21_NC, elf.R_AARCH64_ADD_ABS_LO12_NC,
		elf.R_AARCH64_LDST8_ABS_LO12_NC, elf.R_AARCH64_LDST16_ABS_LO12_NC, elf.R_AARCH64_LDST32_ABS_LO12_NC,
		elf.R_AARCH64_LDST64_ABS_LO12_NC, elf.R_AARCH64_LDST128_ABS_LO12_NC, elf.R_AARCH64_LD_PREL_LO19:
		if ctx.IsShared() && sym.IsPreemptible(ctx) {
			return fmt.Errorf("%s+%#x: %w: %s against preemptible symbol %s; recompile with -fPIC",
				isec, rel.Offset, linker.ErrUnsupportedRelocation, typ, sym.Name)
		}
		t.scanAddress(ctx, sym)
	case elf.R_AARCH64_JUMP26, elf.R_AARCH64_CALL26, elf.R_AARCH64_CONDBR19, elf.R_AARCH64_TSTBR14:
		if !sym.IsPreemptible(ctx) {
			break
		}
		if t.plt == nil {
			return fmt.Errorf("%s+%#x: %w: %s against %s needs a PLT entry",
				isec, rel.Offset, linker.ErrUnsupportedRelocation, typ, sym.Name)
		}
		t.addPLT(ctx, sym)
	case elf.R_AARCH64_ADR_GOT_PAGE, elf.R_AARCH64_LD64_GOT_LO12_NC:
		t.got.add(sym, gotAddr)
	case elf.R_AARCH64_TLSIE_ADR_GOTTPREL_PAGE21, elf.R_AARCH64_TLSIE_LD64_GOTTPREL_LO12_NC:
		t.got.add(sym, gotTPRel)
	case elf.R_AARCH64_TLSLE_ADD_TPREL_HI12, elf.R_AARCH64_TLSLE_ADD_TPREL_LO12,
		elf.R_AARCH64_TLSLE_ADD_TPREL_LO12_NC:
		if ctx.IsShared() {
			return fmt.Errorf("%s+%#x: %w: %s against %s cannot be used in a shared object",
				isec, rel.Offset, linker.ErrUnsupportedRelocation, typ, sym.Name)
		}
	default:
		return fmt.Errorf("%s+%#x: %w: %s", isec, rel.Offset, linker.ErrUnsupportedRelocation, typ)
	}
	return nil
}

func (t *Target) scanAbs64(ctx *linker.Context, isec *linker.InputSection, rel *linker.Reloc, sym *linker.Symbol) {
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
		ctx.RelDyn.Add(linker.DynReloc{
			Type:    uint32(elf.R_AARCH64_ABS64),
			Sym:     sym,
			Section: isec,
			Offset:  rel.Offset,
			Addend:  rel.Addend,
		})
	case ctx.IsShared() && !sym.Abs && !sym.IsUndefined():
		ctx.RelDyn.Add(linker.DynReloc{
			Type:    uint32(elf.R_AARCH64_RELATIVE),
			Section: isec,
			Offset:  rel.Offset,
			Addend:  rel.Addend,
			Kind:    linker.AddendAddr,
			Base:    sym,
		})
	}
}

// scanAddress handles references that take the address of sym. In an
// executable a shared function gets a canonical PLT entry and shared data
// is copied into .dynbss.
func (t *Target) scanAddress(ctx *linker.Context, sym *linker.Symbol) {
	if ctx.IsShared() || !sym.IsShared() || t.plt == nil {
		return
	}
	if sym.IsFunc() {
		t.addCanonicalPLT(ctx, sym)
		return
	}
	linker.AddCopyRelocation(ctx, sym, uint32(elf.R_AARCH64_COPY))
}

// branchDest is where a branch to sym really lands: its PLT entry when it
// has one.
func (t *Target) branchDest(sym *linker.Symbol) uint64 {
	if t.plt != nil {
		if addr, ok := t.plt.entryAddr(sym); ok {
			return addr
		}
	}
	return sym.Addr()
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
	typ := elf.R_AARCH64(rel.Type)
	sym := isec.Symbol(rel)
	loc := buf[rel.Offset:]
	s, a := sym.Addr(), uint64(rel.Addend)
	p := isec.Addr() + rel.Offset
	insn := func() uint32 { return insnOrder.Uint32(loc) }
	put := func(v uint32) { insnOrder.PutUint32(loc, v) }
	overflow := func() error {
		return fmt.Errorf("%s+%#x: %w: %s against %s out of range", isec, rel.Offset, linker.ErrRelocationOverflow, typ, sym.Name)
	}
	gotEntry := func(kind gotKind) (uint64, error) {
		addr, ok := t.got.entryAddr(sym, kind)
		if !ok {
			return 0, fmt.Errorf("%s+%#x: %s against %s has no GOT entry", isec, rel.Offset, typ, sym.Name)
		}
		return addr, nil
	}
	// word checks that v fits a data field of the given width read either
	// signed or unsigned.
	word := func(v uint64, bits uint) bool {
		return utils.IsInt(int64(v), bits) || utils.IsUint(v, bits)
	}

	switch typ {
	case elf.R_AARCH64_NONE, elf.R_AARCH64_NULL:
	case elf.R_AARCH64_ABS64:
		ctx.ByteOrder.PutUint64(loc, s+a)
	case elf.R_AARCH64_ABS32, elf.R_AARCH64_PREL32:
		v := s + a
		if typ == elf.R_AARCH64_PREL32 {
			v -= p
		}
		if !word(v, 32) {
			return overflow()
		}
		ctx.ByteOrder.PutUint32(loc, uint32(v))
	case elf.R_AARCH64_ABS16, elf.R_AARCH64_PREL16:
		v := s + a
		if typ == elf.R_AARCH64_PREL16 {
			v -= p
		}
		if !word(v, 16) {
			return overflow()
		}
		ctx.ByteOrder.PutUint16(loc, uint16(v))
	case elf.R_AARCH64_PREL64:
		ctx.ByteOrder.PutUint64(loc, s+a-p)
	case elf.R_AARCH64_ADR_PREL_LO21:
		v := s + a - p
		if !utils.IsInt(int64(v), 21) {
			return overflow()
		}
		put(setADR(insn(), v))
	case elf.R_AARCH64_ADR_PREL_PG_HI21, elf.R_AARCH64_ADR_PREL_PG_HI21_NC:
		v := pageDelta(s+a, p)
		if typ == elf.R_AARCH64_ADR_PREL_PG_HI21 && !utils.IsInt(int64(v), 33) {
			return overflow()
		}
		put(setADR(insn(), v>>12))
	case elf.R_AARCH64_ADD_ABS_LO12_NC:
		put(setImm12(insn(), s+a))
	case elf.R_AARCH64_LDST8_ABS_LO12_NC, elf.R_AARCH64_LDST16_ABS_LO12_NC, elf.R_AARCH64_LDST32_ABS_LO12_NC,
		elf.R_AARCH64_LDST64_ABS_LO12_NC, elf.R_AARCH64_LDST128_ABS_LO12_NC:
		put(setImm12(insn(), (s+a)&0xfff>>ldstShift[typ]))
	case elf.R_AARCH64_LD_PREL_LO19, elf.R_AARCH64_CONDBR19:
		v := s + a - p
		if typ == elf.R_AARCH64_CONDBR19 {
			v = t.branchTarget(isec, sym, rel, p) - p
		}
		if !utils.IsInt(int64(v), 21) {
			return overflow()
		}
		put(insn()&^(0x7ffff<<5) | uint32(v>>2&0x7ffff)<<5)
	case elf.R_AARCH64_TSTBR14:
		v := t.branchTarget(isec, sym, rel, p) - p
		if !utils.IsInt(int64(v), 16) {
			return overflow()
		}
		put(insn()&^(0x3fff<<5) | uint32(v>>2&0x3fff)<<5)
	case elf.R_AARCH64_JUMP26, elf.R_AARCH64_CALL26:
		v := t.branchTarget(isec, sym, rel, p) - p
		if !utils.IsInt(int64(v), 28) {
			return overflow()
		}
		put(setBranch26(insn(), v))
	case elf.R_AARCH64_MOVW_UABS_G0, elf.R_AARCH64_MOVW_UABS_G0_NC, elf.R_AARCH64_MOVW_UABS_G1,
		elf.R_AARCH64_MOVW_UABS_G1_NC, elf.R_AARCH64_MOVW_UABS_G2, elf.R_AARCH64_MOVW_UABS_G2_NC,
		elf.R_AARCH64_MOVW_UABS_G3:
		shift, checked := movwGroup(typ)
		v := s + a
		if checked && !utils.IsUint(v, shift+16) {
			return overflow()
		}
		put(setImm16(insn(), v>>shift))
	case elf.R_AARCH64_ADR_GOT_PAGE, elf.R_AARCH64_TLSIE_ADR_GOTTPREL_PAGE21:
		kind := gotAddr
		if typ == elf.R_AARCH64_TLSIE_ADR_GOTTPREL_PAGE21 {
			kind = gotTPRel
		}
		g, err := gotEntry(kind)
		if err != nil {
			return err
		}
		v := pageDelta(g, p)
		if !utils.IsInt(int64(v), 33) {
			return overflow()
		}
		put(setADR(insn(), v>>12))
	case elf.R_AARCH64_LD64_GOT_LO12_NC, elf.R_AARCH64_TLSIE_LD64_GOTTPREL_LO12_NC:
		kind := gotAddr
		if typ == elf.R_AARCH64_TLSIE_LD64_GOTTPREL_LO12_NC {
			kind = gotTPRel
		}
		g, err := gotEntry(kind)
		if err != nil {
			return err
		}
		put(setImm12(insn(), g&0xfff>>3))
	case elf.R_AARCH64_TLSLE_ADD_TPREL_HI12:
		v := tprel(ctx, s+a)
		if !utils.IsUint(v, 24) {
			return overflow()
		}
		put(setImm12(insn(), v>>12))
	case elf.R_AARCH64_TLSLE_ADD_TPREL_LO12, elf.R_AARCH64_TLSLE_ADD_TPREL_LO12_NC:
		v := tprel(ctx, s+a)
		if typ == elf.R_AARCH64_TLSLE_ADD_TPREL_LO12 && !utils.IsUint(v, 12) {
			return overflow()
		}
		put(setImm12(insn(), v))
	default:
		return fmt.Errorf("%s+%#x: %w: %s", isec, rel.Offset, linker.ErrUnsupportedRelocation, typ)
	}
	return nil
}

// movwGroup returns the bit position of a MOVW_UABS group and whether the
// value must fit the bits up to and including it.
func movwGroup(typ elf.R_AARCH64) (uint, bool) {
	switch typ {
	case elf.R_AARCH64_MOVW_UABS_G0:
		return 0, true
	case elf.R_AARCH64_MOVW_UABS_G0_NC:
		return 0, false
	case elf.R_AARCH64_MOVW_UABS_G1:
		return 16, true
	case elf.R_AARCH64_MOVW_UABS_G1_NC:
		return 16, false
	case elf.R_AARCH64_MOVW_UABS_G2:
		return 32, true
	case elf.R_AARCH64_MOVW_UABS_G2_NC:
		return 32, false
	}
	return 48, false
}

// branchTarget resolves a direct branch. A call to an undefined weak
// function without a PLT entry falls through to the next instruction, and
// a far call goes through its veneer.
func (t *Target) branchTarget(isec *linker.InputSection, sym *linker.Symbol, rel *linker.Reloc, p uint64) uint64 {
	if isBranch26(elf.R_AARCH64(rel.Type)) {
		if v, ok := t.veneers[veneerKey{isec.Output, sym, rel.Addend}]; ok {
			return v.sym.Addr()
		}
	}
	if sym.IsUndefined() {
		if t.plt != nil {
			if addr, ok := t.plt.entryAddr(sym); ok {
				return addr + uint64(rel.Addend)
			}
		}
		return p + 4
	}
	return t.branchDest(sym) + uint64(rel.Addend)
}
