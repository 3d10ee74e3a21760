package mips

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/wnxd/microdbg-linker/linker"
	"github.com/wnxd/microdbg-linker/utils"
)

const (
	R_MIPS_GLOB_DAT  elf.R_MIPS = 51
	R_MIPS_PC21_S2   elf.R_MIPS = 60
	R_MIPS_PC26_S2   elf.R_MIPS = 61
	R_MIPS_PC18_S3   elf.R_MIPS = 62
	R_MIPS_PC19_S2   elf.R_MIPS = 63
	R_MIPS_PCHI16    elf.R_MIPS = 64
	R_MIPS_PCLO16    elf.R_MIPS = 65
	R_MIPS_COPY      elf.R_MIPS = 126
	R_MIPS_JUMP_SLOT elf.R_MIPS = 127
	R_MIPS_PC32      elf.R_MIPS = 248
)

var extraRelocNames = map[elf.R_MIPS]string{
	R_MIPS_GLOB_DAT:  "R_MIPS_GLOB_DAT",
	R_MIPS_PC21_S2:   "R_MIPS_PC21_S2",
	R_MIPS_PC26_S2:   "R_MIPS_PC26_S2",
	R_MIPS_PC18_S3:   "R_MIPS_PC18_S3",
	R_MIPS_PC19_S2:   "R_MIPS_PC19_S2",
	R_MIPS_PCHI16:    "R_MIPS_PCHI16",
	R_MIPS_PCLO16:    "R_MIPS_PCLO16",
	R_MIPS_COPY:      "R_MIPS_COPY",
	R_MIPS_JUMP_SLOT: "R_MIPS_JUMP_SLOT",
	R_MIPS_PC32:      "R_MIPS_PC32",
}

func relocName(r elf.R_MIPS) string {
	if name, ok := extraRelocNames[r]; ok {
		return name
	}
	return r.String()
}

// ops splits a packed MIPS64 relocation type into its operations.
func ops(typ uint32) []elf.R_MIPS {
	out := []elf.R_MIPS{elf.R_MIPS(typ & 0xff)}
	for typ >>= 8; typ != 0; typ >>= 8 {
		op := elf.R_MIPS(typ & 0xff)
		if op == elf.R_MIPS_NONE {
			break
		}
		out = append(out, op)
	}
	return out
}

func isGOTLoad(op elf.R_MIPS) bool {
	switch op {
	case elf.R_MIPS_GOT16, elf.R_MIPS_CALL16, elf.R_MIPS_GOT_DISP, elf.R_MIPS_GOT_HI16,
		elf.R_MIPS_GOT_LO16, elf.R_MIPS_CALL_HI16, elf.R_MIPS_CALL_LO16:
		return true
	}
	return false
}

func isGPSymbol(sym *linker.Symbol) bool {
	switch sym.Name {
	case "_gp", "_gp_disp", "__gnu_local_gp":
		return !sym.Local
	}
	return false
}

// readAddend decodes the addend a REL relocation keeps in the field it
// patches.
func readAddend(ctx *linker.Context, op elf.R_MIPS, loc []byte) int64 {
	switch op {
	case elf.R_MIPS_64, elf.R_MIPS_TLS_DTPREL64, elf.R_MIPS_TLS_TPREL64:
		return int64(ctx.ByteOrder.Uint64(loc))
	case elf.R_MIPS_NONE, elf.R_MIPS_JALR:
		return 0
	}
	insn := uint64(ctx.ByteOrder.Uint32(loc))
	switch op {
	case elf.R_MIPS_32, elf.R_MIPS_REL32, elf.R_MIPS_GPREL32, elf.R_MIPS_TLS_DTPREL32,
		elf.R_MIPS_TLS_TPREL32, R_MIPS_PC32:
		return utils.SignExtend(insn, 32)
	case elf.R_MIPS_26:
		return utils.SignExtend(insn<<2&0x0fffffff, 28)
	case elf.R_MIPS_PC16:
		return utils.SignExtend(insn&0xffff<<2, 18)
	case R_MIPS_PC21_S2:
		return utils.SignExtend(insn&0x1fffff<<2, 23)
	case R_MIPS_PC26_S2:
		return utils.SignExtend(insn&0x3ffffff<<2, 28)
	case R_MIPS_PC18_S3:
		return utils.SignExtend(insn&0x3ffff<<3, 21)
	case R_MIPS_PC19_S2:
		return utils.SignExtend(insn&0x7ffff<<2, 21)
	}
	return utils.SignExtend(insn&0xffff, 16)
}

func (t *Target) addend(ctx *linker.Context, isec *linker.InputSection, rel *linker.Reloc, op elf.R_MIPS) int64 {
	if isec.IsRela {
		return rel.Addend
	}
	return readAddend(ctx, op, isec.Contents[rel.Offset:])
}

// pairedAddend combines a REL HI16 or GOT16 with the LO16 that follows it
// for the same symbol. Without one the low half is taken as zero.
func pairedAddend(ctx *linker.Context, isec *linker.InputSection, i int) int64 {
	rel := &isec.Rels[i]
	ahi := int64(ctx.ByteOrder.Uint32(isec.Contents[rel.Offset:])&0xffff) << 16
	for j := i + 1; j < len(isec.Rels); j++ {
		lo := &isec.Rels[j]
		if lo.Sym == rel.Sym && elf.R_MIPS(lo.Type&0xff) == elf.R_MIPS_LO16 {
			return int64(int32(ahi + readAddend(ctx, elf.R_MIPS_LO16, isec.Contents[lo.Offset:])))
		}
	}
	return int64(int32(ahi))
}

func (t *Target) ScanRelocations(ctx *linker.Context, isec *linker.InputSection) error {
	var errs []error
	for i := range isec.Rels {
		rel := &isec.Rels[i]
		if i > 0 && isec.IsRela && !ctx.Is64() && isec.Rels[i-1].Offset == rel.Offset {
			continue
		}
		sym := isec.Symbol(rel)
		if isGPSymbol(sym) {
			t.got.used = true
		}
		op := elf.R_MIPS(rel.Type & 0xff)
		if err := t.scan(ctx, isec, i, op, sym); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Target) scan(ctx *linker.Context, isec *linker.InputSection, i int, op elf.R_MIPS, sym *linker.Symbol) error {
	rel := &isec.Rels[i]
	switch op {
	case elf.R_MIPS_NONE, elf.R_MIPS_JALR, elf.R_MIPS_SUB, elf.R_MIPS_TLS_DTPREL_HI16,
		elf.R_MIPS_TLS_DTPREL_LO16, elf.R_MIPS_TLS_DTPREL32, elf.R_MIPS_TLS_DTPREL64:
	case elf.R_MIPS_TLS_TPREL_HI16, elf.R_MIPS_TLS_TPREL_LO16, elf.R_MIPS_TLS_TPREL32, elf.R_MIPS_TLS_TPREL64:
		if ctx.IsShared() {
			return fmt.Errorf("%s+%#x: %w: %s against %s cannot be used in a shared object",
				isec, rel.Offset, linker.ErrUnsupportedRelocation, relocName(op), sym.Name)
		}
	case elf.R_MIPS_26:
		return t.scanJump(ctx, isec, rel, sym)
	case elf.R_MIPS_32, elf.R_MIPS_64:
		t.scanAbs(ctx, isec, rel, op, sym)
	case elf.R_MIPS_16, elf.R_MIPS_HI16, elf.R_MIPS_LO16, elf.R_MIPS_HIGHER, elf.R_MIPS_HIGHEST,
		elf.R_MIPS_PC16, R_MIPS_PC21_S2, R_MIPS_PC26_S2, R_MIPS_PC18_S3, R_MIPS_PC19_S2,
		R_MIPS_PCHI16, R_MIPS_PCLO16, R_MIPS_PC32:
		t.scanAddress(ctx, sym)
	case elf.R_MIPS_GPREL16, elf.R_MIPS_GPREL32, elf.R_MIPS_LITERAL, elf.R_MIPS_GOT_OFST:
		t.got.used = true
	case elf.R_MIPS_GOT16:
		if !sym.Local {
			t.scanGOTLoad(ctx, isec, rel, op, sym)
			break
		}
		if osec := symbolOutput(sym); osec != nil {
			t.got.addPage(isec.File, osec)
			break
		}
		a := rel.Addend
		if !isec.IsRela {
			a = pairedAddend(ctx, isec, i)
		}
		t.got.addLocal(isec.File, sym, a, true)
	case elf.R_MIPS_CALL16, elf.R_MIPS_GOT_DISP, elf.R_MIPS_GOT_HI16, elf.R_MIPS_GOT_LO16,
		elf.R_MIPS_CALL_HI16, elf.R_MIPS_CALL_LO16:
		t.scanGOTLoad(ctx, isec, rel, op, sym)
	case elf.R_MIPS_GOT_PAGE:
		switch osec := symbolOutput(sym); {
		case sym.IsPreemptible(ctx):
			t.got.addGlobal(isec.File, sym)
		case osec != nil:
			t.got.addPage(isec.File, osec)
		default:
			t.got.addLocal(isec.File, sym, t.addend(ctx, isec, rel, op), true)
		}
	case elf.R_MIPS_TLS_GD:
		t.got.addTLS(isec.File, sym, tlsGD)
	case elf.R_MIPS_TLS_LDM:
		t.got.addLDM(isec.File)
	case elf.R_MIPS_TLS_GOTTPREL:
		t.got.addTLS(isec.File, sym, tlsIE)
	default:
		return fmt.Errorf("%s+%#x: %w: %s", isec, rel.Offset, linker.ErrUnsupportedRelocation, relocName(op))
	}
	return nil
}

func symbolOutput(sym *linker.Symbol) *linker.OutputSection {
	if sym.Section == nil {
		return nil
	}
	return sym.Section.Output
}

func (t *Target) scanGOTLoad(ctx *linker.Context, isec *linker.InputSection, rel *linker.Reloc, op elf.R_MIPS, sym *linker.Symbol) {
	if sym.IsPreemptible(ctx) {
		t.got.addGlobal(isec.File, sym)
		return
	}
	t.got.addLocal(isec.File, sym, t.addend(ctx, isec, rel, op), false)
}

// dynamicSym reports whether references to sym are left to the dynamic
// loader.
func dynamicSym(ctx *linker.Context, sym *linker.Symbol) bool {
	return sym.IsPreemptible(ctx) && sym.Flags&linker.CanonicalPLT == 0
}

func rel32(ctx *linker.Context, op elf.R_MIPS) uint32 {
	if ctx.Is64() {
		return uint32(elf.R_MIPS_REL32) | uint32(op)<<8
	}
	return uint32(elf.R_MIPS_REL32)
}

func (t *Target) scanAbs(ctx *linker.Context, isec *linker.InputSection, rel *linker.Reloc, op elf.R_MIPS, sym *linker.Symbol) {
	if !ctx.IsDynamic() {
		return
	}
	if !ctx.IsShared() && sym.IsShared() {
		switch {
		case sym.IsFunc():
			t.addCanonicalPLT(ctx, sym)
			return
		case sym.Type == elf.STT_OBJECT || sym.Size > 0:
			linker.AddCopyRelocation(ctx, sym, uint32(R_MIPS_COPY))
			return
		}
	}
	switch {
	case dynamicSym(ctx, sym):
		sym.Flags |= linker.NeedsDynsym
		if !sym.IsShared() {
			t.got.addDynRef(sym)
		}
		ctx.RelDyn.Add(linker.DynReloc{Type: rel32(ctx, op), Sym: sym, Section: isec, Offset: rel.Offset})
	case ctx.IsShared() && !sym.Abs && !sym.IsUndefined():
		ctx.RelDyn.Add(linker.DynReloc{Type: rel32(ctx, op), Section: isec, Offset: rel.Offset})
	}
}

// scanAddress handles references that materialise the address of sym in
// code. In an executable a shared function gets a canonical PLT entry and
// shared data is copied into .dynbss.
func (t *Target) scanAddress(ctx *linker.Context, sym *linker.Symbol) {
	if ctx.IsShared() || !sym.IsShared() || t.plt == nil {
		return
	}
	if sym.IsFunc() {
		t.addCanonicalPLT(ctx, sym)
		return
	}
	linker.AddCopyRelocation(ctx, sym, uint32(R_MIPS_COPY))
}

func (t *Target) scanJump(ctx *linker.Context, isec *linker.InputSection, rel *linker.Reloc, sym *linker.Symbol) error {
	if sym.IsShared() || (sym.IsUndefined() && !sym.IsWeakUndefined()) {
		if ctx.IsShared() || t.plt == nil {
			return fmt.Errorf("%s+%#x: %w: %s against %s needs a PLT entry",
				isec, rel.Offset, linker.ErrUnsupportedRelocation, relocName(elf.R_MIPS_26), sym.Name)
		}
		if sym.IsShared() {
			t.addPLT(ctx, sym)
		}
		return nil
	}
	if needsLA25(ctx, isec, sym) {
		t.addLA25(ctx, sym)
	}
	return nil
}

// needsLA25 reports whether a jump from non-PIC code to sym must go through
// a stub that sets up $t9 first.
func needsLA25(ctx *linker.Context, isec *linker.InputSection, sym *linker.Symbol) bool {
	if isec.File.Flags&EF_MIPS_PIC != 0 || sym.Local || sym.Type == elf.STT_SECTION {
		return false
	}
	if !sym.IsDefined() || sym.IsPreemptible(ctx) || sym.File == nil || sym.Section == nil {
		return false
	}
	return isPIC(sym.File.Flags) && sym.Section.Flags&elf.SHF_EXECINSTR != 0 && sym.Section.Output != nil
}

// jumpDest is where a jump to sym from isec really lands.
func (t *Target) jumpDest(isec *linker.InputSection, sym *linker.Symbol) uint64 {
	if t.plt != nil && sym.Flags&linker.CanonicalPLT == 0 {
		if addr, ok := t.plt.entryAddr(sym); ok {
			return addr
		}
	}
	if s, ok := t.la25[sym]; ok && isec.File.Flags&EF_MIPS_PIC == 0 {
		return s.addr()
	}
	return sym.Addr()
}

func (t *Target) jumpValue(isec *linker.InputSection, sym *linker.Symbol, a int64, p uint64) uint64 {
	if s, ok := t.islands[islandKey{isec.Output, sym, a}]; ok {
		return s.addr()
	}
	s := t.jumpDest(isec, sym)
	if sym.Local && !isec.IsRela {
		return (uint64(a)&0x0fffffff | (p+4)&^0x0fffffff) + s
	}
	return s + uint64(a)
}

type pendingHi struct {
	rel *linker.Reloc
	ahi int64
}

type relocator struct {
	t       *Target
	ctx     *linker.Context
	isec    *linker.InputSection
	buf     []byte
	gp      uint64
	pending map[*linker.Symbol][]pendingHi
	order   []*linker.Symbol
	errs    []error
}

func (t *Target) ApplyRelocations(ctx *linker.Context, isec *linker.InputSection, buf []byte) error {
	r := &relocator{
		t:       t,
		ctx:     ctx,
		isec:    isec,
		buf:     buf,
		gp:      t.gp(ctx, isec.File),
		pending: make(map[*linker.Symbol][]pendingHi),
	}
	rels := isec.Rels
	for i := 0; i < len(rels); i++ {
		rel := &rels[i]
		switch {
		case isec.IsRela && !ctx.Is64():
			j := i + 1
			for j < len(rels) && rels[j].Offset == rel.Offset {
				j++
			}
			r.applyChain(rels[i:j], rel.Addend)
			i = j - 1
		case isec.IsRela:
			r.applyChain(rels[i:i+1], rel.Addend)
		default:
			r.applyRel(rel)
		}
	}
	r.flush()
	return errors.Join(r.errs...)
}

func (r *relocator) applyRel(rel *linker.Reloc) {
	sym := r.isec.Symbol(rel)
	if rel.Type>>8 != 0 {
		op := elf.R_MIPS(rel.Type & 0xff)
		r.applyChain([]linker.Reloc{*rel}, readAddend(r.ctx, op, r.isec.Contents[rel.Offset:]))
		return
	}
	op := elf.R_MIPS(rel.Type)
	loc := r.isec.Contents[rel.Offset:]
	switch {
	case op == elf.R_MIPS_HI16 || (op == elf.R_MIPS_GOT16 && sym.Local):
		if _, ok := r.pending[sym]; !ok {
			r.order = append(r.order, sym)
		}
		ahi := int64(r.ctx.ByteOrder.Uint32(loc)&0xffff) << 16
		r.pending[sym] = append(r.pending[sym], pendingHi{rel, ahi})
	case op == elf.R_MIPS_LO16:
		alo := readAddend(r.ctx, op, loc)
		for _, hi := range r.pending[sym] {
			r.apply(hi.rel, elf.R_MIPS(hi.rel.Type), sym, int64(int32(hi.ahi+alo)))
		}
		r.pending[sym] = r.pending[sym][:0]
		r.apply(rel, op, sym, alo)
	default:
		r.apply(rel, op, sym, readAddend(r.ctx, op, loc))
	}
}

// flush resolves high halves that never met their LO16.
func (r *relocator) flush() {
	for _, sym := range r.order {
		for _, hi := range r.pending[sym] {
			r.apply(hi.rel, elf.R_MIPS(hi.rel.Type), sym, int64(int32(hi.ahi)))
		}
	}
}

// applyChain evaluates relocations that patch one location in sequence.
// Only the first operation refers to the symbol; every later one takes the
// previous result as its addend, and only the last one writes.
func (r *relocator) applyChain(rels []linker.Reloc, a int64) {
	first := &rels[0]
	sym := r.isec.Symbol(first)
	var chain []elf.R_MIPS
	for i := range rels {
		chain = append(chain, ops(rels[i].Type)...)
	}
	for i, op := range chain {
		last := i == len(chain)-1
		if op == elf.R_MIPS_NONE && !last {
			continue
		}
		if i > 0 {
			sym = nil
		}
		v, ok := r.compute(first, op, sym, a)
		if !ok {
			return
		}
		if last {
			r.write(first, op, sym, v)
		}
		a = int64(v)
	}
}

func (r *relocator) apply(rel *linker.Reloc, op elf.R_MIPS, sym *linker.Symbol, a int64) {
	if v, ok := r.compute(rel, op, sym, a); ok {
		r.write(rel, op, sym, v)
	}
}

func symName(sym *linker.Symbol) string {
	if sym == nil {
		return "<chain>"
	}
	return sym.Name
}

func (r *relocator) fail(rel *linker.Reloc, format string, args ...any) {
	r.errs = append(r.errs, fmt.Errorf("%s+%#x: "+format, append([]any{r.isec, rel.Offset}, args...)...))
}

func (r *relocator) gotEntry(rel *linker.Reloc, op elf.R_MIPS, sym *linker.Symbol, a int64) (uint64, bool) {
	got, f := r.t.got, r.isec.File
	var addr uint64
	var ok bool
	switch {
	case op == elf.R_MIPS_TLS_GD:
		addr, ok = got.tlsAddr(r.ctx, f, sym, tlsGD)
	case op == elf.R_MIPS_TLS_GOTTPREL:
		addr, ok = got.tlsAddr(r.ctx, f, sym, tlsIE)
	case op == elf.R_MIPS_TLS_LDM:
		addr, ok = got.ldmEntry(r.ctx, f)
	case sym.IsPreemptible(r.ctx):
		addr, ok = got.globalEntry(r.ctx, f, sym)
	case op == elf.R_MIPS_GOT16 && sym.Local, op == elf.R_MIPS_GOT_PAGE:
		if osec := symbolOutput(sym); osec != nil {
			var err error
			addr, err = got.pageEntry(r.ctx, f, osec, sym.Addr()+uint64(a))
			if err != nil {
				r.fail(rel, "%v", err)
				return 0, false
			}
			ok = true
		} else {
			addr, ok = got.localEntry(r.ctx, f, sym, a, true)
		}
	default:
		addr, ok = got.localEntry(r.ctx, f, sym, a, false)
	}
	if !ok {
		r.fail(rel, "%s against %s has no GOT entry", relocName(op), sym.Name)
	}
	return addr, ok
}

func (r *relocator) compute(rel *linker.Reloc, op elf.R_MIPS, sym *linker.Symbol, a int64) (uint64, bool) {
	var s uint64
	if sym != nil {
		s = sym.Addr()
	}
	p := r.isec.Addr() + rel.Offset
	alloc := r.isec.Flags&elf.SHF_ALLOC != 0
	switch op {
	case elf.R_MIPS_NONE, elf.R_MIPS_JALR:
		return 0, true
	case elf.R_MIPS_32, elf.R_MIPS_64:
		if alloc && sym != nil && r.ctx.IsDynamic() && dynamicSym(r.ctx, sym) {
			return uint64(a), true
		}
		return s + uint64(a), true
	case elf.R_MIPS_HI16, elf.R_MIPS_LO16:
		if sym != nil && sym.Name == "_gp_disp" && !sym.Local {
			if op == elf.R_MIPS_LO16 {
				return r.gp - p + 4 + uint64(a), true
			}
			return r.gp - p + uint64(a), true
		}
		return s + uint64(a), true
	case elf.R_MIPS_16, elf.R_MIPS_HIGHER, elf.R_MIPS_HIGHEST:
		return s + uint64(a), true
	case elf.R_MIPS_26:
		if sym == nil {
			return uint64(a), true
		}
		return r.t.jumpValue(r.isec, sym, a, p), true
	case elf.R_MIPS_GPREL16, elf.R_MIPS_GPREL32, elf.R_MIPS_LITERAL:
		v := s + uint64(a) - r.gp
		if sym != nil && sym.Local {
			v += uint64(r.t.gp0[r.isec.File])
		}
		return v, true
	case elf.R_MIPS_PC16, R_MIPS_PC21_S2, R_MIPS_PC26_S2, R_MIPS_PC19_S2, R_MIPS_PCHI16,
		R_MIPS_PCLO16, R_MIPS_PC32:
		return s + uint64(a) - p, true
	case R_MIPS_PC18_S3:
		return s + uint64(a) - p&^7, true
	case elf.R_MIPS_SUB:
		return s - uint64(a), true
	case elf.R_MIPS_GOT_OFST:
		if sym == nil || sym.IsPreemptible(r.ctx) {
			return uint64(a), true
		}
		v := s + uint64(a)
		return v - pageAddr(v), true
	case elf.R_MIPS_TLS_DTPREL_HI16, elf.R_MIPS_TLS_DTPREL_LO16, elf.R_MIPS_TLS_DTPREL32, elf.R_MIPS_TLS_DTPREL64:
		return s + uint64(a) - (r.ctx.TLSBegin + dtpOffset), true
	case elf.R_MIPS_TLS_TPREL_HI16, elf.R_MIPS_TLS_TPREL_LO16, elf.R_MIPS_TLS_TPREL32, elf.R_MIPS_TLS_TPREL64:
		return s + uint64(a) - (r.ctx.TLSBegin + tpOffset), true
	}
	if isGOTLoad(op) || op == elf.R_MIPS_GOT_PAGE || op == elf.R_MIPS_TLS_GD ||
		op == elf.R_MIPS_TLS_LDM || op == elf.R_MIPS_TLS_GOTTPREL {
		if sym == nil {
			r.fail(rel, "%w: %s in the middle of a chain", linker.ErrUnsupportedRelocation, relocName(op))
			return 0, false
		}
		addr, ok := r.gotEntry(rel, op, sym, a)
		return addr - r.gp, ok
	}
	r.fail(rel, "%w: %s", linker.ErrUnsupportedRelocation, relocName(op))
	return 0, false
}

func (r *relocator) overflow(rel *linker.Reloc, op elf.R_MIPS, sym *linker.Symbol) {
	r.fail(rel, "%w: %s against %s out of range", linker.ErrRelocationOverflow, relocName(op), symName(sym))
}

func (r *relocator) write(rel *linker.Reloc, op elf.R_MIPS, sym *linker.Symbol, v uint64) {
	loc := r.buf[rel.Offset:]
	order := r.ctx.ByteOrder
	field := func(mask uint32, val uint64) {
		insn := order.Uint32(loc)
		order.PutUint32(loc, insn&^mask|uint32(val)&mask)
	}
	checked := func(bits uint, shift uint, mask uint32) {
		if !utils.IsInt(int64(v), bits) {
			r.overflow(rel, op, sym)
			return
		}
		field(mask, v>>shift)
	}
	switch op {
	case elf.R_MIPS_NONE, elf.R_MIPS_JALR:
	case elf.R_MIPS_32, elf.R_MIPS_GPREL32, elf.R_MIPS_TLS_DTPREL32, elf.R_MIPS_TLS_TPREL32, R_MIPS_PC32:
		order.PutUint32(loc, uint32(v))
	case elf.R_MIPS_64, elf.R_MIPS_TLS_DTPREL64, elf.R_MIPS_TLS_TPREL64:
		order.PutUint64(loc, v)
	case elf.R_MIPS_SUB:
		r.ctx.PutWord(loc, v)
	case elf.R_MIPS_HI16, elf.R_MIPS_GOT_HI16, elf.R_MIPS_CALL_HI16, elf.R_MIPS_TLS_DTPREL_HI16,
		elf.R_MIPS_TLS_TPREL_HI16, R_MIPS_PCHI16:
		field(0xffff, (v+0x8000)>>16)
	case elf.R_MIPS_LO16, elf.R_MIPS_GOT_LO16, elf.R_MIPS_CALL_LO16, elf.R_MIPS_TLS_DTPREL_LO16,
		elf.R_MIPS_TLS_TPREL_LO16, R_MIPS_PCLO16, elf.R_MIPS_GOT_OFST:
		field(0xffff, v)
	case elf.R_MIPS_HIGHER:
		field(0xffff, (v+0x80008000)>>32)
	case elf.R_MIPS_HIGHEST:
		field(0xffff, (v+0x800080008000)>>48)
	case elf.R_MIPS_26:
		field(0x3ffffff, v>>2)
	case elf.R_MIPS_16, elf.R_MIPS_GOT16, elf.R_MIPS_CALL16, elf.R_MIPS_GPREL16, elf.R_MIPS_LITERAL,
		elf.R_MIPS_GOT_DISP, elf.R_MIPS_GOT_PAGE, elf.R_MIPS_TLS_GD, elf.R_MIPS_TLS_LDM,
		elf.R_MIPS_TLS_GOTTPREL:
		checked(16, 0, 0xffff)
	case elf.R_MIPS_PC16:
		checked(18, 2, 0xffff)
	case R_MIPS_PC21_S2:
		checked(23, 2, 0x1fffff)
	case R_MIPS_PC26_S2:
		checked(28, 2, 0x3ffffff)
	case R_MIPS_PC18_S3:
		checked(21, 3, 0x3ffff)
	case R_MIPS_PC19_S2:
		checked(21, 2, 0x7ffff)
	default:
		r.fail(rel, "%w: %s", linker.ErrUnsupportedRelocation, relocName(op))
	}
}
