package arm

import (
	"debug/elf"
	"fmt"

	"github.com/wnxd/microdbg-linker/linker"
	"github.com/wnxd/microdbg-linker/utils"
)

const (
	absVeneerSize = 8
	pcVeneerSize  = 12
)

// veneer is a long branch to target + addend + 8. Executables load the
// absolute address (ldr pc, [pc, #-4]); shared objects add a PC-relative
// offset instead (ldr ip, [pc]; add pc, pc, ip).
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

func veneerSize(ctx *linker.Context) uint64 {
	if ctx.IsShared() {
		return pcVeneerSize
	}
	return absVeneerSize
}

func (t *Target) stubSection(ctx *linker.Context, osec *linker.OutputSection) *linker.InputSection {
	if isec, ok := t.stubSecs[osec]; ok {
		return isec
	}
	isec := ctx.AddStubSection(osec, ".text.arm_veneers", 4)
	t.stubSecs[osec] = isec
	t.stubOrder = append(t.stubOrder, isec)
	return isec
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

func (t *Target) hasPLT(sym *linker.Symbol) bool {
	if t.plt == nil {
		return false
	}
	_, ok := t.plt.idx[sym]
	return ok
}

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
		}
	}
	return changed, nil
}

func (t *Target) addVeneers(ctx *linker.Context, isec *linker.InputSection) bool {
	changed := false
	for i := range isec.Rels {
		rel := &isec.Rels[i]
		if !isBranch(elf.R_ARM(rel.Type)) {
			continue
		}
		sym := isec.Symbol(rel)
		if sym.IsUndefined() && !t.hasPLT(sym) {
			continue
		}
		a := addend(ctx, isec, rel)
		key := veneerKey{isec.Output, sym, a}
		if _, ok := t.veneers[key]; ok {
			continue
		}
		p := isec.Addr() + rel.Offset
		if utils.IsInt(int64(t.branchDest(sym)+uint64(a)-p), 26) {
			continue
		}
		v := &veneer{target: sym, addend: a}
		stubs := t.stubSection(ctx, isec.Output)
		size := veneerSize(ctx)
		v.sym = ctx.AddLocalSymbol(t.veneerName(sym), stubs, stubs.Size, size, elf.STT_FUNC)
		stubs.Size += size
		t.veneers[key] = v
		t.veneerList = append(t.veneerList, v)
		ctx.Diag.Tracef("%s+%#x: veneer %s for %s", isec, rel.Offset, v.sym.Name, sym.Name)
		changed = true
	}
	return changed
}

func (t *Target) writeVeneers(ctx *linker.Context) {
	for _, isec := range t.stubOrder {
		isec.Contents = make([]byte, isec.Size)
	}
	for _, v := range t.veneerList {
		pc := v.sym.Addr()
		dest := t.branchDest(v.target) + uint64(v.addend) + 8
		buf := v.sym.Section.Contents[v.sym.Value:]
		if ctx.IsShared() {
			ctx.ByteOrder.PutUint32(buf, 0xe59fc000)     // ldr ip, [pc]
			ctx.ByteOrder.PutUint32(buf[4:], 0xe08ff00c) // add pc, pc, ip
			ctx.ByteOrder.PutUint32(buf[8:], uint32(dest-(pc+12)))
			continue
		}
		ctx.ByteOrder.PutUint32(buf, 0xe51ff004) // ldr pc, [pc, #-4]
		ctx.ByteOrder.PutUint32(buf[4:], uint32(dest))
	}
}
