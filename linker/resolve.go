package linker

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/wnxd/microdbg-linker/utils"
)

func ResolveSymbols(ctx *Context) error {
	markLiveObjects(ctx)
	ctx.Objs = utils.RemoveIf(ctx.Objs, func(f *ObjectFile) bool {
		return !f.Alive
	})
	claimComdats(ctx)
	var errs []error
	for _, f := range ctx.Objs {
		errs = append(errs, f.resolveSymbols(ctx)...)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return resolveShared(ctx)
}

// markLiveObjects pulls archive members into the link for as long as some
// live object has a strong undefined reference they define.
func markLiveObjects(ctx *Context) {
	lazy := make(map[string]*ObjectFile)
	for _, f := range ctx.Objs {
		for _, esym := range f.ElfSyms[f.FirstGlobal:] {
			if esym.Section == elf.SHN_UNDEF || esym.Section == elf.SHN_COMMON {
				continue
			}
			if _, ok := lazy[esym.Name]; !ok {
				lazy[esym.Name] = f
			}
		}
	}
	var roots []*ObjectFile
	for _, f := range ctx.Objs {
		if f.Alive {
			roots = append(roots, f)
		}
	}
	for len(roots) > 0 {
		f := roots[0]
		roots = roots[1:]
		for _, esym := range f.ElfSyms[f.FirstGlobal:] {
			if esym.Section != elf.SHN_UNDEF || elf.ST_BIND(esym.Info) == elf.STB_WEAK {
				continue
			}
			if owner := lazy[esym.Name]; owner != nil && !owner.Alive {
				owner.Alive = true
				ctx.Diag.Tracef("%s: extracted for %s", owner.Name, esym.Name)
				roots = append(roots, owner)
			}
		}
	}
}

func claimComdats(ctx *Context) {
	for _, f := range ctx.Objs {
		for _, g := range f.groups {
			owner, ok := ctx.comdats[g.signature]
			if !ok {
				ctx.comdats[g.signature] = f
				continue
			}
			if owner == f {
				continue
			}
			for _, idx := range g.members {
				if int(idx) < len(f.Sections) && f.Sections[idx] != nil {
					f.Sections[idx].Alive = false
				}
			}
		}
	}
}

func (f *ObjectFile) resolveSymbols(ctx *Context) []error {
	var errs []error
	for i := f.FirstGlobal; i < len(f.ElfSyms); i++ {
		esym := &f.ElfSyms[i]
		sym := f.Symbols[i]
		sym.Live = true
		sym.Other = mergeVisibility(sym.Other, esym.Other)
		bind := elf.ST_BIND(esym.Info)
		if esym.Section == elf.SHN_UNDEF || f.isDiscarded(esym.Section) {
			if bind != elf.STB_WEAK {
				sym.strongRef = true
			}
			if sym.refFile == nil {
				sym.refFile = f
			}
			if sym.kind == symUndefined {
				sym.Bind = sym.refBind()
				if sym.Type == elf.STT_NOTYPE {
					sym.Type = elf.ST_TYPE(esym.Info)
				}
			}
			continue
		}
		if esym.Section == elf.SHN_COMMON {
			f.resolveCommon(sym, esym)
			continue
		}
		switch sym.kind {
		case symDefined:
			if sym.Bind == elf.STB_WEAK && bind != elf.STB_WEAK {
				break
			}
			if bind != elf.STB_WEAK && sym.Bind != elf.STB_WEAK && sym.File != f {
				errs = append(errs, fmt.Errorf("%w of `%s': %s and %s", ErrMultipleDefinition, sym.Name, sym.File, f))
			}
			continue
		}
		f.define(sym, i)
	}
	return errs
}

func (f *ObjectFile) define(sym *Symbol, idx int) {
	esym := &f.ElfSyms[idx]
	sym.kind = symDefined
	sym.File = f
	sym.Lib = nil
	sym.SymIdx = idx
	sym.Value = esym.Value
	sym.Size = esym.Size
	sym.Type = elf.ST_TYPE(esym.Info)
	sym.Bind = elf.ST_BIND(esym.Info)
	sym.Other = sym.Other&3 | esym.Other&^3
	sym.Abs = esym.Section == elf.SHN_ABS
	sym.Section = nil
	if !sym.Abs && esym.Section < elf.SHN_LORESERVE && int(esym.Section) < len(f.Sections) {
		sym.Section = f.Sections[esym.Section]
	}
}

// resolveCommon merges a tentative definition: a real definition wins, and
// between commons the largest size and alignment survive.
func (f *ObjectFile) resolveCommon(sym *Symbol, esym *elf.Symbol) {
	switch sym.kind {
	case symDefined:
		return
	case symCommon:
		sym.Size = max(sym.Size, esym.Size)
		sym.align = max(sym.align, esym.Value)
		return
	}
	sym.kind = symCommon
	sym.File = f
	sym.Lib = nil
	sym.SymIdx = -1
	sym.Size = esym.Size
	sym.align = esym.Value
	sym.Type = elf.ST_TYPE(esym.Info)
	sym.Bind = elf.ST_BIND(esym.Info)
}

func resolveShared(ctx *Context) error {
	for _, sym := range ctx.Globals {
		if !sym.Live || sym.kind != symUndefined {
			continue
		}
		for _, lib := range ctx.Libs {
			esym, err := lib.lookup(sym.Name)
			if err != nil {
				return fmt.Errorf("%s: %w", lib.Path, err)
			}
			if esym == nil {
				continue
			}
			sym.kind = symShared
			sym.Lib = lib
			sym.Value = esym.Value
			sym.Size = esym.Size
			sym.Type = elf.ST_TYPE(esym.Info)
			sym.Bind = sym.refBind()
			if sym.strongRef || !lib.AsNeeded {
				lib.Used = true
			}
			break
		}
	}
	return nil
}

// AllocateCommons turns surviving tentative definitions into .bss (.tbss for
// TLS) storage owned by the file that supplied them.
func AllocateCommons(ctx *Context) {
	for _, sym := range ctx.Globals {
		if !sym.Live || sym.kind != symCommon {
			continue
		}
		name, flags := ".bss", elf.SHF_ALLOC|elf.SHF_WRITE
		if sym.Type == elf.STT_TLS {
			name, flags = ".tbss", flags|elf.SHF_TLS
		}
		isec := &InputSection{
			File:  sym.File,
			Name:  name,
			Index: -1,
			Type:  elf.SHT_NOBITS,
			Flags: flags,
			Size:  sym.Size,
			Align: max(sym.align, 1),
			Alive: true,
		}
		sym.File.Sections = append(sym.File.Sections, isec)
		sym.kind = symDefined
		sym.Section = isec
		sym.Value = 0
		if sym.Type == elf.STT_NOTYPE {
			sym.Type = elf.STT_OBJECT
		}
	}
}

func CheckUndefined(ctx *Context) error {
	var errs []error
	for _, sym := range ctx.Globals {
		if !sym.Live || !sym.IsUndefined() || !sym.strongRef {
			continue
		}
		if ctx.IsShared() && !ctx.Opts.NoUndefined {
			continue
		}
		errs = append(errs, fmt.Errorf("%w: %s (referenced by %s)", ErrUndefinedSymbol, sym.Name, sym.refFile))
	}
	return errors.Join(errs...)
}

// DefineLinkerSymbols provides the generic reserved names.
func DefineLinkerSymbols(ctx *Context) {
	if ctx.Dynamic != nil {
		if sym := ctx.DefineSymbol("_DYNAMIC", false); sym != nil {
			sym.Chunk = ctx.Dynamic
			sym.Other = uint8(elf.STV_HIDDEN)
		}
	}
	for _, name := range []string{"__bss_start", "_edata", "_end", "_etext", "etext", "edata", "end"} {
		if sym := ctx.DefineSymbol(name, false); sym != nil {
			sym.Abs = true
		}
	}
}

func finalizeLinkerSymbols(ctx *Context) {
	var etext, edata, bssStart, end uint64
	for _, c := range ctx.Chunks {
		h := c.Header()
		if h.Flags&elf.SHF_ALLOC == 0 || isTbss(c) {
			continue
		}
		if h.Flags&elf.SHF_EXECINSTR != 0 {
			etext = max(etext, h.Addr+h.Size)
		}
		if h.Type == elf.SHT_NOBITS {
			if bssStart == 0 {
				bssStart = h.Addr
			}
		} else {
			edata = max(edata, h.Addr+h.Size)
		}
		end = max(end, h.Addr+h.Size)
	}
	if bssStart == 0 {
		bssStart = edata
	}
	values := map[string]uint64{
		"__bss_start": bssStart,
		"_edata":      edata,
		"edata":       edata,
		"_end":        end,
		"end":         end,
		"_etext":      etext,
		"etext":       etext,
	}
	for name, v := range values {
		if sym := ctx.LookupSymbol(name); sym != nil && sym.File == nil && sym.Abs {
			sym.Value = v
		}
	}
}
