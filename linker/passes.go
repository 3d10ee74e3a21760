package linker

import (
	"debug/elf"
	"errors"
)

func Link(ctx *Context) error {
	if err := ReadInputs(ctx); err != nil {
		return err
	}
	if err := ResolveSymbols(ctx); err != nil {
		return err
	}
	if err := MergeFlags(ctx); err != nil {
		return err
	}
	AllocateCommons(ctx)
	if err := CreateSyntheticSections(ctx); err != nil {
		return err
	}
	DefineLinkerSymbols(ctx)
	if err := CheckUndefined(ctx); err != nil {
		return err
	}
	BinSections(ctx)
	if err := ScanRelocations(ctx); err != nil {
		return err
	}
	if err := ctx.Target.FinalizeTables(ctx); err != nil {
		return err
	}
	ComputeDynamicSymbols(ctx)
	if err := Layout(ctx); err != nil {
		return err
	}
	return WriteOutput(ctx)
}

// MergeFlags folds every live object's header flags into the target state.
// All per-object failures are reported together.
func MergeFlags(ctx *Context) error {
	var errs []error
	for _, f := range ctx.Objs {
		if err := ctx.Target.MergeFlags(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func ScanRelocations(ctx *Context) error {
	var errs []error
	for _, f := range ctx.Objs {
		for _, isec := range f.Sections {
			if isec == nil || !isec.Alive || isec.Flags&elf.SHF_ALLOC == 0 || len(isec.Rels) == 0 {
				continue
			}
			if err := ctx.Target.ScanRelocations(ctx, isec); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
