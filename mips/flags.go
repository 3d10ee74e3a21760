package mips

import (
	"fmt"
	"slices"

	"github.com/wnxd/microdbg-linker/linker"
)

const (
	EF_MIPS_NOREORDER     = 0x00000001
	EF_MIPS_PIC           = 0x00000002
	EF_MIPS_CPIC          = 0x00000004
	EF_MIPS_XGOT          = 0x00000008
	EF_MIPS_ABI2          = 0x00000020
	EF_MIPS_32BITMODE     = 0x00000100
	EF_MIPS_FP64          = 0x00000200
	EF_MIPS_NAN2008       = 0x00000400
	EF_MIPS_ABI           = 0x0000f000
	EF_MIPS_ABI_O32       = 0x00001000
	EF_MIPS_ABI_O64       = 0x00002000
	EF_MIPS_ABI_EABI32    = 0x00003000
	EF_MIPS_ABI_EABI64    = 0x00004000
	EF_MIPS_MACH          = 0x00ff0000
	EF_MIPS_ARCH_ASE      = 0x0f000000
	EF_MIPS_MICROMIPS     = 0x02000000
	EF_MIPS_ARCH_ASE_M16  = 0x04000000
	EF_MIPS_ARCH_ASE_MDMX = 0x08000000
	EF_MIPS_ARCH          = 0xf0000000
)

const (
	EF_MIPS_ARCH_1    = 0x00000000
	EF_MIPS_ARCH_2    = 0x10000000
	EF_MIPS_ARCH_3    = 0x20000000
	EF_MIPS_ARCH_4    = 0x30000000
	EF_MIPS_ARCH_5    = 0x40000000
	EF_MIPS_ARCH_32   = 0x50000000
	EF_MIPS_ARCH_64   = 0x60000000
	EF_MIPS_ARCH_32R2 = 0x70000000
	EF_MIPS_ARCH_64R2 = 0x80000000
	EF_MIPS_ARCH_32R6 = 0x90000000
	EF_MIPS_ARCH_64R6 = 0xa0000000
)

const (
	EF_MIPS_MACH_3900    = 0x00810000
	EF_MIPS_MACH_4010    = 0x00820000
	EF_MIPS_MACH_4100    = 0x00830000
	EF_MIPS_MACH_4650    = 0x00850000
	EF_MIPS_MACH_4120    = 0x00870000
	EF_MIPS_MACH_4111    = 0x00880000
	EF_MIPS_MACH_SB1     = 0x008a0000
	EF_MIPS_MACH_OCTEON  = 0x008b0000
	EF_MIPS_MACH_XLR     = 0x008c0000
	EF_MIPS_MACH_OCTEON2 = 0x008d0000
	EF_MIPS_MACH_OCTEON3 = 0x008e0000
	EF_MIPS_MACH_5400    = 0x00910000
	EF_MIPS_MACH_5900    = 0x00920000
	EF_MIPS_MACH_5500    = 0x00980000
	EF_MIPS_MACH_9000    = 0x00990000
	EF_MIPS_MACH_LS2E    = 0x00a00000
	EF_MIPS_MACH_LS2F    = 0x00a10000
	EF_MIPS_MACH_LS3A    = 0x00a20000
)

// archOrder lists architectures so that the first one including both sides
// of a merge is their least common superset.
var archOrder = []uint32{
	EF_MIPS_ARCH_1, EF_MIPS_ARCH_2, EF_MIPS_ARCH_3, EF_MIPS_ARCH_4, EF_MIPS_ARCH_5,
	EF_MIPS_ARCH_32, EF_MIPS_ARCH_32R2, EF_MIPS_ARCH_64, EF_MIPS_ARCH_64R2,
	EF_MIPS_ARCH_32R6, EF_MIPS_ARCH_64R6,
}

var archIncludes = map[uint32][]uint32{
	EF_MIPS_ARCH_2:    {EF_MIPS_ARCH_1},
	EF_MIPS_ARCH_3:    {EF_MIPS_ARCH_1, EF_MIPS_ARCH_2},
	EF_MIPS_ARCH_4:    {EF_MIPS_ARCH_1, EF_MIPS_ARCH_2, EF_MIPS_ARCH_3},
	EF_MIPS_ARCH_5:    {EF_MIPS_ARCH_1, EF_MIPS_ARCH_2, EF_MIPS_ARCH_3, EF_MIPS_ARCH_4},
	EF_MIPS_ARCH_32:   {EF_MIPS_ARCH_1, EF_MIPS_ARCH_2},
	EF_MIPS_ARCH_32R2: {EF_MIPS_ARCH_1, EF_MIPS_ARCH_2, EF_MIPS_ARCH_32},
	EF_MIPS_ARCH_64:   {EF_MIPS_ARCH_1, EF_MIPS_ARCH_2, EF_MIPS_ARCH_3, EF_MIPS_ARCH_4, EF_MIPS_ARCH_5, EF_MIPS_ARCH_32},
	EF_MIPS_ARCH_64R2: {EF_MIPS_ARCH_1, EF_MIPS_ARCH_2, EF_MIPS_ARCH_3, EF_MIPS_ARCH_4, EF_MIPS_ARCH_5, EF_MIPS_ARCH_32, EF_MIPS_ARCH_32R2, EF_MIPS_ARCH_64},
	EF_MIPS_ARCH_64R6: {EF_MIPS_ARCH_32R6},
}

var archNames = map[uint32]string{
	EF_MIPS_ARCH_1:    "mips1",
	EF_MIPS_ARCH_2:    "mips2",
	EF_MIPS_ARCH_3:    "mips3",
	EF_MIPS_ARCH_4:    "mips4",
	EF_MIPS_ARCH_5:    "mips5",
	EF_MIPS_ARCH_32:   "mips32",
	EF_MIPS_ARCH_32R2: "mips32r2",
	EF_MIPS_ARCH_64:   "mips64",
	EF_MIPS_ARCH_64R2: "mips64r2",
	EF_MIPS_ARCH_32R6: "mips32r6",
	EF_MIPS_ARCH_64R6: "mips64r6",
}

func archName(arch uint32) string {
	if name, ok := archNames[arch]; ok {
		return name
	}
	return fmt.Sprintf("arch %#x", arch)
}

func abiName(flags uint32) string {
	switch flags & EF_MIPS_ABI {
	case EF_MIPS_ABI_O32:
		return "o32"
	case EF_MIPS_ABI_O64:
		return "o64"
	case EF_MIPS_ABI_EABI32:
		return "eabi32"
	case EF_MIPS_ABI_EABI64:
		return "eabi64"
	case 0:
		if flags&EF_MIPS_ABI2 != 0 {
			return "n32"
		}
		return "n64"
	}
	return fmt.Sprintf("abi %#x", flags&EF_MIPS_ABI)
}

func archIncludesArch(a, b uint32) bool {
	return a == b || slices.Contains(archIncludes[a], b)
}

// MergeArch returns the smallest architecture that runs code built for
// both a and b.
func MergeArch(a, b uint32) (uint32, bool) {
	if a == b {
		return a, true
	}
	for _, arch := range archOrder {
		if archIncludesArch(arch, a) && archIncludesArch(arch, b) {
			return arch, true
		}
	}
	return 0, false
}

func is64BitArch(arch uint32) bool {
	switch arch {
	case EF_MIPS_ARCH_3, EF_MIPS_ARCH_4, EF_MIPS_ARCH_5, EF_MIPS_ARCH_64, EF_MIPS_ARCH_64R2, EF_MIPS_ARCH_64R6:
		return true
	}
	return false
}

func isPIC(flags uint32) bool {
	return flags&(EF_MIPS_PIC|EF_MIPS_CPIC) != 0
}

// MergeEFlags folds the header flags of one more input into merged. first
// carries the flags of the first input, whose abicalls setting the others are
// compared against. The returned warning is empty when nothing needs
// reporting.
func MergeEFlags(merged, first, flags uint32, file string) (uint32, string, error) {
	if flags&EF_MIPS_PIC != 0 {
		flags |= EF_MIPS_CPIC
	}
	var warning string
	if (flags&EF_MIPS_CPIC != 0) != (first&(EF_MIPS_PIC|EF_MIPS_CPIC) != 0) {
		warning = fmt.Sprintf("conflicting linking abicalls and non-abicalls files on %s.", file)
	}
	switch {
	case flags&EF_MIPS_ABI != merged&EF_MIPS_ABI, flags&EF_MIPS_ABI2 != merged&EF_MIPS_ABI2:
		return merged, warning, fmt.Errorf("%s: %w: ABI %s is incompatible with %s", file, linker.ErrIncompatibleFlags, abiName(flags), abiName(merged))
	case flags&EF_MIPS_NAN2008 != merged&EF_MIPS_NAN2008:
		return merged, warning, fmt.Errorf("%s: %w: -mnan=%s is incompatible with -mnan=%s", file, linker.ErrIncompatibleFlags, nanName(flags), nanName(merged))
	case flags&EF_MIPS_FP64 != merged&EF_MIPS_FP64:
		return merged, warning, fmt.Errorf("%s: %w: -mfp%s is incompatible with -mfp%s", file, linker.ErrIncompatibleFlags, fpName(flags), fpName(merged))
	}
	arch, ok := MergeArch(merged&EF_MIPS_ARCH, flags&EF_MIPS_ARCH)
	if !ok {
		return merged, warning, fmt.Errorf("%s: %w: ISA %s is incompatible with %s", file, linker.ErrIncompatibleFlags, archName(flags&EF_MIPS_ARCH), archName(merged&EF_MIPS_ARCH))
	}
	mach := merged & EF_MIPS_MACH
	if m := flags & EF_MIPS_MACH; m != 0 {
		if mach != 0 && mach != m {
			return merged, warning, fmt.Errorf("%s: %w: machine %#x is incompatible with %#x", file, linker.ErrIncompatibleFlags, m, mach)
		}
		mach = m
	}
	out := merged&^(EF_MIPS_ARCH|EF_MIPS_MACH|EF_MIPS_PIC) | arch | mach
	out |= merged & flags & EF_MIPS_PIC
	out |= flags & (EF_MIPS_CPIC | EF_MIPS_NOREORDER | EF_MIPS_32BITMODE | EF_MIPS_XGOT | EF_MIPS_ARCH_ASE)
	return out, warning, nil
}

func nanName(flags uint32) string {
	if flags&EF_MIPS_NAN2008 != 0 {
		return "2008"
	}
	return "legacy"
}

func fpName(flags uint32) string {
	if flags&EF_MIPS_FP64 != 0 {
		return "64"
	}
	return "32"
}

func (t *Target) MergeFlags(ctx *linker.Context, f *linker.ObjectFile) error {
	flags := f.Flags
	if flags&EF_MIPS_PIC != 0 {
		flags |= EF_MIPS_CPIC
	}
	abiErr := t.mergeABIFlags(ctx, f)
	if t.first == nil {
		t.first = f
		t.eflags = flags
		return abiErr
	}
	merged, warning, err := MergeEFlags(t.eflags, t.first.Flags, flags, f.Name)
	if warning != "" {
		ctx.Diag.Warnf("%s", warning)
	}
	if err != nil {
		return err
	}
	t.eflags = merged
	return abiErr
}

func (t *Target) Flags(*linker.Context) uint32 {
	flags := t.eflags
	if flags&EF_MIPS_CPIC != 0 {
		flags |= EF_MIPS_NOREORDER
	}
	return flags
}
