package arm

import (
	"fmt"

	"github.com/wnxd/microdbg-linker/linker"
)

const (
	EF_ARM_EABIMASK       = 0xff000000
	EF_ARM_EABI_VER5      = 0x05000000
	EF_ARM_BE8            = 0x00800000
	EF_ARM_ABI_FLOAT_SOFT = 0x00000200
	EF_ARM_ABI_FLOAT_HARD = 0x00000400

	floatABIMask = EF_ARM_ABI_FLOAT_SOFT | EF_ARM_ABI_FLOAT_HARD
)

func floatABIName(flags uint32) string {
	switch flags & floatABIMask {
	case EF_ARM_ABI_FLOAT_HARD:
		return "hard-float"
	case EF_ARM_ABI_FLOAT_SOFT:
		return "soft-float"
	}
	return "unspecified float"
}

// MergeEFlags combines the header flags of an input with those merged so
// far. Every input must share one EABI version; a float ABI disagreement
// only produces a warning and the first choice wins.
func MergeEFlags(merged, flags uint32, name string) (uint32, string, error) {
	if flags&EF_ARM_EABIMASK != merged&EF_ARM_EABIMASK {
		return merged, "", fmt.Errorf("%s: %w: EABI version %d is incompatible with version %d",
			name, linker.ErrIncompatibleFlags, flags>>24, merged>>24)
	}
	have, want := merged&floatABIMask, flags&floatABIMask
	switch {
	case want == 0 || have == want:
	case have == 0:
		merged |= want
	default:
		return merged, fmt.Sprintf("%s uses the %s ABI, the output uses the %s ABI",
			name, floatABIName(flags), floatABIName(merged)), nil
	}
	return merged, "", nil
}

func (t *Target) MergeFlags(ctx *linker.Context, f *linker.ObjectFile) error {
	if t.first == nil {
		t.first = f
		t.eflags = f.Flags
		return nil
	}
	merged, warning, err := MergeEFlags(t.eflags, f.Flags, f.Name)
	if warning != "" {
		ctx.Diag.Warnf("%s", warning)
	}
	if err != nil {
		return err
	}
	t.eflags = merged
	return nil
}

func (t *Target) Flags(*linker.Context) uint32 {
	return t.eflags
}
