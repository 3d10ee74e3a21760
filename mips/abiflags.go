package mips

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wnxd/microdbg-linker/linker"
)

const (
	SHT_MIPS_ABIFLAGS = elf.SectionType(0x7000002a)
	PT_MIPS_ABIFLAGS  = elf.ProgType(0x70000003)
)

const (
	AFL_REG_NONE = 0
	AFL_REG_32   = 1
	AFL_REG_64   = 2
	AFL_REG_128  = 3

	AFL_ASE_MDMX      = 0x00000020
	AFL_ASE_MIPS16    = 0x00000400
	AFL_ASE_MICROMIPS = 0x00000800

	AFL_FLAGS1_ODDSPREG = 1
)

var (
	ErrABIFlagsVersion      = errors.New("unsupported .MIPS.abiflags section version")
	ErrInconsistentABIFlags = errors.New("inconsistent .MIPS.abiflags")
)

type FPABI uint8

const (
	FP_ANY FPABI = iota
	FP_DOUBLE
	FP_SINGLE
	FP_SOFT
	FP_OLD_64
	FP_XX
	FP_64
	FP_64A
)

var fpOptions = map[FPABI]string{
	FP_ANY:    "-mfp-any",
	FP_DOUBLE: "-mdouble-float",
	FP_SINGLE: "-msingle-float",
	FP_SOFT:   "-msoft-float",
	FP_OLD_64: "-mips32r2 -mfp64",
	FP_XX:     "-mfpxx",
	FP_64:     "-mgp32 -mfp64",
	FP_64A:    "-mgp32 -mfp64 -mno-odd-spreg",
}

func (fp FPABI) String() string {
	if s, ok := fpOptions[fp]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", uint8(fp))
}

type fpMerge struct {
	result FPABI
	warn   bool
}

// fpTable lists every pair of distinct concrete FP ABIs. Lookups try both
// orders, so each pair appears once.
var fpTable = map[[2]FPABI]fpMerge{
	{FP_XX, FP_DOUBLE}:     {FP_DOUBLE, false},
	{FP_XX, FP_64}:         {FP_64, false},
	{FP_XX, FP_64A}:        {FP_64A, false},
	{FP_XX, FP_SINGLE}:     {FP_SINGLE, true},
	{FP_XX, FP_SOFT}:       {FP_SOFT, true},
	{FP_XX, FP_OLD_64}:     {FP_OLD_64, true},
	{FP_64, FP_64A}:        {FP_64, false},
	{FP_DOUBLE, FP_SINGLE}: {FP_DOUBLE, true},
	{FP_DOUBLE, FP_SOFT}:   {FP_DOUBLE, true},
	{FP_DOUBLE, FP_64}:     {FP_DOUBLE, true},
	{FP_DOUBLE, FP_64A}:    {FP_DOUBLE, true},
	{FP_DOUBLE, FP_OLD_64}: {FP_DOUBLE, true},
	{FP_SINGLE, FP_SOFT}:   {FP_SINGLE, true},
	{FP_SINGLE, FP_64}:     {FP_SINGLE, true},
	{FP_SINGLE, FP_64A}:    {FP_SINGLE, true},
	{FP_SINGLE, FP_OLD_64}: {FP_SINGLE, true},
	{FP_SOFT, FP_64}:       {FP_SOFT, true},
	{FP_SOFT, FP_64A}:      {FP_SOFT, true},
	{FP_SOFT, FP_OLD_64}:   {FP_SOFT, true},
	{FP_64, FP_OLD_64}:     {FP_64, true},
	{FP_64A, FP_OLD_64}:    {FP_64A, true},
}

// MergeFPABI combines two FP ABI values. The boolean reports a combination
// that must be diagnosed.
func MergeFPABI(a, b FPABI) (FPABI, bool) {
	switch {
	case a == b, b == FP_ANY:
		return a, false
	case a == FP_ANY:
		return b, false
	}
	if m, ok := fpTable[[2]FPABI{a, b}]; ok {
		return m.result, m.warn
	}
	if m, ok := fpTable[[2]FPABI{b, a}]; ok {
		return m.result, m.warn
	}
	return a, true
}

type ABIFlags struct {
	Version  uint16
	ISALevel uint8
	ISARev   uint8
	GPRSize  uint8
	CPR1Size uint8
	CPR2Size uint8
	FPABI    FPABI
	ISAExt   uint32
	ASEs     uint32
	Flags1   uint32
	Flags2   uint32
}

const abiFlagsSize = 24

func ParseABIFlags(data []byte, order binary.ByteOrder) (ABIFlags, error) {
	var a ABIFlags
	if len(data) < abiFlagsSize {
		return a, fmt.Errorf("truncated .MIPS.abiflags section (%d bytes)", len(data))
	}
	if err := binary.Read(bytes.NewReader(data), order, &a); err != nil {
		return a, err
	}
	return a, nil
}

func (a *ABIFlags) Bytes(order binary.ByteOrder) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, order, a)
	return buf.Bytes()
}

type isa struct {
	level uint8
	rev   uint8
}

var archISA = map[uint32]isa{
	EF_MIPS_ARCH_1:    {1, 0},
	EF_MIPS_ARCH_2:    {2, 0},
	EF_MIPS_ARCH_3:    {3, 0},
	EF_MIPS_ARCH_4:    {4, 0},
	EF_MIPS_ARCH_5:    {5, 0},
	EF_MIPS_ARCH_32:   {32, 1},
	EF_MIPS_ARCH_32R2: {32, 2},
	EF_MIPS_ARCH_32R6: {32, 6},
	EF_MIPS_ARCH_64:   {64, 1},
	EF_MIPS_ARCH_64R2: {64, 2},
	EF_MIPS_ARCH_64R6: {64, 6},
}

var machExt = map[uint32]uint32{
	EF_MIPS_MACH_3900:    10,
	EF_MIPS_MACH_4010:    8,
	EF_MIPS_MACH_4100:    9,
	EF_MIPS_MACH_4650:    7,
	EF_MIPS_MACH_4120:    14,
	EF_MIPS_MACH_4111:    13,
	EF_MIPS_MACH_SB1:     12,
	EF_MIPS_MACH_OCTEON:  5,
	EF_MIPS_MACH_XLR:     1,
	EF_MIPS_MACH_OCTEON2: 2,
	EF_MIPS_MACH_OCTEON3: 19,
	EF_MIPS_MACH_5400:    15,
	EF_MIPS_MACH_5900:    6,
	EF_MIPS_MACH_5500:    16,
	EF_MIPS_MACH_9000:    11,
	EF_MIPS_MACH_LS2E:    17,
	EF_MIPS_MACH_LS2F:    18,
	EF_MIPS_MACH_LS3A:    4,
}

const eflagsASEs = AFL_ASE_MDMX | AFL_ASE_MIPS16 | AFL_ASE_MICROMIPS

func asesFromEFlags(flags uint32) uint32 {
	var ases uint32
	if flags&EF_MIPS_MICROMIPS != 0 {
		ases |= AFL_ASE_MICROMIPS
	}
	if flags&EF_MIPS_ARCH_ASE_M16 != 0 {
		ases |= AFL_ASE_MIPS16
	}
	if flags&EF_MIPS_ARCH_ASE_MDMX != 0 {
		ases |= AFL_ASE_MDMX
	}
	return ases
}

// ABIFlagsFromEFlags derives the ABI flags of an input that carries no
// .MIPS.abiflags section.
func ABIFlagsFromEFlags(flags uint32) ABIFlags {
	arch := flags & EF_MIPS_ARCH
	i := archISA[arch]
	a := ABIFlags{
		ISALevel: i.level,
		ISARev:   i.rev,
		GPRSize:  AFL_REG_32,
		CPR1Size: AFL_REG_32,
		ISAExt:   machExt[flags&EF_MIPS_MACH],
		ASEs:     asesFromEFlags(flags),
	}
	if is64BitArch(arch) && flags&EF_MIPS_ABI != EF_MIPS_ABI_O32 && flags&EF_MIPS_32BITMODE == 0 {
		a.GPRSize = AFL_REG_64
	}
	if flags&EF_MIPS_FP64 != 0 {
		a.CPR1Size = AFL_REG_64
	}
	return a
}

// CheckABIFlags verifies that a .MIPS.abiflags section agrees with the
// header flags of the same file.
func CheckABIFlags(a ABIFlags, flags uint32, file string) error {
	var errs []error
	want := ABIFlagsFromEFlags(flags)
	if a.ISALevel != want.ISALevel || a.ISARev != want.ISARev {
		errs = append(errs, fmt.Errorf("%w: inconsistent ISA between .MIPS.abiflags and ELF header e_flags field: %s", ErrInconsistentABIFlags, file))
	}
	if a.ISAExt != want.ISAExt {
		errs = append(errs, fmt.Errorf("%w: inconsistent ISA extensions between .MIPS.abiflags and ELF header e_flags field: %s", ErrInconsistentABIFlags, file))
	}
	if a.ASEs&eflagsASEs != want.ASEs {
		errs = append(errs, fmt.Errorf("%w: inconsistent ASEs between .MIPS.abiflags and ELF header e_flags field: %s", ErrInconsistentABIFlags, file))
	}
	return errors.Join(errs...)
}

// MergeABIFlags folds b into a. The boolean reports an FP ABI conflict.
func MergeABIFlags(a, b ABIFlags) (ABIFlags, bool) {
	out := a
	out.ISALevel = max(a.ISALevel, b.ISALevel)
	out.ISARev = max(a.ISARev, b.ISARev)
	out.GPRSize = max(a.GPRSize, b.GPRSize)
	out.CPR1Size = max(a.CPR1Size, b.CPR1Size)
	out.CPR2Size = max(a.CPR2Size, b.CPR2Size)
	if out.ISAExt == 0 {
		out.ISAExt = b.ISAExt
	}
	out.ASEs |= b.ASEs
	out.Flags1 |= b.Flags1
	out.Flags2 |= b.Flags2
	var conflict bool
	out.FPABI, conflict = MergeFPABI(a.FPABI, b.FPABI)
	return out, conflict
}

func (t *Target) mergeABIFlags(ctx *linker.Context, f *linker.ObjectFile) error {
	a := ABIFlagsFromEFlags(f.Flags)
	if data := f.SectionData(".MIPS.abiflags"); data != nil {
		parsed, err := ParseABIFlags(data, ctx.ByteOrder)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
		if parsed.Version != 0 {
			return fmt.Errorf("%s: %w %d", f.Name, ErrABIFlagsVersion, parsed.Version)
		}
		if err := CheckABIFlags(parsed, f.Flags, f.Name); err != nil {
			return err
		}
		a = parsed
		t.hasABIFlags = true
	}
	if t.first == nil {
		t.abiflags = a
		t.fpFile = f.Name
		return nil
	}
	merged, conflict := MergeABIFlags(t.abiflags, a)
	if conflict {
		ctx.Diag.Warnf("FP ABI %s is incompatible with %s used by %s (previously set by %s)", t.abiflags.FPABI, a.FPABI, f.Name, t.fpFile)
	}
	if merged.FPABI != t.abiflags.FPABI {
		t.fpFile = f.Name
	}
	t.abiflags = merged
	return nil
}
