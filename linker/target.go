package linker

import (
	"debug/elf"
	"fmt"
	"strconv"
	"sync"
)

type Target interface {
	Machine() elf.Machine
	DefaultClass() elf.Class
	DefaultEntry() string
	DefaultInterp(ctx *Context) string
	ImageBase(ctx *Context) uint64
	PageSize(ctx *Context) uint64
	IsRela(ctx *Context) bool
	Setup(ctx *Context) error
	Discard(ctx *Context, f *ObjectFile, sec *elf.Section) bool
	DecodeRelInfo(ctx *Context, info uint64) (sym uint32, typ uint32)
	EncodeRelInfo(ctx *Context, sym uint32, typ uint32) uint64
	MergeFlags(ctx *Context, f *ObjectFile) error
	Flags(ctx *Context) uint32
	CreateSyntheticSections(ctx *Context) error
	ScanRelocations(ctx *Context, isec *InputSection) error
	FinalizeTables(ctx *Context) error
	SortDynamicSymbols(ctx *Context, syms []*Symbol) []*Symbol
	DynamicTags(ctx *Context) []elf.Dyn64
	ProgramHeaders(ctx *Context) []elf.ProgHeader
	Relax(ctx *Context) (bool, error)
	PreWrite(ctx *Context) error
	ApplyRelocations(ctx *Context, isec *InputSection, buf []byte) error
	PostWrite(ctx *Context) error
	RelocName(typ uint32) string
}

type BaseTarget struct{}

func (BaseTarget) DefaultClass() elf.Class {
	return elf.ELFCLASS32
}

func (BaseTarget) DefaultEntry() string {
	return "_start"
}

func (BaseTarget) DefaultInterp(*Context) string {
	return ""
}

func (BaseTarget) ImageBase(ctx *Context) uint64 {
	if ctx.IsShared() {
		return 0
	}
	return 0x400000
}

func (BaseTarget) PageSize(ctx *Context) uint64 {
	if ctx.Opts.MaxPageSize != 0 {
		return ctx.Opts.MaxPageSize
	}
	return 0x1000
}

func (BaseTarget) IsRela(*Context) bool {
	return true
}

func (BaseTarget) Setup(*Context) error {
	return nil
}

func (BaseTarget) Discard(*Context, *ObjectFile, *elf.Section) bool {
	return false
}

func (BaseTarget) DecodeRelInfo(ctx *Context, info uint64) (uint32, uint32) {
	if ctx.Is64() {
		return elf.R_SYM64(info), elf.R_TYPE64(info)
	}
	return elf.R_SYM32(uint32(info)), elf.R_TYPE32(uint32(info))
}

func (BaseTarget) EncodeRelInfo(ctx *Context, sym uint32, typ uint32) uint64 {
	if ctx.Is64() {
		return elf.R_INFO(sym, typ)
	}
	return uint64(elf.R_INFO32(sym, typ))
}

func (BaseTarget) MergeFlags(*Context, *ObjectFile) error {
	return nil
}

func (BaseTarget) Flags(*Context) uint32 {
	return 0
}

func (BaseTarget) SortDynamicSymbols(_ *Context, syms []*Symbol) []*Symbol {
	return syms
}

func (BaseTarget) DynamicTags(*Context) []elf.Dyn64 {
	return nil
}

func (BaseTarget) ProgramHeaders(*Context) []elf.ProgHeader {
	return nil
}

func (BaseTarget) Relax(*Context) (bool, error) {
	return false, nil
}

func (BaseTarget) PreWrite(*Context) error {
	return nil
}

func (BaseTarget) PostWrite(*Context) error {
	return nil
}

func (BaseTarget) RelocName(typ uint32) string {
	return strconv.FormatUint(uint64(typ), 10)
}

var (
	targetsMu sync.RWMutex
	targets   = make(map[elf.Machine]func() Target)
)

// RegisterTarget makes a target available to NewTarget. Target packages call
// it from init.
func RegisterTarget(machine elf.Machine, newTarget func() Target) {
	targetsMu.Lock()
	defer targetsMu.Unlock()
	targets[machine] = newTarget
}

func NewTarget(machine elf.Machine) (Target, error) {
	targetsMu.RLock()
	newTarget, ok := targets[machine]
	targetsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedTarget, machine)
	}
	return newTarget(), nil
}
