package linker

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"

	"github.com/wnxd/microdbg/debugger"

	dso "github.com/wnxd/microdbg-linker/elf"
)

type SharedFile struct {
	Name     string
	Path     string
	Lib      dso.Library
	AsNeeded bool
	Used     bool
	Priority int
}

func parseShared(ctx *Context, in Input, data []byte) (*SharedFile, error) {
	lib, err := dso.Import(in.Path, bytes.NewReader(data), ctx.Opts.Machine)
	if err != nil {
		return nil, err
	}
	if lib.Class() != ctx.Class {
		return nil, fmt.Errorf("%s: %w: %v", in.Path, ErrIncompatibleClass, lib.Class())
	}
	return &SharedFile{
		Name:     lib.Name(),
		Path:     in.Path,
		Lib:      lib,
		AsNeeded: in.AsNeeded,
		Priority: ctx.nextPriority(),
	}, nil
}

func (s *SharedFile) IsNeeded() bool {
	return s.Used || !s.AsNeeded
}

func (s *SharedFile) String() string {
	return s.Name
}

// lookup returns the library's export of name, or nil when it has none.
func (s *SharedFile) lookup(name string) (*elf.Symbol, error) {
	sym, err := s.Lib.FindSymbol(name)
	if errors.Is(err, debugger.ErrSymbolNotFound) {
		return nil, nil
	}
	return sym, err
}

// aliases returns the other exports of the library placed at the same
// address as sym.
func (s *SharedFile) aliases(ctx *Context, sym *Symbol) []*Symbol {
	var list []*Symbol
	s.Lib.Symbols(func(ds debugger.Symbol) bool {
		if ds.Value != sym.Value || ds.Name == sym.Name {
			return true
		}
		if alias := ctx.LookupSymbol(ds.Name); alias != nil && alias.Lib == s && alias.Live {
			list = append(list, alias)
		}
		return true
	})
	return list
}
