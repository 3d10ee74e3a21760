package linker

import "errors"

var (
	ErrUndefinedSymbol       = errors.New("undefined symbol")
	ErrMultipleDefinition    = errors.New("multiple definition")
	ErrIncompatibleClass     = errors.New("incompatible ELF class")
	ErrIncompatibleMachine   = errors.New("incompatible machine")
	ErrIncompatibleFlags     = errors.New("incompatible header flags")
	ErrUnknownFileType       = errors.New("unknown file type")
	ErrUnsupportedTarget     = errors.New("unsupported target")
	ErrUnsupportedRelocation = errors.New("unsupported relocation")
	ErrRelocationOverflow    = errors.New("relocation out of range")
	ErrBadSymbolIndex        = errors.New("invalid symbol index")
	ErrNoConvergence         = errors.New("veneer placement did not converge")
	ErrLibraryNotFound       = errors.New("library not found")
)
