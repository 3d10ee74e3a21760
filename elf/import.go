package elf

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/wnxd/microdbg/emulator"
)

var (
	ErrNotSharedObject = errors.New("not a shared object")
	ErrNoDynamic       = errors.New("missing dynamic segment")
)

// Import parses the shared object read from r. path names the library when
// it carries no DT_SONAME. The library is closed with r when r is an
// io.Closer.
func Import(path string, r io.ReaderAt, machine elf.Machine) (Library, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	closer, _ := r.(io.Closer)
	return importDynamic(filepath.Base(path), r, closer, f, machine)
}

func importDynamic(name string, r io.ReaderAt, closer io.Closer, f *elf.File, machine elf.Machine) (Library, error) {
	if f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("%s: %w", name, ErrNotSharedObject)
	}
	if machine != elf.EM_NONE && f.Machine != machine {
		return nil, fmt.Errorf("%s: %w: %v", name, emulator.ErrArchMismatch, f.Machine)
	}
	progs := make([]elf.ProgHeader, len(f.Progs))
	for i, prog := range f.Progs {
		progs[i] = prog.ProgHeader
	}
	lib := &library{
		name:   name,
		r:      r,
		closer: closer,
		header: f.FileHeader,
		flags:  readFlags(r, f.FileHeader),
		progs:  progs,
	}
	if err := lib.init(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return lib, nil
}

func readFlags(r io.ReaderAt, header elf.FileHeader) uint32 {
	off := int64(36)
	if header.Class == elf.ELFCLASS64 {
		off = 48
	}
	var buf [4]byte
	if _, err := r.ReadAt(buf[:], off); err != nil {
		return 0
	}
	return header.ByteOrder.Uint32(buf[:])
}

func byteOrder(header elf.FileHeader) binary.ByteOrder {
	if header.ByteOrder != nil {
		return header.ByteOrder
	}
	if header.Data == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
