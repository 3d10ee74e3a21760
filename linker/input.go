package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

type fileKind uint8

const (
	fileUnknown fileKind = iota
	fileObject
	fileShared
	fileArchive
	fileThinArchive
)

func detectFileKind(data []byte) fileKind {
	switch {
	case bytes.HasPrefix(data, []byte(elf.ELFMAG)) && len(data) >= 18:
		order := binary.ByteOrder(binary.LittleEndian)
		if elf.Data(data[elf.EI_DATA]) == elf.ELFDATA2MSB {
			order = binary.BigEndian
		}
		switch elf.Type(order.Uint16(data[16:])) {
		case elf.ET_REL:
			return fileObject
		case elf.ET_DYN:
			return fileShared
		}
	case bytes.HasPrefix(data, []byte(archiveMagic)):
		return fileArchive
	case bytes.HasPrefix(data, []byte(thinArchiveMagic)):
		return fileThinArchive
	}
	return fileUnknown
}

// FindLibrary resolves -l<name> against the search directories.
func FindLibrary(name string, dirs []string, static bool) (string, error) {
	names := []string{"lib" + name + ".so", "lib" + name + ".a"}
	if static {
		names = names[1:]
	}
	for _, dir := range dirs {
		for _, n := range names {
			path := filepath.Join(dir, n)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("%w: -l%s", ErrLibraryNotFound, name)
}

type loadedInput struct {
	Input
	data []byte
	kind fileKind
}

func ReadInputs(ctx *Context) error {
	var loaded []loadedInput
	for _, in := range ctx.Opts.Inputs {
		data, err := os.ReadFile(in.Path)
		if err != nil {
			return err
		}
		kind := detectFileKind(data)
		if kind == fileUnknown || kind == fileThinArchive {
			return fmt.Errorf("%s: %w", in.Path, ErrUnknownFileType)
		}
		loaded = append(loaded, loadedInput{Input: in, data: data, kind: kind})
	}
	if err := setupTarget(ctx, loaded); err != nil {
		return err
	}
	var errs []error
	for _, in := range loaded {
		switch in.kind {
		case fileObject:
			f, err := parseObject(ctx, in.Path, in.data, false)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			ctx.Objs = append(ctx.Objs, f)
		case fileArchive:
			members, err := readArchiveMembers(in.Path, in.data)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, m := range members {
				if detectFileKind(m.data) != fileObject {
					continue
				}
				f, err := parseObject(ctx, in.Path+"("+m.name+")", m.data, true)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				ctx.Objs = append(ctx.Objs, f)
			}
		case fileShared:
			if ctx.Opts.Static {
				errs = append(errs, fmt.Errorf("%s: attempted static link of dynamic object", in.Path))
				continue
			}
			lib, err := parseShared(ctx, in.Input, in.data)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			ctx.Libs = append(ctx.Libs, lib)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if len(ctx.Objs) == 0 {
		return errors.New("no input files")
	}
	return nil
}

// setupTarget completes the machine, class and byte order from the first ELF
// input when the driver did not name them, then instantiates the target.
func setupTarget(ctx *Context, loaded []loadedInput) error {
	if ctx.Opts.Machine == elf.EM_NONE {
		for _, in := range loaded {
			data := in.data
			if in.kind == fileArchive {
				members, err := readArchiveMembers(in.Path, data)
				if err != nil || len(members) == 0 {
					continue
				}
				data = members[0].data
			}
			ef, err := elf.NewFile(bytes.NewReader(data))
			if err != nil {
				continue
			}
			ctx.Opts.Machine, ctx.Opts.Class, ctx.Opts.Data = ef.Machine, ef.Class, ef.Data
			break
		}
	}
	if ctx.Opts.Machine == elf.EM_NONE {
		return fmt.Errorf("%w: cannot infer target machine", ErrUnsupportedTarget)
	}
	target, err := NewTarget(ctx.Opts.Machine)
	if err != nil {
		return err
	}
	ctx.Target = target
	ctx.Class = ctx.Opts.Class
	if ctx.Class == elf.ELFCLASSNONE {
		ctx.Class = target.DefaultClass()
		ctx.Opts.Class = ctx.Class
	}
	if ctx.Opts.Data == elf.ELFDATANONE {
		ctx.Opts.Data = elf.ELFDATA2LSB
	}
	ctx.ByteOrder = binary.LittleEndian
	if ctx.Opts.Data == elf.ELFDATA2MSB {
		ctx.ByteOrder = binary.BigEndian
	}
	return target.Setup(ctx)
}
