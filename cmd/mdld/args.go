package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/wnxd/microdbg-linker/linker"
	"github.com/wnxd/microdbg-linker/utils"
	"github.com/xyproto/env/v2"
)

var errUsage = errors.New("usage")

type config struct {
	opts    linker.Options
	help    bool
	version bool
}

// pending is a positional input: a file path, or a -l name resolved once
// every -L has been seen.
type pending struct {
	path     string
	lib      string
	asNeeded bool
}

func parseAddr(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}

func parseArgs(args []string) (*config, error) {
	cfg := &config{}
	opts := &cfg.opts
	env.Load()
	opts.Output = "a.out"
	opts.Verbose = env.Bool("MDLD_VERBOSE")
	opts.DynamicLinker = env.Str("MDLD_DYNAMIC_LINKER")
	opts.SectionStart = make(map[string]uint64)

	dashes := func(name string) []string {
		if len(name) == 1 {
			return []string{"-" + name}
		}
		return []string{"-" + name, "--" + name}
	}

	arg := ""
	var err error
	readArg := func(name string) bool {
		for _, opt := range dashes(name) {
			if args[0] == opt {
				if len(args) == 1 {
					err = fmt.Errorf("%w: option %s: argument missing", errUsage, opt)
					args = args[1:]
					return true
				}
				arg = args[1]
				args = args[2:]
				return true
			}
			prefix := opt
			if len(name) > 1 {
				prefix += "="
			}
			if strings.HasPrefix(args[0], prefix) {
				arg = args[0][len(prefix):]
				args = args[1:]
				return true
			}
		}
		return false
	}
	readFlag := func(name string) bool {
		for _, opt := range dashes(name) {
			if args[0] == opt {
				args = args[1:]
				return true
			}
		}
		return false
	}

	var inputs []pending
	asNeeded := false
	for len(args) > 0 && err == nil {
		switch {
		case readFlag("help"):
			cfg.help = true
		case readFlag("version"):
			cfg.version = true
		case readArg("sysroot") || readArg("hash-style") || readFlag("build-id") || readArg("build-id") ||
			readArg("plugin-opt") || readArg("plugin") || readFlag("eh-frame-hdr") ||
			readFlag("start-group") || readFlag("end-group") || readFlag("s") ||
			readFlag("no-relax") || readFlag("gc-sections") || readFlag("no-gc-sections"):
		case readArg("output") || readArg("o"):
			opts.Output = arg
		case readFlag("v") || readFlag("verbose"):
			opts.Verbose = true
		case readFlag("shared") || readFlag("Bshareable"):
			opts.Type = linker.OutputShared
		case readFlag("static") || readFlag("Bstatic"):
			opts.Static = true
		case readFlag("Bdynamic"):
			opts.Static = false
		case readArg("entry") || readArg("e"):
			opts.Entry = arg
		case readArg("soname") || readArg("h"):
			opts.Soname = arg
		case readFlag("Bsymbolic"):
			opts.Symbolic = true
		case readFlag("no-undefined"):
			opts.NoUndefined = true
		case readFlag("as-needed"):
			asNeeded = true
		case readFlag("no-as-needed"):
			asNeeded = false
		case readArg("dynamic-linker") || readArg("I"):
			opts.DynamicLinker = arg
		case readFlag("fix-cortex-a53-843419"):
			opts.FixCortexA53843419 = true
		case readArg("mtriple"):
			opts.Machine, opts.Class, opts.Data, err = linker.ParseTriple(arg)
		case readArg("m"):
			opts.Machine, opts.Class, opts.Data, err = linker.ParseEmulation(arg)
		case readArg("section-start"):
			name, addr, ok := strings.Cut(arg, "=")
			if !ok {
				err = fmt.Errorf("%w: --section-start=%s: expected name=address", errUsage, arg)
				break
			}
			err = setSectionStart(opts, name, addr)
		case readArg("Ttext"):
			err = setSectionStart(opts, ".text", arg)
		case readArg("Tdata"):
			err = setSectionStart(opts, ".data", arg)
		case readArg("Tbss"):
			err = setSectionStart(opts, ".bss", arg)
		case readArg("z"):
			err = parseZ(opts, arg)
		case readArg("L") || readArg("library-path"):
			opts.LibraryPaths = append(opts.LibraryPaths, filepath.Clean(arg))
		case readArg("library") || readArg("l"):
			inputs = append(inputs, pending{lib: arg, asNeeded: asNeeded})
		default:
			if strings.HasPrefix(args[0], "-") && args[0] != "-" {
				return nil, fmt.Errorf("%w: unknown command line option: %s", errUsage, args[0])
			}
			inputs = append(inputs, pending{path: args[0], asNeeded: asNeeded})
			args = args[1:]
		}
	}
	if err != nil {
		return nil, err
	}
	if cfg.help || cfg.version {
		return cfg, nil
	}

	for _, dir := range filepath.SplitList(env.Str("MDLD_LIBRARY_PATH")) {
		if dir != "" {
			opts.LibraryPaths = append(opts.LibraryPaths, filepath.Clean(dir))
		}
	}
	for _, in := range inputs {
		path := in.path
		if in.lib != "" {
			if path, err = linker.FindLibrary(in.lib, opts.LibraryPaths, opts.Static); err != nil {
				return nil, err
			}
		}
		opts.Inputs = append(opts.Inputs, linker.Input{Path: path, AsNeeded: in.asNeeded})
	}
	if len(opts.Inputs) == 0 {
		return nil, fmt.Errorf("%w: no input files", errUsage)
	}
	return cfg, nil
}

func setSectionStart(opts *linker.Options, name, addr string) error {
	v, err := parseAddr(addr)
	if err != nil {
		return fmt.Errorf("%w: invalid address %q for %s", errUsage, addr, name)
	}
	opts.SectionStart[name] = v
	return nil
}

func parseZ(opts *linker.Options, arg string) error {
	key, val, _ := strings.Cut(arg, "=")
	switch key {
	case "max-page-size":
		v, err := strconv.ParseUint(val, 0, 64)
		if err != nil || !utils.IsPowerOfTwo(v) {
			return fmt.Errorf("%w: -z max-page-size=%s: not a power of two", errUsage, val)
		}
		opts.MaxPageSize = v
	case "noexecstack", "execstack", "relro", "norelro", "now", "lazy", "defs":
		if key == "defs" {
			opts.NoUndefined = true
		}
	default:
		return fmt.Errorf("%w: unknown -z option: %s", errUsage, arg)
	}
	return nil
}
