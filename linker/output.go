package linker

import (
	"debug/elf"
	"errors"
)

// WriteOutput renders every chunk into the output image and commits it to
// disk. The file is removed again if any chunk fails to render.
func WriteOutput(ctx *Context) error {
	if err := ctx.Target.PreWrite(ctx); err != nil {
		return err
	}
	out, err := openOutput(ctx.Opts.Output, int(ctx.FileSize))
	if err != nil {
		return err
	}
	ctx.Buf = out.buf
	err = writeChunks(ctx)
	if err == nil {
		err = ctx.Target.PostWrite(ctx)
	}
	if err != nil {
		out.abort()
		return err
	}
	return out.commit()
}

func writeChunks(ctx *Context) error {
	var errs []error
	for _, c := range ctx.Chunks {
		h := c.Header()
		if h.Type == elf.SHT_NOBITS || h.Size == 0 {
			continue
		}
		if err := c.Write(ctx, ctx.Buf[h.Offset:h.Offset+h.Size]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ChunkAt returns the allocated, file-backed chunk containing addr.
func (ctx *Context) ChunkAt(addr uint64) Chunk {
	for _, c := range ctx.Chunks {
		h := c.Header()
		if h.Flags&elf.SHF_ALLOC == 0 || h.Type == elf.SHT_NOBITS {
			continue
		}
		if addr >= h.Addr && addr < h.Addr+h.Size {
			return c
		}
	}
	return nil
}

// BufAt returns the output bytes backing the virtual address addr.
func (ctx *Context) BufAt(addr uint64) []byte {
	c := ctx.ChunkAt(addr)
	if c == nil {
		return nil
	}
	h := c.Header()
	return ctx.Buf[h.Offset+addr-h.Addr : h.Offset+h.Size]
}
