//go:build linux || darwin || freebsd || netbsd || openbsd

package linker

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// outputFile is the image being written. It lives in a temporary file next
// to path until commit renames it into place, so a failed link leaves any
// previous output untouched.
type outputFile struct {
	path string
	file *os.File
	buf  []byte
	mmap bool
}

func openOutput(path string, size int) (*outputFile, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, err
	}
	out := &outputFile{path: path, file: f}
	if size == 0 {
		return out, nil
	}
	if err := unix.Ftruncate(int(f.Fd()), int64(size)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		out.buf = make([]byte, size)
		return out, nil
	}
	out.buf, out.mmap = buf, true
	return out, nil
}

func (o *outputFile) commit() error {
	var err error
	if o.mmap {
		err = unix.Munmap(o.buf)
	} else if len(o.buf) > 0 {
		_, err = o.file.WriteAt(o.buf, 0)
	}
	if err == nil {
		err = o.file.Chmod(0o755)
	}
	if cerr := o.file.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(o.file.Name(), o.path)
	}
	if err != nil {
		os.Remove(o.file.Name())
	}
	return err
}

func (o *outputFile) abort() {
	if o.mmap {
		unix.Munmap(o.buf)
	}
	o.file.Close()
	os.Remove(o.file.Name())
}
