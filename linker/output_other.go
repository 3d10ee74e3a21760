//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package linker

import (
	"os"
	"path/filepath"
)

type outputFile struct {
	path string
	buf  []byte
}

func openOutput(path string, size int) (*outputFile, error) {
	return &outputFile{path: path, buf: make([]byte, size)}, nil
}

func (o *outputFile) commit() error {
	f, err := os.CreateTemp(filepath.Dir(o.path), "."+filepath.Base(o.path)+".*")
	if err != nil {
		return err
	}
	_, err = f.Write(o.buf)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		os.Chmod(f.Name(), 0o755)
		os.Remove(o.path)
		err = os.Rename(f.Name(), o.path)
	}
	if err != nil {
		os.Remove(f.Name())
	}
	return err
}

func (o *outputFile) abort() {}
