//go:build !unix

package linker

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

type dirHandle struct {
	path string
}

func openDir(path string) (*dirHandle, error) {
	return &dirHandle{path: path}, nil
}

func (d *dirHandle) readlink(name string) (string, error) {
	p := filepath.Join(d.path, name)
	info, err := os.Lstat(p)
	if err != nil {
		return "", err
	}
	if info.Mode()&fs.ModeSymlink == 0 {
		return "", errNotLink
	}
	return os.Readlink(p)
}

func (d *dirHandle) symlink(target, name string) error {
	return os.Symlink(target, filepath.Join(d.path, name))
}

func (d *dirHandle) unlink(name string) error {
	return os.Remove(filepath.Join(d.path, name))
}

func (d *dirHandle) close() error { return nil }

func isNotExist(err error) bool { return errors.Is(err, fs.ErrNotExist) }
func isExist(err error) bool    { return errors.Is(err, fs.ErrExist) }
func isNotLink(err error) bool  { return errors.Is(err, errNotLink) }
