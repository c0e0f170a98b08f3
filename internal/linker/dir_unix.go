//go:build unix

package linker

import (
	"errors"

	"golang.org/x/sys/unix"
)

type dirHandle struct {
	fd int
}

func openDir(path string) (*dirHandle, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &dirHandle{fd: fd}, nil
}

func (d *dirHandle) readlink(name string) (string, error) {
	buf := make([]byte, unix.PathMax)
	n, err := unix.Readlinkat(d.fd, name, buf)
	if err != nil {
		if errors.Is(err, unix.EINVAL) {
			return "", errNotLink
		}
		return "", err
	}
	return string(buf[:n]), nil
}

func (d *dirHandle) symlink(target, name string) error {
	return unix.Symlinkat(target, d.fd, name)
}

func (d *dirHandle) unlink(name string) error {
	return unix.Unlinkat(d.fd, name, 0)
}

func (d *dirHandle) close() error {
	return unix.Close(d.fd)
}

func isNotExist(err error) bool { return errors.Is(err, unix.ENOENT) }
func isExist(err error) bool    { return errors.Is(err, unix.EEXIST) }
func isNotLink(err error) bool  { return errors.Is(err, errNotLink) }
