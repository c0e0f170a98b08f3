//go:build unix

package ingest

import (
	"time"

	"golang.org/x/sys/unix"
)

// fileTimes returns the inode change time and modification time of path.
func fileTimes(path string) (time.Time, time.Time, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return time.Time{}, time.Time{}, err
	}
	return time.Unix(st.Ctim.Unix()).UTC(), time.Unix(st.Mtim.Unix()).UTC(), nil
}
