//go:build !unix

package ingest

import (
	"os"
	"time"
)

func fileTimes(path string) (time.Time, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	mod := info.ModTime().UTC()
	return mod, mod, nil
}
