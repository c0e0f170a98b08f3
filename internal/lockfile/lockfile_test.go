package lockfile

import (
	"errors"
	"os"
	"strconv"
	"testing"

	"github.com/amillerrr/clip-pipeline/pkg/models"
)

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got := Holder(dir); got != strconv.Itoa(os.Getpid()) {
		t.Errorf("Holder() = %q, want own pid", got)
	}

	if _, err := Acquire(dir); !errors.Is(err, models.ErrLocked) {
		t.Errorf("second Acquire() error = %v, want %v", err, models.ErrLocked)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file still present after Release()")
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	_ = again.Release()
}

func TestReleaseTwice(t *testing.T) {
	lock, err := Acquire(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

func TestHolderMissing(t *testing.T) {
	if got := Holder(t.TempDir()); got != "unknown" {
		t.Errorf("Holder() = %q, want unknown", got)
	}
}
