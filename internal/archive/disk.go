package archive

import (
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/andywolf/baton/internal/errkind"
)

// MinFreeBytes is the free space a restore requires on the target.
const MinFreeBytes = 10 << 20

// freeBytes reports the space available to unprivileged users at path.
func freeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// checkWritable reports whether the calling user may create files in dir.
func checkWritable(dir string) error {
	return unix.Access(dir, unix.W_OK|unix.X_OK)
}

// nearestExisting walks up from path to the first directory that exists.
func nearestExisting(path string) string {
	current := path
	for {
		if info, err := os.Stat(current); err == nil && info.IsDir() {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			return current
		}
		current = parent
	}
}

// checkResources verifies free space and write permission on dir (or its
// nearest existing ancestor). Failures are InsufficientResources.
func checkResources(dir string, free func(string) (uint64, error)) error {
	const op = "check resources"

	target := nearestExisting(dir)
	avail, err := free(target)
	if err != nil {
		return errkind.Wrap(errkind.InsufficientResources, op, err)
	}
	if avail < MinFreeBytes {
		return errkind.New(errkind.InsufficientResources, op,
			"%s has %d bytes free, need at least %d", target, avail, MinFreeBytes)
	}
	if err := checkWritable(target); err != nil {
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EROFS) {
			return errkind.New(errkind.InsufficientResources, op, "%s is not writable", target)
		}
		return errkind.Wrap(errkind.InsufficientResources, op, err)
	}
	return nil
}
