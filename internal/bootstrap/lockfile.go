// Package bootstrap handles the process-level concerns of spec.md §6
// ("Process Bootstrap"): verifying the runtime directory
// layout and arbitrating a lockfile slot so that multiple instances of
// the server can share one ROOTDIR without colliding.
package bootstrap

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// maxLockSlots is the upper bound on concurrent instances sharing one
// ROOTDIR (spec.md §6: "<ROOTDIR>/status/<name>.<N> for N in 1..512").
const maxLockSlots = 512

// Lockfile is an acquired, exclusively-held slot under
// <ROOTDIR>/status/. It must be released on shutdown.
type Lockfile struct {
	path string
	file *os.File
}

// Path returns the acquired lockfile's filesystem path, useful for log
// lines identifying which slot this instance holds.
func (l *Lockfile) Path() string {
	return l.path
}

// Release removes the lockfile and closes its handle.
func (l *Lockfile) Release() error {
	if l.file == nil {
		return nil
	}
	name := l.file.Name()
	if err := l.file.Close(); err != nil {
		return errors.Wrap(err, "close lockfile")
	}
	l.file = nil
	return os.Remove(name)
}

// CheckRootDir verifies <root>/log and <root>/status both exist, per
// spec.md §6's "the process expects <ROOTDIR>/log and <ROOTDIR>/status
// to exist" requirement. It does not create them: a missing directory is
// a process-fatal misconfiguration, not something to paper over.
func CheckRootDir(root string) error {
	for _, sub := range []string{"log", "status"} {
		dir := filepath.Join(root, sub)
		info, err := os.Stat(dir)
		if err != nil {
			return errors.Wrapf(err, "required directory %s", dir)
		}
		if !info.IsDir() {
			return errors.Errorf("%s exists but is not a directory", dir)
		}
	}
	return nil
}

// AcquireLock tries <root>/status/<name>.1 through <name>.512 in order,
// taking the first slot it can create exclusively (O_EXCL). This is the
// same first-free-slot arbitration multiple cooperating instances use to
// avoid colliding on a single well-known lockfile.
func AcquireLock(root, name string) (*Lockfile, error) {
	statusDir := filepath.Join(root, "status")
	for n := 1; n <= maxLockSlots; n++ {
		path := filepath.Join(statusDir, name+"."+strconv.Itoa(n))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			return &Lockfile{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Wrapf(err, "create lockfile %s", path)
		}
	}
	return nil, errors.Errorf("no free lockfile slot under %s (%d..%d exhausted)", statusDir, 1, maxLockSlots)
}
