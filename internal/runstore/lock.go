package runstore

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/vantle/stepflow/pkg/schema"
)

// Lock is an exclusive advisory lock on one run directory. It keeps two
// processes from executing the same run concurrently; other runs are
// unaffected.
type Lock struct {
	runID    string
	lockFile *os.File
	lockPath string
}

// AcquireLock takes the run's exclusive lock without blocking. A held lock
// surfaces as a LOCKED error naming the run.
func (d *RunDir) AcquireLock() (*Lock, error) {
	lockPath := filepath.Join(d.dir, lockFileName)
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePersistence,
			"open lock file %s: %v", lockPath, err).WithCause(err)
	}

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, schema.NewErrorf(schema.ErrCodeLocked,
			"run %q is already being executed by another process", d.id).WithCause(err)
	}

	return &Lock{runID: d.id, lockFile: lockFile, lockPath: lockPath}, nil
}

// IsLocked reports whether another process currently holds the run's lock.
func (d *RunDir) IsLocked() bool {
	lockPath := filepath.Join(d.dir, lockFileName)
	lockFile, err := os.OpenFile(lockPath, os.O_RDWR, 0644)
	if err != nil {
		return false // no lock file, nobody holds it
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return true
	}
	syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
	return false
}

// Release drops the lock and removes the lock file best-effort.
func (l *Lock) Release() error {
	if l.lockFile == nil {
		return nil
	}
	syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_UN)
	err := l.lockFile.Close()
	l.lockFile = nil
	os.Remove(l.lockPath)
	return err
}
