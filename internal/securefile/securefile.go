// Package securefile writes key material to disk without leaving partially
// written or world-readable files behind.
package securefile

import (
	"os"
	"path/filepath"
	"runtime"
)

// MkdirAllOwnerOnly creates dir (and parents) and enforces owner-only
// permissions on unix. Windows permission bits are unreliable; there the
// function only ensures the directory exists.
func MkdirAllOwnerOnly(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if runtime.GOOS == "windows" {
		return nil
	}
	// MkdirAll does not tighten permissions on an existing directory.
	return os.Chmod(dir, 0o700)
}

// WriteFileAtomic writes data to filename via a temp file + rename, enforcing
// perm on unix. os.WriteFile only sets perm on create; this applies it on
// overwrite too.
func WriteFileAtomic(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	f, err := os.CreateTemp(dir, "."+filepath.Base(filename)+".tmp.*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if runtime.GOOS != "windows" {
		if err := f.Chmod(perm); err != nil {
			return err
		}
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if runtime.GOOS == "windows" {
		// os.Rename does not overwrite an existing destination on Windows.
		_ = os.Remove(filename)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(filename, perm); err != nil {
			return err
		}
	}
	ok = true
	return nil
}
