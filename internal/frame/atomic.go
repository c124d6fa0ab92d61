package frame

import (
	"io"
	"os"
	"path/filepath"
)

// tempPattern names in-progress files so that orphan collection can find them.
const tempPattern = ".schunk-*"

// writeFileAtomic writes data to a temp file then renames to target,
// ensuring atomic replacement of the target file.
func writeFileAtomic(target string, data []byte) error {
	return streamFileAtomic(target, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// streamFileAtomic streams fill into a temp file, syncs it, then renames it
// over target.
func streamFileAtomic(target string, fill func(io.Writer) error) error {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if err := fill(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return syncDir(dir)
}

// syncDir makes a rename in dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some platforms refuse to fsync directories; the rename itself succeeded.
	_ = d.Sync() //nolint:errcheck // best effort
	return nil
}
