package fsutil

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// PartialPattern matches the temp files WriteFile leaves behind while writing.
const PartialPattern = ".filebay-*.part"

// WriteFile streams r into dst through a hidden sibling temp file that is
// fsynced and renamed into place, so readers never observe a half-written
// file. The parent directory must exist.
func WriteFile(dst string, r io.Reader, perm fs.FileMode) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), PartialPattern)
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", filepath.Base(dst), err)
	}
	if err := tmp.Sync(); err != nil {
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return n, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return n, err
	}
	ok = true
	return n, nil
}
