package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"go.uber.org/zap"
)

// maxLinkTarget bounds how much of a zip symlink member is read as its target.
const maxLinkTarget = 4096

func writeZip(ctx context.Context, dir string, files []string, out string) error {
	f, err := os.OpenFile(out, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})

	for _, name := range files {
		if err := ctx.Err(); err != nil {
			_ = f.Close()
			return err
		}
		if err := addZipFile(zw, dir, name); err != nil {
			_ = f.Close()
			return fmt.Errorf("zip %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func addZipFile(zw *zip.Writer, dir, name string) error {
	src, err := os.Open(filepath.Join(dir, filepath.FromSlash(name)))
	if err != nil {
		return err
	}
	defer src.Close()

	st, err := src.Stat()
	if err != nil {
		return err
	}
	h, err := zip.FileInfoHeader(st)
	if err != nil {
		return err
	}
	h.Name = name
	h.Method = zip.Deflate

	w, err := zw.CreateHeader(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

func openZip(path string) (*zip.ReadCloser, error) {
	zr, err := zip.OpenReader(path)
	if errors.Is(err, zip.ErrInsecurePath) {
		if zr != nil {
			_ = zr.Close()
		}
		return nil, fmt.Errorf("%w: %v", ErrArchiveEscape, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	zr.RegisterDecompressor(zip.Deflate, flate.NewReader)
	return zr, nil
}

func (c *Codec) extractZip(ctx context.Context, archivePath, dest string) (int, error) {
	zr, err := openZip(archivePath)
	if err != nil {
		return 0, err
	}
	defer zr.Close()

	plan, err := c.planZip(zr, dest)
	if err != nil {
		return 0, err
	}

	if err := writeDirs(plan); err != nil {
		return 0, err
	}
	written := 0
	for _, e := range plan.files {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if err := writeZipMember(zr.File[e.index], e); err != nil {
			return written, err
		}
		written++
	}
	if err := writeSymlinks(plan); err != nil {
		return written, err
	}
	c.log.Debug("zip extracted", zap.Int("files", written), zap.Int("symlinks", len(plan.symlinks)))
	return written, nil
}

// planZip is the validation pass: nothing is written to dest.
func (c *Codec) planZip(zr *zip.ReadCloser, dest string) (*extractPlan, error) {
	plan := &extractPlan{}
	for i, f := range zr.File {
		target, err := memberTarget(dest, f.Name)
		if err != nil {
			return nil, err
		}
		mode := f.Mode()
		isDir := mode.IsDir() || strings.HasSuffix(strings.ReplaceAll(f.Name, "\\", "/"), "/")

		switch {
		case isDir:
			if target == dest {
				continue
			}
			plan.add(plannedEntry{kind: entryDir, target: target, index: i})
		case target == dest:
			return nil, fmt.Errorf("%w: member %q has no file name", ErrInvalidArchive, f.Name)
		case mode&os.ModeSymlink != 0:
			linkname, err := readZipLink(f)
			if err != nil {
				return nil, err
			}
			if err := linkTarget(dest, target, linkname); err != nil {
				return nil, err
			}
			plan.add(plannedEntry{kind: entrySymlink, target: target, linkname: linkname, index: i})
		case mode.IsRegular():
			plan.total += int64(f.UncompressedSize64)
			plan.add(plannedEntry{kind: entryFile, target: target, mode: mode, index: i})
		default:
			c.log.Debug("skipping special zip member", zap.String("name", f.Name), zap.Stringer("mode", mode))
		}
	}
	if err := plan.check(dest); err != nil {
		return nil, err
	}
	if err := c.checkBudget(plan.total); err != nil {
		return nil, err
	}
	return plan, nil
}

func readZipLink(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, maxLinkTarget))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	return string(b), nil
}

func writeZipMember(f *zip.File, e plannedEntry) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer rc.Close()
	return writeMember(e, rc)
}
