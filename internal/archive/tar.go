package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// tarStream is a tar reader over an optionally compressed file.
type tarStream struct {
	*tar.Reader
	close func()
}

func openTar(path string, format Format) (*tarStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatTarGz:
		zr, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
		return &tarStream{Reader: tar.NewReader(zr), close: func() { _ = zr.Close(); _ = f.Close() }}, nil
	case FormatTarZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
		return &tarStream{Reader: tar.NewReader(zr), close: func() { zr.Close(); _ = f.Close() }}, nil
	default:
		return &tarStream{Reader: tar.NewReader(f), close: func() { _ = f.Close() }}, nil
	}
}

// extractTar reads the archive twice: once to validate every header, once to
// write. Hard links, devices and FIFOs are skipped.
func (c *Codec) extractTar(ctx context.Context, archivePath string, format Format, dest string) (int, error) {
	plan, err := c.planTar(archivePath, format, dest)
	if err != nil {
		return 0, err
	}
	if err := writeDirs(plan); err != nil {
		return 0, err
	}

	byIndex := make(map[int]plannedEntry, len(plan.files))
	for _, e := range plan.files {
		byIndex[e.index] = e
	}

	ts, err := openTar(archivePath, format)
	if err != nil {
		return 0, err
	}
	defer ts.close()

	written := 0
	for i := 0; len(byIndex) > 0; i++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if _, err := ts.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return written, fmt.Errorf("%w: archive changed during extraction", ErrInvalidArchive)
			}
			return written, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
		e, ok := byIndex[i]
		if !ok {
			continue
		}
		if err := writeMember(e, ts); err != nil {
			return written, err
		}
		delete(byIndex, i)
		written++
	}

	if err := writeSymlinks(plan); err != nil {
		return written, err
	}
	c.log.Debug("tar extracted", zap.Int("files", written), zap.Int("symlinks", len(plan.symlinks)))
	return written, nil
}

func (c *Codec) planTar(archivePath string, format Format, dest string) (*extractPlan, error) {
	ts, err := openTar(archivePath, format)
	if err != nil {
		return nil, err
	}
	defer ts.close()

	plan := &extractPlan{}
	for i := 0; ; i++ {
		h, err := ts.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}

		switch h.Typeflag {
		case tar.TypeDir, tar.TypeReg, tar.TypeSymlink:
		default:
			c.log.Debug("skipping tar member", zap.String("name", h.Name), zap.Int("type", int(h.Typeflag)))
			continue
		}

		target, err := memberTarget(dest, h.Name)
		if err != nil {
			return nil, err
		}
		switch h.Typeflag {
		case tar.TypeDir:
			if target != dest {
				plan.add(plannedEntry{kind: entryDir, target: target, index: i})
			}
		case tar.TypeReg:
			if target == dest {
				return nil, fmt.Errorf("%w: member %q has no file name", ErrInvalidArchive, h.Name)
			}
			plan.total += h.Size
			plan.add(plannedEntry{kind: entryFile, target: target, mode: h.FileInfo().Mode(), index: i})
		case tar.TypeSymlink:
			if target == dest {
				return nil, fmt.Errorf("%w: member %q has no file name", ErrInvalidArchive, h.Name)
			}
			if err := linkTarget(dest, target, h.Linkname); err != nil {
				return nil, err
			}
			plan.add(plannedEntry{kind: entrySymlink, target: target, linkname: h.Linkname, index: i})
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
