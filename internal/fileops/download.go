package fileops

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// Download is a file ready to be streamed to a client. Close must be called
// once the body has been sent; for directory archives it deletes the
// temporary artifact.
type Download struct {
	Path     string
	Name     string
	MimeType string
	Size     int64
	ModTime  time.Time
	Archive  bool

	cleanup func() error
}

func (d *Download) Open() (*os.File, error) {
	return os.Open(d.Path)
}

func (d *Download) Close() error {
	if d == nil || d.cleanup == nil {
		return nil
	}
	err := d.cleanup()
	d.cleanup = nil
	return err
}

// Download serves a regular file as-is and a directory as an archive.
func (s *Service) Download(ctx context.Context, rel string) (*Download, error) {
	target, err := s.resolver.Resolve(rel)
	if err != nil {
		return nil, s.reject("download", rel, err)
	}
	st, err := os.Stat(target)
	if err != nil {
		return nil, newError(KindNotFound, "File or directory not found.", err)
	}
	switch {
	case st.Mode().IsRegular():
		mime := "application/octet-stream"
		if m, err := mimetype.DetectFile(target); err == nil {
			mime = m.String()
		}
		return &Download{
			Path:     target,
			Name:     st.Name(),
			MimeType: mime,
			Size:     st.Size(),
			ModTime:  st.ModTime(),
		}, nil
	case st.IsDir():
		return s.compress(ctx, target)
	default:
		return nil, newError(KindNotFound, "File or directory not found.", nil)
	}
}

// DownloadFolder archives the directory rel into a temporary file outside the
// storage root.
func (s *Service) DownloadFolder(ctx context.Context, rel string) (*Download, error) {
	target, err := s.resolver.Resolve(rel)
	if err != nil {
		return nil, s.reject("download_folder", rel, err)
	}
	st, err := os.Stat(target)
	if err != nil || !st.IsDir() {
		return nil, newError(KindValidation, "Download path is not a directory.", err)
	}
	return s.compress(ctx, target)
}

func (s *Service) compress(ctx context.Context, dir string) (*Download, error) {
	work, err := os.MkdirTemp("", "filebay-download-*")
	if err != nil {
		return nil, classify(err, "Error downloading folder")
	}
	art, err := s.codec.Compress(ctx, dir, work)
	if err != nil {
		_ = os.RemoveAll(work)
		s.log.Error("folder compression failed", zap.String("dir", s.Rel(dir)), zap.Error(err))
		return nil, classify(err, "Error downloading folder")
	}
	st, err := os.Stat(art.Path)
	if err != nil {
		_ = os.RemoveAll(work)
		return nil, classify(err, "Error downloading folder")
	}

	name := filepath.Base(dir)
	if dir == s.resolver.Root() || name == "" || name == string(filepath.Separator) {
		name = "files"
	}
	s.log.Info("folder archived",
		zap.String("dir", s.Rel(dir)),
		zap.String("format", art.Format.String()),
		zap.Int("files", art.Files),
		zap.Int64("bytes", st.Size()),
	)
	return &Download{
		Path:     art.Path,
		Name:     name + art.Ext,
		MimeType: art.MimeType,
		Size:     st.Size(),
		ModTime:  st.ModTime(),
		Archive:  true,
		cleanup:  func() error { return os.RemoveAll(work) },
	}, nil
}
