package httpserver

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	// decoders
	_ "image/gif"
	_ "image/png"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"filebay/internal/fsutil"
)

const (
	thumbSize = 256
	// images above this many pixels are not decoded at all
	maxThumbPixels = 64 << 20
)

var errImageTooLarge = errors.New("image too large to thumbnail")

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tif", ".tiff":
		return true
	default:
		return false
	}
}

// handleThumb answers with a JPEG preview of an image under the root. Previews
// are cached in ThumbDir, keyed by path, size and modification time.
func (s *Server) handleThumb(c *gin.Context) {
	rel := c.Query("path")
	abs, err := s.svc.Resolve(rel)
	if err != nil {
		s.fail(c, rel, err)
		return
	}
	st, err := os.Stat(abs)
	if err != nil || !st.Mode().IsRegular() || !isImageExt(strings.ToLower(filepath.Ext(abs))) {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	key := uuid.NewSHA1(uuid.NameSpaceURL, fmt.Appendf(nil, "%s|%d|%d", rel, st.Size(), st.ModTime().UnixNano()))
	cached := filepath.Join(s.cfg.ThumbDir, key.String()+".jpg")
	if b, err := os.ReadFile(cached); err == nil {
		c.Data(http.StatusOK, "image/jpeg", b)
		return
	}

	b, err := makeThumb(abs, thumbSize)
	if err != nil {
		s.log.Debug("thumbnail failed", zap.String("path", rel), zap.Error(err))
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	if err := os.MkdirAll(s.cfg.ThumbDir, 0o755); err == nil {
		if _, err := fsutil.WriteFile(cached, bytes.NewReader(b), 0o644); err != nil {
			s.log.Warn("thumbnail cache write failed", zap.String("file", cached), zap.Error(err))
		}
	}
	c.Data(http.StatusOK, "image/jpeg", b)
}

func makeThumb(absPath string, limit int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, os.ErrInvalid
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxThumbPixels {
		return nil, errImageTooLarge
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}

	b := src.Bounds()
	nw, nh := fit(b.Dx(), b.Dy(), limit)
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// fit scales w×h down so the longer side is at most limit, keeping the aspect.
func fit(w, h, limit int) (int, int) {
	if limit <= 0 {
		limit = thumbSize
	}
	nw, nh := w, h
	switch {
	case w > h && w > limit:
		nw = limit
		nh = int(float64(h) * float64(limit) / float64(w))
	case h >= w && h > limit:
		nh = limit
		nw = int(float64(w) * float64(limit) / float64(h))
	}
	return max(nw, 1), max(nh, 1)
}
