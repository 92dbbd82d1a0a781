package httpserver

import (
	"context"
	"io/fs"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/webdav"

	"filebay/internal/fileops"
)

const davPrefix = "/dav"

// davMethods are routed to the WebDAV handler; only the read ones pass.
var davMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodOptions, "PROPFIND",
	http.MethodPut, http.MethodDelete, "PROPPATCH", "MKCOL", "COPY", "MOVE", "LOCK", "UNLOCK",
}

func davReadOnly(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, "PROPFIND":
		return true
	}
	return false
}

func (s *Server) mountWebDAV(r *gin.Engine) {
	dav := &webdav.Handler{
		Prefix:     davPrefix,
		FileSystem: davFS{svc: s.svc},
		LockSystem: webdav.NewMemLS(),
	}
	h := func(c *gin.Context) {
		if !davReadOnly(c.Request.Method) {
			c.Header("Allow", "GET, HEAD, OPTIONS, PROPFIND")
			c.AbortWithStatus(http.StatusMethodNotAllowed)
			return
		}
		dav.ServeHTTP(c.Writer, c.Request)
	}
	for _, m := range davMethods {
		r.Handle(m, davPrefix+"/*path", h)
	}
}

// davFS is a read-only webdav.FileSystem over the storage root. Every name is
// confined by the service's resolver.
type davFS struct {
	svc *fileops.Service
}

func (d davFS) resolve(name string) (string, error) {
	abs, err := d.svc.Resolve(name)
	if err != nil {
		if fileops.KindOf(err) == fileops.KindPathEscape {
			return "", os.ErrPermission
		}
		return "", os.ErrNotExist
	}
	return abs, nil
}

func (davFS) Mkdir(context.Context, string, os.FileMode) error { return os.ErrPermission }
func (davFS) RemoveAll(context.Context, string) error { return os.ErrPermission }
func (davFS) Rename(context.Context, string, string) error { return os.ErrPermission }

func (d davFS) OpenFile(_ context.Context, name string, flag int, _ os.FileMode) (webdav.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, os.ErrPermission
	}
	abs, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	return davFile{File: f, hidden: d.svc.Hidden}, nil
}

func (d davFS) Stat(_ context.Context, name string) (os.FileInfo, error) {
	abs, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.Stat(abs)
}

// davFile hides the same entries directory listings hide.
type davFile struct {
	*os.File
	hidden func(string) bool
}

func (f davFile) Readdir(count int) ([]fs.FileInfo, error) {
	infos, err := f.File.Readdir(count)
	kept := infos[:0]
	for _, fi := range infos {
		if !f.hidden(fi.Name()) {
			kept = append(kept, fi)
		}
	}
	return kept, err
}

func (f davFile) Write([]byte) (int, error) { return 0, os.ErrPermission }
