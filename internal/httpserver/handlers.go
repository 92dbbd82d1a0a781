package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"filebay/internal/catalog"
	"filebay/internal/fileops"
	"filebay/internal/fsutil"
	"filebay/internal/middleware"
	"filebay/internal/monitoring"
)

type browseData struct {
	CurrentPath string `json:"current_path"`
	ParentPath  string `json:"parent_path"`
	MaskedPath  string `json:"masked_path"`
	Level       string `json:"level,omitempty"`
	catalog.Listing
}

type capabilitiesData struct {
	fileops.Capabilities
	MaxUploadBytes  int64 `json:"max_upload_bytes"`
	MaxExtractBytes int64 `json:"max_extract_bytes"`
}

// handleBrowse downloads a regular file and lists anything else, creating a
// missing directory on the way.
func (s *Server) handleBrowse(c *gin.Context) {
	rel := relParam(c)
	ctx := context.WithoutCancel(c.Request.Context())

	st, err := s.svc.Stat(ctx, rel)
	if err == nil && st.Mode().IsRegular() {
		d, err := s.svc.Download(ctx, rel)
		if err != nil {
			s.fail(c, rel, err)
			return
		}
		s.send(c, d)
		return
	}
	if err != nil && fileops.KindOf(err) != fileops.KindNotFound {
		s.fail(c, rel, err)
		return
	}

	listing, err := s.svc.List(ctx, rel)
	if err != nil {
		s.fail(c, rel, err)
		return
	}
	abs, err := s.svc.Resolve(rel)
	if err != nil {
		s.fail(c, rel, err)
		return
	}
	shown := fsutil.DisplayPath(rel)
	c.JSON(http.StatusOK, fileops.Succeed(c.Query("flash"), browseData{
		CurrentPath: shown,
		ParentPath:  parentOf(shown),
		MaskedPath:  fileops.MaskedPath(abs),
		Level:       c.Query("level"),
		Listing:     listing,
	}))
}

func (s *Server) handleCapabilities(c *gin.Context) {
	c.JSON(http.StatusOK, fileops.Succeed("", capabilitiesData{
		Capabilities:    s.svc.Capabilities(),
		MaxUploadBytes:  s.cfg.MaxUploadBytes,
		MaxExtractBytes: s.cfg.MaxExtractBytes,
	}))
}

// handleAction dispatches a form post on /fs/*path by its "action" field.
func (s *Server) handleAction(c *gin.Context) {
	rel := relParam(c)
	if _, err := c.MultipartForm(); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		if middleware.IsTooLarge(err) {
			s.fail(c, rel, err)
			return
		}
		s.log.Warn("malformed form", zap.String("path", rel), zap.Error(err))
		s.respond(c, rel, http.StatusBadRequest, fileops.Result{Status: fileops.StatusError, Message: "Malformed form data."})
		return
	}
	if mf := c.Request.MultipartForm; mf != nil {
		defer func() {
			if err := mf.RemoveAll(); err != nil {
				s.log.Warn("multipart cleanup failed", zap.Error(err))
			}
		}()
	}

	action := c.PostForm("action")
	ctx := context.WithoutCancel(c.Request.Context())
	t := monitoring.NewTimer(s.metrics, action)

	var err error
	switch action {
	case "upload_file":
		err = s.uploadFiles(ctx, c, rel)
	case "upload_folder":
		err = s.uploadFolder(ctx, c, rel)
	case "upload_zip":
		err = s.uploadArchive(ctx, c, rel)
	case "create_folder":
		err = s.createFolder(ctx, c, rel)
	case "download_folder":
		err = s.downloadFolder(ctx, c, rel)
	case "remove":
		err = s.remove(ctx, c, rel)
	default:
		s.log.Warn("invalid action", zap.String("action", action), zap.String("path", rel))
		s.respond(c, rel, http.StatusBadRequest, fileops.Result{Status: fileops.StatusError, Message: "Invalid action"})
		return
	}
	if err != nil {
		t.Stop(outcome(err))
		s.fail(c, rel, err)
		return
	}
	t.Stop("success")
}

func outcome(err error) string {
	if middleware.IsTooLarge(err) {
		return fileops.KindTooLarge.String()
	}
	return fileops.KindOf(err).String()
}

func (s *Server) uploadFiles(ctx context.Context, c *gin.Context, rel string) error {
	uploads := formUploads(c, "files[]", nil)
	rep, err := s.svc.UploadFiles(ctx, rel, uploads)
	s.metrics.RecordUploads(len(rep.Uploaded), len(rep.Rejected), acceptedBytes(uploads, rep.Rejected))
	if err != nil {
		return err
	}
	s.succeed(c, rel, fmt.Sprintf("%d file(s) uploaded successfully", len(rep.Uploaded)), rep)
	return nil
}

func (s *Server) uploadFolder(ctx context.Context, c *gin.Context, rel string) error {
	uploads := formUploads(c, "files[]", c.PostFormArray("paths[]"))
	rep, err := s.svc.UploadTree(ctx, rel, uploads, c.PostFormArray("folders[]"))
	s.metrics.RecordUploads(len(rep.Uploaded), len(rep.Rejected), acceptedBytes(uploads, rep.Rejected))
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("%d file(s) uploaded successfully", len(rep.Uploaded))
	if n := len(rep.CreatedFolders); n > 0 {
		msg += fmt.Sprintf(" and %d folder(s) created successfully", n)
	}
	s.succeed(c, rel, msg, rep)
	return nil
}

func (s *Server) uploadArchive(ctx context.Context, c *gin.Context, rel string) error {
	fh, err := c.FormFile("archive_file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			s.respond(c, rel, http.StatusBadRequest, fileops.Result{Status: fileops.StatusError, Message: "No archive file part"})
			return nil
		}
		return err
	}
	rep, err := s.svc.UploadArchive(ctx, rel, fileUpload(fh, fh.Filename))
	if err != nil {
		return err
	}
	s.metrics.RecordExtract(rep.Files)
	s.succeed(c, rel, "Archive uploaded and extracted successfully", rep)
	return nil
}

func (s *Server) createFolder(ctx context.Context, c *gin.Context, rel string) error {
	name, err := s.svc.CreateDirectory(ctx, rel, c.PostForm("folder_name"))
	if err != nil {
		return err
	}
	s.succeed(c, rel, fmt.Sprintf("Folder %q created successfully", name), gin.H{"name": name})
	return nil
}

// downloadFolder archives file_path when given, otherwise the current directory.
func (s *Server) downloadFolder(ctx context.Context, c *gin.Context, rel string) error {
	target := rel
	if fp := strings.Trim(c.PostForm("file_path"), "/"); fp != "" {
		target = fp
	}
	d, err := s.svc.DownloadFolder(ctx, target)
	if err != nil {
		return err
	}
	s.send(c, d)
	return nil
}

// remove deletes file_path, which is relative to the storage root.
func (s *Server) remove(ctx context.Context, c *gin.Context, rel string) error {
	name, err := s.svc.Remove(ctx, strings.TrimLeft(c.PostForm("file_path"), "/"))
	if err != nil {
		return err
	}
	s.succeed(c, rel, fmt.Sprintf("Item %q removed successfully.", name), gin.H{"name": name})
	return nil
}

// send streams d as an attachment and releases it afterwards.
func (s *Server) send(c *gin.Context, d *fileops.Download) {
	defer func() {
		if err := d.Close(); err != nil {
			s.log.Warn("download cleanup failed", zap.String("file", d.Path), zap.Error(err))
		}
	}()
	f, err := d.Open()
	if err != nil {
		s.fail(c, "", err)
		return
	}
	defer f.Close()

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.Name}))
	c.Header("Content-Type", d.MimeType)
	http.ServeContent(c.Writer, c.Request, d.Name, d.ModTime, f)
}

// formUploads turns the files under key into uploads. names, when given,
// replaces the client file names position by position; multipart keeps only
// the base name, so folder uploads send relative paths separately.
func formUploads(c *gin.Context, key string, names []string) []fileops.Upload {
	mf := c.Request.MultipartForm
	if mf == nil {
		return nil
	}
	var out []fileops.Upload
	for i, fh := range mf.File[key] {
		name := fh.Filename
		if i < len(names) && strings.TrimSpace(names[i]) != "" {
			name = names[i]
		}
		if name == "" {
			continue
		}
		out = append(out, fileUpload(fh, name))
	}
	return out
}

func fileUpload(fh *multipart.FileHeader, name string) fileops.Upload {
	return fileops.Upload{
		Name: name,
		Size: fh.Size,
		Open: func() (io.ReadCloser, error) { return fh.Open() },
	}
}

func acceptedBytes(uploads []fileops.Upload, rejected []string) int64 {
	skip := make(map[string]bool, len(rejected))
	for _, r := range rejected {
		skip[r] = true
	}
	var n int64
	for _, u := range uploads {
		if !skip[u.Name] {
			n += u.Size
		}
	}
	return n
}
