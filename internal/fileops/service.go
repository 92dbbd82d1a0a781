// Package fileops implements the file manager's operations on top of the
// confined storage root: listing, uploads, archive extraction, downloads,
// folder creation and removal.
//
// Every operation resolves its paths before touching the filesystem, so a
// path outside the root fails with KindPathEscape and no side effect.
package fileops

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"filebay/internal/archive"
	"filebay/internal/catalog"
	"filebay/internal/fsutil"
)

const (
	stagingPattern = ".filebay-staging-*"

	notADirectory       = "Upload destination is not a directory."
	sevenZipUnsupported = "7z archives are not supported on this server. Please use ZIP instead."
)

// Upload is one file received from a client. Name is the client-declared
// name (a relative path for tree uploads).
type Upload struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

type UploadReport struct {
	Uploaded       []string `json:"uploaded_files"`
	Rejected       []string `json:"rejected_files"`
	CreatedFolders []string `json:"created_folders"`
}

func newUploadReport() UploadReport {
	return UploadReport{Uploaded: []string{}, Rejected: []string{}, CreatedFolders: []string{}}
}

type ExtractReport struct {
	Archive string `json:"archive"`
	Files   int    `json:"files"`
}

type Capabilities struct {
	SevenZip          bool     `json:"seven_zip"`
	ArchiveFormats    []string `json:"archive_formats"`
	AllowedExtensions []string `json:"allowed_extensions"`
}

type Options struct {
	Resolver   *fsutil.Resolver
	Codec      *archive.Codec
	Catalog    *catalog.Catalog
	Extensions fsutil.ExtensionSet
	Logger     *zap.Logger
}

type Service struct {
	resolver *fsutil.Resolver
	codec    *archive.Codec
	catalog  *catalog.Catalog
	exts     fsutil.ExtensionSet
	log      *zap.Logger
}

func New(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cat := opts.Catalog
	if cat == nil {
		cat = catalog.New(catalog.DefaultHidden, log)
	}
	codec := opts.Codec
	if codec == nil {
		codec = archive.New(archive.Options{Logger: log})
	}
	return &Service{
		resolver: opts.Resolver,
		codec:    codec,
		catalog:  cat,
		exts:     opts.Extensions,
		log:      log,
	}
}

func (s *Service) Root() string { return s.resolver.Root() }

// Rel is the root-relative form of a path returned by this service.
func (s *Service) Rel(abs string) string { return s.resolver.Rel(abs) }

// List returns the children of rel, creating the directory if it is missing.
func (s *Service) List(_ context.Context, rel string) (catalog.Listing, error) {
	dir, err := s.resolver.Resolve(rel)
	if err != nil {
		return catalog.Listing{}, s.reject("list", rel, err)
	}
	return s.catalog.List(dir), nil
}

// Stat reports on the confined target of rel.
func (s *Service) Stat(_ context.Context, rel string) (fs.FileInfo, error) {
	target, err := s.resolver.Resolve(rel)
	if err != nil {
		return nil, s.reject("stat", rel, err)
	}
	st, err := os.Stat(target)
	if err != nil {
		return nil, classify(err, "Cannot read item.")
	}
	return st, nil
}

// Hidden reports whether listings leave name out.
func (s *Service) Hidden(name string) bool { return s.catalog.Hidden(name) }

// Resolve exposes the confined absolute path of rel.
func (s *Service) Resolve(rel string) (string, error) {
	target, err := s.resolver.Resolve(rel)
	if err != nil {
		return "", s.reject("resolve", rel, err)
	}
	return target, nil
}

// UploadFiles stores flat uploads in the directory rel. Each name is reduced
// to a single safe segment; names that sanitize to nothing or carry a
// disallowed extension are rejected.
func (s *Service) UploadFiles(ctx context.Context, rel string, uploads []Upload) (UploadReport, error) {
	rep := newUploadReport()
	dest, err := s.existingDir(rel)
	if err != nil {
		return rep, err
	}

	for _, u := range uploads {
		if err := ctx.Err(); err != nil {
			return rep, classify(err, "Upload interrupted")
		}
		name := fsutil.SanitizeFilename(u.Name)
		if name == "" || !s.exts.Allowed(name) {
			s.log.Warn("upload rejected", zap.String("name", u.Name))
			rep.Rejected = append(rep.Rejected, u.Name)
			continue
		}
		target, err := fsutil.ResolveWithin(dest, name)
		if err != nil {
			s.log.Warn("upload rejected", zap.String("name", u.Name), zap.Error(err))
			rep.Rejected = append(rep.Rejected, u.Name)
			continue
		}
		if err := s.store(target, u); err != nil {
			return rep, classify(err, "Error uploading files")
		}
		rep.Uploaded = append(rep.Uploaded, name)
	}

	if len(rep.Uploaded) == 0 {
		return rep, validation("No files processed")
	}
	s.log.Info("files uploaded", zap.String("dest", s.Rel(dest)), zap.Int("count", len(rep.Uploaded)))
	return rep, nil
}

type treeEntry struct {
	target string
	upload Upload
}

// UploadTree stores uploads whose names are paths relative to rel, creating
// intermediate directories, plus any explicitly listed empty folders. Every
// entry is resolved before anything is written.
func (s *Service) UploadTree(ctx context.Context, rel string, uploads []Upload, folders []string) (UploadReport, error) {
	rep := newUploadReport()
	dest, err := s.existingDir(rel)
	if err != nil {
		return rep, err
	}

	var entries []treeEntry
	for _, u := range uploads {
		name := strings.TrimSpace(strings.ReplaceAll(u.Name, "\\", "/"))
		if name == "" || !s.exts.Allowed(path.Base(name)) {
			s.log.Warn("upload rejected", zap.String("name", u.Name))
			rep.Rejected = append(rep.Rejected, u.Name)
			continue
		}
		target, err := fsutil.ResolveWithin(dest, name)
		if err != nil {
			return rep, s.reject("upload_folder", u.Name, err)
		}
		if target == dest {
			rep.Rejected = append(rep.Rejected, u.Name)
			continue
		}
		entries = append(entries, treeEntry{target: target, upload: u})
	}

	var dirs []string
	for _, f := range folders {
		if strings.TrimSpace(f) == "" {
			continue
		}
		target, err := fsutil.ResolveWithin(dest, f)
		if err != nil {
			return rep, s.reject("upload_folder", f, err)
		}
		if target != dest {
			dirs = append(dirs, target)
		}
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return rep, classify(err, "Upload interrupted")
		}
		if err := os.MkdirAll(filepath.Dir(e.target), 0o755); err != nil {
			return rep, classify(err, "Error uploading folder")
		}
		if err := s.store(e.target, e.upload); err != nil {
			return rep, classify(err, "Error uploading folder")
		}
		rep.Uploaded = append(rep.Uploaded, relTo(dest, e.target))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return rep, classify(err, "Error uploading folder")
		}
		rep.CreatedFolders = append(rep.CreatedFolders, relTo(dest, d))
	}

	if len(rep.Uploaded) == 0 && len(rep.CreatedFolders) == 0 {
		return rep, validation("No files or folders processed")
	}
	s.log.Info("folder uploaded",
		zap.String("dest", s.Rel(dest)),
		zap.Int("files", len(rep.Uploaded)),
		zap.Int("folders", len(rep.CreatedFolders)),
	)
	return rep, nil
}

// UploadArchive stages the upload in a hidden directory under rel, extracts
// it into rel and removes the staging directory on every path out.
func (s *Service) UploadArchive(ctx context.Context, rel string, u Upload) (ExtractReport, error) {
	var rep ExtractReport
	dest, err := s.existingDir(rel)
	if err != nil {
		return rep, err
	}
	if strings.TrimSpace(u.Name) == "" || u.Open == nil {
		return rep, validation("No selected archive file")
	}
	if archive.FormatFromName(u.Name) == archive.FormatSevenZip && !s.codec.CanSevenZip() {
		return rep, newError(KindCapabilityUnavailable, sevenZipUnsupported, archive.ErrToolUnavailable)
	}

	staging, err := os.MkdirTemp(dest, stagingPattern)
	if err != nil {
		return rep, classify(err, "Cannot stage the archive")
	}
	defer func() {
		if rmErr := os.RemoveAll(staging); rmErr != nil {
			s.log.Warn("staging cleanup failed", zap.String("dir", staging), zap.Error(rmErr))
		}
	}()

	name := fsutil.SanitizeFilename(u.Name)
	if name == "" {
		name = "upload"
	}
	staged := filepath.Join(staging, name)
	if err := s.store(staged, u); err != nil {
		return rep, classify(err, "Error uploading archive")
	}

	n, err := s.codec.Extract(ctx, staged, dest)
	if err != nil {
		s.log.Warn("archive extraction failed", zap.String("archive", u.Name), zap.Error(err))
		return rep, classify(err, "Failed to extract the archive")
	}
	s.log.Info("archive extracted", zap.String("archive", name), zap.String("dest", s.Rel(dest)), zap.Int("files", n))
	return ExtractReport{Archive: name, Files: n}, nil
}

// CreateDirectory makes one new directory named name inside rel. An existing
// directory is not an error.
func (s *Service) CreateDirectory(_ context.Context, rel, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", validation("Folder name cannot be empty")
	}
	clean := fsutil.SanitizeFilename(name)
	if clean == "" {
		return "", validation("Folder name is not valid")
	}
	parent, err := s.resolver.Resolve(rel)
	if err != nil {
		return "", s.reject("create_folder", rel, err)
	}
	target, err := fsutil.ResolveWithin(parent, clean)
	if err != nil {
		return "", s.reject("create_folder", name, err)
	}
	if err := os.Mkdir(target, 0o755); err != nil {
		if st, statErr := os.Stat(target); statErr == nil && st.IsDir() {
			return clean, nil
		}
		return "", classify(err, "Error creating folder")
	}
	s.log.Info("folder created", zap.String("path", s.Rel(target)))
	return clean, nil
}

// Remove deletes a file, symlink or directory tree and returns its name.
// Symlinks are removed themselves, never their targets. The storage root
// cannot be removed.
func (s *Service) Remove(_ context.Context, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", validation("No item specified for removal.")
	}
	target, err := s.resolver.ResolveEntry(rel)
	if err != nil {
		return "", s.reject("remove", rel, err)
	}
	if target == s.resolver.Root() {
		return "", newError(KindPermissionDenied, "The storage root cannot be removed.", nil)
	}

	st, err := os.Lstat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return "", newError(KindNotFound, "Item does not exist.", err)
		}
		return "", classify(err, "Error removing item")
	}
	if st.IsDir() {
		err = os.RemoveAll(target)
	} else {
		err = os.Remove(target)
	}
	if err != nil {
		if os.IsPermission(err) {
			return "", newError(KindPermissionDenied, "Permission denied when trying to remove the item.", err)
		}
		return "", classify(err, "Error removing item")
	}
	s.log.Info("item removed", zap.String("path", s.Rel(target)), zap.Bool("dir", st.IsDir()))
	return filepath.Base(target), nil
}

func (s *Service) Capabilities() Capabilities {
	formats := []string{"zip", "tar", "tar.gz", "tar.zst"}
	if s.codec.CanSevenZip() {
		formats = append(formats, "7z")
	}
	exts := s.exts.List()
	sort.Strings(exts)
	return Capabilities{
		SevenZip:          s.codec.CanSevenZip(),
		ArchiveFormats:    formats,
		AllowedExtensions: exts,
	}
}

// MaskedPath shortens abs for display by replacing the home directory with "~/...".
func MaskedPath(abs string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return abs
	}
	if abs == home {
		return "~/..."
	}
	if fsutil.Within(home, abs) {
		return "~/..." + abs[len(strings.TrimRight(home, string(filepath.Separator))):]
	}
	return abs
}

func (s *Service) existingDir(rel string) (string, error) {
	dest, err := s.resolver.Resolve(rel)
	if err != nil {
		return "", s.reject("resolve", rel, err)
	}
	st, err := os.Stat(dest)
	if err != nil || !st.IsDir() {
		return "", newError(KindValidation, notADirectory, err)
	}
	return dest, nil
}

func (s *Service) store(target string, u Upload) error {
	if u.Open == nil {
		return fmt.Errorf("upload %q has no content", u.Name)
	}
	rc, err := u.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = fsutil.WriteFile(target, rc, 0o644)
	return err
}

// reject logs a refused input at Warn and classifies it.
func (s *Service) reject(op, input string, err error) *Error {
	fe := classify(err, "Invalid request")
	s.log.Warn("request rejected",
		zap.String("op", op),
		zap.String("input", input),
		zap.Stringer("kind", fe.Kind),
		zap.Error(err),
	)
	return fe
}

func relTo(base, target string) string {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return filepath.Base(target)
	}
	return filepath.ToSlash(rel)
}
