// Package archive packs directories into downloadable archives and unpacks
// uploaded archives into a destination directory.
//
// Extraction always runs in two passes. The first pass reads every member
// header and checks that its destination stays inside the target directory;
// only when every member passes does the second pass write anything. A
// hostile archive therefore fails with ErrArchiveEscape and leaves the target
// untouched.
//
// Zip is handled natively. 7z needs an external 7-Zip binary, probed once at
// startup; when it is missing, compression silently produces zip instead and
// 7z extraction reports ErrToolUnavailable. tar, tar.gz and tar.zst are read
// natively.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"filebay/internal/fsutil"
)

var (
	ErrArchiveEscape   = errors.New("archive member escapes destination")
	ErrInvalidArchive  = errors.New("invalid archive")
	ErrToolUnavailable = errors.New("archive tool unavailable")
	ErrTooLarge        = errors.New("archive exceeds extraction limit")
)

const (
	MimeZip      = "application/zip"
	MimeSevenZip = "application/x-7z-compressed"
)

type Format int

const (
	FormatUnknown Format = iota
	FormatZip
	FormatSevenZip
	FormatTar
	FormatTarGz
	FormatTarZst
)

func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatSevenZip:
		return "7z"
	case FormatTar:
		return "tar"
	case FormatTarGz:
		return "tar.gz"
	case FormatTarZst:
		return "tar.zst"
	default:
		return "unknown"
	}
}

// FormatFromName picks a format from a file name's extension.
func FormatFromName(name string) Format {
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case strings.HasSuffix(n, ".zip"):
		return FormatZip
	case strings.HasSuffix(n, ".7z"):
		return FormatSevenZip
	case strings.HasSuffix(n, ".tar.gz"), strings.HasSuffix(n, ".tgz"):
		return FormatTarGz
	case strings.HasSuffix(n, ".tar.zst"), strings.HasSuffix(n, ".tzst"):
		return FormatTarZst
	case strings.HasSuffix(n, ".tar"):
		return FormatTar
	default:
		return FormatUnknown
	}
}

// sniff inspects the file header. Zip-based containers (docx, jar, ...)
// count as zip through their parent type.
func sniff(path string) Format {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return FormatUnknown
	}
	for ; m != nil; m = m.Parent() {
		switch {
		case m.Is(MimeZip):
			return FormatZip
		case m.Is(MimeSevenZip):
			return FormatSevenZip
		case m.Is("application/gzip"):
			return FormatTarGz
		case m.Is("application/zstd"):
			return FormatTarZst
		case m.Is("application/x-tar"):
			return FormatTar
		}
	}
	return FormatUnknown
}

type Options struct {
	// SevenZip is nil when no 7-Zip binary is available.
	SevenZip *SevenZip
	// MaxExtractBytes caps the total uncompressed size of one extraction. 0 = no cap.
	MaxExtractBytes int64
	Logger          *zap.Logger
}

type Codec struct {
	sevenZip   *SevenZip
	maxExtract int64
	log        *zap.Logger
}

func New(opts Options) *Codec {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Codec{
		sevenZip:   opts.SevenZip,
		maxExtract: opts.MaxExtractBytes,
		log:        log,
	}
}

// CanSevenZip reports whether 7z archives can be produced and extracted.
func (c *Codec) CanSevenZip() bool {
	return c.sevenZip.Available()
}

// Artifact is a finished archive on disk.
type Artifact struct {
	Path     string
	MimeType string
	Ext      string
	Format   Format
	Files    int
}

// Compress archives every regular file below dir into a new file inside
// workDir. 7z is preferred; any 7z failure falls back to zip.
func (c *Codec) Compress(ctx context.Context, dir, workDir string) (Artifact, error) {
	files, err := collectFiles(dir)
	if err != nil {
		return Artifact{}, fmt.Errorf("walk %s: %w", dir, err)
	}

	if c.CanSevenZip() {
		out := filepath.Join(workDir, "archive.7z")
		err := c.sevenZip.Archive(ctx, dir, files, out)
		if err == nil {
			c.log.Debug("compressed with 7z", zap.String("dir", dir), zap.Int("files", len(files)))
			return Artifact{Path: out, MimeType: MimeSevenZip, Ext: ".7z", Format: FormatSevenZip, Files: len(files)}, nil
		}
		c.log.Warn("7z compression failed, falling back to zip", zap.String("dir", dir), zap.Error(err))
		_ = os.Remove(out)
	}

	out := filepath.Join(workDir, "archive.zip")
	if err := writeZip(ctx, dir, files, out); err != nil {
		_ = os.Remove(out)
		return Artifact{}, err
	}
	c.log.Debug("compressed with zip", zap.String("dir", dir), zap.Int("files", len(files)))
	return Artifact{Path: out, MimeType: MimeZip, Ext: ".zip", Format: FormatZip, Files: len(files)}, nil
}

// Extract unpacks archivePath into dest and returns how many files it wrote.
func (c *Codec) Extract(ctx context.Context, archivePath, dest string) (int, error) {
	st, err := os.Stat(dest)
	if err != nil {
		return 0, err
	}
	if !st.IsDir() {
		return 0, fmt.Errorf("extract destination %s is not a directory", dest)
	}
	dest, err = fsutil.ResolveWithin(dest, "")
	if err != nil {
		return 0, err
	}

	format := FormatFromName(archivePath)
	if format == FormatUnknown {
		format = sniff(archivePath)
	}
	if format == FormatUnknown {
		format = FormatZip
	}
	c.log.Debug("extracting archive",
		zap.String("archive", filepath.Base(archivePath)),
		zap.Stringer("format", format),
		zap.String("dest", dest),
	)

	switch format {
	case FormatSevenZip:
		return c.extractSevenZip(ctx, archivePath, dest)
	case FormatTar, FormatTarGz, FormatTarZst:
		return c.extractTar(ctx, archivePath, format, dest)
	default:
		return c.extractZip(ctx, archivePath, dest)
	}
}

func (c *Codec) checkBudget(total int64) error {
	if c.maxExtract > 0 && total > c.maxExtract {
		return fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, total, c.maxExtract)
	}
	return nil
}

// collectFiles lists regular files under dir as sorted slash paths relative to
// dir. Symlinks are neither followed nor listed.
func collectFiles(dir string) ([]string, error) {
	var (
		mu    sync.Mutex
		files []string
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		mu.Lock()
		files = append(files, filepath.ToSlash(rel))
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

type entryKind int

const (
	entryDir entryKind = iota
	entryFile
	entrySymlink
)

// plannedEntry is a member that passed validation, with its final location.
type plannedEntry struct {
	kind     entryKind
	target   string
	linkname string
	mode     fs.FileMode
	index    int
}

type extractPlan struct {
	dirs     []plannedEntry
	files    []plannedEntry
	symlinks []plannedEntry
	total    int64
}

func (p *extractPlan) add(e plannedEntry) {
	switch e.kind {
	case entryDir:
		p.dirs = append(p.dirs, e)
	case entryFile:
		p.files = append(p.files, e)
	case entrySymlink:
		p.symlinks = append(p.symlinks, e)
	}
}

// check runs the checks that need every member planned.
func (p *extractPlan) check(dest string) error {
	if err := p.checkConflicts(dest); err != nil {
		return err
	}
	return p.checkLinks(dest)
}

// checkConflicts rejects a path that would be both a file and a directory,
// either between two members or against what is already on disk.
func (p *extractPlan) checkConflicts(dest string) error {
	files := make(map[string]bool, len(p.files))
	for _, f := range p.files {
		files[f.target] = true
	}
	dirs := make(map[string]bool)
	for _, d := range p.dirs {
		if files[d.target] {
			return fmt.Errorf("%w: %q is both a file and a directory", ErrInvalidArchive, d.target)
		}
	}
	for _, f := range p.files {
		if fi, err := os.Lstat(f.target); err == nil && fi.IsDir() {
			return fmt.Errorf("%w: %q already exists as a directory", ErrInvalidArchive, f.target)
		}
	}
	for _, group := range [][]plannedEntry{p.dirs, p.files, p.symlinks} {
		for _, e := range group {
			start := filepath.Dir(e.target)
			if e.kind == entryDir {
				start = e.target
			}
			for d := start; d != dest && fsutil.Within(dest, d) && !dirs[d]; d = filepath.Dir(d) {
				if d != e.target && files[d] {
					return fmt.Errorf("%w: %q is both a file and a directory", ErrInvalidArchive, d)
				}
				if fi, err := os.Stat(d); err == nil && !fi.IsDir() {
					return fmt.Errorf("%w: %q already exists as a file", ErrInvalidArchive, d)
				}
				dirs[d] = true
			}
		}
	}
	return nil
}

// checkLinks rejects links that other members would be written through, and
// links that leave dest once every link in the archive exists.
func (p *extractPlan) checkLinks(dest string) error {
	planned := make(map[string]string, len(p.symlinks))
	for _, l := range p.symlinks {
		planned[l.target] = l.linkname
	}
	for _, l := range p.symlinks {
		prefix := l.target + string(filepath.Separator)
		for _, group := range [][]plannedEntry{p.dirs, p.files, p.symlinks} {
			for _, e := range group {
				if strings.HasPrefix(e.target, prefix) {
					return fmt.Errorf("%w: member written through link %q", ErrArchiveEscape, l.target)
				}
			}
		}
		if _, err := walkLink(dest, planned, filepath.Dir(l.target), l.linkname, 0); err != nil {
			return err
		}
	}
	return nil
}

const maxLinkHops = 40

// walkLink follows linkname from dir one segment at a time, through the
// links this archive will create and the links already on disk. Every step
// has to stay inside dest.
func walkLink(dest string, planned map[string]string, dir, linkname string, hops int) (string, error) {
	if hops > maxLinkHops {
		return "", fmt.Errorf("%w: too many levels of links at %q", ErrInvalidArchive, linkname)
	}
	cur := dir
	for _, seg := range strings.Split(strings.ReplaceAll(linkname, "\\", "/"), "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
		default:
			next := filepath.Join(cur, seg)
			if ln, ok := planned[next]; ok {
				r, err := walkLink(dest, planned, cur, ln, hops+1)
				if err != nil {
					return "", err
				}
				next = r
			} else if fi, err := os.Lstat(next); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
				r, err := filepath.EvalSymlinks(next)
				if err != nil {
					return "", fmt.Errorf("%w: link target %q", ErrArchiveEscape, linkname)
				}
				next = r
			}
			cur = next
		}
		if !fsutil.Within(dest, cur) {
			return "", fmt.Errorf("%w: link target %q", ErrArchiveEscape, linkname)
		}
	}
	return cur, nil
}

var drivePrefix = regexp.MustCompile(`^[A-Za-z]:`)

// memberTarget validates one member name against dest (already canonical)
// and returns where it would be written.
func memberTarget(dest, name string) (string, error) {
	clean := strings.ReplaceAll(name, "\\", "/")
	if strings.TrimSpace(clean) == "" {
		return "", fmt.Errorf("%w: empty member name", ErrInvalidArchive)
	}
	if strings.HasPrefix(clean, "/") || drivePrefix.MatchString(clean) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: absolute member %q", ErrArchiveEscape, name)
	}
	target, err := fsutil.ResolveWithin(dest, clean)
	if err != nil {
		if errors.Is(err, fsutil.ErrPathEscape) || errors.Is(err, fsutil.ErrInvalidPath) {
			return "", fmt.Errorf("%w: %q", ErrArchiveEscape, name)
		}
		return "", err
	}
	return target, nil
}

// linkTarget validates a symlink member: relative targets only, and they must
// land inside dest once joined to the link's directory.
func linkTarget(dest, target, linkname string) error {
	if linkname == "" {
		return fmt.Errorf("%w: empty link target", ErrInvalidArchive)
	}
	ln := strings.ReplaceAll(linkname, "\\", "/")
	if strings.HasPrefix(ln, "/") || drivePrefix.MatchString(ln) || filepath.IsAbs(ln) {
		return fmt.Errorf("%w: absolute link target %q", ErrArchiveEscape, linkname)
	}
	abs := filepath.Join(filepath.Dir(target), filepath.FromSlash(ln))
	rel, err := filepath.Rel(dest, abs)
	if err != nil {
		return fmt.Errorf("%w: link target %q", ErrArchiveEscape, linkname)
	}
	if _, err := fsutil.ResolveWithin(dest, filepath.ToSlash(rel)); err != nil {
		return fmt.Errorf("%w: link target %q", ErrArchiveEscape, linkname)
	}
	return nil
}

func filePerm(m fs.FileMode) fs.FileMode {
	p := m.Perm()
	if p == 0 {
		return 0o644
	}
	return p | 0o600
}

func writeDirs(plan *extractPlan) error {
	for _, d := range plan.dirs {
		if err := os.MkdirAll(d.target, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func writeMember(e plannedEntry, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(e.target), 0o755); err != nil {
		return err
	}
	_, err := fsutil.WriteFile(e.target, archiveReader{r}, filePerm(e.mode))
	return err
}

func writeSymlinks(plan *extractPlan) error {
	for _, l := range plan.symlinks {
		if err := os.MkdirAll(filepath.Dir(l.target), 0o755); err != nil {
			return err
		}
		if err := os.Remove(l.target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := os.Symlink(filepath.FromSlash(strings.ReplaceAll(l.linkname, "\\", "/")), l.target); err != nil {
			return err
		}
	}
	return nil
}

// archiveReader marks read failures as archive corruption so they can be
// told apart from write failures on the destination.
type archiveReader struct {
	r io.Reader
}

func (a archiveReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	return n, err
}
