package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
)

var (
	// ErrPathEscape means a resolved path is not the base or one of its descendants.
	ErrPathEscape = errors.New("path escapes root")
	// ErrInvalidPath means the input can never name a file (e.g. it contains NUL).
	ErrInvalidPath = errors.New("invalid path")
)

// DisplayPath renders a root-relative path in its canonical slash form: no
// leading or trailing slash, no empty or "." segments, ".." folded lexically
// and never above the root. It only shapes what clients see; Resolver still
// decides what a path may touch.
func DisplayPath(rel string) string {
	rel = strings.ReplaceAll(strings.TrimSpace(rel), "\\", "/")
	if rel = path.Clean("/" + rel); rel == "/" {
		return ""
	}
	return rel[1:]
}

// Within reports whether target is base or lies below it. Both paths must
// already be canonical. The comparison works on path segments, so "/srv/root-evil"
// is not within "/srv/root".
func Within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

// ResolveWithin joins rel onto base and returns the canonical absolute result,
// or ErrPathEscape if that result is outside base. Symlinks are resolved for
// the longest existing prefix; the missing tail is only cleaned lexically.
func ResolveWithin(base, rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", ErrInvalidPath
	}
	canonBase, err := canonicalize(base)
	if err != nil {
		return "", err
	}
	joined := filepath.Join(canonBase, filepath.FromSlash(normalizeRel(rel)))
	resolved, err := canonicalize(joined)
	if err != nil {
		return "", err
	}
	if !Within(canonBase, resolved) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return resolved, nil
}

func normalizeRel(rel string) string {
	rel = strings.TrimSpace(rel)
	rel = strings.ReplaceAll(rel, "\\", "/")
	return strings.TrimLeft(rel, "/")
}

// canonicalize evaluates symlinks in the longest existing prefix of p and
// re-appends the part that does not exist yet.
func canonicalize(p string) (string, error) {
	existing := filepath.Clean(p)
	var tail []string
	for {
		_, err := os.Lstat(existing)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		tail = append(tail, filepath.Base(existing))
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// dangling link: where it points cannot be checked
			return "", fmt.Errorf("%w: unresolvable link %q", ErrPathEscape, existing)
		}
		return "", err
	}
	for i := len(tail) - 1; i >= 0; i-- {
		resolved = filepath.Join(resolved, tail[i])
	}
	return resolved, nil
}

// Resolver confines caller paths to a storage root fixed at construction.
type Resolver struct {
	root string
}

// NewResolver creates root if needed and pins its canonical form.
func NewResolver(root string) (*Resolver, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	st, err := os.Stat(canon)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("storage root %s is not a directory", canon)
	}
	return &Resolver{root: canon}, nil
}

func (r *Resolver) Root() string {
	return r.root
}

// Resolve returns the confined absolute path for rel. "", "." and "/" name the root.
func (r *Resolver) Resolve(rel string) (string, error) {
	return ResolveWithin(r.root, rel)
}

// ResolveEntry is like Resolve but leaves the final segment unevaluated, so a
// symlink is returned as itself rather than as its target.
func (r *Resolver) ResolveEntry(rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", ErrInvalidPath
	}
	joined := filepath.Join(r.root, filepath.FromSlash(normalizeRel(rel)))
	if !Within(r.root, joined) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	if joined == r.root {
		return r.root, nil
	}
	parent, err := canonicalize(filepath.Dir(joined))
	if err != nil {
		return "", err
	}
	if !Within(r.root, parent) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return filepath.Join(parent, filepath.Base(joined)), nil
}

// Rel converts a confined absolute path back to its slash-separated,
// root-relative form ("" for the root itself).
func (r *Resolver) Rel(abs string) string {
	rel, err := filepath.Rel(r.root, abs)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}
