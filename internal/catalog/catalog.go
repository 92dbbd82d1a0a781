// Package catalog lists the immediate children of a directory, split into
// folders and files.
package catalog

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// DefaultHidden hides the staging directories and partial files the server
// creates while writing.
var DefaultHidden = []string{".filebay-*"}

type Listing struct {
	Folders []string `json:"folders"`
	Files   []string `json:"files"`
}

func emptyListing() Listing {
	return Listing{Folders: []string{}, Files: []string{}}
}

type Catalog struct {
	hidden []string
	log    *zap.Logger
}

// New builds a Catalog. Invalid glob patterns are dropped with a warning.
func New(hidden []string, log *zap.Logger) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Catalog{log: log}
	for _, p := range hidden {
		if !doublestar.ValidatePattern(p) {
			log.Warn("ignoring invalid hidden pattern", zap.String("pattern", p))
			continue
		}
		c.hidden = append(c.hidden, p)
	}
	return c
}

func (c *Catalog) Hidden(name string) bool {
	for _, p := range c.hidden {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// List creates dir if needed and returns its children, sorted by name.
// Symlinks are classified by their target; a dangling link counts as a file.
// Enumeration failures are logged and yield an empty listing.
func (c *Catalog) List(dir string) Listing {
	out := emptyListing()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.log.Warn("cannot create directory for listing", zap.String("dir", dir), zap.Error(err))
		return out
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		c.log.Warn("cannot read directory", zap.String("dir", dir), zap.Error(err))
		return out
	}

	for _, e := range entries {
		name := e.Name()
		if c.Hidden(name) {
			continue
		}
		isDir := e.IsDir()
		if e.Type()&os.ModeSymlink != 0 {
			if st, err := os.Stat(filepath.Join(dir, name)); err == nil {
				isDir = st.IsDir()
			}
		}
		if isDir {
			out.Folders = append(out.Folders, name)
		} else {
			out.Files = append(out.Files, name)
		}
	}
	sort.Strings(out.Folders)
	sort.Strings(out.Files)
	return out
}
