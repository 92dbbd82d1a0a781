package fsutil

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SanitizeFilename reduces a client-declared file name to a single safe path
// segment. It may return "" when nothing usable is left.
//
//	"../../etc/passwd"  -> "etc_passwd"
//	"My cool movie.mov" -> "My_cool_movie.mov"
func SanitizeFilename(name string) string {
	name = norm.NFKD.String(name)
	var b strings.Builder
	for _, r := range name {
		if r < utf8.RuneSelf {
			b.WriteRune(r)
		}
	}
	name = strings.NewReplacer("/", " ", "\\", " ").Replace(b.String())
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeNameChars.ReplaceAllString(name, "")
	return strings.Trim(name, "._")
}

// ExtensionSet is the upload allow-list, keyed by lower-case extension without the dot.
type ExtensionSet map[string]struct{}

func NewExtensionSet(exts []string) ExtensionSet {
	s := make(ExtensionSet, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			s[e] = struct{}{}
		}
	}
	return s
}

// Allowed checks the text after the last '.', case-insensitively.
// Names without a '.' are never allowed.
func (s ExtensionSet) Allowed(name string) bool {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return false
	}
	_, ok := s[strings.ToLower(name[i+1:])]
	return ok
}

// List returns the extensions in no particular order.
func (s ExtensionSet) List() []string {
	out := make([]string, 0, len(s))
	for e := range s {
		out = append(out, e)
	}
	return out
}
