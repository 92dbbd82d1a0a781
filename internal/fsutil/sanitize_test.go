package fsutil

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "etc_passwd"},
		{`..\..\windows\system32.dll`, "windows_system32.dll"},
		{"My cool movie.mov", "My_cool_movie.mov"},
		{"  spaced   out .txt ", "spaced_out_.txt"},
		{"café.txt", "cafe.txt"},
		{"résumé final.docx", "resume_final.docx"},
		{"a\x00b\tc.txt", "ab_c.txt"},
		{"...", ""},
		{"", ""},
		{"日本語", ""},
		{".hidden", "hidden"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
}

func TestExtensionSet(t *testing.T) {
	s := NewExtensionSet([]string{"pdf", ".JPG", " txt ", ""})

	assert.True(t, s.Allowed("test.pdf"))
	assert.True(t, s.Allowed("image.JPG"))
	assert.True(t, s.Allowed("image.jpg"))
	assert.True(t, s.Allowed("archive.tar.txt"))
	assert.False(t, s.Allowed("script.exe"))
	assert.False(t, s.Allowed("noextension"))
	assert.False(t, s.Allowed("trailingdot."))
	assert.ElementsMatch(t, []string{"pdf", "jpg", "txt"}, s.List())
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "out.bin")

	n, err := WriteFile(dst, bytes.NewReader([]byte("hello")), 0o644)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	_, err = WriteFile(dst, failingReader{}, 0o644)
	require.Error(t, err)
	b, err = os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b), "failed write must not clobber the existing file")

	matches, err := filepath.Glob(filepath.Join(dir, PartialPattern))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
