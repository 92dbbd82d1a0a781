package archive

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// SevenZipDisabled turns off the 7-Zip probe when passed to LookupSevenZip.
const SevenZipDisabled = "off"

var sevenZipNames = []string{"7z", "7zz", "7za"}

// SevenZip drives an external 7-Zip binary. A nil *SevenZip means 7z is
// unavailable; Available is safe to call on nil.
type SevenZip struct {
	bin string
}

// LookupSevenZip finds a 7-Zip binary. override may name a binary or path to
// use instead of the usual candidates, or SevenZipDisabled.
func LookupSevenZip(override string) *SevenZip {
	override = strings.TrimSpace(override)
	if override == SevenZipDisabled {
		return nil
	}
	candidates := sevenZipNames
	if override != "" {
		candidates = []string{override}
	}
	for _, name := range candidates {
		if p, err := exec.LookPath(name); err == nil {
			return &SevenZip{bin: p}
		}
	}
	return nil
}

func (s *SevenZip) Available() bool { return s != nil }

func (s *SevenZip) Path() string {
	if s == nil {
		return ""
	}
	return s.bin
}

// Archive writes files (slash paths relative to dir) into a new 7z archive.
// Names go through a UTF-8 list file and -spd turns off 7-Zip's own wildcard
// matching, so a name like "x*.txt" only ever means that one file.
func (s *SevenZip) Archive(ctx context.Context, dir string, files []string, out string) error {
	list, err := os.CreateTemp("", "filebay-7z-*.lst")
	if err != nil {
		return err
	}
	defer os.Remove(list.Name())
	if _, err := list.WriteString(strings.Join(files, "\n")); err != nil {
		_ = list.Close()
		return err
	}
	if err := list.Close(); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, s.bin, "a", "-t7z", "-y", "-bd", "-spd", "-scsUTF-8", out, "@"+list.Name())
	cmd.Dir = dir
	_, err = s.run(cmd)
	return err
}

type sevenZipMember struct {
	Path    string
	Dir     bool
	Symlink bool
	Size    int64
}

func (s *SevenZip) List(ctx context.Context, archivePath string) ([]sevenZipMember, error) {
	out, err := s.run(exec.CommandContext(ctx, s.bin, "l", "-slt", "-bd", archivePath))
	if err != nil {
		return nil, err
	}
	return parseSevenZipListing(out), nil
}

func (s *SevenZip) Extract(ctx context.Context, archivePath, dest string) error {
	_, err := s.run(exec.CommandContext(ctx, s.bin, "x", archivePath, "-o"+dest, "-y", "-bd"))
	return err
}

func (s *SevenZip) run(cmd *exec.Cmd) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("7z %s: %w: %s", cmd.Args[1], err, msg)
	}
	return stdout.String(), nil
}

// parseSevenZipListing reads `7z l -slt` output. Member blocks follow the
// "----------" separator, one "Key = Value" per line, blank-line separated.
func parseSevenZipListing(out string) []sevenZipMember {
	var (
		members []sevenZipMember
		cur     *sevenZipMember
		started bool
	)
	flush := func() {
		if cur != nil && cur.Path != "" {
			members = append(members, *cur)
		}
		cur = nil
	}

	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if !started {
			started = strings.HasPrefix(line, "----------")
			continue
		}
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		key, val, ok := strings.Cut(line, " = ")
		if !ok {
			continue
		}
		if key == "Path" {
			flush()
			cur = &sevenZipMember{Path: val}
			continue
		}
		if cur == nil {
			continue
		}
		switch key {
		case "Folder":
			cur.Dir = val == "+"
		case "Size":
			cur.Size, _ = strconv.ParseInt(val, 10, 64)
		case "Attributes":
			// e.g. "D drwxr-xr-x" or "A -rw-r--r--"; the unix mode, when present, is last.
			fields := strings.Fields(val)
			if len(fields) > 0 {
				if mode := fields[len(fields)-1]; len(mode) == 10 {
					switch mode[0] {
					case 'l':
						cur.Symlink = true
					case 'd':
						cur.Dir = true
					}
				}
				if strings.HasPrefix(fields[0], "D") {
					cur.Dir = true
				}
			}
		}
	}
	flush()
	return members
}

// extractSevenZip validates the listing before handing the archive to 7z.
// Symlink members are refused outright since their targets are not listed.
func (c *Codec) extractSevenZip(ctx context.Context, archivePath, dest string) (int, error) {
	if !c.CanSevenZip() {
		return 0, fmt.Errorf("%w: 7z", ErrToolUnavailable)
	}
	members, err := c.sevenZip.List(ctx, archivePath)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	var (
		files int
		total int64
	)
	for _, m := range members {
		if m.Symlink {
			return 0, fmt.Errorf("%w: symlink member %q", ErrArchiveEscape, m.Path)
		}
		if _, err := memberTarget(dest, m.Path); err != nil {
			return 0, err
		}
		if !m.Dir {
			files++
			total += m.Size
		}
	}
	if err := c.checkBudget(total); err != nil {
		return 0, err
	}

	if err := c.sevenZip.Extract(ctx, archivePath, dest); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	c.log.Debug("7z extracted", zap.Int("files", files))
	return files, nil
}
