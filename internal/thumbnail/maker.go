package thumbnail

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Maker produces thumbnails of files under Root into Dir, reusing a
// thumbnail until its source changes.
type Maker struct {
	Root    string
	Dir     string
	Quality int

	mu sync.Mutex
}

// NewMaker creates a maker reading from root and writing under dir.
func NewMaker(root, dir string, quality int) *Maker {
	return &Maker{Root: root, Dir: dir, Quality: quality}
}

// resolve joins name onto base. Names with a ".." segment or naming base
// itself are rejected with ErrBadName.
func (m *Maker) resolve(base, name string) (string, error) {
	for _, seg := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrBadName, name)
		}
	}
	clean := filepath.Clean("/" + filepath.FromSlash(name))
	if clean == string(filepath.Separator) {
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return filepath.Join(base, clean), nil
}

// Thumb returns the path of a w x h thumbnail of name, generating it when it
// is missing or older than the source.
func (m *Maker) Thumb(name string, w, h int, mode Mode) (string, error) {
	src, err := m.resolve(m.Root, name)
	if err != nil {
		return "", err
	}
	tag := "fit"
	if mode == Crop {
		tag = "crop"
	}
	dst, err := m.resolve(filepath.Join(m.Dir, fmt.Sprintf("%dx%d-%s", w, h, tag)), name)
	if err != nil {
		return "", err
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if dstInfo, err := os.Stat(dst); err == nil && !dstInfo.ModTime().Before(srcInfo.ModTime()) {
		return dst, nil
	}
	if err := Make(src, dst, Options{Width: w, Height: h, Mode: mode, Quality: m.Quality}); err != nil {
		return "", err
	}
	return dst, nil
}
