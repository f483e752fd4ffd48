package fsutil

import (
	"context"
	"errors"
	"io"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// MaxNameLen matches the common NAME_MAX of local filesystems.
const MaxNameLen = 255

var (
	ErrEmptyName  = errors.New("empty name")
	ErrUnsafeName = errors.New("unsafe name")
	ErrPathEscape = errors.New("path escape")
)

// CleanName validates a flat repository key. It never rewrites the name: a
// name is either usable as-is or rejected, so the key a client sends is the
// key stored on disk.
func CleanName(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrEmptyName
	}
	switch {
	case name == "." || name == "..":
		return "", ErrUnsafeName
	case strings.ContainsAny(name, "/\\\x00"):
		return "", ErrUnsafeName
	case strings.HasPrefix(name, "."):
		// hidden entries are reserved for the state dir
		return "", ErrUnsafeName
	case len(name) > MaxNameLen || !utf8.ValidString(name):
		return "", ErrUnsafeName
	case name != strings.TrimSpace(name):
		return "", ErrUnsafeName
	}
	return name, nil
}

// BaseName reduces a client supplied filename (which some browsers send with
// a directory part, possibly Windows style) to its last element.
func BaseName(filename string) string {
	filename = strings.ReplaceAll(filename, "\\", "/")
	filename = strings.TrimRight(filename, "/")
	if filename == "" {
		return ""
	}
	b := path.Base(filename)
	if b == "." || b == "/" {
		return ""
	}
	return b
}

// Ext returns the lower-cased extension of name without the leading dot.
func Ext(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}

// JoinWithinRoot returns an absolute filesystem path under root for a flat
// name. It rejects anything that would not land directly inside root.
func JoinWithinRoot(rootAbs string, name string) (string, error) {
	name, err := CleanName(name)
	if err != nil {
		return "", err
	}
	abs := filepath.Clean(filepath.Join(rootAbs, name))
	rootClean := filepath.Clean(rootAbs)
	if filepath.Dir(abs) != rootClean || !strings.HasPrefix(abs, rootClean+string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return abs, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ContextReader wraps r so that a copy loop stops at the next Read once ctx
// is done.
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}
