package httpserver

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"strconv"

	// decoders
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"

	"mediashare/internal/repository"
)

const thumbQuality = 82

// errNoThumb means the file cannot have a thumbnail; the handler answers 404.
var errNoThumb = errors.New("no thumbnail for this file")

// thumbFormats maps stored extensions to the decoder name image.Decode
// reports for them. Video gets no thumbnail.
var thumbFormats = map[string]string{
	"png":  "png",
	"gif":  "gif",
	"jpg":  "jpeg",
	"jpeg": "jpeg",
}

// renderThumb decodes the content of rec and scales it so its longest edge
// is at most edge pixels, re-encoded as JPEG. Content whose format does not
// match the extension is refused.
func renderThumb(rec repository.FileRecord, src io.Reader, edge int) ([]byte, error) {
	want, ok := thumbFormats[rec.Extension]
	if !ok {
		return nil, errNoThumb
	}
	img, format, err := image.Decode(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoThumb, err)
	}
	if format != want {
		return nil, fmt.Errorf("%w: %s content in .%s file", errNoThumb, format, rec.Extension)
	}

	b := img.Bounds()
	nw, nh := fitWithin(b.Dx(), b.Dy(), edge)
	if nw == 0 {
		return nil, fmt.Errorf("%w: empty image", errNoThumb)
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: thumbQuality}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// fitWithin keeps the aspect ratio and never upscales. A zero width means
// the source has no pixels.
func fitWithin(w, h, edge int) (int, int) {
	if w <= 0 || h <= 0 {
		return 0, 0
	}
	if edge <= 0 {
		edge = 256
	}
	switch {
	case w >= h && w > edge:
		return edge, max(h*edge/w, 1)
	case h > w && h > edge:
		return max(w*edge/h, 1), edge
	default:
		return w, h
	}
}

// thumbCache keeps rendered thumbnails on disk. Entries are keyed by name and
// mtime, so a replaced file never hits a stale entry. A zero dir disables it.
type thumbCache struct {
	dir string
}

func (c thumbCache) key(rec repository.FileRecord) string {
	return rec.Name + "-" + strconv.FormatInt(rec.CreatedAt.UnixNano(), 36) + ".jpg"
}

func (c thumbCache) get(key string) ([]byte, bool) {
	if c.dir == "" {
		return nil, false
	}
	b, err := os.ReadFile(filepath.Join(c.dir, key))
	if err != nil || len(b) == 0 {
		return nil, false
	}
	return b, true
}

// put publishes b with a rename so readers never see a partial JPEG.
func (c thumbCache) put(key string, b []byte) error {
	if c.dir == "" {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, ".thumb-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(c.dir, key)); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
