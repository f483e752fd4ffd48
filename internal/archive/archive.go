package archive

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/klauspost/compress/flate"

	"mediashare/internal/fsutil"
	"mediashare/internal/repository"
)

// Filename is the attachment name offered to clients.
const Filename = "files.zip"

// Source is the read side of the repository the streamer needs.
type Source interface {
	List(ctx context.Context) ([]string, error)
	Open(name string) (*os.File, repository.FileRecord, error)
}

type Streamer struct {
	src Source
	log *slog.Logger
}

func New(src Source, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{src: src, log: logger}
}

// Plan is a selection resolved against one repository snapshot. Nothing has
// been written when a Plan exists, so callers can still pick a status code.
type Plan struct {
	names []string
	src   Source
	log   *slog.Logger
}

func (p *Plan) Names() []string { return append([]string(nil), p.names...) }

// Resolve takes a snapshot and checks the selection against it. Any named
// file absent from the snapshot fails the whole request.
func (s *Streamer) Resolve(ctx context.Context, sel Selection) (*Plan, error) {
	if sel.IsEmpty() {
		return nil, ErrEmptySelection
	}
	snapshot, err := s.src.List(ctx)
	if err != nil {
		return nil, err
	}

	names := snapshot
	if !sel.IsAll() {
		present := make(map[string]bool, len(snapshot))
		for _, n := range snapshot {
			present[n] = true
		}
		names = sel.Names()
		var missing []string
		for _, n := range names {
			if !present[n] {
				missing = append(missing, n)
			}
		}
		if len(missing) > 0 {
			return nil, &repository.NotFoundError{Names: missing}
		}
	}
	if len(names) == 0 {
		return nil, ErrEmptySelection
	}
	return &Plan{names: names, src: s.src, log: s.log}, nil
}

// Stream resolves sel and writes the archive to w.
func (s *Streamer) Stream(ctx context.Context, w io.Writer, sel Selection) (int64, error) {
	p, err := s.Resolve(ctx, sel)
	if err != nil {
		return 0, err
	}
	return p.WriteTo(ctx, w)
}

var copyBufs = sync.Pool{New: func() any {
	b := make([]byte, 256<<10)
	return &b
}}

// WriteTo streams the archive entry by entry. Only one file is open at a
// time. On cancellation it returns ctx.Err() and leaves w truncated.
func (p *Plan) WriteTo(ctx context.Context, w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	for _, name := range p.names {
		if err := ctx.Err(); err != nil {
			return cw.n, err
		}
		err := p.addEntry(ctx, zw, name)
		if err == nil {
			continue
		}
		var nf *repository.NotFoundError
		if errors.As(err, &nf) {
			// deleted after the snapshot was taken
			p.log.Warn("archive entry vanished", "name", name)
			continue
		}
		return cw.n, err
	}
	if err := zw.Close(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

func (p *Plan) addEntry(ctx context.Context, zw *zip.Writer, name string) error {
	f, rec, err := p.src.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: rec.CreatedAt,
	}
	hdr.SetMode(0o644)
	wr, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	bp := copyBufs.Get().(*[]byte)
	defer copyBufs.Put(bp)
	_, err = io.CopyBuffer(wr, fsutil.ContextReader(ctx, f), *bp)
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}
