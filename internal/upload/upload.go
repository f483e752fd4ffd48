package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"strconv"

	"mediashare/internal/fsutil"
	"mediashare/internal/metrics"
	"mediashare/internal/repository"
)

// State of one uploaded part:
//
//	Receiving -> Validating -> Stored | Rejected | Failed
type State int

const (
	Receiving State = iota
	Validating
	Stored
	Rejected
	Failed
)

func (s State) String() string {
	switch s {
	case Receiving:
		return "receiving"
	case Validating:
		return "validating"
	case Stored:
		return "stored"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == Stored || s == Rejected || s == Failed
}

// PartOutcome is the terminal result for one file part.
type PartOutcome struct {
	Field    string
	Filename string // as sent by the client
	Name     string // repository key
	State    State
	Record   repository.FileRecord
	Err      error
}

type Result struct {
	Parts []PartOutcome
}

func (r Result) Count(s State) int {
	n := 0
	for _, p := range r.Parts {
		if p.State == s {
			n++
		}
	}
	return n
}

// Store is the write side of the repository.
type Store interface {
	Put(ctx context.Context, name string, r io.Reader, declaredSize int64) (repository.FileRecord, error)
}

// NameFunc derives the repository key from the client filename.
type NameFunc func(filename string) string

type Options struct {
	// Naming defaults to the base of the client filename.
	Naming  NameFunc
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Gate streams every file part of a multipart request into the store. Parts
// are independent: a rejected or failed part never undoes an earlier one.
type Gate struct {
	store   Store
	naming  NameFunc
	log     *slog.Logger
	metrics *metrics.Metrics
}

func New(store Store, opts Options) *Gate {
	g := &Gate{
		store:   store,
		naming:  opts.Naming,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
	if g.naming == nil {
		g.naming = fsutil.BaseName
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	return g
}

// Accept consumes mr until EOF. The error is non-nil only when the multipart
// stream itself is malformed; parts handled before that keep their outcome.
func (g *Gate) Accept(ctx context.Context, mr *multipart.Reader) (Result, error) {
	var res Result
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("read multipart: %w", err)
		}
		if part.FileName() == "" {
			// plain form field
			_ = part.Close()
			continue
		}
		out := g.acceptPart(ctx, part)
		_ = part.Close()
		res.Parts = append(res.Parts, out)
	}
}

func (g *Gate) acceptPart(ctx context.Context, part *multipart.Part) PartOutcome {
	out := PartOutcome{
		Field:    part.FormName(),
		Filename: part.FileName(),
		State:    Receiving,
	}
	out.Name = g.naming(out.Filename)

	declared := int64(-1)
	if v := part.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			declared = n
		}
	}

	out.State = Validating
	rec, err := g.store.Put(ctx, out.Name, part, declared)
	var ve *repository.ValidationError
	switch {
	case err == nil:
		out.State = Stored
		out.Record = rec
		g.log.Info("file stored", "name", rec.Name, "size", rec.Size, "blake2b", rec.Checksum)
	case errors.As(err, &ve):
		out.State = Rejected
		out.Err = err
		g.log.Warn("upload rejected", "filename", out.Filename, "error", err)
	default:
		out.State = Failed
		out.Err = err
		g.log.Error("upload failed", "filename", out.Filename, "error", err)
	}
	g.metrics.UploadPart(out.State.String(), out.Record.Size)
	return out
}
