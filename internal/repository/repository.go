package repository

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"mediashare/internal/fsutil"
)

// DefaultMaxFileSize is the per-file upload cap.
const DefaultMaxFileSize int64 = 50 << 20

// AllowedExtensions is the upload allowlist (lower-case, no dot).
var AllowedExtensions = []string{"gif", "jpeg", "jpg", "mp4", "png"}

var allowed = func() map[string]bool {
	m := make(map[string]bool, len(AllowedExtensions))
	for _, e := range AllowedExtensions {
		m[e] = true
	}
	return m
}()

// FileRecord describes one stored file.
type FileRecord struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Extension string    `json:"extension"`
	CreatedAt time.Time `json:"createdAt"`
	// Checksum is the BLAKE2b-256 of the content, only known right after Put.
	Checksum string `json:"checksum,omitempty"`
}

type Op string

const (
	OpPut       Op = "put"
	OpDelete    Op = "delete"
	OpDeleteAll Op = "delete_all"
)

// Change is emitted after every committed mutation.
type Change struct {
	Epoch uint64
	Op    Op
	Names []string
}

type Notifier interface {
	Notify(Change)
}

type NotifierFunc func(Change)

func (f NotifierFunc) Notify(c Change) { f(c) }

type Options struct {
	// Root is the flat directory holding the stored files.
	Root string
	// StateDir holds temp files; it must be on the same filesystem as Root.
	// Default: <root>/.mediashare
	StateDir    string
	MaxFileSize int64
	// DeleteParallelism bounds concurrent unlinks in DeleteAll. Default 4.
	DeleteParallelism int
	Notifier          Notifier
	Logger            *slog.Logger
}

// Repository is the authoritative file set. It holds no lock: every mutation
// is a single atomic filesystem operation (rename or unlink), so List always
// observes either the old or the new state.
type Repository struct {
	root     string
	tmpDir   string
	maxSize  int64
	parallel int
	notifier Notifier
	log      *slog.Logger

	epoch atomic.Uint64

	// remove is os.Remove; tests swap it to inject unlink failures.
	remove func(string) error
}

func New(opts Options) (*Repository, error) {
	if opts.Root == "" {
		return nil, errors.New("repository: root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	stateDir := opts.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(root, ".mediashare")
	}
	tmpDir := filepath.Join(stateDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, err
	}
	r := &Repository{
		root:     root,
		tmpDir:   tmpDir,
		maxSize:  opts.MaxFileSize,
		parallel: opts.DeleteParallelism,
		notifier: opts.Notifier,
		log:      opts.Logger,
		remove:   os.Remove,
	}
	if r.maxSize <= 0 {
		r.maxSize = DefaultMaxFileSize
	}
	if r.parallel <= 0 {
		r.parallel = 4
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.sweepTemp()
	return r, nil
}

func (r *Repository) Root() string       { return r.root }
func (r *Repository) MaxFileSize() int64 { return r.maxSize }

// Epoch returns the number of mutations committed so far.
func (r *Repository) Epoch() uint64 { return r.epoch.Load() }

// sweepTemp drops temp files left behind by a crash mid-upload.
func (r *Repository) sweepTemp() {
	ents, err := os.ReadDir(r.tmpDir)
	if err != nil {
		return
	}
	for _, e := range ents {
		if !e.IsDir() {
			_ = os.Remove(filepath.Join(r.tmpDir, e.Name()))
		}
	}
}

func (r *Repository) validate(name string, declaredSize int64) (string, error) {
	abs, err := fsutil.JoinWithinRoot(r.root, name)
	if err != nil {
		return "", &ValidationError{Name: name, Reason: "unsafe name", Err: err}
	}
	if !allowed[fsutil.Ext(name)] {
		return "", &ValidationError{Name: name, Reason: "extension not allowed"}
	}
	if declaredSize > r.maxSize {
		return "", &ValidationError{Name: name, Reason: fmt.Sprintf("size %d exceeds limit of %d bytes", declaredSize, r.maxSize)}
	}
	return abs, nil
}

// Put stores src under name. declaredSize < 0 means unknown; the limit is
// then enforced while streaming. The file becomes visible only once complete.
func (r *Repository) Put(ctx context.Context, name string, src io.Reader, declaredSize int64) (FileRecord, error) {
	abs, err := r.validate(name, declaredSize)
	if err != nil {
		return FileRecord{}, err
	}

	tmp, err := os.CreateTemp(r.tmpDir, "put-*.tmp")
	if err != nil {
		return FileRecord{}, &IOError{Op: "create temp", Name: name, Err: err}
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	h, err := blake2b.New256(nil)
	if err != nil {
		return FileRecord{}, err
	}
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(fsutil.ContextReader(ctx, src), r.maxSize+1))
	if err != nil {
		return FileRecord{}, &IOError{Op: "write", Name: name, Err: err}
	}
	if n > r.maxSize {
		return FileRecord{}, &ValidationError{Name: name, Reason: fmt.Sprintf("exceeds limit of %d bytes", r.maxSize)}
	}
	if err := tmp.Sync(); err != nil {
		return FileRecord{}, &IOError{Op: "sync", Name: name, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return FileRecord{}, &IOError{Op: "close", Name: name, Err: err}
	}
	if err := os.Rename(tmpPath, abs); err != nil {
		return FileRecord{}, &IOError{Op: "rename", Name: name, Err: err}
	}
	committed = true

	rec := FileRecord{
		Name:      name,
		Size:      n,
		Extension: fsutil.Ext(name),
		CreatedAt: time.Now().UTC(),
		Checksum:  hex.EncodeToString(h.Sum(nil)),
	}
	if st, err := os.Stat(abs); err == nil {
		rec.CreatedAt = st.ModTime().UTC()
	}
	r.commit(OpPut, name)
	return rec, nil
}

// List returns the current names, sorted. Only regular files that satisfy
// the naming and extension policy are reported.
func (r *Repository) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ents, err := os.ReadDir(r.root)
	if err != nil {
		return nil, &IOError{Op: "list", Err: err}
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if !e.Type().IsRegular() || !visible(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func visible(name string) bool {
	if _, err := fsutil.CleanName(name); err != nil {
		return false
	}
	return allowed[fsutil.Ext(name)]
}

func (r *Repository) lookup(name string) (string, os.FileInfo, error) {
	abs, err := fsutil.JoinWithinRoot(r.root, name)
	if err != nil {
		return "", nil, &ValidationError{Name: name, Reason: "unsafe name", Err: err}
	}
	st, err := os.Lstat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil, &NotFoundError{Names: []string{name}}
		}
		return "", nil, &IOError{Op: "stat", Name: name, Err: err}
	}
	if !st.Mode().IsRegular() || !visible(name) {
		return "", nil, &NotFoundError{Names: []string{name}}
	}
	return abs, st, nil
}

func record(name string, st os.FileInfo) FileRecord {
	return FileRecord{
		Name:      name,
		Size:      st.Size(),
		Extension: fsutil.Ext(name),
		CreatedAt: st.ModTime().UTC(),
	}
}

func (r *Repository) Stat(name string) (FileRecord, error) {
	_, st, err := r.lookup(name)
	if err != nil {
		return FileRecord{}, err
	}
	return record(name, st), nil
}

// Open returns a read handle the caller must close.
func (r *Repository) Open(name string) (*os.File, FileRecord, error) {
	abs, _, err := r.lookup(name)
	if err != nil {
		return nil, FileRecord{}, err
	}
	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, FileRecord{}, &NotFoundError{Names: []string{name}}
		}
		return nil, FileRecord{}, &IOError{Op: "open", Name: name, Err: err}
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, FileRecord{}, &IOError{Op: "stat", Name: name, Err: err}
	}
	return f, record(name, st), nil
}

func (r *Repository) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, _, err := r.lookup(name)
	if err != nil {
		return err
	}
	if err := r.remove(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &NotFoundError{Names: []string{name}}
		}
		return &IOError{Op: "remove", Name: name, Err: err}
	}
	r.commit(OpDelete, name)
	return nil
}

// DeleteAll removes every current file, continuing past failures. The
// returned *PartialFailure lists exactly the files that remain.
func (r *Repository) DeleteAll(ctx context.Context) error {
	names, err := r.List(ctx)
	if err != nil {
		return err
	}

	var (
		mu      sync.Mutex
		removed []string
		failed  []string
		errs    []error
	)
	g := new(errgroup.Group)
	g.SetLimit(r.parallel)
	for _, name := range names {
		g.Go(func() error {
			err := ctx.Err()
			if err == nil {
				err = r.remove(filepath.Join(r.root, name))
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				failed = append(failed, name)
				errs = append(errs, &IOError{Op: "remove", Name: name, Err: err})
				return nil
			}
			removed = append(removed, name)
			return nil
		})
	}
	_ = g.Wait()

	if len(removed) > 0 {
		sort.Strings(removed)
		r.commit(OpDeleteAll, removed...)
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		r.log.Warn("delete all incomplete", "failed", failed, "removed", len(removed))
		return &PartialFailure{Names: failed, Errs: errs}
	}
	return nil
}

func (r *Repository) commit(op Op, names ...string) {
	epoch := r.epoch.Add(1)
	r.log.Info("repository changed", "op", op, "epoch", epoch, "files", len(names))
	if r.notifier != nil {
		r.notifier.Notify(Change{Epoch: epoch, Op: op, Names: names})
	}
}
