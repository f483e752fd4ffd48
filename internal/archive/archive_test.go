package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediashare/internal/repository"
)

func newRepo(t *testing.T, files map[string][]byte) *repository.Repository {
	t.Helper()
	r, err := repository.New(repository.Options{Root: t.TempDir()})
	require.NoError(t, err)
	for name, body := range files {
		_, err := r.Put(context.Background(), name, bytes.NewReader(body), int64(len(body)))
		require.NoError(t, err)
	}
	return r
}

func readZip(t *testing.T, b []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	out := map[string][]byte{}
	for _, f := range zr.File {
		assert.Equal(t, zip.Deflate, f.Method)
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[f.Name] = body
	}
	return out
}

func zipNames(t *testing.T, b []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestStreamAll(t *testing.T) {
	files := map[string][]byte{
		"A.png": bytes.Repeat([]byte("png-data "), 1000),
		"B.mp4": []byte("short video"),
	}
	s := New(newRepo(t, files), nil)

	var buf bytes.Buffer
	n, err := s.Stream(context.Background(), &buf, All())
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	assert.Equal(t, []string{"A.png", "B.mp4"}, zipNames(t, buf.Bytes()))
	assert.Equal(t, files, readZip(t, buf.Bytes()))
}

func TestStreamNamedKeepsRequestOrder(t *testing.T) {
	files := map[string][]byte{"a.png": []byte("a"), "b.png": []byte("b"), "c.png": []byte("c")}
	s := New(newRepo(t, files), nil)

	var buf bytes.Buffer
	_, err := s.Stream(context.Background(), &buf, Named("c.png", "a.png", "c.png"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c.png", "a.png"}, zipNames(t, buf.Bytes()))
}

func TestStreamMissingWritesNothing(t *testing.T) {
	s := New(newRepo(t, map[string][]byte{"a.png": []byte("a")}), nil)

	var buf bytes.Buffer
	n, err := s.Stream(context.Background(), &buf, Named("a.png", "ghost.png", "gone.jpg"))
	var nf *repository.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, []string{"ghost.png", "gone.jpg"}, nf.Names)
	assert.Zero(t, n)
	assert.Zero(t, buf.Len())
}

func TestStreamEmptySelection(t *testing.T) {
	s := New(newRepo(t, nil), nil)
	var buf bytes.Buffer

	_, err := s.Stream(context.Background(), &buf, Named())
	require.ErrorIs(t, err, ErrEmptySelection)

	_, err = s.Stream(context.Background(), &buf, Selection{})
	require.ErrorIs(t, err, ErrEmptySelection)

	_, err = s.Stream(context.Background(), &buf, All())
	require.ErrorIs(t, err, ErrEmptySelection)
	assert.Zero(t, buf.Len())
}

func TestWriteToSkipsFilesDeletedAfterSnapshot(t *testing.T) {
	repo := newRepo(t, map[string][]byte{"a.png": []byte("a"), "b.png": []byte("b")})
	s := New(repo, nil)

	plan, err := s.Resolve(context.Background(), All())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "b.png"}, plan.Names())

	require.NoError(t, repo.Delete(context.Background(), "b.png"))
	// Added after the snapshot: not part of this archive.
	_, err = repo.Put(context.Background(), "c.png", bytes.NewReader([]byte("c")), 1)
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = plan.WriteTo(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png"}, zipNames(t, buf.Bytes()))
}

// trackingSource records every handle it hands out.
type trackingSource struct {
	*repository.Repository
	mu    sync.Mutex
	files []*os.File
}

func (s *trackingSource) Open(name string) (*os.File, repository.FileRecord, error) {
	f, rec, err := s.Repository.Open(name)
	if err == nil {
		s.mu.Lock()
		s.files = append(s.files, f)
		s.mu.Unlock()
	}
	return f, rec, err
}

// cancelWriter cancels the request after the first write, like a client
// hanging up mid-download.
type cancelWriter struct {
	cancel context.CancelFunc
	n      int
}

func (w *cancelWriter) Write(b []byte) (int, error) {
	w.n += len(b)
	w.cancel()
	return len(b), nil
}

func TestWriteToCancelReleasesHandles(t *testing.T) {
	// Incompressible content so the zip writer flushes during the first entry.
	files := map[string][]byte{}
	for i, n := range []string{"a.mp4", "b.mp4", "c.mp4"} {
		body := make([]byte, 512<<10)
		rand.New(rand.NewSource(int64(i))).Read(body)
		files[n] = body
	}
	src := &trackingSource{Repository: newRepo(t, files)}
	s := New(src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &cancelWriter{cancel: cancel}
	_, err := s.Stream(ctx, w, All())
	require.ErrorIs(t, err, context.Canceled)

	src.mu.Lock()
	defer src.mu.Unlock()
	require.NotEmpty(t, src.files)
	assert.Less(t, len(src.files), 3, "enumeration must stop after cancellation")
	for _, f := range src.files {
		_, err := f.Stat()
		assert.True(t, errors.Is(err, os.ErrClosed), "handle %s left open", f.Name())
	}
}

func TestSelectionJSON(t *testing.T) {
	tests := []struct {
		in      string
		all     bool
		names   []string
		wantErr bool
	}{
		{`"ALL"`, true, nil, false},
		{`"all"`, true, nil, false},
		{`["a.png","b.png","a.png"]`, false, []string{"a.png", "b.png"}, false},
		{`[]`, false, nil, false},
		{`"some"`, false, nil, true},
		{`42`, false, nil, true},
		{`[1,2]`, false, nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			var s Selection
			err := s.UnmarshalJSON([]byte(tc.in))
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.all, s.IsAll())
			if tc.names == nil {
				assert.Empty(t, s.Names())
			} else {
				assert.Equal(t, tc.names, s.Names())
			}
		})
	}
}

func TestSelectionMarshal(t *testing.T) {
	b, err := All().MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"ALL"`, string(b))

	b, err = Named("x.png").MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `["x.png"]`, string(b))

	b, err = Named().MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(b))
}
