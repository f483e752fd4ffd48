package httpserver

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"mediashare/internal/fsutil"
)

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	f, rec, err := s.repo.Open(name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer f.Close()

	if ct := contentTypeForName(rec.Name); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if r.URL.Query().Get("dl") == "1" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Name))
	}
	http.ServeContent(w, r, rec.Name, rec.CreatedAt, f)
}

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	rec, err := s.repo.Stat(r.URL.Query().Get("name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, ok := thumbFormats[rec.Extension]; !ok {
		http.NotFound(w, r)
		return
	}

	key := s.thumbCache.key(rec)
	if b, ok := s.thumbCache.get(key); ok {
		writeThumb(w, b)
		return
	}
	v, err, _ := s.thumbs.Do(key, func() (any, error) {
		f, cur, err := s.repo.Open(rec.Name)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		b, err := renderThumb(cur, f, s.cfg.ThumbSize)
		if err != nil {
			return nil, err
		}
		if err := s.thumbCache.put(key, b); err != nil {
			s.log.Warn("thumbnail cache write failed", "name", cur.Name, "error", err)
		}
		return b, nil
	})
	switch {
	case err == nil:
		writeThumb(w, v.([]byte))
	case errors.Is(err, errNoThumb):
		s.log.Debug("no thumbnail", "name", rec.Name, "error", err)
		http.NotFound(w, r)
	default:
		s.fail(w, r, err)
	}
}

func writeThumb(w http.ResponseWriter, b []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	_, _ = w.Write(b)
}

func contentTypeForName(name string) string {
	ext := fsutil.Ext(name)
	if ext == "" {
		return ""
	}
	if ct := mime.TypeByExtension("." + ext); ct != "" {
		return ct
	}
	// Fallbacks for systems with sparse mime tables.
	switch ext {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "mp4":
		return "video/mp4"
	default:
		return ""
	}
}
