package saver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// ProgressFunc receives the bytes written so far and the bytes expected (0 if unknown) for a file being saved.
type ProgressFunc = func(path string, downloaded int64, expected int64)

// Scratch is the working directory backends fetch into. Every file gets a freshly generated name, so concurrent
// fetches never collide.
type Scratch struct {
	dir      string
	progress ProgressFunc
}

// NewScratch creates the directory if necessary.
func NewScratch(dir string) (*Scratch, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty scratch directory")
	}
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return &Scratch{dir: dir}, nil
}

// WithProgress returns a Scratch in the same directory that reports progress of every save to f.
func (s *Scratch) WithProgress(f ProgressFunc) *Scratch {
	return &Scratch{dir: s.dir, progress: f}
}

func (s *Scratch) Dir() string {
	return s.dir
}

// NewPath returns a path in the scratch directory that has never been handed out before.
func (s *Scratch) NewPath(ext string) string {
	name := uuid.NewString()
	if ext = strings.TrimPrefix(ext, "."); ext != "" {
		name += "." + ext
	}
	return filepath.Join(s.dir, name)
}

// SaveStream copies stream into a new file with extension ext, failing with ErrEntityTooLarge as soon as more than
// limit bytes arrive (limit <= 0 means unlimited). On any failure the partial file is removed. expected is only used
// for progress reporting.
func (s *Scratch) SaveStream(ctx context.Context, ext string, stream io.Reader, expected int64, limit int64) (path string, n int64, err error) {
	path = s.NewPath(ext)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0664)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open target file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close target file: %w", closeErr)
		}
		if err != nil {
			if removeErr := s.Remove(path); removeErr != nil {
				err = multierror.Append(err, removeErr)
			}
			path, n = "", 0
		}
	}()

	src := io.Reader(&readerContext{ctx: ctx, r: stream})
	if limit > 0 {
		// One extra byte tells "exactly limit" apart from "more than limit"
		src = io.LimitReader(src, limit+1)
	}
	w := &progressWriter{path: path, expected: expected, f: s.progress}
	n, err = io.Copy(io.MultiWriter(f, w), src)
	if err != nil {
		return path, n, fmt.Errorf("failed to save stream: %w", err)
	}
	if limit > 0 && n > limit {
		return path, n, ErrEntityTooLarge
	}
	return path, n, nil
}

// SaveURL GETs url with client and saves the body like SaveStream. A response declaring a Content-Length above limit
// fails with ErrEntityTooLarge before anything is written.
func (s *Scratch) SaveURL(ctx context.Context, client *http.Client, url string, ext string, limit int64) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	return s.SaveRequest(client, req, ext, limit)
}

// SaveRequest executes req with client and saves the body like SaveURL.
func (s *Scratch) SaveRequest(client *http.Client, req *http.Request, ext string, limit int64) (string, int64, error) {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, &StatusError{URL: req.URL.String(), StatusCode: resp.StatusCode}
	}
	if limit > 0 && resp.ContentLength > limit {
		return "", 0, ErrEntityTooLarge
	}
	return s.SaveStream(req.Context(), ext, resp.Body, resp.ContentLength, limit)
}

// Clone gives the file at path a second, independent name in the scratch directory, so that both can be deleted
// separately. A hard link is used where possible.
func (s *Scratch) Clone(path string) (string, error) {
	target := s.NewPath(filepath.Ext(path))
	if err := os.Link(path, target); err == nil {
		return target, nil
	}
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %v: %w", path, err)
	}
	defer src.Close()
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0664)
	if err != nil {
		return "", fmt.Errorf("failed to create %v: %w", target, err)
	}
	if _, err = io.Copy(dst, src); err == nil {
		err = dst.Close()
	} else {
		_ = dst.Close()
	}
	if err != nil {
		_ = os.Remove(target)
		return "", fmt.Errorf("failed to copy %v: %w", path, err)
	}
	return target, nil
}

// Remove deletes a file created in the scratch directory; a file that's already gone is not an error.
func (s *Scratch) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %v: %w", path, err)
	}
	return nil
}

// StatusError is an unexpected HTTP status from a remote host.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %v", e.StatusCode, e.URL)
}

type progressWriter struct {
	path       string
	expected   int64
	downloaded int64
	f          ProgressFunc
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.downloaded += int64(len(p))
	if w.f != nil {
		w.f(w.path, w.downloaded, w.expected)
	}
	return len(p), nil
}
