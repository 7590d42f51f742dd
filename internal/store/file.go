package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"studentvc/pkg/platform/sentinel"
)

const recordExt = ".json"

// File keeps one JSON document per subject in a directory. Subject ids are
// base64url encoded into file names so any identifier maps to a safe path.
// Writes go through a temp file and rename, so readers never see a partial
// record. Read-modify-write is serialized per subject within the process;
// several processes sharing a directory should use Redis or Postgres instead.
type File struct {
	dir   string
	clock Clock

	locks sync.Map // subject id -> *sync.Mutex
}

type FileOption func(*File)

func WithFileClock(clock Clock) FileOption {
	return func(f *File) {
		if clock != nil {
			f.clock = clock
		}
	}
}

// NewFile creates dir if needed.
func NewFile(dir string, opts ...FileOption) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	f := &File{dir: dir, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

func (f *File) path(subjectID string) string {
	return filepath.Join(f.dir, base64.RawURLEncoding.EncodeToString([]byte(subjectID))+recordExt)
}

func (f *File) lock(subjectID string) func() {
	mu, _ := f.locks.LoadOrStore(subjectID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (f *File) Put(_ context.Context, subjectID, token string, status Status) (*Record, error) {
	if err := validate(subjectID, status); err != nil {
		return nil, err
	}
	defer f.lock(subjectID)()

	rec := f.newRecord(subjectID, token, status)
	prev, err := f.read(subjectID)
	switch {
	case err == nil:
		rec.Version = prev.Version + 1
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, err
	}
	if err := f.write(rec, false); err != nil {
		return nil, err
	}
	return rec, nil
}

func (f *File) Insert(_ context.Context, subjectID, token string, status Status) (*Record, error) {
	if err := validate(subjectID, status); err != nil {
		return nil, err
	}
	defer f.lock(subjectID)()

	rec := f.newRecord(subjectID, token, status)
	if err := f.write(rec, true); err != nil {
		return nil, err
	}
	return rec, nil
}

func (f *File) newRecord(subjectID, token string, status Status) *Record {
	return &Record{
		SubjectID: subjectID,
		Token:     token,
		Status:    status,
		IssuedAt:  f.clock().UTC(),
		Version:   1,
	}
}

func (f *File) Get(_ context.Context, subjectID string) (*Record, error) {
	return f.read(subjectID)
}

func (f *File) List(ctx context.Context) ([]*Record, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list store directory: %w", err)
	}
	out := make([]*Record, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := readRecord(filepath.Join(f.dir, name))
		if errors.Is(err, sentinel.ErrNotFound) {
			// removed between ReadDir and open
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *File) SetStatus(_ context.Context, subjectID string, status Status) (bool, error) {
	if err := validate(subjectID, status); err != nil {
		return false, err
	}
	defer f.lock(subjectID)()

	rec, err := f.read(subjectID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	now := f.clock().UTC()
	rec.Status = status
	rec.StatusUpdatedAt = &now
	rec.Version++
	if err := f.write(rec, false); err != nil {
		return false, err
	}
	return true, nil
}

func (f *File) SetStatusMany(ctx context.Context, subjectIDs []string, status Status) ([]string, error) {
	return setStatusEach(ctx, f, subjectIDs, status)
}

func (f *File) read(subjectID string) (*Record, error) {
	return readRecord(f.path(subjectID))
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", filepath.Base(path), err)
	}
	return &rec, nil
}

// write stages rec in a temp file and moves it into place. exclusive fails
// with sentinel.ErrConflict instead of replacing an existing record.
func (f *File) write(rec *Record, exclusive bool) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, ".record-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp record: %w", err)
	}

	target := f.path(rec.SubjectID)
	if exclusive {
		if err := os.Link(tmpPath, target); err != nil {
			if errors.Is(err, os.ErrExist) {
				return sentinel.ErrConflict
			}
			return fmt.Errorf("install record: %w", err)
		}
		return nil
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("install record: %w", err)
	}
	return nil
}
