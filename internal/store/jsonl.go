package store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/llm-factory/internal/model"
)

// JSONLSink is an append-only log with one batch envelope per line. A line is
// either complete or, after a crash mid-write, unparseable and ignored.
type JSONLSink struct {
	path     string
	task     string
	keyField string

	mu sync.Mutex

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewJSONL creates a sink writing to path. The file is created on the first
// append.
func NewJSONL(path, task, keyField string) *JSONLSink {
	if keyField == "" {
		keyField = model.DefaultKeyField
	}
	return &JSONLSink{
		path:     path,
		task:     task,
		keyField: keyField,
		nowFunc:  time.Now,
	}
}

// Path returns the log file path.
func (s *JSONLSink) Path() string { return s.path }

// ProcessedKeys implements Sink. A missing file holds no keys.
func (s *JSONLSink) ProcessedKeys(ctx context.Context) (model.KeySet, error) {
	return keysOf(ctx, s.Scan, s.keyField)
}

// AppendBatch implements Sink. The envelope is written with a single write
// followed by fsync.
func (s *JSONLSink) AppendBatch(_ context.Context, b model.Batch) error {
	if len(b.Rows) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(envelope{
		BatchID:   b.ID,
		Index:     b.Index,
		Task:      b.Task,
		WrittenAt: s.nowFunc().UTC().Format(time.RFC3339Nano),
		Records:   b.Rows,
	})
	if err != nil {
		return eris.Wrapf(err, "store: encode batch %d", b.Index)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "store: create dir %s", dir)
		}
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return eris.Wrapf(err, "store: open %s", s.path)
	}

	torn, err := endsTorn(f)
	if err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	line := buf.Bytes()
	if torn {
		line = append([]byte{'\n'}, line...)
	}

	if _, err := f.Write(line); err != nil {
		f.Close() //nolint:errcheck
		return eris.Wrapf(err, "store: append batch %d", b.Index)
	}
	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck
		return eris.Wrapf(err, "store: sync %s", s.path)
	}
	return eris.Wrapf(f.Close(), "store: close %s", s.path)
}

// endsTorn reports whether a non-empty file lacks a trailing newline.
func endsTorn(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, eris.Wrap(err, "store: stat log")
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil && err != io.EOF {
		return false, eris.Wrap(err, "store: read log tail")
	}
	return last[0] != '\n', nil
}

// Scan implements Sink. Undecodable lines are skipped.
func (s *JSONLSink) Scan(ctx context.Context, fn func(model.Row) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "store: open %s", s.path)
	}
	defer f.Close() //nolint:errcheck

	return readRows(f, true, func(r model.Row) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(r)
	})
}

// Close implements Sink.
func (s *JSONLSink) Close() error { return nil }
