// Package pipeline persists scraped products.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aluiziolira/go-scrape-market/models"
)

// Sink stores records. Persisting an existing key overwrites it.
type Sink interface {
	Persist(ctx context.Context, key models.RecordKey, rec models.Record) error
	Close() error
}

// PersistenceError reports a record that could not be stored.
type PersistenceError struct {
	Key models.RecordKey
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s/%s/%s: %s: %v", e.Key.Market, e.Key.Group, e.Key.ID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// JSONDirSink writes one JSON file per product:
//
//	{root}/{market}-{group}-JsonFolder/{market}_{id}.json
type JSONDirSink struct {
	root string
}

// NewJSONDirSink returns a sink rooted at dir. An empty dir means the
// working directory.
func NewJSONDirSink(dir string) *JSONDirSink {
	if dir == "" {
		dir = "."
	}
	return &JSONDirSink{root: dir}
}

// Path returns the file a key is stored at.
func (s *JSONDirSink) Path(key models.RecordKey) string {
	folder := fmt.Sprintf("%s-%s-JsonFolder", key.Market, key.Group)
	return filepath.Join(s.root, folder, fmt.Sprintf("%s_%s.json", key.Market, key.ID))
}

// Persist writes rec to a temporary file and renames it into place.
func (s *JSONDirSink) Persist(_ context.Context, key models.RecordKey, rec models.Record) error {
	if err := checkKey(key); err != nil {
		return &PersistenceError{Key: key, Op: "key", Err: err}
	}

	path := s.Path(key)
	if err := ensureDir(path); err != nil {
		return &PersistenceError{Key: key, Op: "mkdir", Err: err}
	}

	body, err := encodeRecord(rec)
	if err != nil {
		return &PersistenceError{Key: key, Op: "encode", Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".record-*.tmp")
	if err != nil {
		return &PersistenceError{Key: key, Op: "write", Err: err}
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return &PersistenceError{Key: key, Op: "write", Err: err}
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return &PersistenceError{Key: key, Op: "write", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return &PersistenceError{Key: key, Op: "write", Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return &PersistenceError{Key: key, Op: "rename", Err: err}
	}
	return nil
}

// Close is a no-op; every Persist call is flushed immediately.
func (s *JSONDirSink) Close() error {
	return nil
}

// encodeRecord renders rec with a 4-space indent, no trailing newline and
// URLs left as-is (no \u0026 for '&').
func encodeRecord(rec models.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func checkKey(key models.RecordKey) error {
	parts := map[string]string{"market": key.Market, "group": key.Group, "id": key.ID}
	for name, v := range parts {
		if v == "" {
			return fmt.Errorf("%s is empty", name)
		}
		if strings.ContainsAny(v, `/\`) || strings.Contains(v, "..") {
			return fmt.Errorf("%s %q is not a safe path component", name, v)
		}
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
