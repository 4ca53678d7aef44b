package diagnostics

import (
	"fmt"
	"io"
	"path/filepath"

	json "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
)

// writeGzipJSON encodes v as indented JSON, gzip-compresses it and moves it
// into place atomically.
func writeGzipJSON(fs afero.Fs, path string, v interface{}) (err error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = fs.Remove(tmp)
		}
	}()

	gz := gzip.NewWriter(f)
	enc := json.ConfigCompatibleWithStandardLibrary.NewEncoder(gz)
	enc.SetIndent("", "  ")
	if err = enc.Encode(v); err != nil {
		_ = gz.Close()
		_ = f.Close()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err = gz.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to flush gzip stream: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return fs.Rename(tmp, path)
}

// ReadSnapshot decodes a snapshot written by CaptureSnapshot.
func ReadSnapshot(fs afero.Fs, path string) (*Snapshot, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeSnapshot(f)
}

// DecodeSnapshot reads a gzip-compressed snapshot from r.
func DecodeSnapshot(r io.Reader) (*Snapshot, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("not a gzip stream: %w", err)
	}
	defer gz.Close()

	var snap Snapshot
	if err := json.NewDecoder(gz).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}
