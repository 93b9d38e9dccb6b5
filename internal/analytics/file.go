package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// File keeps the document as indented JSON at Path. Saves go through a temp
// file and rename so readers never observe a half-written store.
type File struct {
	Path string
}

func NewFile(path string) *File {
	return &File{Path: path}
}

func (f *File) Load(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	return doc.normalize(), nil
}

func (f *File) Save(ctx context.Context, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".analytics-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// last chance to abandon the write
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}

func (f *File) Close() error { return nil }
