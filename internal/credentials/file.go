package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// File permissions for the credentials file.
const (
	fileDirPerm  = 0o700
	fileFilePerm = 0o600
)

// FilePersister stores the pair in a single encrypted file.
type FilePersister struct {
	path   string
	sealer Sealer
}

// NewFilePersister creates a persister writing to path. key may be nil to store plain JSON.
func NewFilePersister(path string, key []byte, profile string) *FilePersister {
	return &FilePersister{path: path, sealer: NewSealer(key, profile)}
}

// Path returns the file location.
func (p *FilePersister) Path() string {
	return p.path
}

// Load reads the pair from disk.
func (p *FilePersister) Load(_ context.Context) (Pair, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return Pair{}, ErrNotFound
	}

	if err != nil {
		return Pair{}, fmt.Errorf("failed to read %s: %w", p.path, err)
	}

	return p.sealer.Open(data)
}

// Save writes the pair through a temporary file and an atomic rename.
func (p *FilePersister) Save(_ context.Context, pair Pair) error {
	data, err := p.sealer.Seal(pair)
	if err != nil {
		return err
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, fileDirPerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write credentials: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}

	if err := os.Chmod(tmpName, fileFilePerm); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", p.path, err)
	}

	return nil
}

// Delete removes the file. A missing file is not an error.
func (p *FilePersister) Delete(_ context.Context) error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", p.path, err)
	}

	return nil
}
