package relay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const chunkFileExt = ".json"

// FileSystemArchive is a filesystem-based implementation of Archive. It
// stores chunks in a directory structure:
//
//	<root>/
//	  <routingHash>/
//	    <chunkID>.json
type FileSystemArchive struct {
	url  string
	root string
}

// NewFileSystemArchive creates an archive rooted at the given path.
func NewFileSystemArchive(url, root string) (*FileSystemArchive, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive root: %w", err)
	}
	return &FileSystemArchive{url: url, root: root}, nil
}

// URL returns the archive's node URL.
func (a *FileSystemArchive) URL() string { return a.url }

// Put writes data atomically. Existing chunks are left untouched.
func (a *FileSystemArchive) Put(ctx context.Context, routingHash, chunkID string, data []byte) error {
	dir, err := a.hashDir(routingHash)
	if err != nil {
		return err
	}
	if err := validName(chunkID); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create routing hash directory: %w", err)
	}

	destPath := filepath.Join(dir, chunkID+chunkFileExt)
	if _, err := os.Stat(destPath); err == nil {
		return nil
	}
	return writeFile(destPath, data)
}

// Get reads a chunk file.
func (a *FileSystemArchive) Get(ctx context.Context, routingHash, chunkID string) ([]byte, error) {
	dir, err := a.hashDir(routingHash)
	if err != nil {
		return nil, err
	}
	if err := validName(chunkID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, chunkID+chunkFileExt))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read chunk: %w", err)
	}
	return data, nil
}

// List returns the sorted chunk IDs stored under routingHash.
func (a *FileSystemArchive) List(ctx context.Context, routingHash string) ([]string, error) {
	dir, err := a.hashDir(routingHash)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list routing hash directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, chunkFileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, chunkFileExt))
	}
	slices.Sort(ids)
	return ids, nil
}

// ValidateSetup verifies that the archive root exists and is a directory.
func (a *FileSystemArchive) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(a.root)
	if err != nil {
		return fmt.Errorf("archive root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive root is not a directory: %s", a.root)
	}
	return nil
}

func (a *FileSystemArchive) hashDir(routingHash string) (string, error) {
	if err := validName(routingHash); err != nil {
		return "", err
	}
	return filepath.Join(a.root, routingHash), nil
}

// validName rejects names that would escape the archive root.
func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid archive name: %q", name)
	}
	return nil
}

// writeFile writes data to destPath using atomic write (temp file + rename).
func writeFile(destPath string, data []byte) error {
	// Create temp file in the same directory to ensure atomic rename works
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Compile-time check that FileSystemArchive implements Archive
var _ Archive = (*FileSystemArchive)(nil)
