package storage

import (
	"os"
	"path/filepath"
	"strings"

	"cipherbackup/internal/config"
	"cipherbackup/internal/errors"
)

// Store persists verified uploads under one output directory. Each client
// gets a subdirectory named by its identifier so two clients backing up
// the same filename never collide.
type Store struct {
	root string
}

// NewStore creates the output directory if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, config.LogDirPerms); err != nil {
		return nil, errors.NewFileSystemError("mkdir", root, err)
	}
	return &Store{root: root}, nil
}

// Persist writes a verified file. The write goes to a temp file first and
// is renamed into place, so a crash never leaves a half-written backup.
func (s *Store) Persist(clientDir, filename string, data []byte) (string, error) {
	if err := validateComponent(clientDir); err != nil {
		return "", err
	}
	if err := validateComponent(filename); err != nil {
		return "", err
	}

	dir := filepath.Join(s.root, clientDir)
	if err := os.MkdirAll(dir, config.LogDirPerms); err != nil {
		return "", errors.NewFileSystemError("mkdir", dir, err)
	}

	path := filepath.Join(dir, filename)
	tmp, err := os.CreateTemp(dir, filename+".partial-*")
	if err != nil {
		return "", errors.NewFileSystemError("create_temp", dir, err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errors.NewFileSystemError("write", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", errors.NewFileSystemError("close", tmp.Name(), err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", errors.NewFileSystemError("rename", path, err)
	}
	return path, nil
}

// validateComponent rejects path components that could escape the output
// directory.
func validateComponent(name string) error {
	if name == "" {
		return errors.NewValidationError("path", name, "empty path component")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return errors.NewValidationError("path", name, "path component contains traversal characters")
	}
	if filepath.Base(name) != name {
		return errors.NewValidationError("path", name, "not a bare filename")
	}
	return nil
}
