package kss

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/relabs-tech/iotplane/core/logger"
)

// LocalFilesystem stores blobs below a base folder
type LocalFilesystem struct {
	baseFolder string
}

// NewLocalFilesystem returns a new LocalFilesystem. The base folder is created if needed.
func NewLocalFilesystem(config LocalConfiguration) (*LocalFilesystem, error) {
	if config.BasePath == "" {
		return nil, errors.New("BasePath must not be empty")
	}
	if err := os.MkdirAll(config.BasePath, 0700); err != nil {
		return nil, err
	}
	logger.Default().Debugln("KSS local filesystem enabled in", config.BasePath)
	return &LocalFilesystem{baseFolder: config.BasePath}, nil
}

// Put writes data to key. Readers never observe a partially written file.
func (f *LocalFilesystem) Put(_ context.Context, key string, data []byte, _ string) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key '%s'", key)
	}
	path := filepath.Join(f.baseFolder, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".kss-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Get reads key
func (f *LocalFilesystem) Get(_ context.Context, key string) ([]byte, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("invalid key '%s'", key)
	}
	data, err := os.ReadFile(filepath.Join(f.baseFolder, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Delete deletes the key file
func (f *LocalFilesystem) Delete(_ context.Context, key string) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key '%s'", key)
	}
	err := os.Remove(filepath.Join(f.baseFolder, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
