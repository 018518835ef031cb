// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package blobstore

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"
)

const (
	// metadataDir holds blob metadata, outside of any container.
	metadataDir = ".metadata"

	uploadPrefix = ".upload-"
)

// FileStore keeps containers as directories under a root directory.
// It backs emulated deployments.
type FileStore struct {
	root string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) containerPath(container string) (string, error) {
	if container == "" || container == metadataDir || strings.ContainsAny(container, `/\`) || container == ".." {
		return "", errors.NotValidf("container name %q", container)
	}
	return filepath.Join(s.root, container), nil
}

func (s *FileStore) blobPath(container, name string) (string, error) {
	dir, err := s.containerPath(container)
	if err != nil {
		return "", errors.Trace(err)
	}
	clean := filepath.Clean("/" + name)
	if name == "" || clean == "/" {
		return "", errors.NotValidf("blob name %q", name)
	}
	return filepath.Join(dir, clean), nil
}

func (s *FileStore) metadataPath(container, name string) string {
	return filepath.Join(s.root, metadataDir, container, filepath.Clean("/"+name)+".json")
}

// EnsureContainer is part of the Store interface.
func (s *FileStore) EnsureContainer(_ context.Context, container string) error {
	dir, err := s.containerPath(container)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.MkdirAll(dir, 0755))
}

// List is part of the Store interface.
func (s *FileStore) List(_ context.Context, container, prefix string) ([]BlobInfo, error) {
	dir, err := s.containerPath(container)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, errors.NotFoundf("container %q", container)
	}
	var blobs []BlobInfo
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), uploadPrefix) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		blobs = append(blobs, BlobInfo{
			Name:         name,
			Size:         info.Size(),
			LastModified: info.ModTime(),
			Metadata:     s.readMetadata(container, name),
		})
		return nil
	})
	if err != nil {
		return nil, errors.Annotatef(err, "listing container %q", container)
	}
	sort.Slice(blobs, func(i, j int) bool {
		return blobs[i].Name < blobs[j].Name
	})
	return blobs, nil
}

func (s *FileStore) readMetadata(container, name string) map[string]string {
	data, err := os.ReadFile(s.metadataPath(container, name))
	if err != nil {
		return nil
	}
	var metadata map[string]string
	if err := json.Unmarshal(data, &metadata); err != nil {
		logger.Warningf("invalid metadata for %s/%s: %v", container, name, err)
		return nil
	}
	return metadata
}

// Upload is part of the Store interface.
func (s *FileStore) Upload(_ context.Context, container, name string, r io.Reader, metadata map[string]string) error {
	path, err := s.blobPath(container, name)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := os.Stat(filepath.Join(s.root, container)); os.IsNotExist(err) {
		return errors.NotFoundf("container %q", container)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Trace(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), uploadPrefix+"*")
	if err != nil {
		return errors.Trace(err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return errors.Annotatef(err, "writing %s/%s", container, name)
	}
	if err := tmp.Close(); err != nil {
		return errors.Trace(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Trace(err)
	}

	metaPath := s.metadataPath(container, name)
	if len(metadata) == 0 {
		_ = os.Remove(metaPath)
		return nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return errors.Trace(err)
	}
	if err := os.MkdirAll(filepath.Dir(metaPath), 0755); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(utils.AtomicWriteFile(metaPath, data, 0644))
}

// Download is part of the Store interface.
func (s *FileStore) Download(_ context.Context, container, name string, offset, count int64) (io.ReadCloser, error) {
	path, err := s.blobPath(container, name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, errors.NotFoundf("blob %s/%s", container, name)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, errors.Trace(err)
	}
	if count <= 0 {
		return f, nil
	}
	return limitedReadCloser{Reader: io.LimitReader(f, count), Closer: f}, nil
}

type limitedReadCloser struct {
	io.Reader
	io.Closer
}

// Size is part of the Store interface.
func (s *FileStore) Size(_ context.Context, container, name string) (int64, error) {
	path, err := s.blobPath(container, name)
	if err != nil {
		return 0, errors.Trace(err)
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, errors.NotFoundf("blob %s/%s", container, name)
	} else if err != nil {
		return 0, errors.Trace(err)
	}
	return info.Size(), nil
}

// Delete is part of the Store interface.
func (s *FileStore) Delete(_ context.Context, container, name string) error {
	path, err := s.blobPath(container, name)
	if err != nil {
		return errors.Trace(err)
	}
	if err := os.Remove(path); os.IsNotExist(err) {
		return errors.NotFoundf("blob %s/%s", container, name)
	} else if err != nil {
		return errors.Trace(err)
	}
	_ = os.Remove(s.metadataPath(container, name))
	return nil
}
