// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package blobstore stores backup archives and shipped logs as blobs in
// named containers.
package blobstore

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("mongorole.blobstore")

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Name         string
	Size         int64
	LastModified time.Time
	Metadata     map[string]string
}

// Store is a container of blobs.
type Store interface {
	// EnsureContainer creates the container if it doesn't exist.
	EnsureContainer(ctx context.Context, container string) error

	// List returns the blobs in the container whose names start with
	// prefix. A missing container gives an error satisfying
	// errors.Is(err, errors.NotFound).
	List(ctx context.Context, container, prefix string) ([]BlobInfo, error)

	// Upload writes the contents of r to the named blob, replacing any
	// existing blob.
	Upload(ctx context.Context, container, name string, r io.Reader, metadata map[string]string) error

	// Download reads count bytes of the blob from offset. A count of
	// zero reads to the end.
	Download(ctx context.Context, container, name string, offset, count int64) (io.ReadCloser, error)

	// Size returns the length of the blob in bytes.
	Size(ctx context.Context, container, name string) (int64, error)

	// Delete removes the blob.
	Delete(ctx context.Context, container, name string) error
}

// BackendType identifies a Store implementation.
type BackendType string

const (
	AzureBackend BackendType = "azure"
	FileBackend  BackendType = "file"
)

const (
	fileScheme = "file://"

	// DevelopmentStorage selects the local storage emulator.
	DevelopmentStorage = "UseDevelopmentStorage=true"
)

// ParseBackend returns the backend a connection string refers to.
func ParseBackend(connectionString string) (BackendType, error) {
	switch {
	case connectionString == "":
		return "", errors.NotValidf("empty connection string")
	case strings.HasPrefix(connectionString, fileScheme):
		return FileBackend, nil
	case connectionString == DevelopmentStorage,
		strings.Contains(connectionString, "AccountName="):
		return AzureBackend, nil
	}
	return "", errors.NotValidf("connection string")
}

// NewStore returns the Store a connection string refers to. Connection
// strings of the form file:///path keep blobs on the local filesystem.
func NewStore(connectionString string) (Store, error) {
	backend, err := ParseBackend(connectionString)
	if err != nil {
		return nil, errors.Trace(err)
	}
	switch backend {
	case FileBackend:
		return NewFileStore(strings.TrimPrefix(connectionString, fileScheme)), nil
	case AzureBackend:
		store, err := NewAzureStore(connectionString)
		return store, errors.Trace(err)
	}
	return nil, errors.NotValidf("backend %q", backend)
}
