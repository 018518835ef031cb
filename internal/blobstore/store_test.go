// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package blobstore_test

import (
	"context"
	"io"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/mongorole/internal/blobstore"
)

type storeSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&storeSuite{})

func (s *storeSuite) TestParseBackend(c *gc.C) {
	for in, want := range map[string]blobstore.BackendType{
		"file:///var/lib/blobs":      blobstore.FileBackend,
		"UseDevelopmentStorage=true": blobstore.AzureBackend,
		"DefaultEndpointsProtocol=https;AccountName=acct;AccountKey=a2V5": blobstore.AzureBackend,
	} {
		backend, err := blobstore.ParseBackend(in)
		c.Check(err, jc.ErrorIsNil)
		c.Check(backend, gc.Equals, want)
	}
	_, err := blobstore.ParseBackend("")
	c.Check(err, jc.ErrorIs, errors.NotValid)
	_, err = blobstore.ParseBackend("s3://bucket")
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *storeSuite) TestNewStoreFile(c *gc.C) {
	store, err := blobstore.NewStore("file://" + c.MkDir())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(store, gc.FitsTypeOf, &blobstore.FileStore{})
}

func (s *storeSuite) TestNewStoreAzure(c *gc.C) {
	store, err := blobstore.NewStore(blobstore.DevelopmentStorage)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(store, gc.FitsTypeOf, &blobstore.AzureStore{})
}

type fileStoreSuite struct {
	testing.IsolationSuite

	store *blobstore.FileStore
}

var _ = gc.Suite(&fileStoreSuite{})

func (s *fileStoreSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.store = blobstore.NewFileStore(c.MkDir())
}

func (s *fileStoreSuite) TestListMissingContainer(c *gc.C) {
	_, err := s.store.List(context.Background(), "mongobackups", "")
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *fileStoreSuite) TestUploadMissingContainer(c *gc.C) {
	err := s.store.Upload(context.Background(), "mongobackups", "a.tar", strings.NewReader("x"), nil)
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *fileStoreSuite) TestRoundTrip(c *gc.C) {
	ctx := context.Background()
	c.Assert(s.store.EnsureContainer(ctx, "mongobackups"), jc.ErrorIsNil)
	c.Assert(s.store.EnsureContainer(ctx, "mongobackups"), jc.ErrorIsNil)

	err := s.store.Upload(ctx, "mongobackups", "backup_2024-5-6_7-8.tar", strings.NewReader("archive"), map[string]string{
		"FileName":  "backup_2024-5-6_7-8.tar",
		"Submitter": "BlobBackup",
	})
	c.Assert(err, jc.ErrorIsNil)
	err = s.store.Upload(ctx, "mongobackups", "d/r/i/mongod.log", strings.NewReader("log line\n"), nil)
	c.Assert(err, jc.ErrorIsNil)

	blobs, err := s.store.List(ctx, "mongobackups", "")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(blobs, gc.HasLen, 2)
	c.Check(blobs[0].Name, gc.Equals, "backup_2024-5-6_7-8.tar")
	c.Check(blobs[0].Size, gc.Equals, int64(7))
	c.Check(blobs[0].Metadata, jc.DeepEquals, map[string]string{
		"FileName":  "backup_2024-5-6_7-8.tar",
		"Submitter": "BlobBackup",
	})
	c.Check(blobs[1].Name, gc.Equals, "d/r/i/mongod.log")
	c.Check(blobs[1].Metadata, gc.IsNil)

	blobs, err = s.store.List(ctx, "mongobackups", "d/")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(blobs, gc.HasLen, 1)

	size, err := s.store.Size(ctx, "mongobackups", "d/r/i/mongod.log")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(size, gc.Equals, int64(9))

	r, err := s.store.Download(ctx, "mongobackups", "backup_2024-5-6_7-8.tar", 2, 3)
	c.Assert(err, jc.ErrorIsNil)
	data, err := io.ReadAll(r)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(r.Close(), jc.ErrorIsNil)
	c.Check(string(data), gc.Equals, "chi")

	r, err = s.store.Download(ctx, "mongobackups", "backup_2024-5-6_7-8.tar", 4, 0)
	c.Assert(err, jc.ErrorIsNil)
	data, err = io.ReadAll(r)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(r.Close(), jc.ErrorIsNil)
	c.Check(string(data), gc.Equals, "ive")

	c.Assert(s.store.Delete(ctx, "mongobackups", "backup_2024-5-6_7-8.tar"), jc.ErrorIsNil)
	err = s.store.Delete(ctx, "mongobackups", "backup_2024-5-6_7-8.tar")
	c.Check(err, jc.ErrorIs, errors.NotFound)
	_, err = s.store.Download(ctx, "mongobackups", "backup_2024-5-6_7-8.tar", 0, 0)
	c.Check(err, jc.ErrorIs, errors.NotFound)
	_, err = s.store.Size(ctx, "mongobackups", "backup_2024-5-6_7-8.tar")
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *fileStoreSuite) TestInvalidNames(c *gc.C) {
	ctx := context.Background()
	c.Check(s.store.EnsureContainer(ctx, "a/b"), jc.ErrorIs, errors.NotValid)
	c.Check(s.store.EnsureContainer(ctx, ".metadata"), jc.ErrorIs, errors.NotValid)
	c.Assert(s.store.EnsureContainer(ctx, "c"), jc.ErrorIsNil)
	err := s.store.Upload(ctx, "c", "", strings.NewReader(""), nil)
	c.Check(err, jc.ErrorIs, errors.NotValid)
}
