// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package blobstore

import (
	"context"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/juju/errors"
)

// developmentConnectionString is the well known account of the local
// storage emulator.
const developmentConnectionString = "DefaultEndpointsProtocol=http;" +
	"AccountName=devstoreaccount1;" +
	"AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==;" +
	"BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1;"

// AzureStore keeps blobs in an Azure storage account.
type AzureStore struct {
	client *azblob.Client
}

var _ Store = (*AzureStore)(nil)

// NewAzureStore returns a store for the account in the connection
// string.
func NewAzureStore(connectionString string) (*AzureStore, error) {
	if connectionString == DevelopmentStorage {
		connectionString = developmentConnectionString
	}
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, errors.Annotate(err, "creating blob client")
	}
	return &AzureStore{client: client}, nil
}

// EnsureContainer is part of the Store interface.
func (s *AzureStore) EnsureContainer(ctx context.Context, container string) error {
	_, err := s.client.CreateContainer(ctx, container, nil)
	if err == nil {
		logger.Debugf("created container %q", container)
		return nil
	}
	if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil
	}
	return errors.Annotatef(err, "creating container %q", container)
}

// List is part of the Store interface.
func (s *AzureStore) List(ctx context.Context, container, prefix string) ([]BlobInfo, error) {
	opts := &azblob.ListBlobsFlatOptions{
		Include: azblob.ListBlobsInclude{Metadata: true},
	}
	if prefix != "" {
		opts.Prefix = to.Ptr(prefix)
	}
	var blobs []BlobInfo
	pager := s.client.NewListBlobsFlatPager(container, opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if bloberror.HasCode(err, bloberror.ContainerNotFound) {
			return nil, errors.NotFoundf("container %q", container)
		} else if err != nil {
			return nil, errors.Annotatef(err, "listing container %q", container)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			info := BlobInfo{
				Name:     *item.Name,
				Metadata: fromMetadata(item.Metadata),
			}
			if props := item.Properties; props != nil {
				if props.ContentLength != nil {
					info.Size = *props.ContentLength
				}
				if props.LastModified != nil {
					info.LastModified = *props.LastModified
				}
			}
			blobs = append(blobs, info)
		}
	}
	return blobs, nil
}

// Upload is part of the Store interface.
func (s *AzureStore) Upload(ctx context.Context, container, name string, r io.Reader, metadata map[string]string) error {
	_, err := s.client.UploadStream(ctx, container, name, r, &azblob.UploadStreamOptions{
		Metadata: toMetadata(metadata),
	})
	return errors.Annotatef(err, "uploading %s/%s", container, name)
}

// Download is part of the Store interface.
func (s *AzureStore) Download(ctx context.Context, container, name string, offset, count int64) (io.ReadCloser, error) {
	resp, err := s.client.DownloadStream(ctx, container, name, &azblob.DownloadStreamOptions{
		Range: azblob.HTTPRange{Offset: offset, Count: count},
	})
	if isNotFound(err) {
		return nil, errors.NotFoundf("blob %s/%s", container, name)
	} else if err != nil {
		return nil, errors.Annotatef(err, "downloading %s/%s", container, name)
	}
	return resp.Body, nil
}

// Size is part of the Store interface.
func (s *AzureStore) Size(ctx context.Context, container, name string) (int64, error) {
	blob := s.client.ServiceClient().NewContainerClient(container).NewBlobClient(name)
	props, err := blob.GetProperties(ctx, nil)
	if isNotFound(err) {
		return 0, errors.NotFoundf("blob %s/%s", container, name)
	} else if err != nil {
		return 0, errors.Annotatef(err, "getting properties of %s/%s", container, name)
	}
	if props.ContentLength == nil {
		return 0, nil
	}
	return *props.ContentLength, nil
}

// Delete is part of the Store interface.
func (s *AzureStore) Delete(ctx context.Context, container, name string) error {
	_, err := s.client.DeleteBlob(ctx, container, name, nil)
	if isNotFound(err) {
		return errors.NotFoundf("blob %s/%s", container, name)
	}
	return errors.Annotatef(err, "deleting %s/%s", container, name)
}

func isNotFound(err error) bool {
	return bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound)
}

func toMetadata(in map[string]string) map[string]*string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]*string, len(in))
	for k, v := range in {
		out[k] = to.Ptr(v)
	}
	return out
}

func fromMetadata(in map[string]*string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}
