package pipeline

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/paperflow/internal/apperr"
	"github.com/Lllllllleong/paperflow/internal/gcp"
)

// GCSBlobStore implements BlobStore on Cloud Storage.
type GCSBlobStore struct {
	client     *storage.Client
	textBucket string
}

// NewGCSBlobStore wraps a storage client. textBucket receives externalized
// final translations.
func NewGCSBlobStore(client *storage.Client, textBucket string) (*GCSBlobStore, error) {
	if textBucket == "" {
		return nil, fmt.Errorf("NewGCSBlobStore: textBucket must be set")
	}
	return &GCSBlobStore{client: client, textBucket: textBucket}, nil
}

func (b *GCSBlobStore) Download(ctx context.Context, gcsURI, destPath string) error {
	const op = "blob.Download"
	bucket, object, err := gcp.ParseGCSUri(gcsURI)
	if err != nil {
		return apperr.E(apperr.Validation, op, err)
	}
	if err := gcp.DownloadGCSObject(ctx, b.client, bucket, object, destPath); err != nil {
		return apperr.E(apperr.Infrastructure, op, err)
	}
	return nil
}

func (b *GCSBlobStore) UploadText(ctx context.Context, objectName, content string) (string, error) {
	const op = "blob.UploadText"
	handle := b.client.Bucket(b.textBucket)
	if err := gcp.SaveToGCSAtomically(ctx, handle, objectName, content); err != nil {
		return "", apperr.E(apperr.Infrastructure, op, err)
	}
	return fmt.Sprintf("gs://%s/%s", b.textBucket, objectName), nil
}
