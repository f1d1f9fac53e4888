// Package warehouse pushes finished artifacts to Google Cloud Storage and
// registers them as BigQuery tables.
//
// The hand-off from the conversion stage is file-based: this package only
// ever reads completed artifacts from local storage, so warehouse
// availability cannot affect conversion correctness.
package warehouse

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/nber-i3/pvingest/internal/metrics"
)

// GCSUploader writes artifacts to a configured GCS bucket.
type GCSUploader struct {
	client *storage.Client
	bucket string
}

// NewGCSUploader creates a GCS-backed uploader.
func NewGCSUploader(client *storage.Client, bucket string) (*GCSUploader, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &GCSUploader{client: client, bucket: bucket}, nil
}

// UploadFile streams a local file to the named object and returns its
// gs:// URI. Kind labels the upload in metrics ("parquet" or "zip").
func (u *GCSUploader) UploadFile(ctx context.Context, localPath, object, contentType, kind string) (string, error) {
	if strings.TrimSpace(object) == "" {
		return "", fmt.Errorf("object name is required")
	}
	f, err := os.Open(localPath)
	if err != nil {
		metrics.ObserveUpload(kind, "failure")
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close() //nolint:errcheck // read side

	writer := u.client.Bucket(u.bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, f); err != nil {
		closeErr := writer.Close()
		metrics.ObserveUpload(kind, "failure")
		if closeErr != nil {
			return "", fmt.Errorf("upload object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("upload object: %w", err)
	}
	if err := writer.Close(); err != nil {
		metrics.ObserveUpload(kind, "failure")
		return "", fmt.Errorf("close writer: %w", err)
	}

	metrics.ObserveUpload(kind, "success")
	return fmt.Sprintf("gs://%s/%s", u.bucket, object), nil
}
