package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCS implements Store on a Google Cloud Storage bucket.
type GCS struct {
	client   *gcs.Client
	project  string
	bucket   string
	location string
}

// NewGCS creates a GCS-backed store. The bucket is created lazily by
// EnsureBucket in the given location (a region like "us-central1").
func NewGCS(ctx context.Context, project, bucket, location string) (*GCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &GCS{client: client, project: project, bucket: bucket, location: location}, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error { return g.client.Close() }

// EnsureBucket creates the bucket when it does not exist yet.
func (g *GCS) EnsureBucket(ctx context.Context) error {
	_, err := g.client.Bucket(g.bucket).Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gcs.ErrBucketNotExist) {
		return fmt.Errorf("bucket attrs %q: %w", g.bucket, err)
	}
	attrs := &gcs.BucketAttrs{Location: g.location}
	if err := g.client.Bucket(g.bucket).Create(ctx, g.project, attrs); err != nil {
		return fmt.Errorf("create bucket %q: %w", g.bucket, err)
	}
	return nil
}

// Put writes an object. GCS object writes are atomic: readers see either
// the old generation or the new one, never a partial object.
func (g *GCS) Put(ctx context.Context, key string, data []byte) error {
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	return nil
}

// Get reads an object; absence is reported via the boolean.
func (g *GCS) Get(ctx context.Context, key string) ([]byte, bool, error) {
	r, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("open %q: %w", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, fmt.Errorf("read %q: %w", key, err)
	}
	return data, true, nil
}

// List returns all object names under prefix.
func (g *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}
