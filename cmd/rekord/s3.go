package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/mmp/rekord/internal/blobstore"
)

// openS3Store builds an S3-compatible Store from a repository string of the
// form s3://bucket/prefix, with the endpoint and region (for S3-compatible
// services other than AWS itself) taken from REKORD_S3_ENDPOINT and
// REKORD_S3_REGION, following the same "environment variables the CLI
// consults, never the core" split as REPOSITORY/PASSWORD.
func openS3Store(repository string) (blobstore.Store, error) {
	u, err := url.Parse(repository)
	if err != nil {
		return nil, fmt.Errorf("invalid repository url %q: %w", repository, err)
	}
	bucket := u.Host
	if bucket == "" {
		return nil, fmt.Errorf("invalid repository url %q: missing bucket", repository)
	}
	prefix := strings.TrimPrefix(u.Path, "/")

	opts := blobstore.S3Options{
		Bucket:   bucket,
		Prefix:   prefix,
		Region:   os.Getenv("REKORD_S3_REGION"),
		Endpoint: os.Getenv("REKORD_S3_ENDPOINT"),
	}

	store, err := blobstore.NewS3(context.Background(), opts)
	if err != nil {
		return nil, err
	}
	return blobstore.NewRetrying(store), nil
}
