package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/mmp/rekord/internal/rkerr"
)

// S3 is a Store backed by an S3-compatible object store, the cloud
// counterpart the teacher's storage/gcs.go fills for Google Cloud Storage.
// Where gcs.go buffers an entire pack file and retries the whole upload on
// failure, S3 relies on the SDK's own per-request retryer and reports the
// failures it classifies as transient as rkerr.KindTransient, so a
// Retrying wrapper (cmd/rekord wraps every S3 store in one) retries those
// operations again.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Options configures a new S3 Store.
type S3Options struct {
	Bucket string
	Prefix string // optional key prefix, e.g. a repository's name
	Region string
	// Endpoint overrides the default AWS endpoint resolution, for
	// S3-compatible services that are not AWS itself.
	Endpoint string
}

// NewS3 constructs a Store backed by the named bucket, using the default
// AWS credential chain (environment, shared config, IMDS) via
// aws-sdk-go-v2/config.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

func (s *S3) String() string { return "s3://" + s.bucket + "/" + s.prefix }

func (s *S3) key(path string) string {
	if s.prefix == "" {
		return path
	}
	return s.prefix + "/" + path
}

func isNotFoundErr(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var rnf *types.NotFound
	return errors.As(err, &rnf)
}

func isTransientErr(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() >= 500 || respErr.HTTPStatusCode() == 429
	}
	// Network-level errors (timeouts, connection resets) surface without
	// an HTTP status and are presumed transient.
	return !isNotFoundErr(err)
}

func (s *S3) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		if isNotFoundErr(err) {
			return nil, notFound(path, err)
		}
		if isTransientErr(err) {
			return nil, rkerr.Wrap(rkerr.KindTransient, err, "%s: get object", path)
		}
		return nil, fmt.Errorf("%s: get object: %w", path, err)
	}
	return out.Body, nil
}

func (s *S3) Write(ctx context.Context, path string, length int64, producer Producer) (int64, error) {
	if ok, err := s.ExistsSlow(ctx, path); err != nil {
		return 0, err
	} else if ok {
		return 0, alreadyExists(path)
	}

	var buf bytes.Buffer
	if err := producer(func(b []byte) error {
		buf.Write(b)
		return nil
	}); err != nil {
		return 0, err
	}

	// S3 PutObject with IfNoneMatch: "*" makes the create-if-absent check
	// atomic server-side instead of racing the ExistsSlow probe above
	// against a concurrent writer.
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(path)),
		Body:        bytes.NewReader(buf.Bytes()),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		var apiErr *smithyhttp.ResponseError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode() == 412 {
			return 0, alreadyExists(path)
		}
		if isTransientErr(err) {
			return 0, rkerr.Wrap(rkerr.KindTransient, err, "%s: put object", path)
		}
		return 0, fmt.Errorf("%s: put object: %w", path, err)
	}

	return int64(buf.Len()), nil
}

func (s *S3) ExistsFast(ctx context.Context, path string) bool {
	ok, _ := s.ExistsSlow(ctx, path)
	return ok
}

func (s *S3) ExistsSlow(ctx context.Context, path string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFoundErr(err) {
		return false, nil
	}
	if isTransientErr(err) {
		return false, rkerr.Wrap(rkerr.KindTransient, err, "%s: head object", path)
	}
	return false, fmt.Errorf("%s: head object: %w", path, err)
}

func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			if isTransientErr(err) {
				return nil, rkerr.Wrap(rkerr.KindTransient, err, "%s: list objects", prefix)
			}
			return nil, fmt.Errorf("%s: list objects: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if s.prefix != "" {
				key = key[len(s.prefix)+1:]
			}
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *S3) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		if isTransientErr(err) {
			return rkerr.Wrap(rkerr.KindTransient, err, "%s: delete object", path)
		}
		return fmt.Errorf("%s: delete object: %w", path, err)
	}
	return nil
}
