package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Options configures an S3-compatible backend. Empty credentials fall back
// to the default AWS provider chain.
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Backend stores objects in an S3-compatible bucket.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ Backend = (*S3Backend)(nil)

// NewS3 creates an S3-backed object store.
func NewS3(ctx context.Context, opts S3Options) (*S3Backend, error) {
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(opts.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if opts.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Backend{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
	}, nil
}

func (s *S3Backend) Put(ctx context.Context, key string, data io.Reader) error {
	objKey := s.objectKey(key)
	input := &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &objKey,
		Body:   data,
	}
	if ct := contentTypeFor(key); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

func (s *S3Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	objKey := s.objectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &objKey,
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	return out.Body, nil
}

// Append is read-modify-write: S3 has no append primitive. The .jsonl
// streams this serves are single-writer, so the window is harmless.
func (s *S3Backend) Append(ctx context.Context, key string, data []byte) error {
	var existing []byte
	rc, err := s.Get(ctx, key)
	switch {
	case err == nil:
		existing, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("s3 read for append: %w", err)
		}
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}

	return s.Put(ctx, key, bytes.NewReader(append(existing, data...)))
}

func (s *S3Backend) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	objKey := s.objectKey(key)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &objKey,
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("stat %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("s3 head object: %w", err)
	}
	return &ObjectInfo{
		Key:     key,
		Size:    aws.ToInt64(out.ContentLength),
		ModTime: aws.ToTime(out.LastModified),
	}, nil
}

func (s *S3Backend) Delete(ctx context.Context, key string) error {
	objKey := s.objectKey(key)
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &objKey,
	}); err != nil {
		return fmt.Errorf("s3 delete object: %w", err)
	}
	return nil
}

func (s *S3Backend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	objPrefix := s.objectKey(prefix)
	if objPrefix != "" && !strings.HasSuffix(objPrefix, "/") {
		objPrefix += "/"
	}

	var infos []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &objPrefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list objects: %w", err)
		}
		for _, obj := range page.Contents {
			infos = append(infos, ObjectInfo{
				Key:     s.relKey(aws.ToString(obj.Key)),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return infos, nil
}

func (s *S3Backend) Close() error { return nil }

func (s *S3Backend) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3Backend) relKey(objKey string) string {
	if s.prefix == "" {
		return objKey
	}
	return strings.TrimPrefix(objKey, s.prefix+"/")
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return strings.EqualFold(code, "NotFound") || strings.EqualFold(code, "NoSuchKey")
	}
	return false
}

func contentTypeFor(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".jsonl"):
		return "application/x-ndjson"
	case strings.HasSuffix(key, ".txt"), strings.HasSuffix(key, ".patch"):
		return "text/plain; charset=utf-8"
	}
	return mime.TypeByExtension(path.Ext(key))
}
