package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sethvargo/go-retry"

	"github.com/mihailsb/convsync/internal/common"
)

// Function seams for tests: swapping these lets unit tests stub the AWS SDK
// without a network.
var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// S3Config carries connection settings for an S3-compatible endpoint
// (AWS S3, MinIO, or any other provider speaking the same API).
type S3Config struct {
	Region       string
	Bucket       string
	BaseEndpoint string
	AccessKey    string
	SecretKey    string

	// RootPrefix is the folder under which all sync objects live,
	// e.g. "convsync/". May be empty.
	RootPrefix string
}

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store implements ObjectStore over an S3 bucket. Transient request
// failures are retried with jittered exponential backoff; NotFound is mapped
// to common.ErrObjectNotFound so callers never see SDK error types.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store builds a client from the given settings. Credentials are static
// (access/secret key), matching how S3-compatible stores hand them out.
func NewS3Store(ctx context.Context, c S3Config) (*S3Store, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(c.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			c.AccessKey,
			c.SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if c.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(c.BaseEndpoint)
		}
		o.UsePathStyle = c.BaseEndpoint != ""
	})

	return &S3Store{client: client, bucket: c.Bucket, prefix: c.RootPrefix}, nil
}

// NewS3StoreWithClient wires an existing client, used by tests.
func NewS3StoreWithClient(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) key(k string) string {
	return s.prefix + k
}

func (s *S3Store) backoff() retry.Backoff {
	b := retry.NewExponential(200 * time.Millisecond)
	b = retry.WithJitterPercent(20, b)
	return retry.WithMaxRetries(4, b)
}

// retryable wraps transient failures so go-retry attempts them again.
// NotFound and context cancellation are permanent.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isNotFound(err) {
		return err
	}
	return retry.RetryableError(err)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		code := ae.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	full := s.key(key)
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(full),
			Body:     bytes.NewReader(data),
			Metadata: meta,
		})
		return retryable(err)
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, map[string]string, error) {
	full := s.key(key)
	var data []byte
	var meta map[string]string

	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(full),
		})
		if err != nil {
			return retryable(err)
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		meta = out.Metadata
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, fmt.Errorf("get %s: %w", key, common.ErrObjectNotFound)
		}
		return nil, nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, meta, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (map[string]string, error) {
	full := s.key(key)
	var meta map[string]string

	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(full),
		})
		if err != nil {
			return retryable(err)
		}
		meta = out.Metadata
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("head %s: %w", key, common.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("head %s: %w", key, err)
	}
	return meta, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	full := s.key(prefix)
	var keys []string

	var token *string
	for {
		var out *s3.ListObjectsV2Output
		err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
			var err error
			out, err = s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.bucket),
				Prefix:            aws.String(full),
				ContinuationToken: token,
			})
			return retryable(err)
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			k := aws.ToString(obj.Key)
			keys = append(keys, k[len(s.prefix):])
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}

	return keys, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	full := s.key(key)
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(full),
		})
		return retryable(err)
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Quota sums object sizes under the root prefix. S3 has no per-bucket limit
// to report, so total is zero.
func (s *S3Store) Quota(ctx context.Context) (used, total int64, err error) {
	var token *string
	for {
		var out *s3.ListObjectsV2Output
		err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
			var err error
			out, err = s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.bucket),
				Prefix:            aws.String(s.prefix),
				ContinuationToken: token,
			})
			return retryable(err)
		})
		if err != nil {
			return 0, 0, fmt.Errorf("quota: %w", err)
		}
		for _, obj := range out.Contents {
			used += aws.ToInt64(obj.Size)
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	return used, 0, nil
}
