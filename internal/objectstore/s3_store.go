package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const defaultRegion = "us-east-1"

// ErrBucketEmpty indicates an S3 backend configured without a bucket.
var ErrBucketEmpty = errors.New("s3 bucket name cannot be empty")

// S3Options configures an S3-compatible backend. A non-empty Endpoint switches
// to path-style addressing, as Backblaze B2 and MinIO expect.
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3ObjectStore implements Backend with the AWS SDK.
type S3ObjectStore struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
}

// NewS3ObjectStore builds the client. Static credentials are used when given,
// otherwise the default AWS credential chain applies.
func NewS3ObjectStore(ctx context.Context, opts S3Options) (*S3ObjectStore, error) {
	if opts.Bucket == "" {
		return nil, ErrBucketEmpty
	}

	region := opts.Region
	if region == "" {
		region = defaultRegion
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if opts.AccessKeyID != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// The gateway owns retries.
		o.RetryMaxAttempts = 1

		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3ObjectStore{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    opts.Bucket,
	}, nil
}

// Bucket returns the default bucket.
func (s *S3ObjectStore) Bucket() string {
	return s.bucket
}

// Get opens an object for reading.
func (s *S3ObjectStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketOrDefault(bucket)),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s3Error(fmt.Errorf("failed to get s3://%s/%s: %w", s.bucketOrDefault(bucket), key, err))
	}

	return out.Body, nil
}

// Put uploads data.
func (s *S3ObjectStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketOrDefault(bucket)),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	_, err := s.client.PutObject(ctx, input)
	if err != nil {
		return s3Error(fmt.Errorf("failed to put s3://%s/%s: %w", s.bucketOrDefault(bucket), key, err))
	}

	return nil
}

// Presign returns a SigV4 GET URL for obj valid for ttl.
func (s *S3ObjectStore) Presign(ctx context.Context, obj StoredObject, ttl time.Duration) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketOrDefault(obj.Bucket)),
		Key:    aws.String(obj.Key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", s3Error(fmt.Errorf("failed to presign s3://%s/%s: %w", s.bucketOrDefault(obj.Bucket), obj.Key, err))
	}

	return req.URL, nil
}

// List returns every object under prefix.
func (s *S3ObjectStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var objects []ObjectInfo

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s3Error(fmt.Errorf("failed to list s3://%s/%s: %w", s.bucket, prefix, err))
		}

		for _, object := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(object.Key),
				Size:         aws.ToInt64(object.Size),
				LastModified: aws.ToTime(object.LastModified),
			})
		}
	}

	return objects, nil
}

// CheckAccess issues HeadBucket.
func (s *S3ObjectStore) CheckAccess(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return s3Error(fmt.Errorf("failed to access bucket %s: %w", s.bucket, err))
	}

	return nil
}

func (s *S3ObjectStore) bucketOrDefault(bucket string) string {
	if bucket == "" {
		return s.bucket
	}

	return bucket
}

func s3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return fmt.Errorf("%w: %w", ErrObjectNotFound, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %w", ErrAccessDenied, err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return Transient(err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			return Transient(err)
		}
	}

	return err
}
