package origin

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config configures an S3-compatible origin. Endpoint may point at a
// non-AWS S3-compatible service (e.g. MinIO); Region is still required by
// the SDK's signer even when Endpoint overrides the default AWS hosts.
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	UsePathStyle    bool
}

// S3Store implements ObjectStore against an S3-compatible endpoint using
// aws-sdk-go-v2, with AWS SigV4 request signing.
type S3Store struct {
	client *s3.Client
}

// NewS3Store builds an S3Store from cfg. When no static access key is
// configured it falls back to the SDK's default credential chain
// (environment, shared config, instance role).
func NewS3Store(cfg S3Config) (*S3Store, error) {
	var creds aws.CredentialsProvider
	if cfg.AccessKeyID != "" {
		creds = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("origin: loading default AWS config: %w", err)
		}
		creds = awsCfg.Credentials
	}

	client := s3.New(s3.Options{
		Region:       cfg.Region,
		Credentials:  creds,
		UsePathStyle: cfg.UsePathStyle,
		BaseEndpoint: aws.String(cfg.Endpoint),
	})
	return &S3Store{client: client}, nil
}

// Get fetches one object, applying an optional byte range and conditional
// If-None-Match. It maps S3 error responses onto the package-level
// sentinels so the pipeline doesn't need to know about AWS error types.
func (s *S3Store) Get(ctx context.Context, req GetRequest) (*GetResult, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(req.Bucket),
		Key:    aws.String(req.Key),
	}
	if req.Range != nil {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", req.Range.Start, req.Range.End))
	}
	if req.IfNoneMatch != "" {
		input.IfNoneMatch = aws.String(req.IfNoneMatch)
	}

	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		return nil, classifyError(err)
	}

	res := &GetResult{
		Body:       out.Body,
		StatusCode: 200,
	}
	if out.ContentType != nil {
		res.ContentType = *out.ContentType
	}
	if out.ETag != nil {
		res.ETag = *out.ETag
	}
	if out.LastModified != nil {
		res.LastModified = out.LastModified.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
	}
	if out.ContentLength != nil {
		res.ContentLength = *out.ContentLength
	}
	return res, nil
}

// Probe implements Prober with a HeadBucket round-trip: it exercises
// connectivity, signing, and bucket reachability without moving object data.
func (s *S3Store) Probe(ctx context.Context, bucket string) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		return classifyError(err)
	}
	return nil
}

func classifyError(err error) error {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return ErrNotFound
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.HTTPStatusCode() == 304:
			return ErrNotModified
		case respErr.HTTPStatusCode() == 404:
			return ErrNotFound
		case respErr.HTTPStatusCode() >= 500:
			return fmt.Errorf("%w: %s", ErrUnavailable, respErr.Error())
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrNotFound
		}
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
