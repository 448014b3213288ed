package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/models"
)

// S3Provider stores archives in an S3-compatible bucket. A custom endpoint
// supports self-hosted object stores (MinIO and friends); those typically
// need path-style addressing.
type S3Provider struct {
	Bucket   string
	client   *s3.Client
	uploader *manager.Uploader
}

func NewS3Provider(ctx context.Context, cfg config.SnapshotConfig) (*S3Provider, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 provider requires a bucket")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Provider{
		Bucket:   cfg.S3Bucket,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// Upload streams the archive into the bucket. The multipart upload commits
// only when the stream completes; an aborted stream leaves no object.
func (p *S3Provider) Upload(ctx context.Context, key string, r io.Reader, metadata map[string]string) (string, error) {
	_, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(p.Bucket),
		Key:      aws.String(key),
		Body:     r,
		Metadata: metadata,
	})
	if err != nil {
		return "", models.Transient(fmt.Errorf("upload s3://%s/%s: %w", p.Bucket, key, err))
	}
	return key, nil
}

func (p *S3Provider) Download(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(storagePath),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, models.NotFound(fmt.Errorf("archive %s does not exist", storagePath))
		}
		return nil, models.Transient(fmt.Errorf("download s3://%s/%s: %w", p.Bucket, storagePath, err))
	}
	return out.Body, nil
}

func (p *S3Provider) Delete(ctx context.Context, storagePath string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(storagePath),
	})
	if err != nil {
		return models.Transient(fmt.Errorf("delete s3://%s/%s: %w", p.Bucket, storagePath, err))
	}
	return nil
}

func (p *S3Provider) Exists(ctx context.Context, storagePath string) (bool, error) {
	_, err := p.head(ctx, storagePath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (p *S3Provider) Metadata(ctx context.Context, storagePath string) (ObjectInfo, error) {
	head, err := p.head(ctx, storagePath)
	if err != nil {
		return ObjectInfo{}, err
	}
	info := ObjectInfo{}
	if head.ContentLength != nil {
		info.SizeBytes = *head.ContentLength
	}
	if head.LastModified != nil {
		info.LastModified = *head.LastModified
	}
	return info, nil
}

func (p *S3Provider) head(ctx context.Context, storagePath string) (*s3.HeadObjectOutput, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(storagePath),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, models.NotFound(fmt.Errorf("archive %s does not exist", storagePath))
		}
		return nil, models.Transient(fmt.Errorf("head s3://%s/%s: %w", p.Bucket, storagePath, err))
	}
	return out, nil
}
