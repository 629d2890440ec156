package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"courseforge/internal/config"
	"courseforge/internal/models"
)

// S3Backend stores course documents as JSON objects under courses/ and binary
// assets under assets/.
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewS3 builds the S3 backend, honoring a custom endpoint for
// MinIO/localstack setups.
func NewS3(ctx context.Context, cfg config.Config) (*S3Backend, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArtifactS3Region),
	}
	if cfg.ArtifactS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArtifactS3Endpoint,
					HostnameImmutable: cfg.ArtifactS3PathStyle,
					SigningRegion:     cfg.ArtifactS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	})
	return &S3Backend{client: client, bucket: cfg.ArtifactS3Bucket}, nil
}

func courseKey(courseID string) string {
	return fmt.Sprintf("courses/%s.json", courseID)
}

func (b *S3Backend) PutCourse(ctx context.Context, course models.Course) error {
	body, err := json.Marshal(course)
	if err != nil {
		return fmt.Errorf("marshal course: %w", err)
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(courseKey(course.ID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put course object: %w", err)
	}
	return nil
}

func (b *S3Backend) GetCourse(ctx context.Context, courseID string) (models.Course, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(courseKey(courseID)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return models.Course{}, ErrNotFound
		}
		return models.Course{}, fmt.Errorf("get course object: %w", err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return models.Course{}, fmt.Errorf("read course object: %w", err)
	}
	var course models.Course
	if err := json.Unmarshal(body, &course); err != nil {
		return models.Course{}, fmt.Errorf("unmarshal course: %w", err)
	}
	return course, nil
}

func (b *S3Backend) PutAsset(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = "assets/" + key
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put asset object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", b.bucket, key), nil
}
