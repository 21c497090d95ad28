package storage

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vladm3105/tradegent/internal/config"
	"github.com/vladm3105/tradegent/pkg/common"
	loaders3 "github.com/vladm3105/tradegent/pkg/loader/s3"
)

// SubmissionPrefix is the key prefix of offloaded submission bodies.
const SubmissionPrefix = "submissions"

// ObjectAPI is the part of the S3 client the archive uses.
type ObjectAPI interface {
	loaders3.ObjectGetter
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

func NewS3Client(ctx context.Context, cfg config.S3) (*s3.Client, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: AWS_BUCKET is not set", common.ErrConfig)
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.Endpoint))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	}), nil
}

// Archive stores submission bodies too large to travel inside a queue
// message.
type Archive struct {
	bucket string
	client ObjectAPI
	now    func() time.Time
}

func NewArchive(bucket string, client ObjectAPI) *Archive {
	return &Archive{bucket: bucket, client: client, now: time.Now}
}

func (a *Archive) Bucket() string {
	return a.bucket
}

// Source returns a loader source over the same bucket. Build one per batch;
// the source caches bodies for its lifetime.
func (a *Archive) Source() *loaders3.S3Source {
	return loaders3.NewS3SourceWithClient(a.bucket, a.client)
}

// PutSubmission uploads body under submissions/<yyyy-mm>/<id>.<ext> and
// returns the key. The extension follows the content type; unknown types
// are stored as .txt.
func (a *Archive) PutSubmission(ctx context.Context, id string, body []byte, contentType string) (string, error) {
	id = strings.Trim(strings.ReplaceAll(id, "/", "_"), ".")
	if id == "" {
		return "", fmt.Errorf("%w: submission id is empty", common.ErrMalformed)
	}
	ext := extensionFor(contentType)
	key := path.Join(SubmissionPrefix, a.now().UTC().Format("2006-01"), id+ext)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(mimeFor(ext)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload submission to S3: %w", err)
	}
	return key, nil
}

func (a *Archive) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete file from S3: %w", err)
	}
	return nil
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".txt"
	}
	switch mediaType {
	case "application/json":
		return ".json"
	case "application/yaml", "application/x-yaml", "text/yaml":
		return ".yaml"
	case "text/markdown":
		return ".md"
	default:
		return ".txt"
	}
}

func mimeFor(ext string) string {
	switch ext {
	case ".yaml":
		return "application/yaml"
	case ".md":
		return "text/markdown"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "text/plain"
}
