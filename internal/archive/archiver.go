package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"bulk-action-pipeline/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, key string, body io.Reader) (string, error)
}

// Archiver moves fully streamed source files out of the upload directory,
// either to a local archive dir or to an S3-compatible bucket.
type Archiver struct {
	dest uploader
	log  *logrus.Logger
}

// New picks the S3 uploader when a bucket is configured, the local dir
// otherwise.
func New(ctx context.Context, cfg config.Config, log *logrus.Logger) (*Archiver, error) {
	if cfg.S3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archiver{dest: &s3Uploader{client: client, bucket: cfg.S3Bucket}, log: log}, nil
	}
	return &Archiver{dest: &localUploader{baseDir: cfg.ArchiveDir}, log: log}, nil
}

// Archive stores the file under a key derived from the action id and removes
// the original from the upload directory.
func (a *Archiver) Archive(ctx context.Context, filePath, actionID string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open source file: %w", err)
	}
	defer f.Close()

	key := filepath.ToSlash(filepath.Join("actions", actionID, filepath.Base(filePath)))
	location, err := a.dest.Upload(ctx, key, f)
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", filePath, err)
	}

	if err := os.Remove(filePath); err != nil {
		a.log.WithError(err).WithField("path", filePath).Warn("archived file could not be removed from upload dir")
	}
	a.log.WithFields(logrus.Fields{
		"action_id": actionID,
		"location":  location,
	}).Info("source file archived")
	return location, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					HostnameImmutable: cfg.S3PathStyle,
					SigningRegion:     cfg.S3Region,
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
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body io.Reader) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, body); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body io.Reader) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
