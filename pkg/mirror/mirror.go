// Package mirror uploads materialized archive files to S3 as an
// off-site copy. Mirroring is best-effort: a failed upload is logged
// and never fails the job that produced the file.
package mirror

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/tgvault/tgvault/pkg/errors"
)

// Uploader mirrors local archive files into an S3 bucket.
type Uploader struct {
	s3Client *s3.Client
	bucket   string
	prefix   string
}

// NewUploader creates an S3 mirror uploader using the default
// credential chain.
func NewUploader(ctx context.Context, bucket, region, prefix string) (*Uploader, error) {
	slog.Info("mirror_init", "bucket", bucket, "region", region, "prefix", prefix)

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Uploader{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
	}, nil
}

// Upload copies localPath to the bucket under its path relative to
// archiveRoot, so the mirror reproduces the on-disk layout.
func (u *Uploader) Upload(ctx context.Context, localPath, archiveRoot string) error {
	rel, err := filepath.Rel(archiveRoot, localPath)
	if err != nil {
		rel = filepath.Base(localPath)
	}
	key := filepath.ToSlash(rel)
	if u.prefix != "" {
		key = u.prefix + "/" + key
	}

	f, err := os.Open(localPath)
	if err != nil {
		slog.Error("mirror_open_failed", "path", localPath, "error", err)
		return errors.Wrap(err, "failed to open file for mirror")
	}
	defer f.Close()

	slog.Info("mirror_upload_start", "bucket", u.bucket, "key", key)

	_, err = u.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		slog.Error("mirror_upload_failed", "bucket", u.bucket, "key", key, "error", err)
		return errors.Wrap(err, "failed to upload to mirror")
	}

	slog.Info("mirror_upload_complete", "bucket", u.bucket, "key", key)
	return nil
}
