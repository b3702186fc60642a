// Package s3storage mirrors the artifacts of succeeded jobs to a MinIO/S3
// bucket.
package s3storage

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/markdrop/internal/config"
	"github.com/dharsanguruparan/markdrop/internal/logger"
	"github.com/dharsanguruparan/markdrop/internal/model"
)

const (
	markdownKey = "output.md"
	zipKey      = "output.zip"
	assetPrefix = "assets"
)

// Storage wraps the MinIO client and the artifact bucket.
type Storage struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a MinIO client from the S3 section of the config.
func New(cfg config.S3Config) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the artifact bucket when it is missing.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// ObjectKey is the key of one of a job's artifacts.
func ObjectKey(jobID, name string) string {
	return path.Join(jobID, name)
}

// Publish uploads output.md, the optional archive and every asset of a
// succeeded job under "<job_id>/".
func (s *Storage) Publish(ctx context.Context, record *model.JobRecord) error {
	a := record.Artifacts
	if record.Status != model.StatusSucceeded || a == nil {
		return nil
	}
	if err := s.upload(ctx, ObjectKey(record.JobID, markdownKey), a.OutputMDPath, "text/markdown; charset=utf-8"); err != nil {
		return err
	}
	if a.OutputZipPath != "" {
		if err := s.upload(ctx, ObjectKey(record.JobID, zipKey), a.OutputZipPath, "application/zip"); err != nil {
			return err
		}
	}
	count := 0
	err := filepath.WalkDir(a.AssetsDirPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(a.AssetsDirPath, p)
		if err != nil {
			return err
		}
		count++
		return s.upload(ctx, ObjectKey(record.JobID, path.Join(assetPrefix, filepath.ToSlash(rel))), p, "")
	})
	if err != nil {
		return fmt.Errorf("publish assets: %w", err)
	}
	logger.FromContext(ctx).WithField("assets", count).Infof("published artifacts to bucket %s", s.bucket)
	return nil
}

func (s *Storage) upload(ctx context.Context, key, file, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.FPutObject(ctx, s.bucket, key, file, opts); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// PresignURL returns a signed GET URL for one published artifact.
func (s *Storage) PresignURL(ctx context.Context, jobID, name string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, ObjectKey(jobID, name), expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", name, err)
	}
	return u.String(), nil
}
