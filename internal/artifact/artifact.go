// Package artifact copies finished job outputs to S3-compatible storage.
package artifact

import (
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"

	"github.com/kiranshivaraju/celljobs/internal/config"
	"github.com/kiranshivaraju/celljobs/internal/extract"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Publisher uploads a job's output directory under jobs/<id>/.
type S3Publisher struct {
	client *minio.Client
	bucket string
	region string
}

func NewS3Publisher(cfg config.ArtifactsConfig) (*S3Publisher, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Publisher{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (p *S3Publisher) EnsureBucket(ctx context.Context) error {
	exists, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", p.bucket, err)
	}
	if exists {
		return nil
	}
	if err := p.client.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{Region: p.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", p.bucket, err)
	}
	return nil
}

// Prefix is the object key prefix for a job's outputs.
func Prefix(jobID int64) string {
	return fmt.Sprintf("jobs/%d/", jobID)
}

// URI returns where Publish puts a job's outputs.
func (p *S3Publisher) URI(jobID int64) string {
	return "s3://" + p.bucket + "/" + Prefix(jobID)
}

// Publish uploads every regular file in dir and returns the job's URI.
func (p *S3Publisher) Publish(ctx context.Context, jobID int64, dir string) (string, error) {
	files, err := extract.ListOutputs(dir)
	if err != nil {
		return "", err
	}
	for _, f := range files {
		key := path.Join(Prefix(jobID), f.Name)
		opts := minio.PutObjectOptions{ContentType: contentType(f.Name)}
		if _, err := p.client.FPutObject(ctx, p.bucket, key, filepath.Join(dir, filepath.FromSlash(f.Name)), opts); err != nil {
			return "", fmt.Errorf("upload %s: %w", key, err)
		}
	}
	return p.URI(jobID), nil
}

// List returns the object keys stored for a job.
func (p *S3Publisher) List(ctx context.Context, jobID int64) ([]string, error) {
	var keys []string
	for obj := range p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{Prefix: Prefix(jobID), Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", Prefix(jobID), obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	if path.Ext(name) == ".log" {
		return "text/plain"
	}
	return "application/octet-stream"
}
