// Package storage mirrors finished output files to an S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/AIAleph/addrscreen/internal/logging"
)

// Options locate the bucket.
type Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// objectAPI is the slice of *minio.Client the mirror uses.
type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Mirror uploads output files.
type Mirror struct {
	api    objectAPI
	bucket string
	prefix string
	host   string
}

// New connects to the endpoint and makes sure the bucket exists.
func New(ctx context.Context, opts Options) (*Mirror, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, errors.New("storage: endpoint and bucket are required")
	}
	cli, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: client: %w", err)
	}
	return newMirror(ctx, cli, cli.EndpointURL().Host, opts)
}

func newMirror(ctx context.Context, api objectAPI, host string, opts Options) (*Mirror, error) {
	exists, err := api.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: bucket check: %w", err)
	}
	if !exists {
		if err := api.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("storage: make bucket: %w", err)
		}
	}
	return &Mirror{
		api:    api,
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
		host:   host,
	}, nil
}

// Key is the object name for a local file.
func (m *Mirror) Key(localPath string) string {
	name := filepath.Base(localPath)
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

// Upload copies localPath into the bucket and returns its object URL.
func (m *Mirror) Upload(ctx context.Context, localPath string) (string, error) {
	key := m.Key(localPath)
	info, err := m.api.FPutObject(ctx, m.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentType(localPath),
	})
	if err != nil {
		return "", fmt.Errorf("storage: upload %s: %w", key, err)
	}
	url := fmt.Sprintf("%s/%s/%s", m.host, m.bucket, key)
	logging.Logger().Info("output_mirrored",
		"component", "storage",
		"bucket", m.bucket,
		"key", key,
		"bytes", info.Size,
	)
	return url, nil
}

func contentType(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	case ".log":
		return "text/plain"
	}
	return "application/octet-stream"
}
