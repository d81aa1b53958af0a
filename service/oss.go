package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/milanziuziakowski/video-creator-sub000/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// ObjectStore is the MinIO backed AssetStore.
type ObjectStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration
	http   *http.Client
	logger *zerolog.Logger

	bucketOnce sync.Once
	bucketErr  error
}

// NewObjectStore 初始化 MinIO 连接
func NewObjectStore(cfg config.MinIOConfig, logger *zerolog.Logger) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	logger.Info().Str("endpoint", cfg.Endpoint).Str("bucket", cfg.Bucket).Msg("minio client ready")
	return &ObjectStore{
		client: client,
		bucket: cfg.Bucket,
		expiry: cfg.URLExpiry,
		http:   &http.Client{Timeout: 10 * time.Minute},
		logger: logger,
	}, nil
}

func (o *ObjectStore) ensureBucket(ctx context.Context) error {
	o.bucketOnce.Do(func() {
		exists, err := o.client.BucketExists(ctx, o.bucket)
		if err != nil {
			o.bucketErr = fmt.Errorf("check bucket: %w", err)
			return
		}
		if !exists {
			if err := o.client.MakeBucket(ctx, o.bucket, minio.MakeBucketOptions{}); err != nil {
				o.bucketErr = fmt.Errorf("create bucket: %w", err)
				return
			}
			o.logger.Info().Str("bucket", o.bucket).Msg("bucket created")
		}
	})
	return o.bucketErr
}

// contentType 根据扩展名推断 ContentType
func contentType(objectName string) string {
	switch strings.ToLower(filepath.Ext(objectName)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".m4a":
		return "audio/mp4"
	}
	return "application/octet-stream"
}

func isRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// Put uploads r under objectName and returns the object name as the ref.
// size -1 means unknown.
func (o *ObjectStore) Put(ctx context.Context, objectName string, r io.Reader, size int64) (string, error) {
	if err := o.ensureBucket(ctx); err != nil {
		return "", err
	}
	_, err := o.client.PutObject(ctx, o.bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType: contentType(objectName),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", objectName, err)
	}
	o.logger.Debug().Str("object", objectName).Msg("object uploaded")
	return objectName, nil
}

func (o *ObjectStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if isRemote(ref) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, err
		}
		resp, err := o.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", ref, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("download %s: status %d", ref, resp.StatusCode)
		}
		return resp.Body, nil
	}
	obj, err := o.client.GetObject(ctx, o.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ref, err)
	}
	return obj, nil
}

// Mirror copies a provider download URL into the bucket. Provider URLs
// expire, stored objects do not.
func (o *ObjectStore) Mirror(ctx context.Context, objectName, sourceURL string) (string, error) {
	body, err := o.Open(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	defer body.Close()
	return o.Put(ctx, objectName, body, -1)
}

// URL returns something an external provider can fetch: remote refs as is,
// object names as presigned GET URLs.
func (o *ObjectStore) URL(ctx context.Context, ref string) (string, error) {
	if isRemote(ref) {
		return ref, nil
	}
	u, err := o.client.PresignedGetObject(ctx, o.bucket, ref, o.expiry, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", ref, err)
	}
	return u.String(), nil
}
