package storage

import (
	"context"
	"io"
	"time"

	"taoj/pkg/errors"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig holds object storage settings for MinIO.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`

	// PresignTTL controls default presigned URL lifetime.
	PresignTTL time.Duration `yaml:"presignTTL"`

	Buckets Buckets `yaml:"buckets"`
}

// MinIOStorage implements ObjectStorage using MinIO S3-compatible APIs.
type MinIOStorage struct {
	client *minio.Client
}

func NewMinIOStorage(cfg MinIOConfig) (*MinIOStorage, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New(errors.InvalidParams).WithMessage("minio endpoint is required")
	}
	if cfg.AccessKey == "" {
		return nil, errors.New(errors.InvalidParams).WithMessage("minio accessKey is required")
	}
	if cfg.SecretKey == "" {
		return nil, errors.New(errors.InvalidParams).WithMessage("minio secretKey is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.StorageError)
	}
	return &MinIOStorage{client: client}, nil
}

func (s *MinIOStorage) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, errors.DownloadFailed, "get %s/%s", bucket, key)
	}
	return obj, nil
}

func (s *MinIOStorage) ReadFile(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, errors.Newf(errors.ObjectNotFound, "object %s/%s not found", bucket, key)
		}
		return nil, errors.Wrapf(err, errors.DownloadFailed, "read %s/%s", bucket, key)
	}
	return data, nil
}

func (s *MinIOStorage) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) error {
	if reader == nil {
		return errors.New(errors.InvalidParams).WithMessage("reader is required")
	}
	_, err := s.client.PutObject(ctx, bucket, key, reader, size, minio.PutObjectOptions{})
	if err != nil {
		return errors.Wrapf(err, errors.UploadFailed, "put %s/%s", bucket, key)
	}
	return nil
}

func (s *MinIOStorage) DownloadFile(ctx context.Context, bucket, key, localPath string) error {
	if err := s.client.FGetObject(ctx, bucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return errors.Newf(errors.ObjectNotFound, "object %s/%s not found", bucket, key)
		}
		return errors.Wrapf(err, errors.DownloadFailed, "download %s/%s", bucket, key)
	}
	return nil
}

func (s *MinIOStorage) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dstBucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: srcBucket, Object: srcKey},
	)
	if err != nil {
		return errors.Wrapf(err, errors.StorageError, "copy %s/%s to %s/%s",
			srcBucket, srcKey, dstBucket, dstKey)
	}
	return nil
}

func (s *MinIOStorage) RemoveObject(ctx context.Context, bucket, key string) error {
	err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return errors.Wrapf(err, errors.StorageError, "remove %s/%s", bucket, key)
	}
	return nil
}

func (s *MinIOStorage) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, bucket, key, ttl, nil)
	if err != nil {
		return "", errors.Wrapf(err, errors.PresignFailed, "presign get %s/%s", bucket, key)
	}
	return u.String(), nil
}

func (s *MinIOStorage) PresignPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, bucket, key, ttl)
	if err != nil {
		return "", errors.Wrapf(err, errors.PresignFailed, "presign put %s/%s", bucket, key)
	}
	return u.String(), nil
}

var _ ObjectStorage = (*MinIOStorage)(nil)
