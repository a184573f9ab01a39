package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"time"

	"taoj/pkg/errors"
)

// MemoryStorage is an in-memory ObjectStorage for tests.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte)}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

func (m *MemoryStorage) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	data, err := m.ReadFile(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStorage) ReadFile(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[objectKey(bucket, key)]
	if !ok {
		return nil, errors.Newf(errors.ObjectNotFound, "object %s/%s not found", bucket, key)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStorage) PutObject(_ context.Context, bucket, key string, reader io.Reader, _ int64) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return errors.Wrap(err, errors.UploadFailed)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectKey(bucket, key)] = data
	return nil
}

func (m *MemoryStorage) DownloadFile(ctx context.Context, bucket, key, localPath string) error {
	data, err := m.ReadFile(ctx, bucket, key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(localPath, data, 0640); err != nil {
		return errors.Wrap(err, errors.DownloadFailed)
	}
	return nil
}

func (m *MemoryStorage) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	data, err := m.ReadFile(ctx, srcBucket, srcKey)
	if err != nil {
		return err
	}
	return m.PutObject(ctx, dstBucket, dstKey, bytes.NewReader(data), int64(len(data)))
}

func (m *MemoryStorage) RemoveObject(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, objectKey(bucket, key))
	return nil
}

func (m *MemoryStorage) PresignGet(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://storage.test/" + objectKey(bucket, key) + "?X-Amz-Signature=get", nil
}

func (m *MemoryStorage) PresignPut(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://storage.test/" + objectKey(bucket, key) + "?X-Amz-Signature=put", nil
}

// Has reports whether the object exists.
func (m *MemoryStorage) Has(bucket, key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[objectKey(bucket, key)]
	return ok
}
