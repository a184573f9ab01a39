// Package storage provides the blob store the judging pipeline uses for
// problem data, judge plans and submission artifacts.
//
// Layout: problem data lives under <problem_id>/<filename> in the problems
// bucket, judge plans under plans/<problem_id>.json, and per-submission
// artifacts under <submission_id>/<filename> in the artifacts bucket.
package storage

import (
	"context"
	"io"
	"time"
)

// Buckets names the three buckets the pipeline uses.
type Buckets struct {
	Problems    string `yaml:"problems"`
	Submissions string `yaml:"submissions"`
	Artifacts   string `yaml:"artifacts"`
}

// ObjectStorage is the blob store contract. Presigned URLs let runners fetch
// and upload objects without holding storage credentials.
type ObjectStorage interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	ReadFile(ctx context.Context, bucket, key string) ([]byte, error)
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) error
	DownloadFile(ctx context.Context, bucket, key, localPath string) error
	CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	RemoveObject(ctx context.Context, bucket, key string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	PresignPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// PlanKey is where a problem's judge plan is stored in the problems bucket.
func PlanKey(problemID string) string {
	return "plans/" + problemID + ".json"
}

// ProblemZipKey is where a problem's data archive is stored.
func ProblemZipKey(problemID string) string {
	return problemID + ".zip"
}
