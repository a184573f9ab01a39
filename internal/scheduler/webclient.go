package scheduler

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"taoj/internal/task"
	"taoj/pkg/errors"
)

// WebConfig points at the web collaborator receiving status and result
// callbacks.
type WebConfig struct {
	BaseURL string `yaml:"baseURL"`
	Auth    string `yaml:"auth"`

	RequestTimeout time.Duration `yaml:"requestTimeout"`
	MaxElapsed     time.Duration `yaml:"maxElapsed"`
}

// WebClient pushes submission state to the web collaborator. Requests are
// retried with exponential backoff; callers only see an error once retries
// are exhausted.
type WebClient struct {
	cfg    *WebConfig
	client *http.Client
}

func NewWebClient(cfg *WebConfig) *WebClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 2 * time.Minute
	}
	return &WebClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// UpdateStatus reports a coarse submission state ("compiling", "judging").
func (w *WebClient) UpdateStatus(ctx context.Context, submissionID, status string) error {
	path := "api/submission/" + url.PathEscape(submissionID) + "/status"
	return w.put(ctx, path, []byte(status), "text/plain")
}

// PutResult delivers the final verdict.
func (w *WebClient) PutResult(ctx context.Context, submissionID string, res *task.ProblemJudgeResult) error {
	body, err := task.Marshal(res)
	if err != nil {
		return err
	}
	path := "api/submission/" + url.PathEscape(submissionID) + "/result"
	return w.put(ctx, path, body, "application/json")
}

func (w *WebClient) put(ctx context.Context, path string, body []byte, contentType string) error {
	target := strings.TrimSuffix(w.cfg.BaseURL, "/") + "/" + path
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)
		if w.cfg.Auth != "" {
			req.Header.Set("Authorization", w.cfg.Auth)
		}
		res, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		_, _ = io.Copy(io.Discard, res.Body)
		if res.StatusCode != http.StatusOK {
			return errors.Newf(errors.InternalServerError,
				"web collaborator returned %d for %s", res.StatusCode, path)
		}
		return nil
	}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(w.cfg.MaxElapsed)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return errors.Wrapf(err, errors.ServiceUnavailable,
			"cannot reach web collaborator at %s", path)
	}
	return nil
}
