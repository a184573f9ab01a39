package runner

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"taoj/pkg/errors"
	"taoj/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CachedFile is a downloaded object plus the filename it should get when
// copied into a working directory.
type CachedFile struct {
	Path     string
	Filename string
}

// Cache stores downloaded objects keyed by the url path, so presigned urls
// for the same object hit the same entry regardless of signature params.
type Cache struct {
	dir    string
	maxAge time.Duration
	client *http.Client
}

func NewCache(dir string, maxAge time.Duration) (*Cache, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrapf(err, errors.CacheFetchFailed, "create cache dir %s", dir)
	}
	return &Cache{
		dir:    dir,
		maxAge: maxAge,
		client: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// keyFor derives the stable cache entry for a url.
func (c *Cache) keyFor(rawURL string) (CachedFile, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return CachedFile{}, errors.Wrapf(err, errors.CacheFetchFailed, "bad url %q", rawURL)
	}
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(u.Path))
	return CachedFile{
		Path:     filepath.Join(c.dir, id.String()),
		Filename: path.Base(u.Path),
	}, nil
}

// EnsureCached downloads the object unless the cached copy is still
// current, using If-Modified-Since against the object's mtime.
func (c *Cache) EnsureCached(ctx context.Context, rawURL string) (CachedFile, error) {
	entry, err := c.keyFor(rawURL)
	if err != nil {
		return CachedFile{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return CachedFile{}, errors.Wrap(err, errors.CacheFetchFailed)
	}
	var cachedMtime time.Time
	if info, err := os.Stat(entry.Path); err == nil {
		cachedMtime = info.ModTime()
		req.Header.Set("If-Modified-Since", cachedMtime.UTC().Format(http.TimeFormat))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return CachedFile{}, errors.Wrapf(err, errors.CacheFetchFailed, "fetch %s", entry.Filename)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		// keep the remote mtime, refresh atime for the age cleaner
		_ = os.Chtimes(entry.Path, time.Now(), cachedMtime)
		return entry, nil
	case http.StatusOK:
	default:
		return CachedFile{}, errors.Newf(errors.CacheFetchFailed,
			"unexpected status %d while fetching object", resp.StatusCode)
	}

	partPath := entry.Path + ".part"
	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return CachedFile{}, errors.Wrap(err, errors.CacheFetchFailed)
	}
	_, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(partPath)
		if copyErr == nil {
			copyErr = closeErr
		}
		return CachedFile{}, errors.Wrapf(copyErr, errors.CacheFetchFailed, "download %s", entry.Filename)
	}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		_ = os.Chtimes(partPath, time.Now(), lm)
	}
	if err := os.Rename(partPath, entry.Path); err != nil {
		_ = os.Remove(partPath)
		return CachedFile{}, errors.Wrap(err, errors.CacheFetchFailed)
	}
	return entry, nil
}

// Upload PUTs a local file to a presigned url and keeps a cache copy so an
// immediately following download does not round-trip.
func (c *Cache) Upload(ctx context.Context, localPath, rawURL string) (CachedFile, error) {
	entry, err := c.keyFor(rawURL)
	if err != nil {
		return CachedFile{}, err
	}
	info, err := os.Lstat(localPath)
	if err != nil {
		return CachedFile{}, errors.Wrap(err, errors.UploadFailed)
	}
	if !info.Mode().IsRegular() {
		return CachedFile{}, errors.New(errors.UploadFailed).
			WithMessage("file to upload is not a regular file")
	}

	if err := copyFile(localPath, entry.Path, 0640); err != nil {
		return CachedFile{}, errors.Wrap(err, errors.UploadFailed)
	}

	f, err := os.Open(entry.Path)
	if err != nil {
		return CachedFile{}, errors.Wrap(err, errors.UploadFailed)
	}
	defer f.Close()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rawURL, f)
	if err != nil {
		return CachedFile{}, errors.Wrap(err, errors.UploadFailed)
	}
	req.ContentLength = info.Size()
	resp, err := c.client.Do(req)
	if err != nil {
		return CachedFile{}, errors.Wrapf(err, errors.UploadFailed, "upload %s", entry.Filename)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return CachedFile{}, errors.Newf(errors.UploadFailed,
			"unexpected status %d while uploading file", resp.StatusCode)
	}
	return entry, nil
}

// Store puts a local file into the cache without uploading it anywhere.
// Used for compile artifacts that later testpoints in the same task reuse.
func (c *Cache) Store(localPath string) (string, error) {
	dst := filepath.Join(c.dir, uuid.NewString())
	if err := copyFile(localPath, dst, 0640); err != nil {
		return "", errors.Wrap(err, errors.CacheFetchFailed)
	}
	now := time.Now()
	_ = os.Chtimes(dst, now, now)
	return dst, nil
}

// Clear drops entries older than maxAge.
func (c *Cache) Clear() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return errors.Wrap(err, errors.CacheFetchFailed)
	}
	now := time.Now()
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > c.maxAge {
			_ = os.Remove(filepath.Join(c.dir, e.Name()))
		}
	}
	return nil
}

// CleanWorker clears old entries periodically until the context ends.
func (c *Cache) CleanWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.Clear(); err != nil {
			logger.Error(ctx, "cache clear failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
