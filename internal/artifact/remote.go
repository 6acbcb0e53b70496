package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultRemoteTimeout = 30 * time.Second

// RemoteStore stores objects at {baseURL}/{key} over plain HTTP verbs
// (PUT, GET, HEAD, DELETE). Every object carries IntegrityHeader. Loaded
// objects are cached under cacheDir; a cached copy is reused only when its
// local hash matches the remote integrity tag.
type RemoteStore struct {
	baseURL  string
	cacheDir string
	client   *http.Client
}

func NewRemoteStore(baseURL, cacheDir string, client *http.Client) (*RemoteStore, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("remote artifact url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse remote artifact url: %w", err)
	}
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("create artifact cache dir: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultRemoteTimeout}
	}
	return &RemoteStore{baseURL: baseURL, cacheDir: cacheDir, client: client}, nil
}

func (s *RemoteStore) objectURL(key string) string {
	return s.baseURL + "/" + url.PathEscape(key)
}

func (s *RemoteStore) cachePath(key string) string {
	return filepath.Join(s.cacheDir, key)
}

func (s *RemoteStore) Save(ctx context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	tag := HashHex(data)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(key), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build put request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(IntegrityHeader, tag)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("put artifact %s: %w", key, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("put artifact %s: unexpected status %d", key, resp.StatusCode)
	}
	if err := writeFileAtomic(s.cacheDir, s.cachePath(key), data); err != nil {
		// cache is best effort.
		_ = os.Remove(s.cachePath(key))
	}
	return nil
}

func (s *RemoteStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	tag, err := s.remoteTag(ctx, key)
	if err != nil {
		return nil, err
	}
	if tag != "" {
		if local, err := hashFile(s.cachePath(key)); err == nil && strings.EqualFold(local, tag) {
			data, err := os.ReadFile(s.cachePath(key))
			if err == nil {
				return data, nil
			}
		}
	}

	data, getTag, err := s.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	if getTag != "" {
		tag = getTag
	}
	if tag != "" && !strings.EqualFold(HashHex(data), tag) {
		return nil, fmt.Errorf("artifact %s: integrity tag mismatch", key)
	}
	if err := writeFileAtomic(s.cacheDir, s.cachePath(key), data); err != nil {
		_ = os.Remove(s.cachePath(key))
	}
	return data, nil
}

func (s *RemoteStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.objectURL(key), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete artifact %s: %w", key, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete artifact %s: unexpected status %d", key, resp.StatusCode)
	}
	if err := os.Remove(s.cachePath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("evict cached artifact %s: %w", key, err)
	}
	return nil
}

func (s *RemoteStore) remoteTag(ctx context.Context, key string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.objectURL(key), nil)
	if err != nil {
		return "", fmt.Errorf("build head request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("head artifact %s: %w", key, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	case resp.StatusCode/100 != 2:
		return "", fmt.Errorf("head artifact %s: unexpected status %d", key, resp.StatusCode)
	}
	return strings.TrimSpace(resp.Header.Get(IntegrityHeader)), nil
}

func (s *RemoteStore) fetch(ctx context.Context, key string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(key), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build get request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("get artifact %s: %w", key, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, key)
	case resp.StatusCode/100 != 2:
		return nil, "", fmt.Errorf("get artifact %s: unexpected status %d", key, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read artifact %s: %w", key, err)
	}
	return data, strings.TrimSpace(resp.Header.Get(IntegrityHeader)), nil
}
