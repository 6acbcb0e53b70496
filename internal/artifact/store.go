// Package artifact persists opaque binary blobs (trained models, raw
// calibration captures, reference datasets) addressed by string keys.
//
// Two interchangeable backends implement Store: LocalStore keeps files
// under a root directory, RemoteStore talks to an HTTP object store and
// keeps a verified local cache. The backend is chosen once by Open.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/g960059/neurolink/internal/config"
)

var ErrNotFound = errors.New("artifact not found")

type Store interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,200}$`)

// ValidateKey rejects keys that could escape the store namespace.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) || key == "." || key == ".." {
		return fmt.Errorf("invalid artifact key %q: must match [A-Za-z0-9._-]{1,200}", key)
	}
	return nil
}

// Open builds the backend selected by cfg.ArtifactBackend.
func Open(cfg config.Config) (Store, error) {
	switch cfg.ArtifactBackend {
	case config.ArtifactBackendLocal, "":
		s, err := NewLocalStore(cfg.ArtifactRoot)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.ArtifactBackendRemote:
		s, err := NewRemoteStore(cfg.ArtifactURL, cfg.ArtifactCacheDir, nil)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.ArtifactBackend)
	}
}
