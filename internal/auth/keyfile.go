package auth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/dmarkov/itemgw/internal/observability"
)

// FileKeySource serves signing keys from a local JWKS document and reloads
// it when the file changes on disk. Rotated keys become effective without a
// process restart.
type FileKeySource struct {
	path   string
	logger observability.Logger

	mu   sync.RWMutex
	keys *JSONWebKeySet

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewFileKeySource loads the JWKS file at path and starts watching it for
// changes. Call Close to release the watcher.
func NewFileKeySource(path string, logger observability.Logger) (*FileKeySource, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	f := &FileKeySource{
		path:   path,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	if err := f.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory rather than the file itself so that atomic
	// rename-based rotation is observed.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	f.watcher = watcher
	go f.watch()

	return f, nil
}

// Key implements KeySource.
func (f *FileKeySource) Key(_ context.Context, kid, alg string) (any, error) {
	if strings.HasPrefix(alg, "HS") {
		return nil, NewValidationError("key file holds no symmetric keys", ErrKeyNotFound)
	}

	f.mu.RLock()
	keys := f.keys
	f.mu.RUnlock()

	jwk, err := findKey(keys, kid)
	if err != nil {
		return nil, err
	}

	return jwk.ToRSAPublicKey()
}

// reload re-reads the JWKS file. On parse failure the previous keys are kept.
func (f *FileKeySource) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read key file %s: %w", f.path, err)
	}

	jwks, err := ParseJWKS(data)
	if err != nil {
		return fmt.Errorf("failed to parse key file %s: %w", f.path, err)
	}

	f.mu.Lock()
	f.keys = jwks
	f.mu.Unlock()

	f.logger.Info("signing key file loaded",
		observability.String("path", f.path),
		observability.Int("keyCount", len(jwks.Keys)),
	)

	return nil
}

// watch reacts to filesystem events on the key file.
func (f *FileKeySource) watch() {
	base := filepath.Base(f.path)

	for {
		select {
		case <-f.stopCh:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := f.reload(); err != nil {
				f.logger.Error("failed to reload signing key file", observability.Error(err))
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Error("key file watcher error", observability.Error(err))
		}
	}
}

// Close stops watching the key file.
func (f *FileKeySource) Close() error {
	var err error
	f.stopOnce.Do(func() {
		close(f.stopCh)
		if f.watcher != nil {
			err = f.watcher.Close()
		}
	})
	return err
}
