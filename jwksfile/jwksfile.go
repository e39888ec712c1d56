// Package jwksfile builds key stores from JWKS documents on local disk and
// rebuilds them when the document changes.
package jwksfile

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/jwtgate/keystore"
	"github.com/ggoodman/jwtgate/metrics"
)

const defaultDebounce = 100 * time.Millisecond

// Load reads the JWKS document at path and builds a key store from it.
func Load(path string) (*keystore.Store, error) {
	store, _, err := LoadDocument(path)
	return store, err
}

// LoadDocument is Load that also returns the document bytes the store was
// built from, for handing to Watch via WithInitial.
func LoadDocument(path string) (*keystore.Store, []byte, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("jwksfile: read %s: %w", path, err)
	}
	store, err := keystore.FromJWKS(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("jwksfile: %s: %w", path, err)
	}
	return store, doc, nil
}

// Option configures Watch.
type Option func(*watcher)

// WithLogger sets the logger for reload outcomes. If not provided, logs are
// discarded.
func WithLogger(l *slog.Logger) Option {
	return func(w *watcher) { w.log = l }
}

// WithDebounce sets how long Watch waits after the last filesystem event
// before reloading. Bursts of events within the interval cause one reload.
func WithDebounce(d time.Duration) Option {
	return func(w *watcher) { w.debounce = d }
}

// WithInitial tells Watch which document the caller's current store was
// built from. Content equal to it does not trigger a reload. Without it the
// first change event always reloads.
func WithInitial(doc []byte) Option {
	return func(w *watcher) { w.last = append([]byte(nil), doc...) }
}

type watcher struct {
	path     string
	log      *slog.Logger
	debounce time.Duration
	// last is the document of the most recent store handed out; nil until
	// known.
	last []byte
}

// Watch observes the JWKS document at path and calls fn with a freshly built
// store each time its content changes. A document that fails to parse is
// logged and skipped; the caller keeps whatever store it already has. Watch
// blocks until ctx is done and returns ctx.Err().
//
// The containing directory is watched rather than the file itself so that
// replacement by rename, as done by editors and secret mounts, is observed.
func Watch(ctx context.Context, path string, fn func(*keystore.Store), opts ...Option) error {
	w := &watcher{
		path:     filepath.Clean(path),
		log:      slog.New(slog.DiscardHandler),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("jwksfile: create watcher: %w", err)
	}
	defer func() {
		_ = fw.Close()
	}()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("jwksfile: watch %s: %w", filepath.Dir(w.path), err)
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return ctx.Err()
			}
			if ev.Op == fsnotify.Chmod && filepath.Clean(ev.Name) != w.path {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload(ctx, fn)
		case err, ok := <-fw.Errors:
			if !ok {
				return ctx.Err()
			}
			w.log.WarnContext(ctx, "jwksfile.watch.err", slog.String("err", err.Error()))
		}
	}
}

func (w *watcher) reload(ctx context.Context, fn func(*keystore.Store)) {
	doc, err := os.ReadFile(w.path)
	if err != nil {
		metrics.KeyStoreReloadsTotal.WithLabelValues("error").Inc()
		w.log.WarnContext(ctx, "jwksfile.reload.err", slog.String("path", w.path), slog.String("err", err.Error()))
		return
	}
	if w.last != nil && bytes.Equal(doc, w.last) {
		return
	}
	store, err := keystore.FromJWKS(doc)
	if err != nil {
		metrics.KeyStoreReloadsTotal.WithLabelValues("error").Inc()
		w.log.WarnContext(ctx, "jwksfile.reload.err", slog.String("path", w.path), slog.String("err", err.Error()))
		return
	}
	w.last = doc

	metrics.KeyStoreReloadsTotal.WithLabelValues("ok").Inc()
	metrics.KeyStoreKeys.Set(float64(store.Len()))
	w.log.InfoContext(ctx, "jwksfile.reload.ok",
		slog.String("path", w.path),
		slog.Any("kids", store.KeyIDs()),
	)
	fn(store)
}
