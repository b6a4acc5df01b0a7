// Package watcher provides inbox directories watched with fsnotify. Files
// dropped into an inbox are handed to a sink for the mapped collection and
// removed once the sink accepts them.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 400 * time.Millisecond

// Sink ingests one file into a collection. Returning nil lets the watcher
// delete the file from the inbox.
type Sink func(ctx context.Context, collection, path string) error

// Watcher watches inbox directories and feeds new files to a sink.
type Watcher struct {
	inboxes     map[string]string // dir -> collection token
	extensions  []string
	sink        Sink
	debounce    time.Duration
	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	inflight    sync.WaitGroup
	ctx         context.Context
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	logger      *zap.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets how long a file must stay quiet before it is ingested.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithExtensions restricts ingested files by extension. Empty accepts all.
func WithExtensions(exts []string) WatcherOption {
	return func(w *Watcher) { w.extensions = exts }
}

// NewWatcher creates a watcher for the given dir -> collection mapping.
func NewWatcher(inboxes map[string]string, sink Sink, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		inboxes:     make(map[string]string, len(inboxes)),
		sink:        sink,
		debounce:    defaultDebounce,
		debounceMap: make(map[string]*time.Timer),
		done:        make(chan struct{}),
	}
	for dir, collection := range inboxes {
		w.inboxes[filepath.Clean(dir)] = collection
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	return w
}

// Start starts watching. It runs until ctx is cancelled or Stop is called.
// Files already present in an inbox are ingested.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.ctx = ctx
	w.started = true
	for dir := range w.inboxes {
		if err := w.addLocked(dir); err != nil {
			_ = w.watcher.Close()
			w.watcher = nil
			w.started = false
			w.mu.Unlock()
			return err
		}
	}
	dirs := w.dirsLocked()
	w.mu.Unlock()

	w.logger.Info("inbox watcher started", zap.Strings("directories", dirs))
	go w.run(ctx)
	for _, dir := range dirs {
		w.syncDirectory(dir)
	}
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Warn("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := ev.Name
	if _, ok := w.collectionFor(path); !ok {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
		if w.eligible(path) {
			w.debounceIngest(path)
		}
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.cancelDebounce(path)
	}
}

// collectionFor returns the collection of the inbox directly containing path.
// Inboxes are not recursive.
func (w *Watcher) collectionFor(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	collection, ok := w.inboxes[filepath.Dir(filepath.Clean(path))]
	return collection, ok
}

// eligible skips directories, hidden and partial files, and unknown extensions.
func (w *Watcher) eligible(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".part") || strings.HasSuffix(base, "~") {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return matchExtension(path, w.extensions)
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

func (w *Watcher) debounceIngest(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	w.debounceMap[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, path)
		w.mu.Unlock()
		w.ingest(path)
	})
}

func (w *Watcher) cancelDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
		delete(w.debounceMap, path)
	}
}

func (w *Watcher) ingest(path string) {
	collection, ok := w.collectionFor(path)
	if !ok || w.sink == nil {
		return
	}
	w.mu.Lock()
	ctx := w.ctx
	if !w.started || ctx == nil {
		w.mu.Unlock()
		return
	}
	w.inflight.Add(1)
	w.mu.Unlock()
	defer w.inflight.Done()

	logger := w.logger.With(zap.String("path", path), zap.String("collection", collection))
	if err := w.sink(ctx, collection, path); err != nil {
		logger.Warn("inbox file not ingested", zap.Error(err))
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove ingested file", zap.Error(err))
		return
	}
	logger.Info("inbox file ingested")
}

// AddInbox starts watching dir for collection. Existing files are ingested.
func (w *Watcher) AddInbox(dir, collection string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	if current, ok := w.inboxes[abs]; ok && current == collection {
		w.mu.Unlock()
		return nil
	}
	if w.watcher != nil {
		if _, watched := w.inboxes[abs]; !watched {
			if err := w.addLocked(abs); err != nil {
				w.mu.Unlock()
				return err
			}
		}
	}
	w.inboxes[abs] = collection
	started := w.started
	w.mu.Unlock()

	w.logger.Info("inbox added", zap.String("path", abs), zap.String("collection", collection))
	if started {
		go w.syncDirectory(abs)
	}
	return nil
}

func (w *Watcher) addLocked(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return w.watcher.Add(dir)
}

// RemoveInbox stops watching dir. Files left in it are not touched.
func (w *Watcher) RemoveInbox(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inboxes[abs]; !ok {
		return nil
	}
	if w.watcher != nil {
		_ = w.watcher.Remove(abs)
	}
	delete(w.inboxes, abs)
	for path, t := range w.debounceMap {
		if filepath.Dir(path) == abs {
			t.Stop()
			delete(w.debounceMap, path)
		}
	}
	w.logger.Info("inbox removed", zap.String("path", abs))
	return nil
}

// Inboxes returns a copy of the dir -> collection mapping.
func (w *Watcher) Inboxes() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string, len(w.inboxes))
	for dir, collection := range w.inboxes {
		out[dir] = collection
	}
	return out
}

func (w *Watcher) dirsLocked() []string {
	dirs := make([]string, 0, len(w.inboxes))
	for dir := range w.inboxes {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

func (w *Watcher) syncDirectory(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Warn("failed to read inbox", zap.String("path", dir), zap.Error(err))
		return
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if !e.IsDir() && w.eligible(path) {
			w.ingest(path)
		}
	}
}

// Stop stops the watcher and waits for in-flight ingests.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for path, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
	w.inflight.Wait()
}
