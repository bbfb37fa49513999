package provider

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/open-feature/flagd-toolbar/pkg/eval"
	"github.com/open-feature/flagd-toolbar/pkg/local"
	"github.com/open-feature/flagd-toolbar/pkg/model"
	"github.com/open-feature/flagd-toolbar/pkg/store"
)

var _ local.LiveClient = (*FileClient)(nil)

// FileClient serves flags from a local flag definition file. Values are
// evaluated against the active context and re-evaluated when either the
// file or the context changes.
type FileClient struct {
	URI string

	evaluator *eval.JSONEvaluator
	contexts  *store.ContextStore
	logger    *log.Entry

	mu      sync.RWMutex
	values  map[string]any
	watcher *fsnotify.Watcher
	done    chan struct{}
	stopCtx func()

	hmu      sync.RWMutex
	next     int
	handlers map[int]local.ChangeHandler
}

// NewFileClient builds a client for the file at uri. contexts may be nil, in
// which case flags are evaluated without a context.
func NewFileClient(uri string, contexts *store.ContextStore) *FileClient {
	return &FileClient{
		URI:       uri,
		evaluator: &eval.JSONEvaluator{},
		contexts:  contexts,
		logger:    log.WithFields(log.Fields{"component": "file-client", "uri": uri}),
		values:    map[string]any{},
		handlers:  map[int]local.ChangeHandler{},
	}
}

// Initialize loads the file and evaluates every flag. It does not watch.
func (fc *FileClient) Initialize() error {
	if err := fc.load(); err != nil {
		return err
	}
	fc.evaluate(fc.activeContext())
	if fc.contexts != nil {
		stop := fc.contexts.OnActiveChange(fc.evaluate)
		fc.mu.Lock()
		fc.stopCtx = stop
		fc.mu.Unlock()
	}
	return nil
}

func (fc *FileClient) load() error {
	if fc.URI == "" {
		return errors.New("no filepath string set")
	}
	rawFile, err := os.ReadFile(fc.URI)
	if err != nil {
		return fmt.Errorf("read flag file: %w", err)
	}
	if err := fc.evaluator.SetState(string(rawFile)); err != nil {
		return fmt.Errorf("load flag file %s: %w", fc.URI, err)
	}
	return nil
}

func (fc *FileClient) activeContext() model.Context {
	if fc.contexts == nil {
		return nil
	}
	active, err := fc.contexts.Active()
	if err != nil {
		fc.logger.Warnf("read active context: %v", err)
		return nil
	}
	return active
}

// evaluate recomputes all values for ctx and notifies handlers of the keys
// whose value changed.
func (fc *FileClient) evaluate(ctx model.Context) {
	values := fc.evaluator.EvaluateAll(ctx)

	fc.mu.Lock()
	changes := diffValues(fc.values, values)
	fc.values = values
	fc.mu.Unlock()

	if len(changes.Keys) == 0 {
		return
	}
	fc.logger.Debugf("%d flag values changed", len(changes.Keys))
	fc.hmu.RLock()
	handlers := make([]local.ChangeHandler, 0, len(fc.handlers))
	for _, h := range fc.handlers {
		handlers = append(handlers, h)
	}
	fc.hmu.RUnlock()
	for _, h := range handlers {
		h(changes)
	}
}

// Resolve evaluates one flag of the file against the active context,
// without overrides, and checks its type.
func (fc *FileClient) Resolve(flagKey string, want model.FlagType) (eval.Resolution, error) {
	return fc.evaluator.Resolve(flagKey, want, fc.activeContext())
}

func diffValues(old, updated map[string]any) local.ChangeSet {
	cs := local.ChangeSet{Changes: map[string]local.Change{}}
	for key, value := range updated {
		prev, ok := old[key]
		if !ok || !reflect.DeepEqual(prev, value) {
			cs.Changes[key] = local.Change{Previous: prev, Current: value}
		}
	}
	for key, prev := range old {
		if _, ok := updated[key]; !ok {
			cs.Changes[key] = local.Change{Previous: prev}
		}
	}
	for key := range cs.Changes {
		cs.Keys = append(cs.Keys, key)
	}
	sort.Strings(cs.Keys)
	return cs
}

func (fc *FileClient) AllFlags() map[string]any {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	out := make(map[string]any, len(fc.values))
	for k, v := range fc.values {
		out[k] = v
	}
	return out
}

func (fc *FileClient) OnChange(handler local.ChangeHandler) func() {
	fc.hmu.Lock()
	defer fc.hmu.Unlock()
	id := fc.next
	fc.next++
	fc.handlers[id] = handler
	return func() {
		fc.hmu.Lock()
		defer fc.hmu.Unlock()
		delete(fc.handlers, id)
	}
}

// Reload rereads the file. An invalid file keeps the previous flags.
func (fc *FileClient) Reload() error {
	if err := fc.load(); err != nil {
		return err
	}
	fc.evaluate(fc.activeContext())
	return nil
}

// Watch reloads the file whenever it is written. The directory is watched
// so editors that replace the file are picked up too.
func (fc *FileClient) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(fc.URI)); err != nil {
		watcher.Close()
		return err
	}
	fc.mu.Lock()
	fc.watcher = watcher
	fc.done = make(chan struct{})
	done := fc.done
	fc.mu.Unlock()

	name := filepath.Clean(fc.URI)
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != name {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := fc.Reload(); err != nil {
					// editors often truncate before writing, the next event has the full file
					fc.logger.Warnf("reload: %v", err)
					continue
				}
				fc.logger.Info("flag values updated")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fc.logger.Errorf("watch: %v", err)
			}
		}
	}()
	return nil
}

// Close stops watching the file and the active context.
func (fc *FileClient) Close() error {
	fc.mu.Lock()
	watcher, done, stop := fc.watcher, fc.done, fc.stopCtx
	fc.watcher, fc.stopCtx = nil, nil
	fc.mu.Unlock()
	if stop != nil {
		stop()
	}
	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}
