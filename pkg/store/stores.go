package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/open-feature/flagd-toolbar/pkg/model"
)

// DefaultOverrideNamespace prefixes per-flag override keys.
const DefaultOverrideNamespace = "ld-flag-override"

func readJSON(s IStorage, key string, dest any) (bool, error) {
	raw, ok, err := s.GetItem(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func writeJSON(s IStorage, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.SetItem(key, string(raw))
}

// ContextStore holds the saved contexts and the active context. Active
// context changes are broadcast to listeners; this is the shared context store
// both the toolbar and the dev server sync feed into.
type ContextStore struct {
	storage   IStorage
	mu        sync.Mutex
	listeners listeners[model.Context]
}

func NewContextStore(storage IStorage) *ContextStore {
	return &ContextStore{storage: storage}
}

// Contexts returns the saved contexts.
func (s *ContextStore) Contexts() ([]model.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var contexts []model.Context
	if _, err := readJSON(s.storage, KeyContexts, &contexts); err != nil {
		return nil, err
	}
	return contexts, nil
}

// SetContexts replaces the saved contexts.
func (s *ContextStore) SetContexts(contexts []model.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.storage, KeyContexts, contexts)
}

// Upsert replaces the saved context with the same kind and key, or appends c.
func (s *ContextStore) Upsert(c model.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var contexts []model.Context
	if _, err := readJSON(s.storage, KeyContexts, &contexts); err != nil {
		return err
	}
	replaced := false
	for i, existing := range contexts {
		if model.SameContext(existing, c) {
			contexts[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		contexts = append(contexts, c)
	}
	return writeJSON(s.storage, KeyContexts, contexts)
}

// Active returns the active context, nil when none is selected.
func (s *ContextStore) Active() (model.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active model.Context
	if _, err := readJSON(s.storage, KeyActiveContext, &active); err != nil {
		return nil, err
	}
	return active, nil
}

// SetActive stores c as the active context and notifies listeners when it
// differs from the stored one. Listeners run synchronously.
func (s *ContextStore) SetActive(c model.Context) error {
	s.mu.Lock()
	var previous model.Context
	if _, err := readJSON(s.storage, KeyActiveContext, &previous); err != nil {
		s.mu.Unlock()
		return err
	}
	var err error
	if c == nil {
		err = s.storage.RemoveItem(KeyActiveContext)
	} else {
		err = writeJSON(s.storage, KeyActiveContext, c)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if !sameJSON(previous, c) {
		s.listeners.notify(c)
	}
	return nil
}

// OnActiveChange registers fn for active context changes.
func (s *ContextStore) OnActiveChange(fn func(model.Context)) func() {
	return s.listeners.add(fn)
}

func sameJSON(a, b model.Context) bool {
	ra, _ := json.Marshal(a)
	rb, _ := json.Marshal(b)
	return bytes.Equal(ra, rb)
}

// SettingsStore persists toolbar settings. Writes merge into the stored
// settings so partial settings never drop unrelated keys.
type SettingsStore struct {
	storage IStorage
	mu      sync.Mutex
}

func NewSettingsStore(storage IStorage) *SettingsStore {
	return &SettingsStore{storage: storage}
}

func (s *SettingsStore) Get() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings := map[string]any{}
	if _, err := readJSON(s.storage, KeySettings, &settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// Merge writes partial over the stored settings.
func (s *SettingsStore) Merge(partial map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings := map[string]any{}
	if _, err := readJSON(s.storage, KeySettings, &settings); err != nil {
		return err
	}
	for k, v := range partial {
		settings[k] = v
	}
	return writeJSON(s.storage, KeySettings, settings)
}

// StarredStore persists the starred flag keys.
type StarredStore struct {
	storage IStorage
}

func NewStarredStore(storage IStorage) *StarredStore {
	return &StarredStore{storage: storage}
}

func (s *StarredStore) Get() ([]string, error) {
	var keys []string
	if _, err := readJSON(s.storage, KeyStarredFlags, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *StarredStore) Set(keys []string) error {
	return writeJSON(s.storage, KeyStarredFlags, keys)
}

// Toggle stars or unstars key and reports whether it is now starred.
func (s *StarredStore) Toggle(key string) (bool, error) {
	keys, err := s.Get()
	if err != nil {
		return false, err
	}
	for i, k := range keys {
		if k == key {
			keys = append(keys[:i], keys[i+1:]...)
			return false, s.Set(keys)
		}
	}
	return true, s.Set(append(keys, key))
}

// OverrideStore persists overrides one key per flag as {namespace}:{flagKey}.
type OverrideStore struct {
	storage   IStorage
	namespace string
}

func NewOverrideStore(storage IStorage, namespace string) *OverrideStore {
	if namespace == "" {
		namespace = DefaultOverrideNamespace
	}
	return &OverrideStore{storage: storage, namespace: namespace}
}

func (s *OverrideStore) Namespace() string {
	return s.namespace
}

func (s *OverrideStore) key(flagKey string) string {
	return s.namespace + ":" + flagKey
}

func (s *OverrideStore) Set(flagKey string, value any) error {
	return writeJSON(s.storage, s.key(flagKey), value)
}

func (s *OverrideStore) Remove(flagKey string) error {
	return s.storage.RemoveItem(s.key(flagKey))
}

// All decodes every override in the namespace. Entries that fail to decode
// are skipped.
func (s *OverrideStore) All() (map[string]any, error) {
	prefix := s.namespace + ":"
	keys, err := keysWithPrefix(s.storage, prefix)
	if err != nil {
		return nil, err
	}
	overrides := map[string]any{}
	for _, k := range keys {
		var value any
		if ok, err := readJSON(s.storage, k, &value); err != nil || !ok {
			continue
		}
		overrides[strings.TrimPrefix(k, prefix)] = value
	}
	return overrides, nil
}

// Clear removes every override in the namespace.
func (s *OverrideStore) Clear() error {
	overrides, err := s.All()
	if err != nil {
		return err
	}
	for flagKey := range overrides {
		if err := s.Remove(flagKey); err != nil {
			return err
		}
	}
	return nil
}
