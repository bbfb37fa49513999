package store

import (
	"sort"
	"strings"
	"sync"
)

// Fixed keys of the toolbar's persistent stores.
const (
	KeyContexts      = "contexts"
	KeyActiveContext = "active-context"
	KeySettings      = "settings"
	KeyStarredFlags  = "starred-flags"
)

// IStorage is a string key/value store with local-storage semantics.
type IStorage interface {
	GetItem(key string) (string, bool, error)
	SetItem(key string, value string) error
	RemoveItem(key string) error
	Keys() ([]string, error)
}

// PrefixLister is implemented by storages that can list a key prefix without
// a full scan.
type PrefixLister interface {
	KeysWithPrefix(prefix string) ([]string, error)
}

// keysWithPrefix lists the keys of s starting with prefix, sorted.
func keysWithPrefix(s IStorage, prefix string) ([]string, error) {
	var keys []string
	if lister, ok := s.(PrefixLister); ok {
		found, err := lister.KeysWithPrefix(prefix)
		if err != nil {
			return nil, err
		}
		keys = found
	} else {
		all, err := s.Keys()
		if err != nil {
			return nil, err
		}
		for _, k := range all {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ChangeListener is told which keys changed outside of the caller's own
// writes, e.g. another process editing the backing file.
type ChangeListener func(keys []string)

type listeners[T any] struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs == nil {
		l.subs = map[int]func(T){}
	}
	id := l.next
	l.next++
	l.subs[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}
}

func (l *listeners[T]) notify(v T) {
	l.mu.RLock()
	subs := make([]func(T), 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.mu.RUnlock()

	for _, fn := range subs {
		fn(v)
	}
}
