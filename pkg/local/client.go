package local

import (
	"sort"
)

// Change describes one flag whose value moved.
type Change struct {
	Previous any `json:"previous"`
	Current  any `json:"current"`
}

// ChangeSet is the payload of a "flags changed" notification. Clients fill
// in either the change map or the key list, or both.
type ChangeSet struct {
	Changes map[string]Change
	Keys    []string
}

// ChangedKeys returns the union of Keys and the keys of Changes, sorted.
func (c ChangeSet) ChangedKeys() []string {
	seen := map[string]struct{}{}
	keys := make([]string, 0, len(c.Keys)+len(c.Changes))
	add := func(k string) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	for _, k := range c.Keys {
		add(k)
	}
	for k := range c.Changes {
		add(k)
	}
	sort.Strings(keys)
	return keys
}

type ChangeHandler func(ChangeSet)

// LiveClient is an in-process flag evaluation client.
type LiveClient interface {
	// AllFlags returns the current value of every flag.
	AllFlags() map[string]any
	// OnChange registers handler for flag change notifications and returns
	// a function removing it.
	OnChange(handler ChangeHandler) func()
}

// OverridePlugin layers local overrides on top of a LiveClient.
type OverridePlugin interface {
	GetAllOverrides() map[string]any
	SetOverride(flagKey string, value any) error
	RemoveOverride(flagKey string) error
	ClearAllOverrides() error
	// GetClient returns nil when no client is attached yet.
	GetClient() LiveClient
}
