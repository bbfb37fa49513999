package provider

import (
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/open-feature/flagd-toolbar/pkg/local"
	"github.com/open-feature/flagd-toolbar/pkg/store"
)

var _ local.OverridePlugin = (*OverridePlugin)(nil)

// watchable storages report keys changed by someone else.
type watchable interface {
	OnChange(fn store.ChangeListener) func()
}

// OverridePlugin keeps overrides in storage under a namespace and exposes
// the wrapped client with those overrides applied.
type OverridePlugin struct {
	storage   store.IStorage
	overrides *store.OverrideStore
	client    local.LiveClient
	logger    *log.Entry
}

// NewOverridePlugin wraps client. client may be nil until one is attached.
func NewOverridePlugin(storage store.IStorage, namespace string, client local.LiveClient) *OverridePlugin {
	return &OverridePlugin{
		storage:   storage,
		overrides: store.NewOverrideStore(storage, namespace),
		client:    client,
		logger:    log.WithField("component", "override-plugin"),
	}
}

func (p *OverridePlugin) GetAllOverrides() map[string]any {
	overrides, err := p.overrides.All()
	if err != nil {
		p.logger.Warnf("read overrides: %v", err)
		return map[string]any{}
	}
	return overrides
}

func (p *OverridePlugin) SetOverride(flagKey string, value any) error {
	return p.overrides.Set(flagKey, value)
}

func (p *OverridePlugin) RemoveOverride(flagKey string) error {
	return p.overrides.Remove(flagKey)
}

func (p *OverridePlugin) ClearAllOverrides() error {
	return p.overrides.Clear()
}

func (p *OverridePlugin) GetClient() local.LiveClient {
	if p.client == nil {
		return nil
	}
	return &overlayClient{plugin: p}
}

type overlayClient struct {
	plugin *OverridePlugin
}

func (o *overlayClient) AllFlags() map[string]any {
	values := o.plugin.client.AllFlags()
	for key, value := range o.plugin.GetAllOverrides() {
		if _, ok := values[key]; ok {
			values[key] = value
		}
	}
	return values
}

// OnChange forwards the wrapped client's notifications and, for storages
// that can be watched, overrides edited by another process.
func (o *overlayClient) OnChange(handler local.ChangeHandler) func() {
	stopClient := o.plugin.client.OnChange(handler)
	w, ok := o.plugin.storage.(watchable)
	if !ok {
		return stopClient
	}
	prefix := o.plugin.overrides.Namespace() + ":"
	stopStorage := w.OnChange(func(keys []string) {
		flagKeys := make([]string, 0, len(keys))
		for _, k := range keys {
			if strings.HasPrefix(k, prefix) {
				flagKeys = append(flagKeys, strings.TrimPrefix(k, prefix))
			}
		}
		if len(flagKeys) == 0 {
			return
		}
		sort.Strings(flagKeys)
		handler(local.ChangeSet{Keys: flagKeys})
	})
	return func() {
		stopClient()
		stopStorage()
	}
}
