package local

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/open-feature/flagd-toolbar/pkg/catalog"
	"github.com/open-feature/flagd-toolbar/pkg/metrics"
	"github.com/open-feature/flagd-toolbar/pkg/model"
)

// DefaultSettleDelay is how long RemoveOverride waits for the plugin to
// settle before reading the reverted value back.
const DefaultSettleDelay = 100 * time.Millisecond

// Flags is the published flag view. Entries are shared between successive
// views when they did not change and must not be modified.
type Flags map[string]*model.LocalFlag

type Options struct {
	Catalog     []model.FlagMetadata
	SettleDelay time.Duration
	Metrics     *metrics.Recorder
}

// Reconciler keeps a normalized flag view in sync with an SDK client and its
// override plugin.
type Reconciler struct {
	plugin      OverridePlugin
	catalog     map[string]model.FlagMetadata
	settleDelay time.Duration
	metrics     *metrics.Recorder
	logger      *log.Entry

	mu          sync.RWMutex
	client      LiveClient
	flags       Flags
	loading     bool
	closed      bool
	unsubscribe func()
	timers      map[*time.Timer]struct{}

	subMu  sync.RWMutex
	nextID int
	subs   map[int]func(Flags)
}

// New builds a reconciler. plugin may be nil, which behaves like a plugin
// without a client.
func New(plugin OverridePlugin, opts Options) *Reconciler {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	return &Reconciler{
		plugin:      plugin,
		catalog:     catalog.Index(opts.Catalog),
		settleDelay: opts.SettleDelay,
		metrics:     opts.Metrics,
		logger:      log.WithField("component", "local"),
		flags:       Flags{},
		loading:     true,
		subs:        map[int]func(Flags){},
		timers:      map[*time.Timer]struct{}{},
	}
}

// Start builds the initial view and subscribes to client changes. Without a
// client the view stays empty; that is a terminal state, not an error.
func (r *Reconciler) Start() {
	var client LiveClient
	if r.plugin != nil {
		client = r.plugin.GetClient()
	}
	if client == nil {
		r.logger.Info("no SDK client available, flag list is empty")
		r.mu.Lock()
		r.flags = Flags{}
		r.loading = false
		r.mu.Unlock()
		r.publish()
		return
	}

	flags := r.build(client)
	r.mu.Lock()
	r.client = client
	r.flags = flags
	r.loading = false
	r.mu.Unlock()
	unsubscribe := client.OnChange(r.onChange)
	r.mu.Lock()
	r.unsubscribe = unsubscribe
	r.mu.Unlock()
	r.logger.Debugf("loaded %d flags from SDK client", len(flags))
	r.publish()
}

// Close removes the change listener. Pending reverts are dropped.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	for t := range r.timers {
		t.Stop()
	}
	clear(r.timers)
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (r *Reconciler) Flags() Flags {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flags
}

func (r *Reconciler) IsLoading() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loading
}

// Subscribe calls fn with every newly published view.
func (r *Reconciler) Subscribe(fn func(Flags)) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subs, id)
	}
}

func (r *Reconciler) publish() {
	flags := r.Flags()
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, fn := range r.subs {
		fn(flags)
	}
}

// SetOverride writes the override and marks the flag overridden right away.
// Plugins do not reliably notify for programmatic overrides.
func (r *Reconciler) SetOverride(flagKey string, value any) error {
	if r.plugin == nil {
		return fmt.Errorf("set override %s: no override plugin", flagKey)
	}
	if err := r.plugin.SetOverride(flagKey, value); err != nil {
		return fmt.Errorf("set override %s: %w", flagKey, err)
	}

	r.mu.Lock()
	var entry model.LocalFlag
	if prev, ok := r.flags[flagKey]; ok {
		entry = *prev
	} else {
		entry = *r.entry(flagKey, value, nil)
	}
	entry.CurrentValue = value
	entry.IsOverridden = true
	r.flags = with(r.flags, flagKey, &entry)
	r.mu.Unlock()

	r.metrics.LocalPatch()
	r.publish()
	return nil
}

// RemoveOverride deletes the override and, after the settle delay, reads the
// flag's value back from the client.
func (r *Reconciler) RemoveOverride(flagKey string) error {
	if r.plugin == nil {
		return fmt.Errorf("remove override %s: no override plugin", flagKey)
	}
	if err := r.plugin.RemoveOverride(flagKey); err != nil {
		return fmt.Errorf("remove override %s: %w", flagKey, err)
	}
	r.afterSettle(func() { r.revert(flagKey) })
	return nil
}

// ClearAllOverrides removes every override and rebuilds the view once the
// plugin settled.
func (r *Reconciler) ClearAllOverrides() error {
	if r.plugin == nil {
		return fmt.Errorf("clear overrides: no override plugin")
	}
	if err := r.plugin.ClearAllOverrides(); err != nil {
		return fmt.Errorf("clear overrides: %w", err)
	}
	r.afterSettle(func() {
		r.mu.RLock()
		keys := make([]string, 0, len(r.flags))
		for key := range r.flags {
			keys = append(keys, key)
		}
		r.mu.RUnlock()
		r.onChange(ChangeSet{Keys: keys})
	})
	return nil
}

func (r *Reconciler) afterSettle(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	// the callback takes r.mu, so t is assigned before it can run
	var t *time.Timer
	t = time.AfterFunc(r.settleDelay, func() {
		r.mu.Lock()
		delete(r.timers, t)
		closed := r.closed
		r.mu.Unlock()
		if !closed {
			fn()
		}
	})
	r.timers[t] = struct{}{}
}

func (r *Reconciler) revert(flagKey string) {
	r.mu.RLock()
	client := r.client
	r.mu.RUnlock()
	if client == nil {
		return
	}
	value, ok := client.AllFlags()[flagKey]

	r.mu.Lock()
	prev, had := r.flags[flagKey]
	switch {
	case !ok && !had:
		r.mu.Unlock()
		return
	case !ok:
		r.flags = without(r.flags, flagKey)
	default:
		var entry model.LocalFlag
		if had {
			entry = *prev
		} else {
			entry = *r.entry(flagKey, value, nil)
		}
		entry.CurrentValue = value
		entry.IsOverridden = false
		r.flags = with(r.flags, flagKey, &entry)
	}
	r.mu.Unlock()

	r.metrics.LocalPatch()
	r.publish()
}

func (r *Reconciler) onChange(cs ChangeSet) {
	r.mu.RLock()
	client := r.client
	closed := r.closed
	r.mu.RUnlock()
	if client == nil || closed {
		return
	}

	next := r.build(client)
	r.mu.Lock()
	patched, changed := patch(r.flags, next, cs.ChangedKeys())
	r.flags = patched
	r.mu.Unlock()
	if !changed {
		return
	}
	r.metrics.LocalPatch()
	r.publish()
}

func (r *Reconciler) build(client LiveClient) Flags {
	values := client.AllFlags()
	var overrides map[string]any
	if r.plugin != nil {
		overrides = r.plugin.GetAllOverrides()
	}
	flags := make(Flags, len(values))
	for key, value := range values {
		flags[key] = r.entry(key, value, overrides)
	}
	return flags
}

func (r *Reconciler) entry(key string, value any, overrides map[string]any) *model.LocalFlag {
	flag := &model.LocalFlag{
		Key:          key,
		Name:         catalog.DisplayName(key),
		CurrentValue: value,
	}
	if override, ok := overrides[key]; ok {
		flag.CurrentValue = override
		flag.IsOverridden = true
	}
	meta, ok := r.catalog[key]
	if ok {
		if meta.Name != "" {
			flag.Name = meta.Name
		}
		flag.AvailableVariations = meta.Variations
	}
	flag.Type = inferType(meta.Kind, flag.AvailableVariations, flag.CurrentValue)
	return flag
}

// inferType is looser than catalog.InferType: any two or more non-object
// variations make a multivariate flag, booleans included.
func inferType(kind model.FlagType, variations []model.Variation, currentValue any) model.FlagType {
	if kind != "" {
		return kind
	}
	if len(variations) >= 2 {
		multi := true
		for _, v := range variations {
			if model.ValueType(v.Value) == model.FlagTypeObject {
				multi = false
				break
			}
		}
		if multi {
			return model.FlagTypeMultivariate
		}
	}
	return model.ValueType(currentValue)
}

// patch applies next onto prev at the changed keys plus any keys new in next.
// Untouched entries keep their pointers and prev itself is returned when
// nothing changed.
func patch(prev, next Flags, changed []string) (Flags, bool) {
	var out Flags
	ensure := func() {
		if out == nil {
			out = make(Flags, len(prev)+1)
			for k, v := range prev {
				out[k] = v
			}
		}
	}
	for _, key := range changed {
		n, ok := next[key]
		p, had := prev[key]
		if !ok {
			if had {
				ensure()
				delete(out, key)
			}
			continue
		}
		if had && reflect.DeepEqual(*p, *n) {
			continue
		}
		ensure()
		out[key] = n
	}
	added := make([]string, 0)
	for key := range next {
		if _, had := prev[key]; !had {
			added = append(added, key)
		}
	}
	sort.Strings(added)
	for _, key := range added {
		ensure()
		out[key] = next[key]
	}
	if out == nil {
		return prev, false
	}
	return out, true
}

func with(flags Flags, key string, entry *model.LocalFlag) Flags {
	out := make(Flags, len(flags)+1)
	for k, v := range flags {
		out[k] = v
	}
	out[key] = entry
	return out
}

func without(flags Flags, key string) Flags {
	out := make(Flags, len(flags))
	for k, v := range flags {
		if k != key {
			out[k] = v
		}
	}
	return out
}
