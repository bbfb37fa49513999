// Package share encodes toolbar state into a URL query parameter so it can
// be handed to someone else, and loads it back into the local stores.
package share

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/open-feature/flagd-toolbar/pkg/model"
	"github.com/open-feature/flagd-toolbar/pkg/store"
)

const (
	DefaultParam   = "ldToolbarState"
	CurrentVersion = 1

	// Advisory payload sizes. Serialize reports them but never refuses.
	WarningSize = 2000
	MaxSize     = 8192
)

// SharedState is the versioned payload carried in a share link. Nil fields
// are left out of the payload; empty ones are kept so they reset the
// receiver's stores.
type SharedState struct {
	Version       int             `json:"version"`
	Overrides     map[string]any  `json:"overrides"`
	Contexts      []model.Context `json:"contexts"`
	ActiveContext model.Context   `json:"activeContext"`
	Settings      map[string]any  `json:"settings"`
	StarredFlags  []string        `json:"starredFlags"`
}

func (s SharedState) MarshalJSON() ([]byte, error) {
	doc := map[string]any{"version": s.Version}
	if s.Overrides != nil {
		doc["overrides"] = s.Overrides
	}
	if s.Contexts != nil {
		doc["contexts"] = s.Contexts
	}
	if s.ActiveContext != nil {
		doc["activeContext"] = s.ActiveContext
	}
	if s.Settings != nil {
		doc["settings"] = s.Settings
	}
	if s.StarredFlags != nil {
		doc["starredFlags"] = s.StarredFlags
	}
	return json.Marshal(doc)
}

// Location is the page the toolbar runs on.
type Location interface {
	// CurrentURL returns the full current URL.
	CurrentURL() string
	// Replace navigates to url without adding a history entry.
	Replace(url string) error
}

// OverrideWriter receives imported overrides directly, for plugins that
// already loaded from storage before the import ran.
type OverrideWriter interface {
	SetOverride(flagKey string, value any) error
}

type Codec struct {
	Storage  store.IStorage
	Contexts *store.ContextStore
	Location Location
	// Param is the query parameter Apply strips, DefaultParam when empty.
	Param  string
	logger *log.Entry
}

// NewCodec builds a codec over storage. contexts should be the store the
// engines watch so an imported active context reaches them; nil creates one.
func NewCodec(storage store.IStorage, contexts *store.ContextStore, location Location) *Codec {
	if contexts == nil {
		contexts = store.NewContextStore(storage)
	}
	return &Codec{
		Storage:  storage,
		Contexts: contexts,
		Location: location,
		logger:   log.WithField("component", "share"),
	}
}

type SerializeResult struct {
	URL            string `json:"url"`
	Size           int    `json:"size"`
	ExceedsWarning bool   `json:"exceedsWarning"`
	ExceedsLimit   bool   `json:"exceedsLimit"`
}

// Serialize encodes state into baseURL's paramName parameter, keeping every
// other query parameter. An empty baseURL means the current location without
// its query.
func (c *Codec) Serialize(state SharedState, baseURL string, paramName string) (SerializeResult, error) {
	if paramName == "" {
		paramName = DefaultParam
	}
	if baseURL == "" {
		if c.Location == nil {
			return SerializeResult{}, errors.New("serialize: no base URL and no current location")
		}
		current, err := url.Parse(c.Location.CurrentURL())
		if err != nil {
			return SerializeResult{}, fmt.Errorf("serialize: current location: %w", err)
		}
		current.RawQuery = ""
		current.Fragment = ""
		baseURL = current.String()
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return SerializeResult{}, fmt.Errorf("serialize: base URL: %w", err)
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return SerializeResult{}, fmt.Errorf("serialize: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)

	query := u.Query()
	query.Set(paramName, payload)
	u.RawQuery = query.Encode()

	return SerializeResult{
		URL:            u.String(),
		Size:           len(payload),
		ExceedsWarning: len(payload) > WarningSize,
		ExceedsLimit:   len(payload) > MaxSize,
	}, nil
}

// ParseResult of a share link. An absent parameter is Found=false with no
// Err; a present but invalid one is Found=true with a nil State.
type ParseResult struct {
	Found   bool
	State   *SharedState
	Err     error
	Warning string
}

// Parse reads the shared state from rawURL. An empty rawURL reads the current
// location.
func (c *Codec) Parse(rawURL string, paramName string) ParseResult {
	if paramName == "" {
		paramName = DefaultParam
	}
	if rawURL == "" && c.Location != nil {
		rawURL = c.Location.CurrentURL()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ParseResult{}
	}
	values, ok := u.Query()[paramName]
	if !ok || len(values) == 0 {
		return ParseResult{}
	}

	state, err := decode(values[0])
	if err != nil {
		return ParseResult{Found: true, Err: err}
	}
	result := ParseResult{Found: true, State: state}
	if state.Version > CurrentVersion {
		result.Warning = fmt.Sprintf("shared state version %d is newer than supported version %d, some fields may be ignored",
			state.Version, CurrentVersion)
	}
	return result
}

func decode(payload string) (*SharedState, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(payload, "="))
	if err != nil {
		return nil, fmt.Errorf("Failed to decode state: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("Failed to decode state: %w", err)
	}
	if err := validate(doc); err != nil {
		return nil, err
	}
	var state SharedState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("Failed to decode state: %w", err)
	}
	return &state, nil
}

// ApplyResult lists every field that could not be written. The remaining
// fields are applied regardless.
type ApplyResult struct {
	Loaded bool
	Errs   []error
}

func (r ApplyResult) Err() error {
	return errors.Join(r.Errs...)
}

// Apply writes state into the local stores field by field. Overrides go to
// {namespace}:{flagKey} and, when writer is set, straight to the plugin.
// Once everything is written the share parameter is removed from the
// current location.
func (c *Codec) Apply(state *SharedState, namespace string, writer OverrideWriter) ApplyResult {
	if state == nil {
		return ApplyResult{Errs: []error{errors.New("apply: no state")}}
	}
	var errs []error
	record := func(err error) {
		if err != nil {
			c.logger.Warnf("apply shared state: %v", err)
			errs = append(errs, err)
		}
	}

	overrides := store.NewOverrideStore(c.Storage, namespace)
	for flagKey, value := range state.Overrides {
		if err := overrides.Set(flagKey, value); err != nil {
			record(fmt.Errorf("override %s: %w", flagKey, err))
		}
		if writer != nil {
			if err := writer.SetOverride(flagKey, value); err != nil {
				record(fmt.Errorf("plugin override %s: %w", flagKey, err))
			}
		}
	}

	contexts := c.Contexts
	if state.Contexts != nil {
		if err := contexts.SetContexts(state.Contexts); err != nil {
			record(fmt.Errorf("contexts: %w", err))
		}
	}
	if state.ActiveContext != nil {
		if err := contexts.SetActive(state.ActiveContext); err != nil {
			record(fmt.Errorf("active context: %w", err))
		}
	}
	if state.Settings != nil {
		if err := store.NewSettingsStore(c.Storage).Merge(state.Settings); err != nil {
			record(fmt.Errorf("settings: %w", err))
		}
	}
	if state.StarredFlags != nil {
		if err := store.NewStarredStore(c.Storage).Set(state.StarredFlags); err != nil {
			record(fmt.Errorf("starred flags: %w", err))
		}
	}

	if len(errs) > 0 {
		return ApplyResult{Errs: errs}
	}
	param := c.Param
	if param == "" {
		param = DefaultParam
	}
	if err := c.stripParam(param); err != nil {
		c.logger.Warnf("remove share parameter: %v", err)
	}
	c.logger.Infof("applied shared state with %d overrides", len(state.Overrides))
	return ApplyResult{Loaded: true}
}

func (c *Codec) stripParam(paramName string) error {
	if c.Location == nil {
		return nil
	}
	u, err := url.Parse(c.Location.CurrentURL())
	if err != nil {
		return err
	}
	query := u.Query()
	if _, ok := query[paramName]; !ok {
		return nil
	}
	query.Del(paramName)
	u.RawQuery = query.Encode()
	return c.Location.Replace(u.String())
}

// Collect builds a SharedState from the stores and the given overrides.
func (c *Codec) Collect(overrides map[string]any) (SharedState, error) {
	state := SharedState{Version: CurrentVersion}
	if len(overrides) > 0 {
		state.Overrides = overrides
	}

	contexts := c.Contexts
	saved, err := contexts.Contexts()
	if err != nil {
		return state, fmt.Errorf("collect contexts: %w", err)
	}
	if len(saved) > 0 {
		state.Contexts = saved
	}
	if state.ActiveContext, err = contexts.Active(); err != nil {
		return state, fmt.Errorf("collect active context: %w", err)
	}

	settings, err := store.NewSettingsStore(c.Storage).Get()
	if err != nil {
		return state, fmt.Errorf("collect settings: %w", err)
	}
	if len(settings) > 0 {
		state.Settings = settings
	}
	starred, err := store.NewStarredStore(c.Storage).Get()
	if err != nil {
		return state, fmt.Errorf("collect starred flags: %w", err)
	}
	if len(starred) > 0 {
		state.StarredFlags = starred
	}
	return state, nil
}
