package share

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/open-feature/flagd-toolbar/pkg/model"
	"github.com/open-feature/flagd-toolbar/pkg/store"
)

type fakeLocation struct {
	current  string
	replaced []string
}

func (l *fakeLocation) CurrentURL() string {
	return l.current
}

func (l *fakeLocation) Replace(u string) error {
	l.replaced = append(l.replaced, u)
	l.current = u
	return nil
}

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) SetOverride(flagKey string, value any) error {
	return m.Called(flagKey, value).Error(0)
}

// failingStorage rejects writes to one key.
type failingStorage struct {
	*store.MemoryStorage
	failKey string
}

func (f *failingStorage) SetItem(key string, value string) error {
	if key == f.failKey {
		return errors.New("quota exceeded")
	}
	return f.MemoryStorage.SetItem(key, value)
}

func fullState() SharedState {
	return SharedState{
		Version: 1,
		Overrides: map[string]any{
			"new-checkout": true,
			"banner-text":  "hello",
			"limits":       map[string]any{"max": float64(10)},
		},
		Contexts: []model.Context{
			{"kind": "user", "key": "dev-user"},
			{"kind": "org", "key": "acme", "plan": "pro"},
		},
		ActiveContext: model.Context{"kind": "user", "key": "dev-user"},
		Settings:      map[string]any{"position": "bottom"},
		StarredFlags:  []string{"new-checkout"},
	}
}

func payloadURL(t *testing.T, raw string) string {
	t.Helper()
	return "https://app.test/?" + DefaultParam + "=" + base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func TestRoundTrip(t *testing.T) {
	codec := NewCodec(store.NewMemoryStorage(), nil, nil)
	state := fullState()

	res, err := codec.Serialize(state, "https://app.test/page", "")
	require.NoError(t, err)

	parsed := codec.Parse(res.URL, "")
	require.True(t, parsed.Found)
	require.NoError(t, parsed.Err)
	require.NotNil(t, parsed.State)
	assert.Equal(t, state, *parsed.State)
	assert.Empty(t, parsed.Warning)
}

func TestRoundTrip_KeepsEmptyCollections(t *testing.T) {
	codec := NewCodec(store.NewMemoryStorage(), nil, nil)
	state := SharedState{
		Version:      1,
		Overrides:    map[string]any{},
		Contexts:     []model.Context{},
		Settings:     map[string]any{},
		StarredFlags: []string{},
	}

	res, err := codec.Serialize(state, "https://app.test/", "")
	require.NoError(t, err)
	parsed := codec.Parse(res.URL, "")
	require.NoError(t, parsed.Err)
	require.NotNil(t, parsed.State)
	assert.Equal(t, state, *parsed.State)

	bare, err := codec.Serialize(SharedState{Version: 1}, "https://app.test/", "")
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(bare.URL, "https://app.test/?"+DefaultParam+"="))
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1}`, string(raw))
}

func TestSerialize_PreservesQuery(t *testing.T) {
	codec := NewCodec(store.NewMemoryStorage(), nil, nil)
	res, err := codec.Serialize(SharedState{Version: 1}, "https://app.test/page?tab=flags&"+DefaultParam+"=old", "")
	require.NoError(t, err)

	u, err := url.Parse(res.URL)
	require.NoError(t, err)
	assert.Equal(t, "flags", u.Query().Get("tab"))
	assert.Len(t, u.Query()[DefaultParam], 1)
	assert.NotEqual(t, "old", u.Query().Get(DefaultParam))
	assert.Equal(t, len(u.Query().Get(DefaultParam)), res.Size)
	assert.False(t, res.ExceedsWarning)
	assert.False(t, res.ExceedsLimit)
}

func TestSerialize_DefaultsToCurrentLocation(t *testing.T) {
	loc := &fakeLocation{current: "https://app.test/dashboard?x=1#top"}
	codec := NewCodec(store.NewMemoryStorage(), nil, loc)

	res, err := codec.Serialize(SharedState{Version: 1}, "", "shared")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.URL, "https://app.test/dashboard?shared="), res.URL)
	assert.NotContains(t, res.URL, "x=1")

	_, err = NewCodec(store.NewMemoryStorage(), nil, nil).Serialize(SharedState{Version: 1}, "", "")
	assert.Error(t, err)
}

func TestSerialize_SizeThresholds(t *testing.T) {
	codec := NewCodec(store.NewMemoryStorage(), nil, nil)
	state := SharedState{Version: 1, Overrides: map[string]any{}}
	for i := 0; i < 500; i++ {
		state.Overrides[fmt.Sprintf("flag-%03d", i)] = map[string]any{
			"description": strings.Repeat("x", 34),
		}
	}

	res, err := codec.Serialize(state, "https://app.test/", "")
	require.NoError(t, err)
	assert.Greater(t, res.Size, MaxSize)
	assert.True(t, res.ExceedsWarning)
	assert.True(t, res.ExceedsLimit)
	assert.NotEmpty(t, res.URL)
}

func TestParse(t *testing.T) {
	codec := NewCodec(store.NewMemoryStorage(), nil, nil)
	tests := map[string]struct {
		url       string
		found     bool
		errSubstr string
	}{
		"absent parameter": {
			url:   "https://app.test/?other=1",
			found: false,
		},
		"version only": {
			url:   payloadURL(t, `{"version":1}`),
			found: true,
		},
		"null active context": {
			url:   payloadURL(t, `{"version":1,"activeContext":null}`),
			found: true,
		},
		"bad encoding": {
			url:       "https://app.test/?" + DefaultParam + "=***",
			found:     true,
			errSubstr: "Failed to decode state",
		},
		"bad json": {
			url:       payloadURL(t, `{"version":`),
			found:     true,
			errSubstr: "Failed to decode state",
		},
		"missing version": {
			url:       payloadURL(t, `{"overrides":{}}`),
			found:     true,
			errSubstr: "version",
		},
		"string version": {
			url:       payloadURL(t, `{"version":"1"}`),
			found:     true,
			errSubstr: "version",
		},
		"overrides not an object": {
			url:       payloadURL(t, `{"version":1,"overrides":"nope"}`),
			found:     true,
			errSubstr: "overrides",
		},
		"first failure wins": {
			url:       payloadURL(t, `{"version":1,"starredFlags":{},"contexts":"nope"}`),
			found:     true,
			errSubstr: "contexts",
		},
		"active context array": {
			url:       payloadURL(t, `{"version":1,"activeContext":[]}`),
			found:     true,
			errSubstr: "activeContext",
		},
		"settings not an object": {
			url:       payloadURL(t, `{"version":1,"settings":[]}`),
			found:     true,
			errSubstr: "settings",
		},
		"starred flags not an array": {
			url:       payloadURL(t, `{"version":1,"starredFlags":"a"}`),
			found:     true,
			errSubstr: "starredFlags",
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			res := codec.Parse(tt.url, "")
			assert.Equal(t, tt.found, res.Found)
			if tt.errSubstr == "" {
				assert.NoError(t, res.Err)
				assert.Equal(t, tt.found, res.State != nil)
				return
			}
			require.Error(t, res.Err)
			assert.Contains(t, res.Err.Error(), tt.errSubstr)
			assert.Nil(t, res.State)
		})
	}
}

func TestParse_NewerVersionWarns(t *testing.T) {
	codec := NewCodec(store.NewMemoryStorage(), nil, nil)
	res := codec.Parse(payloadURL(t, `{"version":2,"starredFlags":["a"]}`), "")
	require.NoError(t, res.Err)
	require.NotNil(t, res.State)
	assert.Equal(t, []string{"a"}, res.State.StarredFlags)
	assert.Contains(t, res.Warning, "newer")
}

func TestParse_ReadsCurrentLocation(t *testing.T) {
	loc := &fakeLocation{current: payloadURL(t, `{"version":1}`)}
	res := NewCodec(store.NewMemoryStorage(), nil, loc).Parse("", "")
	assert.True(t, res.Found)
	assert.NoError(t, res.Err)
}

func TestApply(t *testing.T) {
	storage := store.NewMemoryStorage()
	contexts := store.NewContextStore(storage)
	require.NoError(t, store.NewSettingsStore(storage).Merge(map[string]any{"theme": "dark"}))

	var activeChanges []model.Context
	contexts.OnActiveChange(func(c model.Context) { activeChanges = append(activeChanges, c) })

	loc := &fakeLocation{current: "https://app.test/page?tab=1&" + DefaultParam + "=abc"}
	codec := NewCodec(storage, contexts, loc)
	writer := &mockWriter{}
	writer.On("SetOverride", mock.Anything, mock.Anything).Return(nil)

	state := fullState()
	res := codec.Apply(&state, "", writer)
	require.NoError(t, res.Err())
	assert.True(t, res.Loaded)

	overrides, err := store.NewOverrideStore(storage, "").All()
	require.NoError(t, err)
	assert.Equal(t, state.Overrides, overrides)
	raw, ok, err := storage.GetItem("ld-flag-override:banner-text")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `"hello"`, raw)

	saved, err := contexts.Contexts()
	require.NoError(t, err)
	assert.Equal(t, state.Contexts, saved)
	require.Len(t, activeChanges, 1)
	assert.Equal(t, "dev-user", activeChanges[0].Key())

	settings, err := store.NewSettingsStore(storage).Get()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"theme": "dark", "position": "bottom"}, settings)

	starred, err := store.NewStarredStore(storage).Get()
	require.NoError(t, err)
	assert.Equal(t, []string{"new-checkout"}, starred)

	writer.AssertNumberOfCalls(t, "SetOverride", 3)
	writer.AssertCalled(t, "SetOverride", "new-checkout", true)
	require.Len(t, loc.replaced, 1)
	assert.Equal(t, "https://app.test/page?tab=1", loc.replaced[0])
}

func TestApply_FieldFailureDoesNotStopOthers(t *testing.T) {
	storage := &failingStorage{MemoryStorage: store.NewMemoryStorage(), failKey: store.KeySettings}
	loc := &fakeLocation{current: "https://app.test/?" + DefaultParam + "=abc"}
	codec := NewCodec(storage, nil, loc)

	state := fullState()
	res := codec.Apply(&state, "custom-ns", nil)
	assert.False(t, res.Loaded)
	require.Len(t, res.Errs, 1)
	assert.Contains(t, res.Err().Error(), "settings")

	overrides, err := store.NewOverrideStore(storage, "custom-ns").All()
	require.NoError(t, err)
	assert.Len(t, overrides, 3)
	starred, err := store.NewStarredStore(storage).Get()
	require.NoError(t, err)
	assert.Equal(t, []string{"new-checkout"}, starred)
	assert.Empty(t, loc.replaced)
}

func TestApply_EmptyListsReset(t *testing.T) {
	storage := store.NewMemoryStorage()
	contexts := store.NewContextStore(storage)
	require.NoError(t, store.NewStarredStore(storage).Set([]string{"old-flag"}))
	require.NoError(t, contexts.SetContexts([]model.Context{{"kind": "user", "key": "old-user"}}))
	codec := NewCodec(storage, contexts, nil)

	res, err := codec.Serialize(SharedState{Version: 1, Contexts: []model.Context{}, StarredFlags: []string{}}, "https://app.test/", "")
	require.NoError(t, err)
	parsed := codec.Parse(res.URL, "")
	require.NoError(t, parsed.Err)
	require.NoError(t, codec.Apply(parsed.State, "", nil).Err())

	starred, err := store.NewStarredStore(storage).Get()
	require.NoError(t, err)
	assert.Empty(t, starred)
	saved, err := contexts.Contexts()
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestApply_PluginFailureIsRecorded(t *testing.T) {
	codec := NewCodec(store.NewMemoryStorage(), nil, nil)
	writer := &mockWriter{}
	writer.On("SetOverride", "a", true).Return(errors.New("not ready"))

	res := codec.Apply(&SharedState{Version: 1, Overrides: map[string]any{"a": true}}, "", writer)
	assert.False(t, res.Loaded)
	assert.ErrorContains(t, res.Err(), "not ready")
}

func TestCollect(t *testing.T) {
	storage := store.NewMemoryStorage()
	contexts := store.NewContextStore(storage)
	codec := NewCodec(storage, contexts, nil)

	empty, err := codec.Collect(nil)
	require.NoError(t, err)
	assert.Equal(t, SharedState{Version: CurrentVersion}, empty)

	state := fullState()
	require.NoError(t, codec.Apply(&state, "", nil).Err())

	collected, err := codec.Collect(state.Overrides)
	require.NoError(t, err)
	assert.Equal(t, state, collected)
}
