package service

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/open-feature/flagd-toolbar/pkg/devserver"
	"github.com/open-feature/flagd-toolbar/pkg/eval"
	"github.com/open-feature/flagd-toolbar/pkg/local"
	"github.com/open-feature/flagd-toolbar/pkg/metrics"
	"github.com/open-feature/flagd-toolbar/pkg/model"
	"github.com/open-feature/flagd-toolbar/pkg/share"
	"github.com/open-feature/flagd-toolbar/pkg/store"
	toolbarsync "github.com/open-feature/flagd-toolbar/pkg/sync"
)

type mockToolbar struct {
	mock.Mock

	mu      sync.Mutex
	watcher func(any)
}

func (m *mockToolbar) Mode() string {
	return "test"
}

func (m *mockToolbar) Snapshot() any {
	return m.Called().Get(0)
}

func (m *mockToolbar) Overrides() map[string]any {
	overrides, _ := m.Called().Get(0).(map[string]any)
	return overrides
}

func (m *mockToolbar) SetOverride(ctx context.Context, flagKey string, value any) error {
	return m.Called(ctx, flagKey, value).Error(0)
}

func (m *mockToolbar) ClearOverride(ctx context.Context, flagKey string) error {
	return m.Called(ctx, flagKey).Error(0)
}

func (m *mockToolbar) ClearAllOverrides(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockToolbar) Refresh(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockToolbar) Watch(fn func(snapshot any)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watcher = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.watcher = nil
	}
}

func (m *mockToolbar) push(snapshot any) bool {
	m.mu.Lock()
	fn := m.watcher
	m.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(snapshot)
	return true
}

func newTestServer(t *testing.T, toolbar Toolbar) (*httptest.Server, *store.MemoryStorage) {
	t.Helper()
	storage := store.NewMemoryStorage()
	svc := &HTTPService{
		HTTPServiceConfiguration: &HTTPServiceConfiguration{},
		Toolbar:                  toolbar,
		Codec:                    share.NewCodec(storage, nil, nil),
		Metrics:                  metrics.NewRecorder(),
	}
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return srv, storage
}

func do(t *testing.T, method string, url string, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = json.Unmarshal(raw, &decoded)
	return resp, decoded
}

func TestGetState(t *testing.T) {
	toolbar := &mockToolbar{}
	toolbar.On("Snapshot").Return(map[string]any{"connectionStatus": "connected"})
	srv, _ := newTestServer(t, toolbar)

	resp, body := do(t, http.MethodGet, srv.URL+"/state", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "connected", body["connectionStatus"])
}

func TestSetOverride(t *testing.T) {
	toolbar := &mockToolbar{}
	toolbar.On("SetOverride", mock.Anything, "flag-1", false).Return(nil)
	toolbar.On("Snapshot").Return(map[string]any{})
	srv, _ := newTestServer(t, toolbar)

	resp, _ := do(t, http.MethodPut, srv.URL+"/overrides/flag-1", "false")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	toolbar.AssertExpectations(t)

	resp, body := do(t, http.MethodPut, srv.URL+"/overrides/flag-1", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "JSON")
}

func TestErrorMapping(t *testing.T) {
	tests := map[string]struct {
		err    error
		status int
	}{
		"not available": {
			err:    toolbarsync.ErrNotAvailable,
			status: http.StatusConflict,
		},
		"not supported": {
			err:    ErrNotSupported,
			status: http.StatusConflict,
		},
		"request error": {
			err:    &devserver.RequestError{Method: "DELETE", Path: "/x", StatusCode: 500},
			status: http.StatusBadGateway,
		},
		"connection error": {
			err:    &devserver.ConnectionError{URL: "http://localhost:8765", Err: errors.New("refused")},
			status: http.StatusBadGateway,
		},
		"other": {
			err:    errors.New("boom"),
			status: http.StatusInternalServerError,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			toolbar := &mockToolbar{}
			toolbar.On("ClearOverride", mock.Anything, "flag-1").Return(tt.err)
			srv, _ := newTestServer(t, toolbar)

			resp, body := do(t, http.MethodDelete, srv.URL+"/overrides/flag-1", "")
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestClearAllAndRefresh(t *testing.T) {
	toolbar := &mockToolbar{}
	toolbar.On("ClearAllOverrides", mock.Anything).Return(nil)
	toolbar.On("Refresh", mock.Anything).Return(nil)
	toolbar.On("Snapshot").Return(map[string]any{})
	srv, _ := newTestServer(t, toolbar)

	resp, _ := do(t, http.MethodDelete, srv.URL+"/overrides", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/refresh", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	toolbar.AssertExpectations(t)
}

func TestShareExportAndImport(t *testing.T) {
	toolbar := &mockToolbar{}
	toolbar.On("Overrides").Return(map[string]any{"flag-1": false})
	toolbar.On("SetOverride", mock.Anything, "flag-1", false).Return(nil)
	srv, storage := newTestServer(t, toolbar)

	resp, body := do(t, http.MethodGet, srv.URL+"/share?base=https://app.test/page", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	link, _ := body["url"].(string)
	require.True(t, strings.HasPrefix(link, "https://app.test/page?"+share.DefaultParam+"="), link)
	assert.Equal(t, false, body["exceedsLimit"])

	payload, err := json.Marshal(map[string]string{"url": link})
	require.NoError(t, err)
	resp, body = do(t, http.MethodPost, srv.URL+"/share/import", string(payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["loaded"])
	toolbar.AssertCalled(t, "SetOverride", mock.Anything, "flag-1", false)

	raw, ok, err := storage.GetItem(store.DefaultOverrideNamespace + ":flag-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "false", raw)
}

func TestShareImportRejectsInvalidState(t *testing.T) {
	srv, _ := newTestServer(t, &mockToolbar{})

	bad := "https://app.test/?" + share.DefaultParam + "=" + base64.RawURLEncoding.EncodeToString([]byte(`{"version":1,"overrides":"x"}`))
	payload, err := json.Marshal(map[string]string{"url": bad})
	require.NoError(t, err)
	resp, body := do(t, http.MethodPost, srv.URL+"/share/import", string(payload))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "overrides")

	resp, _ = do(t, http.MethodPost, srv.URL+"/share/import", `{"url":"https://app.test/"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &mockToolbar{})
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "flagd_toolbar_sync_passes_total")
}

func TestCORS(t *testing.T) {
	toolbar := &mockToolbar{}
	toolbar.On("Snapshot").Return(map[string]any{})
	srv, _ := newTestServer(t, toolbar)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/state", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestEvents(t *testing.T) {
	toolbar := &mockToolbar{}
	toolbar.On("Snapshot").Return(map[string]any{"connectionStatus": "connecting"})
	srv, _ := newTestServer(t, toolbar)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readData := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "data: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			}
		}
	}
	assert.JSONEq(t, `{"connectionStatus":"connecting"}`, readData())

	require.Eventually(t, func() bool {
		return toolbar.push(map[string]any{"connectionStatus": "connected"})
	}, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"connectionStatus":"connected"}`, readData())
}

type localPlugin struct {
	client    *staticClient
	overrides map[string]any
}

type staticClient struct {
	values map[string]any
}

func (s *staticClient) AllFlags() map[string]any {
	out := map[string]any{}
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *staticClient) OnChange(local.ChangeHandler) func() {
	return func() {}
}

func (p *localPlugin) GetAllOverrides() map[string]any {
	out := map[string]any{}
	for k, v := range p.overrides {
		out[k] = v
	}
	return out
}

func (p *localPlugin) SetOverride(flagKey string, value any) error {
	p.overrides[flagKey] = value
	return nil
}

func (p *localPlugin) RemoveOverride(flagKey string) error {
	delete(p.overrides, flagKey)
	return nil
}

func (p *localPlugin) ClearAllOverrides() error {
	p.overrides = map[string]any{}
	return nil
}

func (p *localPlugin) GetClient() local.LiveClient {
	return p.client
}

func TestLocalToolbar(t *testing.T) {
	plugin := &localPlugin{client: &staticClient{values: map[string]any{"a": true, "b": "x"}}, overrides: map[string]any{}}
	r := local.New(plugin, local.Options{})
	r.Start()
	t.Cleanup(r.Close)
	toolbar := LocalToolbar{Reconciler: r}
	ctx := context.Background()

	assert.Equal(t, "sdk", toolbar.Mode())
	assert.ErrorIs(t, toolbar.Refresh(ctx), ErrNotSupported)

	var seen []LocalView
	stop := toolbar.Watch(func(snapshot any) { seen = append(seen, snapshot.(LocalView)) })
	defer stop()

	require.NoError(t, toolbar.SetOverride(ctx, "a", false))
	assert.Equal(t, map[string]any{"a": false}, toolbar.Overrides())
	require.Len(t, seen, 1)
	assert.Equal(t, false, seen[0].Flags["a"].CurrentValue)

	view := toolbar.Snapshot().(LocalView)
	assert.False(t, view.IsLoading)
	assert.Len(t, view.Flags, 2)
}

func TestEngineToolbar_Unconfigured(t *testing.T) {
	engine := toolbarsync.New(toolbarsync.Config{}, toolbarsync.Dependencies{})
	toolbar := EngineToolbar{Engine: engine}
	ctx := context.Background()

	assert.Equal(t, "dev-server", toolbar.Mode())
	state := toolbar.Snapshot().(model.ToolbarState)
	assert.Equal(t, model.StatusDisconnected, state.ConnectionStatus)
	assert.ErrorIs(t, toolbar.SetOverride(ctx, "a", true), toolbarsync.ErrNotAvailable)
	assert.Empty(t, toolbar.Overrides())

	stop := toolbar.Watch(func(any) {})
	stop()
	stop()
}

type evaluatorResolver struct {
	evaluator *eval.JSONEvaluator
}

func (e evaluatorResolver) Resolve(flagKey string, want model.FlagType) (eval.Resolution, error) {
	return e.evaluator.Resolve(flagKey, want, model.Context{"kind": "user", "key": "dev"})
}

func TestEvaluate(t *testing.T) {
	evaluator := &eval.JSONEvaluator{}
	require.NoError(t, evaluator.SetState(`{
  "flags": {
    "new-checkout": {"state": "ENABLED", "variants": {"on": true, "off": false}, "defaultVariant": "on"},
    "banner": {"state": "ENABLED", "variants": {"a": "hello"}, "defaultVariant": "a"}
  }
}`))
	svc := &HTTPService{
		HTTPServiceConfiguration: &HTTPServiceConfiguration{},
		Toolbar:                  &mockToolbar{},
		Resolver:                 evaluatorResolver{evaluator: evaluator},
	}
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)

	resp, body := do(t, http.MethodGet, srv.URL+"/evaluate/new-checkout?type=boolean", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["value"])
	assert.Equal(t, "on", body["variant"])
	assert.Equal(t, eval.StaticReason, body["reason"])

	resp, body = do(t, http.MethodGet, srv.URL+"/evaluate/banner?type=number", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, eval.TypeMismatchErrorCode, body["errorCode"])

	resp, body = do(t, http.MethodGet, srv.URL+"/evaluate/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, eval.FlagNotFoundErrorCode, body["errorCode"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/evaluate/banner?type=date", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStarred(t *testing.T) {
	storage := store.NewMemoryStorage()
	svc := &HTTPService{
		HTTPServiceConfiguration: &HTTPServiceConfiguration{},
		Toolbar:                  &mockToolbar{},
		Starred:                  store.NewStarredStore(storage),
	}
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)

	resp, body := do(t, http.MethodPut, srv.URL+"/starred/new-checkout", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["starred"])
	_, _ = do(t, http.MethodPut, srv.URL+"/starred/banner", "")

	resp, err := http.Get(srv.URL + "/starred")
	require.NoError(t, err)
	defer resp.Body.Close()
	var keys []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&keys))
	assert.Equal(t, []string{"new-checkout", "banner"}, keys)

	_, body = do(t, http.MethodPut, srv.URL+"/starred/new-checkout", "")
	assert.Equal(t, false, body["starred"])
	stored, err := store.NewStarredStore(storage).Get()
	require.NoError(t, err)
	assert.Equal(t, []string{"banner"}, stored)
}
