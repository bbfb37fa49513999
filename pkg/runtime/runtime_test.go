package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-feature/flagd-toolbar/pkg/local"
	"github.com/open-feature/flagd-toolbar/pkg/provider"
	"github.com/open-feature/flagd-toolbar/pkg/store"
)

type fakeEngine struct {
	startErr error
	started  bool
	stopped  bool
}

func (f *fakeEngine) Start(context.Context) error {
	f.started = true
	return f.startErr
}

func (f *fakeEngine) Stop() {
	f.stopped = true
}

type fakeService struct {
	err error
}

func (f fakeService) Serve(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return nil
}

func TestStart_RunsUntilCancelled(t *testing.T) {
	engine := &fakeEngine{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Start(ctx, fakeService{}, engine) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runtime did not stop")
	}
	assert.True(t, engine.started)
	assert.True(t, engine.stopped)
}

func TestStart_ServiceFailure(t *testing.T) {
	engine := &fakeEngine{}
	err := Start(context.Background(), fakeService{err: errors.New("address in use")}, engine)
	assert.EqualError(t, err, "address in use")
	assert.True(t, engine.stopped)
}

func TestStart_EngineFailure(t *testing.T) {
	engine := &fakeEngine{startErr: errors.New("no flags")}
	err := Start(context.Background(), fakeService{}, engine)
	assert.ErrorContains(t, err, "no flags")
	assert.False(t, engine.stopped)
}

func TestLocalEngine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "flags": {
    "new-checkout": {"state": "ENABLED", "variants": {"on": true, "off": false}, "defaultVariant": "on"}
  }
}`), 0o600))

	client := provider.NewFileClient(path, nil)
	plugin := provider.NewOverridePlugin(store.NewMemoryStorage(), "", client)
	engine := &LocalEngine{
		Client:     client,
		Reconciler: local.New(plugin, local.Options{}),
		Watch:      true,
	}
	require.NoError(t, engine.Start(context.Background()))
	defer engine.Stop()

	flags := engine.Reconciler.Flags()
	require.Contains(t, flags, "new-checkout")
	assert.Equal(t, true, flags["new-checkout"].CurrentValue)
}

func TestLocalEngine_MissingFile(t *testing.T) {
	client := provider.NewFileClient(filepath.Join(t.TempDir(), "missing.json"), nil)
	engine := &LocalEngine{
		Client:     client,
		Reconciler: local.New(provider.NewOverridePlugin(store.NewMemoryStorage(), "", client), local.Options{}),
	}
	assert.Error(t, engine.Start(context.Background()))
}
