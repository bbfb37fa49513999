package service

import (
	"context"
	"sync"

	"github.com/rs/xid"

	"github.com/open-feature/flagd-toolbar/pkg/local"
	"github.com/open-feature/flagd-toolbar/pkg/model"
	toolbarsync "github.com/open-feature/flagd-toolbar/pkg/sync"
)

// EngineToolbar serves a dev server engine.
type EngineToolbar struct {
	Engine *toolbarsync.Engine
}

func (t EngineToolbar) Mode() string {
	return "dev-server"
}

func (t EngineToolbar) Snapshot() any {
	return t.Engine.State()
}

func (t EngineToolbar) Overrides() map[string]any {
	return t.Engine.Overrides()
}

func (t EngineToolbar) SetOverride(ctx context.Context, flagKey string, value any) error {
	return t.Engine.SetOverride(ctx, flagKey, value)
}

func (t EngineToolbar) ClearOverride(ctx context.Context, flagKey string) error {
	return t.Engine.ClearOverride(ctx, flagKey)
}

func (t EngineToolbar) ClearAllOverrides(ctx context.Context) error {
	return t.Engine.ClearAllOverrides(ctx)
}

func (t EngineToolbar) Refresh(ctx context.Context) error {
	return t.Engine.Refresh(ctx)
}

func (t EngineToolbar) Watch(fn func(snapshot any)) func() {
	id := xid.New().String()
	ch := make(chan model.ToolbarState, 1)
	done := make(chan struct{})
	t.Engine.Subscribe(id, ch)
	go func() {
		for {
			select {
			case state := <-ch:
				fn(state)
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			t.Engine.Unsubscribe(id)
			close(done)
		})
	}
}

// LocalView is the SDK-mode snapshot.
type LocalView struct {
	Flags     local.Flags `json:"flags"`
	IsLoading bool        `json:"isLoading"`
}

// LocalToolbar serves an SDK-mode reconciler.
type LocalToolbar struct {
	Reconciler *local.Reconciler
}

func (t LocalToolbar) Mode() string {
	return "sdk"
}

func (t LocalToolbar) Snapshot() any {
	return LocalView{Flags: t.Reconciler.Flags(), IsLoading: t.Reconciler.IsLoading()}
}

func (t LocalToolbar) Overrides() map[string]any {
	overrides := map[string]any{}
	for key, flag := range t.Reconciler.Flags() {
		if flag.IsOverridden {
			overrides[key] = flag.CurrentValue
		}
	}
	return overrides
}

func (t LocalToolbar) SetOverride(_ context.Context, flagKey string, value any) error {
	return t.Reconciler.SetOverride(flagKey, value)
}

func (t LocalToolbar) ClearOverride(_ context.Context, flagKey string) error {
	return t.Reconciler.RemoveOverride(flagKey)
}

func (t LocalToolbar) ClearAllOverrides(_ context.Context) error {
	return t.Reconciler.ClearAllOverrides()
}

func (t LocalToolbar) Refresh(context.Context) error {
	return ErrNotSupported
}

func (t LocalToolbar) Watch(fn func(snapshot any)) func() {
	return t.Reconciler.Subscribe(func(flags local.Flags) {
		fn(LocalView{Flags: flags, IsLoading: t.Reconciler.IsLoading()})
	})
}
