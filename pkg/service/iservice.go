package service

import (
	"context"
	"errors"

	"github.com/open-feature/flagd-toolbar/pkg/eval"
	"github.com/open-feature/flagd-toolbar/pkg/model"
)

// ErrNotSupported is returned by a Toolbar for operations its mode lacks.
var ErrNotSupported = errors.New("not supported in this mode")

type IService interface {
	Serve(ctx context.Context) error
}

// Toolbar is the engine a service exposes. Both the dev server engine and
// the SDK-mode reconciler are served through it.
type Toolbar interface {
	// Mode names the engine, "dev-server" or "sdk".
	Mode() string
	// Snapshot returns the current JSON-encodable state.
	Snapshot() any
	// Overrides returns the active overrides by flag key.
	Overrides() map[string]any
	SetOverride(ctx context.Context, flagKey string, value any) error
	ClearOverride(ctx context.Context, flagKey string) error
	ClearAllOverrides(ctx context.Context) error
	Refresh(ctx context.Context) error
	// Watch calls fn with every new snapshot until the returned func is called.
	Watch(fn func(snapshot any)) func()
}

// Resolver evaluates a single flag, e.g. a local flag file.
type Resolver interface {
	Resolve(flagKey string, want model.FlagType) (eval.Resolution, error)
}
