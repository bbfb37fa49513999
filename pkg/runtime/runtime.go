package runtime

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/open-feature/flagd-toolbar/pkg/service"
)

// Engine is started before the service and stopped once it has stopped.
type Engine interface {
	Start(ctx context.Context) error
	Stop()
}

// Start runs engine and server until ctx is cancelled or the server fails.
func Start(ctx context.Context, server service.IService, engine Engine) error {
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer engine.Stop()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("toolbar stopped")
	return nil
}
