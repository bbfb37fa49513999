package runtime

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/open-feature/flagd-toolbar/pkg/local"
	"github.com/open-feature/flagd-toolbar/pkg/provider"
)

// LocalEngine runs SDK mode: a flag file client feeding the reconciler.
type LocalEngine struct {
	Client     *provider.FileClient
	Reconciler *local.Reconciler
	// Watch reloads the flag file on changes.
	Watch bool
}

func (e *LocalEngine) Start(context.Context) error {
	if err := e.Client.Initialize(); err != nil {
		return fmt.Errorf("load flags: %w", err)
	}
	if e.Watch {
		if err := e.Client.Watch(); err != nil {
			return fmt.Errorf("watch flags: %w", err)
		}
	}
	e.Reconciler.Start()
	log.Infof("serving %d flags from %s", len(e.Reconciler.Flags()), e.Client.URI)
	return nil
}

func (e *LocalEngine) Stop() {
	e.Reconciler.Close()
	if err := e.Client.Close(); err != nil {
		log.Warnf("close flag file client: %v", err)
	}
}
