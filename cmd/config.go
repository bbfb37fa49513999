package cmd

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/open-feature/flagd-toolbar/pkg/catalog"
	"github.com/open-feature/flagd-toolbar/pkg/model"
	"github.com/open-feature/flagd-toolbar/pkg/store"
)

func bindFlags(lookup func(string) *pflag.Flag, names ...string) {
	for _, name := range names {
		if err := viper.BindPFlag(name, lookup(name)); err != nil {
			log.Fatalf("bind flag %s: %v", name, err)
		}
	}
}

// openStorage returns the configured storage and a close func. File storage
// is watched so edits from another toolbar process show up.
func openStorage() (store.IStorage, func(), error) {
	path := viper.GetString("storage")
	if path == "" {
		return store.NewMemoryStorage(), func() {}, nil
	}
	fs, err := store.OpenFileStorage(path)
	if err != nil {
		return nil, nil, err
	}
	if err := fs.Watch(); err != nil {
		_ = fs.Close()
		return nil, nil, fmt.Errorf("watch storage: %w", err)
	}
	log.Debugf("persisting toolbar state in %s", path)
	return fs, func() { _ = fs.Close() }, nil
}

// catalogFetcher returns the remote flag API client, or an empty catalog
// when no API is configured.
func catalogFetcher() (catalog.IFetcher, error) {
	apiURL := viper.GetString("catalog-url")
	if apiURL == "" {
		log.Debug("no catalog api configured, flag names are derived from keys")
		return catalog.NewStatic(nil), nil
	}
	return catalog.NewClient(catalog.ClientConfiguration{
		BaseURL:  apiURL,
		APIToken: viper.GetString("api-token"),
	})
}

// loadCatalog fetches the catalog once, for modes that do not poll.
func loadCatalog(ctx context.Context, projectKey string) []model.FlagMetadata {
	fetcher, err := catalogFetcher()
	if err != nil {
		log.Warnf("catalog disabled: %v", err)
		return nil
	}
	flags, err := fetcher.GetProjectFlags(ctx, projectKey)
	if err != nil {
		log.Warnf("fetch catalog: %v", err)
		return nil
	}
	return flags
}
