package cmd

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/open-feature/flagd-toolbar/pkg/devserver"
	"github.com/open-feature/flagd-toolbar/pkg/metrics"
	"github.com/open-feature/flagd-toolbar/pkg/runtime"
	"github.com/open-feature/flagd-toolbar/pkg/service"
	"github.com/open-feature/flagd-toolbar/pkg/share"
	"github.com/open-feature/flagd-toolbar/pkg/store"
	"github.com/open-feature/flagd-toolbar/pkg/sync"
)

var startFlags = []string{"dev-server-url", "project", "poll-interval", "settle-delay", "catalog-url", "api-token", "port", "cors-origins"}

// startCmd runs the toolbar against a flag dev server.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the toolbar in dev server mode",
	Long: `Polls a flag dev server, merges its state with the flag catalog and serves the
result to the toolbar UI. Without --dev-server-url the toolbar stays disconnected.`,
	PreRun: func(cmd *cobra.Command, args []string) {
		bindFlags(cmd.Flags().Lookup, startFlags...)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, closeStorage, err := openStorage()
		if err != nil {
			return err
		}
		defer closeStorage()

		recorder := metrics.NewRecorder()
		contexts := store.NewContextStore(storage)
		fetcher, err := catalogFetcher()
		if err != nil {
			return err
		}

		deps := sync.Dependencies{
			Catalog:  fetcher,
			Contexts: contexts,
			Metrics:  recorder,
		}
		devServerURL := viper.GetString("dev-server-url")
		if devServerURL != "" {
			client, err := devserver.NewClient(devserver.ClientConfiguration{BaseURL: devServerURL})
			if err != nil {
				return err
			}
			deps.Client = client
		}

		engine := sync.New(sync.Config{
			DevServerURL: devServerURL,
			ProjectKey:   viper.GetString("project"),
			PollInterval: viper.GetDuration("poll-interval"),
			SettleDelay:  viper.GetDuration("settle-delay"),
			OnOverrideChange: func(flagKey string, value any, cleared bool) {
				if cleared {
					log.Infof("override cleared: %s", flagKey)
					return
				}
				log.Infof("override set: %s=%v", flagKey, value)
			},
		}, deps)

		svc := &service.HTTPService{
			HTTPServiceConfiguration: &service.HTTPServiceConfiguration{
				Port:              viper.GetInt32("port"),
				AllowedOrigins:    viper.GetStringSlice("cors-origins"),
				OverrideNamespace: viper.GetString("namespace"),
			},
			Toolbar: service.EngineToolbar{Engine: engine},
			Codec:   share.NewCodec(storage, contexts, nil),
			Metrics: recorder,
			Starred: store.NewStarredStore(storage),
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runtime.Start(ctx, svc, engine)
	},
}

func init() {
	startCmd.Flags().String("dev-server-url", "", "flag dev server address, e.g. http://localhost:8765")
	startCmd.Flags().String("project", "", "dev server project key, the first project when empty")
	startCmd.Flags().Duration("poll-interval", sync.DefaultPollInterval, "dev server poll interval")
	startCmd.Flags().Duration("settle-delay", sync.DefaultSettleDelay, "how long an inbound context suppresses pushing local changes")
	startCmd.Flags().String("catalog-url", "", "flag management API address for flag names and variations")
	startCmd.Flags().String("api-token", "", "flag management API token")
	startCmd.Flags().Int32P("port", "p", service.DefaultPort, "port the toolbar service listens on")
	startCmd.Flags().StringSlice("cors-origins", nil, "origins allowed to call the service, all when empty")
	rootCmd.AddCommand(startCmd)
}
