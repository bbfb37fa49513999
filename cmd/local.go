package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/open-feature/flagd-toolbar/pkg/local"
	"github.com/open-feature/flagd-toolbar/pkg/metrics"
	"github.com/open-feature/flagd-toolbar/pkg/provider"
	"github.com/open-feature/flagd-toolbar/pkg/runtime"
	"github.com/open-feature/flagd-toolbar/pkg/service"
	"github.com/open-feature/flagd-toolbar/pkg/share"
	"github.com/open-feature/flagd-toolbar/pkg/store"
)

var localFlags = []string{"flags", "watch", "project", "catalog-url", "api-token", "settle-delay", "port", "cors-origins", "import", "param"}

// localCmd runs the toolbar against a flag file evaluated in process.
var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Start the toolbar in SDK mode over a local flag file",
	PreRun: func(cmd *cobra.Command, args []string) {
		bindFlags(cmd.Flags().Lookup, localFlags...)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := viper.GetString("flags")
		if path == "" {
			return fmt.Errorf("--flags is required")
		}
		storage, closeStorage, err := openStorage()
		if err != nil {
			return err
		}
		defer closeStorage()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		namespace := viper.GetString("namespace")
		contexts := store.NewContextStore(storage)
		codec := share.NewCodec(storage, contexts, nil)
		codec.Param = viper.GetString("param")
		if link := viper.GetString("import"); link != "" {
			importLink(codec, link, namespace)
		}

		recorder := metrics.NewRecorder()
		client := provider.NewFileClient(path, contexts)
		plugin := provider.NewOverridePlugin(storage, namespace, client)
		engine := &runtime.LocalEngine{
			Client: client,
			Reconciler: local.New(plugin, local.Options{
				Catalog:     loadCatalog(ctx, viper.GetString("project")),
				SettleDelay: viper.GetDuration("settle-delay"),
				Metrics:     recorder,
			}),
			Watch: viper.GetBool("watch"),
		}

		svc := &service.HTTPService{
			HTTPServiceConfiguration: &service.HTTPServiceConfiguration{
				Port:              viper.GetInt32("port"),
				AllowedOrigins:    viper.GetStringSlice("cors-origins"),
				OverrideNamespace: namespace,
			},
			Toolbar:  service.LocalToolbar{Reconciler: engine.Reconciler},
			Codec:    codec,
			Metrics:  recorder,
			Resolver: client,
			Starred:  store.NewStarredStore(storage),
		}
		return runtime.Start(ctx, svc, engine)
	},
}

// importLink seeds storage from a share link before the client starts, so
// the plugin picks the overrides up on first read.
func importLink(codec *share.Codec, link, namespace string) {
	parsed := codec.Parse(link, codec.Param)
	switch {
	case !parsed.Found:
		log.Warnf("no shared state in %s", link)
		return
	case parsed.Err != nil:
		log.Warnf("import shared state: %v", parsed.Err)
		return
	case parsed.Warning != "":
		log.Warn(parsed.Warning)
	}
	applied := codec.Apply(parsed.State, namespace, nil)
	if err := applied.Err(); err != nil {
		log.Warnf("shared state partially imported: %v", err)
		return
	}
	log.Infof("imported %d overrides from share link", len(parsed.State.Overrides))
}

func init() {
	localCmd.Flags().StringP("flags", "f", "", "flag definition file")
	localCmd.Flags().Bool("watch", true, "reload the flag file when it changes")
	localCmd.Flags().String("project", "", "catalog project key for flag names and variations")
	localCmd.Flags().String("catalog-url", "", "flag management API address")
	localCmd.Flags().String("api-token", "", "flag management API token")
	localCmd.Flags().Duration("settle-delay", local.DefaultSettleDelay, "wait before re-reading a flag after an override is removed")
	localCmd.Flags().Int32P("port", "p", service.DefaultPort, "port the toolbar service listens on")
	localCmd.Flags().StringSlice("cors-origins", nil, "origins allowed to call the service, all when empty")
	localCmd.Flags().String("import", "", "share link to load before starting")
	localCmd.Flags().String("param", share.DefaultParam, "query parameter carrying shared state")
	rootCmd.AddCommand(localCmd)
}
