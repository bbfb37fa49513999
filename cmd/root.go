package cmd

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/open-feature/flagd-toolbar/pkg/service"
	"github.com/open-feature/flagd-toolbar/pkg/share"
	"github.com/open-feature/flagd-toolbar/pkg/store"
	"github.com/open-feature/flagd-toolbar/pkg/sync"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "flagd-toolbar",
	Short: "Feature flag developer toolbar backend",
	Long: `flagd-toolbar reconciles flag state from a flag dev server or a local flag
file, lets you override flags for your session, and shares toolbar state as links.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := log.ParseLevel(viper.GetString("log-level"))
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		log.SetLevel(level)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	viper.SetDefault("log-level", "info")
	viper.SetDefault("port", service.DefaultPort)
	viper.SetDefault("poll-interval", sync.DefaultPollInterval)
	viper.SetDefault("settle-delay", sync.DefaultSettleDelay)
	viper.SetDefault("namespace", store.DefaultOverrideNamespace)
	viper.SetDefault("param", share.DefaultParam)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.flagd-toolbar.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("storage", "", "file to persist toolbar state in, memory only when empty")
	rootCmd.PersistentFlags().String("namespace", store.DefaultOverrideNamespace, "storage namespace of overrides")
	bindFlags(rootCmd.PersistentFlags().Lookup, "log-level", "storage", "namespace")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(".flagd-toolbar")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("TOOLBAR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		log.Debugf("using config file %s", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		log.Warnf("read config file %s: %v", cfgFile, err)
	}
}
