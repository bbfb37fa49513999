package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/open-feature/flagd-toolbar/pkg/share"
	"github.com/open-feature/flagd-toolbar/pkg/store"
)

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Encode, decode and apply toolbar share links",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		bindFlags(cmd.Flags().Lookup, "param")
		return nil
	},
}

var shareEncodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Build a share link from the stored toolbar state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		codec, closeStorage, err := openCodec()
		if err != nil {
			return err
		}
		defer closeStorage()

		pairs, err := cmd.Flags().GetStringArray("override")
		if err != nil {
			return err
		}
		overrides, err := store.NewOverrideStore(codec.Storage, viper.GetString("namespace")).All()
		if err != nil {
			return err
		}
		for _, pair := range pairs {
			key, value, err := parseOverride(pair)
			if err != nil {
				return err
			}
			overrides[key] = value
		}

		state, err := codec.Collect(overrides)
		if err != nil {
			return err
		}
		base, err := cmd.Flags().GetString("base")
		if err != nil {
			return err
		}
		result, err := codec.Serialize(state, base, viper.GetString("param"))
		if err != nil {
			return err
		}
		switch {
		case result.ExceedsLimit:
			cmd.PrintErrf("warning: share link payload is %d bytes, over the %d byte limit\n", result.Size, share.MaxSize)
		case result.ExceedsWarning:
			cmd.PrintErrf("warning: share link payload is %d bytes and may be truncated by some browsers\n", result.Size)
		}
		cmd.Println(result.URL)
		return nil
	},
}

var shareDecodeCmd = &cobra.Command{
	Use:   "decode URL",
	Short: "Print the state carried by a share link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parsed := share.NewCodec(store.NewMemoryStorage(), nil, nil).Parse(args[0], viper.GetString("param"))
		if err := parsedErr(parsed, args[0]); err != nil {
			return err
		}
		out, err := json.MarshalIndent(parsed.State, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(out))
		return nil
	},
}

var shareApplyCmd = &cobra.Command{
	Use:   "apply URL",
	Short: "Write the state carried by a share link into storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		codec, closeStorage, err := openCodec()
		if err != nil {
			return err
		}
		defer closeStorage()

		parsed := codec.Parse(args[0], viper.GetString("param"))
		if err := parsedErr(parsed, args[0]); err != nil {
			return err
		}
		if err := codec.Apply(parsed.State, viper.GetString("namespace"), nil).Err(); err != nil {
			return err
		}
		cmd.Printf("applied %d overrides\n", len(parsed.State.Overrides))
		return nil
	},
}

func openCodec() (*share.Codec, func(), error) {
	storage, closeStorage, err := openStorage()
	if err != nil {
		return nil, nil, err
	}
	codec := share.NewCodec(storage, nil, nil)
	codec.Param = viper.GetString("param")
	return codec, closeStorage, nil
}

func parsedErr(parsed share.ParseResult, link string) error {
	if !parsed.Found {
		return fmt.Errorf("no shared state in %s", link)
	}
	if parsed.Err != nil {
		return parsed.Err
	}
	if parsed.Warning != "" {
		rootCmd.PrintErrln("warning: " + parsed.Warning)
	}
	return nil
}

// parseOverride reads key=value, where value is JSON or a bare string.
func parseOverride(pair string) (string, any, error) {
	key, raw, ok := strings.Cut(pair, "=")
	if !ok || key == "" {
		return "", nil, fmt.Errorf("invalid override %q, want key=value", pair)
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}
	return key, value, nil
}

func init() {
	shareCmd.PersistentFlags().String("param", share.DefaultParam, "query parameter carrying shared state")
	shareEncodeCmd.Flags().String("base", "", "page URL the link points at")
	shareEncodeCmd.Flags().StringArray("override", nil, "extra override as key=value, repeatable")

	shareCmd.AddCommand(shareEncodeCmd, shareDecodeCmd, shareApplyCmd)
	rootCmd.AddCommand(shareCmd)
}
