package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"product-data-generator/internal/app"
	"product-data-generator/internal/config"
	"product-data-generator/internal/logging"
)

type commandContext struct {
	configFlag *string
	jsonFlag   *bool
}

// withApp builds the runtime for one command and closes it afterwards.
func (c *commandContext) withApp(cmd *cobra.Command, fn func(*app.App) error) error {
	if path := strings.TrimSpace(*c.configFlag); path != "" {
		if err := os.Setenv("PDG_CONFIG", path); err != nil {
			return err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Level: "warn", Format: "console"})
	if err != nil {
		return err
	}
	a, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newRootCommand() *cobra.Command {
	var configFlag string
	var jsonFlag bool
	ctx := &commandContext{configFlag: &configFlag, jsonFlag: &jsonFlag}

	rootCmd := &cobra.Command{
		Use:           "pdgctl",
		Short:         "Operate bulk product text generation queues",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (TOML)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Print JSON instead of tables")

	rootCmd.AddCommand(newQueueCommand(ctx))
	rootCmd.AddCommand(newTemplatesCommand(ctx))
	rootCmd.AddCommand(newLockCommand(ctx))
	return rootCmd
}
