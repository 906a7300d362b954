package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"loanshelf/internal/config"
	"loanshelf/internal/core/service"
	"loanshelf/internal/logging"
)

type commandContext struct {
	v *viper.Viper

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext() *commandContext {
	return &commandContext{v: viper.New()}
}

// ensureConfig loads the LS_ environment and overlays the optional config
// file and any flags given on the command line.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			c.configErr = err
			return
		}
		if path := strings.TrimSpace(c.v.GetString("config")); path != "" {
			c.v.SetConfigFile(path)
			if err := c.v.ReadInConfig(); err != nil {
				c.configErr = fmt.Errorf("read config file: %w", err)
				return
			}
		}
		c.overlay(cfg)
		if err := cfg.Validate(); err != nil {
			c.configErr = fmt.Errorf("config validation failed: %w", err)
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) overlay(cfg *config.Config) {
	textFields := map[string]*string{
		"data-dir":      &cfg.DataDir,
		"library":       &cfg.LibraryID,
		"store":         &cfg.StoreBackend,
		"catalog-url":   &cfg.CatalogURL,
		"loans-url":     &cfg.LoansURL,
		"selection-url": &cfg.SelectionURL,
		"token-url":     &cfg.TokenURL,
		"log-level":     &cfg.LogLevel,
		"log-format":    &cfg.LogFormat,
		"ntfy-topic":    &cfg.NtfyTopic,
	}
	for key, field := range textFields {
		if c.v.IsSet(key) {
			*field = c.v.GetString(key)
		}
	}
	if c.v.IsSet("needs-auth") {
		cfg.NeedsAuth = c.v.GetBool("needs-auth")
	}
	if c.v.IsSet("overdrive") {
		cfg.OverdriveEnabled = c.v.GetBool("overdrive")
	}
	if c.v.IsSet("concurrency") {
		cfg.DownloadConcurrency = c.v.GetInt("concurrency")
	}
	if c.v.IsSet("timeout") {
		cfg.HTTPTimeout = c.v.GetDuration("timeout")
	}
}

// withApp wires the loan manager for one command and closes it afterwards.
func (c *commandContext) withApp(cmd *cobra.Command, fn func(*service.App) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	app, err := service.New(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(); cerr != nil {
			logger.Warn("closing loan manager failed", logging.Error(cerr))
		}
	}()
	return fn(app)
}

func newRootCommand() *cobra.Command {
	ctx := newCommandContext()

	rootCmd := &cobra.Command{
		Use:           "loanshelf",
		Short:         "Manage library loans, holds and downloaded books",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file (yaml, toml or json)")
	flags.String("data-dir", "", "Directory for the registry and downloaded books")
	flags.String("library", "", "Library account identifier")
	flags.String("store", "", "Registry store backend: file or sqlite")
	flags.String("catalog-url", "", "Library catalog feed")
	flags.String("loans-url", "", "Loans and holds feed")
	flags.String("selection-url", "", "Favorites feed")
	flags.String("token-url", "", "Bearer token endpoint")
	flags.Bool("needs-auth", false, "The library requires sign-in")
	flags.Bool("overdrive", false, "Accept Overdrive manifests")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.String("log-format", "", "Log format: auto, console or json")
	flags.String("ntfy-topic", "", "ntfy topic URL for notifications")
	flags.Int("concurrency", 0, "Parallel downloads for download --all")
	flags.Duration("timeout", 0, "Timeout for library API calls")
	_ = ctx.v.BindPFlags(flags)

	rootCmd.AddCommand(newSyncCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newBorrowCommand(ctx))
	rootCmd.AddCommand(newDownloadCommand(ctx))
	rootCmd.AddCommand(newReturnCommand(ctx))
	rootCmd.AddCommand(newCancelCommand(ctx))
	rootCmd.AddCommand(newSelectCommand(ctx, true))
	rootCmd.AddCommand(newSelectCommand(ctx, false))
	rootCmd.AddCommand(newResetCommand(ctx))
	rootCmd.AddCommand(newLoginCommand(ctx))

	return rootCmd
}
