package main

import (
	"github.com/spf13/cobra"

	"paywall/internal/config"
	"paywall/internal/store"
)

// commandContext lazily loads configuration and opens the content store for
// subcommands that need them.
type commandContext struct {
	config *config.Config
	store  store.ContentStore
}

func (c *commandContext) ensureStore() (store.ContentStore, error) {
	if c.store != nil {
		return c.store, nil
	}
	if c.config == nil {
		cfg, err := config.LoadConfig()
		if err != nil {
			return nil, err
		}
		c.config = cfg
	}
	s, err := store.Open(store.OpenOptions{
		Driver:        c.config.StoreDriver,
		DataSourceURL: c.config.DBDataSourceName,
		MigrationsDir: c.config.MigrationsDir,
		BoltPath:      c.config.BoltPath,
	})
	if err != nil {
		return nil, err
	}
	c.store = s
	return s, nil
}

func (c *commandContext) close() error {
	if c.store == nil {
		return nil
	}
	err := c.store.Close()
	c.store = nil
	return err
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(&commandContext{})
}

func newRootCommandWith(ctx *commandContext) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "paywallctl",
		Short:         "Operate the chapter paywall store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newCleanPendingCommand(ctx))
	rootCmd.AddCommand(newApplyDefaultPricingCommand(ctx))
	rootCmd.AddCommand(newImportChaptersCommand(ctx))
	rootCmd.AddCommand(newLookupTransactionCommand(ctx))

	return rootCmd
}
