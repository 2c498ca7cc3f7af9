// Command coordctl inspects and repairs a coordination store directly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SirClappington/sqlcoord/internal/app"
	"github.com/SirClappington/sqlcoord/internal/config"
	"github.com/SirClappington/sqlcoord/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	c := &cli{}
	err := newRootCommand(c).ExecuteContext(ctx)
	if cerr := c.close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Exit(1)
	}
}

// cli opens the app on first use; main closes it.
type cli struct {
	logLevel string
	app      *app.App
}

func (c *cli) open(ctx context.Context) (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *cli) close() error {
	if c.app == nil {
		return nil
	}
	_ = c.app.Logger.Sync()
	err := c.app.Close()
	c.app = nil
	return err
}

func newRootCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "coordctl",
		Short:         "Operate a sqlcoord store",
		Long:          "coordctl reads its store settings from the same environment as the services (STORE_DRIVER, POSTGRES_DSN, SQLITE_PATH).",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "log level (debug|info|warn|error)")
	cmd.AddCommand(
		newMigrateCommand(c),
		newQueuesCommand(c),
		newDLQCommand(c),
		newJobsCommand(c),
		newLocksCommand(c),
		newPublishCommand(c),
		newInvalidateCommand(c),
	)
	return cmd
}

func newMigrateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			a.Logger.Info("schema up to date", zap.String("driver", a.Config.StoreDriver))
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}
