// Package cmd defines the geoscrape command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/geoscrape/internal/api"
	"github.com/JakeFAU/geoscrape/internal/app"
	"github.com/JakeFAU/geoscrape/internal/config"
	"github.com/JakeFAU/geoscrape/internal/jobqueue"
	"github.com/JakeFAU/geoscrape/internal/logging"
	"github.com/JakeFAU/geoscrape/internal/worker"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// skipAppAnnotation marks commands that run without application services.
const skipAppAnnotation = "geoscrape/skip-app"

// App is what commands need from the service container. Tests may supply
// their own implementation.
type App interface {
	Close() error
	Logger() *zap.Logger
	Config() config.Config
	NewQueue() *jobqueue.Session
	Worker() *worker.Worker
	WorkerTypes() []string
	Server() *api.Server
}

// appFactory builds the App from a config file path.
type appFactory func(ctx context.Context, cfgPath string) (App, error)

func defaultAppFactory(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

// newRootCmd creates the root command. newApp runs before every subcommand
// that needs application services. The returned release func closes those
// services and must be called once execution returns, whether or not the
// command failed.
func newRootCmd(newApp appFactory) (*cobra.Command, func()) {
	var (
		cfgFile string
		built   App
	)
	release := func() {
		if built == nil {
			return
		}
		appInstance := built
		built = nil
		if err := appInstance.Close(); err != nil {
			appInstance.Logger().Warn("error closing application services", zap.Error(err))
		}
		_ = appInstance.Logger().Sync()
	}

	cmd := &cobra.Command{
		Use:   "geoscrape",
		Short: "Blob-queue driven geographic and list scraping workers.",
		Long: `geoscrape drains job files from blob storage, runs spiral geographic
searches and review list scrapes, and uploads derived data packages to the
ingestion service in parallel, retried bunches.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipAppAnnotation] == "true" {
				return nil
			}
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			built = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(newWorkCmd())
	cmd.AddCommand(newEnqueueCmd())
	cmd.AddCommand(newJobsCmd())
	cmd.AddCommand(newGeoCmd())

	return cmd, release
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command until it finishes or the process is signaled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root, release := newRootCmd(defaultAppFactory)
	err := root.ExecuteContext(ctx)
	release()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
