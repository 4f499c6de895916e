package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type workOptions struct {
	types       []string
	schedule    string
	metricsAddr string
}

func newWorkCmd() *cobra.Command {
	opts := &workOptions{}
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Process queued jobs",
		Long: `Runs one pass per job type over the queue. Without --schedule the
command exits after a single pass of every type. With --schedule (a cron
expression such as "*/5 * * * *" or "@every 1m") passes repeat until the
process is interrupted; a pass still running when the next one is due is
skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWork(cmd, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.types, "type", nil, "job types to process (default worker.types)")
	cmd.Flags().StringVar(&opts.schedule, "schedule", "", "cron schedule for repeated passes (default worker.schedule)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "listen address for health and metrics (default metrics.addr)")
	return cmd
}

func runWork(cmd *cobra.Command, opts *workOptions) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := a.Config()
	logger := a.Logger()

	types := opts.types
	if len(types) == 0 {
		types = a.WorkerTypes()
	}
	if len(types) == 0 {
		return errors.New("no job types to process")
	}
	schedule := opts.schedule
	if schedule == "" {
		schedule = cfg.Worker.Schedule
	}
	addr := opts.metricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}

	ctx := cmd.Context()
	if addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Server().Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("http server started", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown error", zap.Error(err))
			}
		}()
	}

	pass := func() error {
		stats, err := a.Worker().RunTypes(ctx, types)
		keys := make([]string, 0, len(stats))
		for t := range stats {
			keys = append(keys, t)
		}
		sort.Strings(keys)
		for _, t := range keys {
			s := stats[t]
			fmt.Fprintf(cmd.OutOrStdout(), "%s: listed=%d completed=%d failed=%d dead_lettered=%d skipped=%d\n",
				t, s.Listed, s.Completed, s.Failed, s.DeadLettered, s.Skipped)
		}
		return err
	}

	if schedule == "" {
		return pass()
	}

	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger)))
	if _, err := c.AddFunc(schedule, func() {
		if err := pass(); err != nil && ctx.Err() == nil {
			logger.Error("worker pass failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule worker: %w", err)
	}

	logger.Info("worker scheduled", zap.String("schedule", schedule), zap.Strings("types", types))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("worker stopped")
	return nil
}
