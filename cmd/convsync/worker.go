package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"convsync/cmd/internal/app"
	"convsync/cmd/internal/notify"
)

func newWorkerCommand(root *rootFlags) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume queued message notifications (logs them; no push platform is wired)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig(root.configPath)
			if err != nil {
				return err
			}
			if cfg.RedisURL == "" {
				return errors.New("worker: CONVSYNC_REDIS_URL is not set")
			}
			log := app.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)

			w, err := notify.NewWorker(notify.WorkerOptions{
				RedisURL:    cfg.RedisURL,
				Queue:       cfg.NotifyQueue,
				Concurrency: concurrency,
				Logger:      log,
			}, notify.LogDeliverer{Log: log})
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return w.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 10, "concurrent task handlers")
	return cmd
}
