package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Serve is the entrypoint used by `convsync serve`: it loads config from path
// (plus env), builds the App and runs it until SIGINT/SIGTERM.
func Serve(path string) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Run(ctx)
}
