// Package cmd holds the command line of the service: configuration loading,
// the serve runner and the maintenance commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/m3rciful/shopfleet/core/bootstrap"
	coreconfig "github.com/m3rciful/shopfleet/core/config"
	"github.com/m3rciful/shopfleet/core/logger"
)

// App is a bootstrapped service that runs until its context ends.
type App interface {
	Run(ctx context.Context) error
}

// Options describe how to load configuration, bootstrap the app, and run it.
type Options struct {
	ConfigEnvVar      string
	DefaultConfigPath string
	// EnvFile is loaded into the environment before the config when it exists.
	EnvFile string

	LoadConfig func(path string) (*coreconfig.Config, error)
	Bootstrap  func(ctx context.Context, cfg *coreconfig.Config) (App, error)

	ShutdownLogger func() error
}

func (o *Options) defaults() {
	if o.ConfigEnvVar == "" {
		o.ConfigEnvVar = "CONFIG_PATH"
	}
	if o.EnvFile == "" {
		o.EnvFile = ".env"
	}
	if o.LoadConfig == nil {
		o.LoadConfig = coreconfig.Load
	}
	if o.Bootstrap == nil {
		o.Bootstrap = func(ctx context.Context, cfg *coreconfig.Config) (App, error) {
			app, err := bootstrap.Build(ctx, bootstrap.Options{Config: cfg})
			if err != nil {
				return nil, err
			}
			return app, nil
		}
	}
	if o.ShutdownLogger == nil {
		o.ShutdownLogger = logger.Shutdown
	}
}

// ResolveConfigPath picks the config file: an explicit path first, then the
// environment variable, then the default.
func ResolveConfigPath(explicit string, opts Options) (string, error) {
	opts.defaults()
	if explicit != "" {
		return explicit, nil
	}
	if p := os.Getenv(opts.ConfigEnvVar); p != "" {
		return p, nil
	}
	if opts.DefaultConfigPath != "" {
		return opts.DefaultConfigPath, nil
	}
	return "", fmt.Errorf("cmd: config path not provided via --config, %s or DefaultConfigPath", opts.ConfigEnvVar)
}

// LoadConfig loads the env file, if any, and then the configuration.
func LoadConfig(explicit string, opts Options) (*coreconfig.Config, error) {
	opts.defaults()
	if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("cmd: load %s: %w", opts.EnvFile, err)
	}
	path, err := ResolveConfigPath(explicit, opts)
	if err != nil {
		return nil, err
	}
	log.Printf("loading config: %s", path)
	cfg, err := opts.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("cmd: failed to load config: %w", err)
	}
	return cfg, nil
}

// Run loads configuration, bootstraps the app and runs it until SIGINT or
// SIGTERM.
func Run(ctx context.Context, explicit string, opts Options) error {
	opts.defaults()
	cfg, err := LoadConfig(explicit, opts)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	application, err := opts.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("cmd: bootstrap failed: %w", err)
	}
	defer func() {
		if err := opts.ShutdownLogger(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()

	if err := application.Run(ctx); err != nil {
		logger.Error(logger.Background(), logger.CompApp, "run", slog.String("status", "fail"), slog.Any("err", err))
		return err
	}
	return nil
}
