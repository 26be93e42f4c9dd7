package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/JakeFAU/postgrab/internal/app"
	"github.com/JakeFAU/postgrab/internal/config"
	"github.com/JakeFAU/postgrab/internal/logging"
)

// commandContext lazily loads config and builds the app for subcommands.
type commandContext struct {
	configFlag *string
	envFlag    *string

	cfg    *config.Config
	logger *zap.Logger
}

// newApp is the application factory; tests swap in lighter wiring.
var newApp = app.Build

func newCommandContext(configFlag, envFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag, envFlag: envFlag}
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	if c.cfg != nil {
		return *c.cfg, nil
	}
	if err := loadDotEnv(*c.envFlag); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(*c.configFlag)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	c.cfg = &cfg
	return cfg, nil
}

func (c *commandContext) ensureLogger() (*zap.Logger, error) {
	if c.logger != nil {
		return c.logger, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	c.logger = logger
	return logger, nil
}

// withApp builds the app, runs fn and closes the app afterwards.
func (c *commandContext) withApp(ctx context.Context, opts app.Options, fn func(*app.App) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger, opts)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	runErr := fn(a)
	if closeErr := a.Close(context.WithoutCancel(ctx)); closeErr != nil {
		logger.Warn("application close failed", zap.Error(closeErr))
	}
	return runErr
}

// loadDotEnv loads path, or .env when path is empty. A missing default file
// is not an error; existing environment variables win.
func loadDotEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", path, err)
}
