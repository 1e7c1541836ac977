// Package commands contains the CLI commands for the application
package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/okra-platform/foreign/internal/config"
	"github.com/okra-platform/foreign/internal/objrt"
	"github.com/okra-platform/foreign/internal/sandbox"
)

const meterName = "github.com/okra-platform/foreign"

type Flags struct {
	LogLevel   string
	ConfigPath string
}

type Controller struct {
	Flags *Flags

	// Out receives command output. Defaults to os.Stdout.
	Out io.Writer
	// Meter records dispatch metrics. Defaults to the global otel meter.
	Meter metric.Meter
}

func (c *Controller) out() io.Writer {
	if c.Out == nil {
		return os.Stdout
	}
	return c.Out
}

func (c *Controller) printf(format string, args ...any) {
	fmt.Fprintf(c.out(), format, args...)
}

// loadConfig reads the config named by --config, or searches upwards from
// the working directory. Without any config file the defaults are used.
func (c *Controller) loadConfig() (*config.Config, error) {
	if c.Flags != nil && c.Flags.ConfigPath != "" {
		cfg, err := config.LoadConfigFromPath(c.Flags.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		return cfg, nil
	}

	cfg, root, err := config.LoadConfig()
	if err != nil {
		log.Debug().Err(err).Msg("no config file, using defaults")
		return config.Default(), nil
	}
	log.Debug().Str("root", root).Msg("loaded config")
	return cfg, nil
}

// logger returns the global logger at the level from --log-level, falling
// back to the config file's log_level.
func (c *Controller) logger(cfg *config.Config) (zerolog.Logger, error) {
	level := cfg.LogLevel
	if c.Flags != nil && c.Flags.LogLevel != "" {
		level = c.Flags.LogLevel
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("failed to parse log level: %w", err)
	}
	return log.Logger.Level(parsed), nil
}

// session is a running sandbox plus the instrumented dispatcher in front of it.
type session struct {
	cfg        *config.Config
	logger     zerolog.Logger
	runtime    *sandbox.Runtime
	dispatcher objrt.Dispatcher
}

func (c *Controller) start(ctx context.Context) (*session, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.logger(cfg)
	if err != nil {
		return nil, err
	}

	sbConfig := cfg.Sandbox()
	sbConfig.Logger = logger.With().Str("component", "sandbox").Logger()
	rt, err := sandbox.New(ctx, sbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to start sandbox: %w", err)
	}

	meter := c.Meter
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	dispatcher, err := objrt.Instrument(ctx, rt, meter)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to instrument dispatcher: %w", err)
	}

	return &session{
		cfg:        cfg,
		logger:     logger,
		runtime:    rt,
		dispatcher: dispatcher,
	}, nil
}

func (s *session) close(ctx context.Context) {
	if err := s.runtime.Close(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to close sandbox")
	}
}
