package cli

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wtthornton/ha-ingestor/internal/app"
	"github.com/wtthornton/ha-ingestor/internal/config"
)

// validationErr marks a config-validation failure (exit 1).
type validationErr struct{ err error }

func (e *validationErr) Error() string { return e.err.Error() }
func (e *validationErr) Unwrap() error { return e.err }

// connectivityErr marks a component-construction or startup failure
// (exit 2) — the daemon couldn't reach a dependency it needs at boot.
type connectivityErr struct{ err error }

func (e *connectivityErr) Error() string { return e.err.Error() }
func (e *connectivityErr) Unwrap() error { return e.err }

// partialErr marks a --once run where at least one scheduled job failed
// (exit 3): the process did useful work but not all of it succeeded.
type partialErr struct{ err error }

func (e *partialErr) Error() string { return e.err.Error() }
func (e *partialErr) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var v *validationErr
	var c *connectivityErr
	var p *partialErr
	switch {
	case errors.As(err, &v):
		return exitValidationFailed
	case errors.As(err, &c):
		return exitConnectivityFailed
	case errors.As(err, &p):
		return exitPartialSuccess
	default:
		return exitConnectivityFailed
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log, logLevel, err := newLogger(flagLogLevel)
	if err != nil {
		return &validationErr{fmt.Errorf("parse log level: %w", err)}
	}
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load(flagConfigDir)
	if err != nil {
		return &validationErr{fmt.Errorf("load config: %w", err)}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return &connectivityErr{fmt.Errorf("construct daemon: %w", err)}
	}

	if flagDryRun {
		log.Info("dry run: configuration valid, components constructed, exiting")
		return nil
	}

	if flagOnce {
		if err := a.RunOnce(ctx); err != nil {
			return &partialErr{fmt.Errorf("scheduled jobs: %w", err)}
		}
		return nil
	}

	// Log level is the one knob that hot-reloads; everything else needs a
	// restart.
	watcher, err := config.WatchHotReload(flagConfigDir, func(newCfg config.Config, err error) {
		if err != nil {
			log.Warn("config reload failed, keeping previous configuration", zap.Error(err))
			return
		}
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(newCfg.Logging.Level)); err != nil {
			log.Warn("reloaded log level invalid, keeping previous", zap.String("level", newCfg.Logging.Level))
			return
		}
		if logLevel.Level() != lvl {
			logLevel.SetLevel(lvl)
			log.Info("log level updated from config reload", zap.Stringer("level", lvl))
		}
	})
	if err != nil {
		log.Warn("config hot-reload unavailable", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		return &connectivityErr{fmt.Errorf("daemon run: %w", err)}
	}
	return nil
}

func newLogger(level string) (*zap.Logger, zap.AtomicLevel, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	log, err := cfg.Build()
	return log, cfg.Level, err
}
