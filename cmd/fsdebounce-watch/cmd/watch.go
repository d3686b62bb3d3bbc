package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fsnotify/fsdebounce"
	"github.com/fsnotify/fsdebounce/internal/backend"
	"github.com/fsnotify/fsdebounce/internal/config"
)

var (
	flagDelay string
	flagMode  string
)

var watchCmd = &cobra.Command{
	Use:   "watch [paths...]",
	Short: "Watch paths and print the debounced event stream",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&flagDelay, "delay", "", "quiet period, e.g. 100ms (overrides config)")
	watchCmd.Flags().StringVar(&flagMode, "mode", "", "debounced | raw | debounced-tx (overrides config)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		cfg.Watch.Paths = args
	}
	if flagDelay != "" {
		d, err := time.ParseDuration(flagDelay)
		if err != nil {
			return fmt.Errorf("--delay: %w", err)
		}
		cfg.Watch.Delay = d
	}
	if flagMode != "" {
		cfg.Watch.Mode = flagMode
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := buildLogger(cfg, verbose)

	mode, err := cfg.Mode()
	if err != nil {
		return err
	}

	be, err := backend.New(log)
	if err != nil {
		return fmt.Errorf("starting backend: %w", err)
	}
	for _, p := range cfg.Watch.Paths {
		if err := be.Add(p, cfg.Watch.Recursive); err != nil {
			_ = be.Close()
			return fmt.Errorf("watching %q: %w", p, err)
		}
	}

	out := make(chan fsdebounce.DebouncedEvent, 64)
	deb, err := fsdebounce.New(fsdebounce.Config{Delay: cfg.Watch.Delay, Mode: mode}, out, log)
	if err != nil {
		_ = be.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-be.Events():
				if !ok {
					return nil
				}
				if cfg.Ignored(ev.Name) {
					continue
				}
				deb.Event(ev)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-out:
				if !ok {
					return nil
				}
				fmt.Println(ev.String())
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		deb.Close()
		return be.Close()
	})

	log.Info().Strs("paths", cfg.Watch.Paths).Dur("delay", cfg.Watch.Delay).Str("mode", mode.String()).Msg("watching")
	return g.Wait()
}

func buildLogger(cfg *config.Config, verbose bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}

	var w = os.Stderr
	var logger zerolog.Logger
	if cfg.Logging.Format == "json" {
		logger = zerolog.New(w)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
