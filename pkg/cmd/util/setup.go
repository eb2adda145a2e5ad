package util

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/mpapenbr/runsession/log"
	"github.com/mpapenbr/runsession/pkg/config"
	"github.com/mpapenbr/runsession/pkg/store"
	"github.com/mpapenbr/runsession/pkg/store/memory"
	"github.com/mpapenbr/runsession/pkg/store/natskv"
	"github.com/mpapenbr/runsession/pkg/utils"
)

func parseLogLevel(l string, defaultVal log.Level) log.Level {
	level, err := log.ParseLevel(l)
	if err != nil {
		return defaultVal
	}
	return level
}

// SetupLogger installs the default logger according to the log flags
func SetupLogger() *log.Logger {
	logger := newLogger(config.LogLevel, config.LogFilter)
	log.ResetDefault(logger)
	return logger
}

// SQLLogger returns a separate logger used for statement tracing
func SQLLogger() *log.Logger {
	return newLogger(config.SQLLogLevel, "").Named("sql")
}

func newLogger(level, filter string) *log.Logger {
	opts := []log.Option{log.WithCaller(true), log.AddCallerSkip(1)}
	if filter != "" {
		if f, err := log.WithFilter(filter); err == nil {
			opts = append(opts, f)
		} else {
			fmt.Fprintf(os.Stderr, "ignoring invalid log filter %q: %v\n", filter, err)
		}
	}
	switch config.LogFormat {
	case "json":
		return log.New(os.Stderr, parseLogLevel(level, log.InfoLevel), opts...)
	default:
		return log.DevLogger(os.Stderr, parseLogLevel(level, log.DebugLevel), opts...)
	}
}

// ParseDuration returns def for empty or invalid values
func ParseDuration(name, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Warn("Invalid duration value, using default",
			log.String("flag", name),
			log.String("value", value),
			log.Duration("default", def))
		return def
	}
	return d
}

// WaitForRequiredServices waits for the given service addresses in parallel
func WaitForRequiredServices(ctx context.Context, addrs ...string) error {
	timeout := ParseDuration("wait-for-services", config.WaitForServices, 60*time.Second)
	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		g.Go(func() error {
			return utils.WaitForTCP(gctx, addr, timeout)
		})
	}
	log.Debug("Waiting for connection checks to return")
	if err := g.Wait(); err != nil {
		return fmt.Errorf("required services not ready: %w", err)
	}
	log.Debug("Required services are available")
	return nil
}

// OpenDocumentStore creates the configured document store. The returned
// function releases its resources.
func OpenDocumentStore(ctx context.Context) (store.DocumentStore, func(), error) {
	switch config.StoreBackend {
	case "nats":
		if err := WaitForRequiredServices(ctx,
			utils.ExtractFromNatsURL(config.NatsURL)); err != nil {
			return nil, nil, err
		}
		nc, err := nats.Connect(config.NatsURL, nats.Name("rsm"))
		if err != nil {
			return nil, nil, err
		}
		s, err := natskv.New(ctx, nc)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return s, nc.Close, nil
	case "memory", "":
		return memory.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", config.StoreBackend)
	}
}
