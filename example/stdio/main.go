package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/halteske/wirejson"
	"github.com/joeshaw/envdecode"
)

// config is read from the environment. The client role spawns this same
// binary as its peer and forwards the shared settings to it.
type config struct {
	// Role selects which side of the connection this process plays. ENV: DEMO_ROLE
	Role string `env:"DEMO_ROLE,default=client"`
	// Cancellation picks the strategy, "message" or "file". ENV: DEMO_CANCELLATION
	Cancellation string `env:"DEMO_CANCELLATION,default=message"`
	// CancelFolder is the shared marker folder for the file strategy. ENV: DEMO_CANCEL_FOLDER
	CancelFolder string `env:"DEMO_CANCEL_FOLDER"`
	// Trace sets the initial trace level, "off", "messages" or "verbose". ENV: DEMO_TRACE
	Trace string `env:"DEMO_TRACE,default=off"`
	// LogLevel is the slog level for both processes. ENV: DEMO_LOG_LEVEL
	LogLevel string `env:"DEMO_LOG_LEVEL,default=warn"`
}

func main() {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var err error
	switch cfg.Role {
	case "server":
		err = runServer(ctx, cfg)
	case "client":
		err = runClient(ctx, cfg)
	default:
		err = fmt.Errorf("unknown role %q", cfg.Role)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// newLogger writes to stderr. Stdout carries the protocol, so nothing else
// may print there in the server role.
func newLogger(cfg config) *slog.Logger {
	level := slog.LevelWarn
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func cancellation(cfg config) (wirejson.CancellationStrategy, error) {
	switch cfg.Cancellation {
	case "message":
		return wirejson.MessageCancellation(), nil
	case "file":
		if cfg.CancelFolder == "" {
			return wirejson.CancellationStrategy{}, fmt.Errorf("file cancellation needs DEMO_CANCEL_FOLDER")
		}
		return wirejson.FileCancellation(cfg.CancelFolder), nil
	default:
		return wirejson.CancellationStrategy{}, fmt.Errorf("unknown cancellation strategy %q", cfg.Cancellation)
	}
}
