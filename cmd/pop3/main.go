// Command pop3 is a command-line POP3 mail retrieval tool.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/infodancer/pop3/internal/config"
	"github.com/infodancer/pop3/internal/logging"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		logging.NewLogger("error").Error("loading configuration", "error", err.Error())
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, flag.Args()); err != nil {
		logger.Error("command failed", "error", err.Error())
		os.Exit(1)
	}
}
