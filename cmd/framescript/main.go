// Command framescript runs Lua scripts at a fixed frame rate and streams
// their edits and state to websocket peers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/comalice/framescript/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	evalOnly := flag.Bool("eval", false, "evaluate each script once and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] script.lua...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	scripts, err := loadScripts(flag.Args())
	if err != nil {
		logger.Error("load scripts", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(cfg, logger)
	if *evalOnly {
		err = a.evaluate(scripts)
	} else {
		err = a.run(ctx, scripts)
	}
	if err != nil {
		logger.Error("framescript exited", "error", err)
		os.Exit(1)
	}
}
