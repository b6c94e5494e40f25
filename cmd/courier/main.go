package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/courier-im/courier"
	"github.com/courier-im/courier/config"
)

func main() {
	configPath := flag.String("config", "courier.toml", "path to the TOML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if err := run(*configPath, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "courier: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, debug bool) error {
	c, err := config.LoadFile(configPath, config.WithLoggingPrefix("courier"))
	if err != nil {
		return err
	}
	if debug {
		c.Debug = true
	}
	log := c.Logger("main")

	server, err := courier.NewServer(c)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Infof("shutting down")
	return server.Shutdown()
}
