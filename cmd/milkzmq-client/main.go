// Command milkzmq-client mirrors remote image streams into local shared
// memory.
//
// Usage:
//
//	milkzmq-client [options] HOST NAME[/LOCALNAME]...
//
// HOST is the address of a milkzmq-server. Each NAME is a remote stream to
// subscribe to; append /LOCALNAME to mirror it under a different local
// name.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jaredmales/milkzmq/internal/client"
)

func main() {
	fs := flag.NewFlagSet("milkzmq-client", flag.ContinueOnError)
	port := fs.Int("p", client.DefaultPort, "TCP port of the remote server")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: milkzmq-client [options] HOST NAME[/LOCALNAME]...\n\n")
		fmt.Fprintf(fs.Output(), "Mirrors the named remote image streams into local shared memory.\n\noptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	args := fs.Args()
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "milkzmq-client: need HOST and at least one stream NAME")
		fs.Usage()
		os.Exit(255)
	}
	host, names := args[0], args[1:]

	cl, err := client.New(client.Config{Host: host, Port: *port}, log)
	if err != nil {
		log.Error("bad configuration", "error", err)
		os.Exit(1)
	}
	for _, arg := range names {
		spec, err := client.ParseStreamSpec(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "milkzmq-client: %v\n", err)
			os.Exit(255)
		}
		cl.Subscribe(spec)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	if err := cl.Start(ctx); err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}

	sig := <-sigCh
	log.Info("received shutdown signal", "signal", sig.String())
	cancel()
	if err := cl.Stop(); err != nil {
		log.Error("shutdown incomplete", "error", err)
		os.Exit(1)
	}
	log.Info("client stopped")
}
