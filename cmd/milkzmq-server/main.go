// Command milkzmq-server publishes local shared-memory image streams to
// remote subscribers.
//
// Usage:
//
//	milkzmq-server [options] NAME...
//
// Each NAME is an image stream to serve. With -a, the shared-memory
// directory is scanned for existing streams and watched for new ones, and
// every stream found is served; explicit NAMEs may be given as well.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/jaredmales/milkzmq/internal/server"
	"github.com/jaredmales/milkzmq/internal/shmim"
	"github.com/jaredmales/milkzmq/internal/xcodec"
)

func main() {
	fs := flag.NewFlagSet("milkzmq-server", flag.ContinueOnError)
	port := fs.Int("p", server.DefaultPort, "TCP port to listen on")
	usec := fs.Int("u", server.DefaultUSecSleep, "polling interval of the serve loops, microseconds")
	fps := fs.Float64("f", server.DefaultFPSTgt, "target frame rate per subscriber, frames/sec")
	compress := fs.Bool("x", false, "compress 16-bit frames before sending")
	all := fs.Bool("a", false, "serve every stream in the shared-memory directory, present and future")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: milkzmq-server [options] NAME...\n\n")
		fmt.Fprintf(fs.Output(), "Publishes the named shared-memory image streams over ZeroMQ.\n\noptions:\n")
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

	names := fs.Args()
	if len(names) == 0 && !*all {
		fmt.Fprintln(os.Stderr, "milkzmq-server: no streams to serve (give NAMEs or -a)")
		fs.Usage()
		os.Exit(255)
	}

	cfg := server.DefaultConfig()
	cfg.Port = *port
	cfg.USecSleep = *usec
	cfg.FPSTgt = *fps
	if *compress {
		cfg.Methods = xcodec.DefaultCompression()
	}

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Error("bad configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// On a serious fault the serve loops detach and re-attach rather than
	// take the process down.
	faultCh := make(chan os.Signal, 1)
	signal.Notify(faultCh, syscall.SIGSEGV, syscall.SIGBUS)
	go func() {
		for range faultCh {
			log.Warn("memory fault signalled, restarting serve loops")
			srv.RequestRestart()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	if err := srv.Start(ctx); err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}

	for _, name := range names {
		srv.Serve(name)
	}

	var watcher *fsnotify.Watcher
	if *all {
		watcher, err = watchStreams(srv, log)
		if err != nil {
			log.Error("stream discovery failed", "error", err)
			srv.Stop()
			os.Exit(1)
		}
		defer watcher.Close()
	}

	sig := <-sigCh
	log.Info("received shutdown signal", "signal", sig.String())
	cancel()
	if err := srv.Stop(); err != nil {
		log.Error("shutdown incomplete", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

// watchStreams serves every stream already present in the shared-memory
// directory and begins serving new ones as their backing files appear.
func watchStreams(srv *server.Server, log *slog.Logger) (*fsnotify.Watcher, error) {
	dir := shmim.Dir()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	for _, e := range entries {
		if name, ok := streamName(e.Name()); ok {
			srv.Serve(name)
		}
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) {
					continue
				}
				if name, ok := streamName(filepath.Base(ev.Name)); ok {
					log.Info("discovered new image stream", "name", name)
					srv.Serve(name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("stream watcher error", "error", err)
			}
		}
	}()
	return watcher, nil
}

// streamName strips the backing-file suffix; not a stream file → false.
func streamName(base string) (string, bool) {
	if !strings.HasSuffix(base, shmim.FileSuffix) {
		return "", false
	}
	return strings.TrimSuffix(base, shmim.FileSuffix), true
}
