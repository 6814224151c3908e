// evalhost-engine serves the in-memory reference engine, over stdio for
// local brokers or on a websocket listener for remote ones.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/germanamz/evalhost/pkg/engineserver"
	"github.com/germanamz/evalhost/pkg/engineserver/memengine"
)

const version = "0.1.0"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var (
		listen   string
		path     string
		logLevel string
	)

	flagSet := pflag.NewFlagSet("evalhost-engine", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&listen, "listen", "l", "", "serve websocket clients on this address instead of stdio")
	flagSet.StringVar(&path, "path", "/", "websocket endpoint path")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", logLevel)
	}
	// stdout carries the protocol, so logs always go to stderr.
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	srv := engineserver.New("evalhost-engine", version, memengine.Default(), engineserver.WithLogger(log))

	if listen == "" {
		log.Debug("serving on stdio")
		err := srv.Serve(ctx, stdin, stdout)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	return serveHTTP(ctx, ln, path, srv.Handler(), log)
}

// serveHTTP serves handler at path on ln until ctx is cancelled.
func serveHTTP(ctx context.Context, ln net.Listener, path string, handler http.Handler, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	hs := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- hs.Serve(ln) }()
	log.Info("serving websocket", "addr", ln.Addr().String(), "path", path)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := hs.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
