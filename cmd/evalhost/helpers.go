package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/joho/godotenv"

	"github.com/germanamz/evalhost/pkg/evaluation"
	"github.com/germanamz/evalhost/pkg/event"
	"github.com/germanamz/evalhost/pkg/packages"
)

// loadDotEnv loads environment variables from path. Missing files are ignored.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// resolveConfigPath returns the config file to use. Priority:
// 1. Explicit --config flag (non-empty)
// 2. .evalhost/config.yaml (if it exists)
// 3. evalhost.yaml
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}

	dirConfig := filepath.Join(".evalhost", "config.yaml")
	if _, err := os.Stat(dirConfig); err == nil {
		return dirConfig
	}

	return "evalhost.yaml"
}

// newLogger returns a text logger writing to w at the named level.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}

// logEvents writes every event published on bus to log at debug level. The
// returned function unsubscribes and waits for the writer to drain. Nothing
// is subscribed when debug logging is off.
func logEvents(ctx context.Context, bus *event.Bus, log *slog.Logger) (stop func()) {
	if !log.Enabled(ctx, slog.LevelDebug) {
		return func() {}
	}

	sub := bus.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sub.C {
			attrs := []any{"kind", string(e.Kind)}
			if e.Session != "" {
				attrs = append(attrs, "session", e.Session)
			}
			if e.Broker != "" {
				attrs = append(attrs, "broker", e.Broker)
			}
			if e.Data != nil {
				attrs = append(attrs, "data", e.Data)
			}
			log.DebugContext(ctx, "event", attrs...)
		}
	}()

	return func() {
		bus.Unsubscribe(sub)
		<-done
	}
}

// printResult writes the printed output of res followed by its value.
func printResult(w io.Writer, res evaluation.Result) {
	if res.Output != "" {
		fmt.Fprintln(w, strings.TrimRight(res.Output, "\n"))
		if string(res.Value) == res.Output {
			return
		}
	}
	if len(res.Value) > 0 {
		fmt.Fprintln(w, string(res.Value))
	}
}

// printPackages writes one aligned row per package.
func printPackages(w io.Writer, pkgs []packages.Package) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PACKAGE\tVERSION\tLIBRARY\tTITLE")
	for _, p := range pkgs {
		lib := p.LibPath
		if lib == "" {
			lib = p.Repository
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, p.Version, lib, p.Title)
	}
	return tw.Flush()
}
