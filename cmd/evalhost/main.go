// evalhost evaluates expressions and manages packages on an engine reached
// through one of the brokers in the configuration file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/germanamz/evalhost/pkg/engine"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	envFile    string
	brokerName string
	logLevel   string
	timeout    time.Duration
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts options

	flagSet := pflag.NewFlagSet("evalhost", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.SetInterspersed(false)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to configuration file (default: .evalhost/config.yaml or evalhost.yaml)")
	flagSet.StringVar(&opts.envFile, "env", ".env", "path to .env file (ignored if missing)")
	flagSet.StringVarP(&opts.brokerName, "broker", "b", "", "broker to use (overrides active_broker in config)")
	flagSet.StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn or error")
	flagSet.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "bound on the whole command")
	flagSet.Usage = func() { printUsage(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(stderr, flagSet)
		return fmt.Errorf("missing command")
	}

	if err := loadDotEnv(opts.envFile); err != nil {
		return err
	}

	log, err := newLogger(stderr, opts.logLevel)
	if err != nil {
		return err
	}

	cfg, err := engine.LoadConfig(resolveConfigPath(opts.configPath))
	if err != nil {
		return err
	}
	if opts.brokerName != "" {
		cfg.ActiveBroker = opts.brokerName
	}

	eng, err := engine.New(cfg, engine.WithLogger(log))
	if err != nil {
		return err
	}
	stopEvents := logEvents(ctx, eng.Events(), log)
	defer func() {
		_ = eng.Close()
		stopEvents()
	}()

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	cmd, cmdArgs := rest[0], rest[1:]
	c, ok := commands[cmd]
	if !ok {
		return fmt.Errorf("unknown command %q (run evalhost --help)", cmd)
	}
	if len(cmdArgs) < c.minArgs {
		return fmt.Errorf("usage: evalhost %s %s", cmd, c.usage)
	}

	return c.run(ctx, eng, cmdArgs, stdout)
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage: evalhost [flags] <command> [args]\n\nFlags:\n")
	fmt.Fprint(w, flagSet.FlagUsages())
	fmt.Fprintf(w, "\nCommands:\n")
	for _, name := range commandNames() {
		c := commands[name]
		fmt.Fprintf(w, "  %-10s %-22s %s\n", name, c.usage, c.help)
	}
}
