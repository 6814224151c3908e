package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/germanamz/evalhost/pkg/engine"
	"github.com/germanamz/evalhost/pkg/evaluation"
	"github.com/germanamz/evalhost/pkg/packages"
)

type command struct {
	usage   string
	help    string
	minArgs int
	run     func(ctx context.Context, eng *engine.Engine, args []string, out io.Writer) error
}

var commands = map[string]command{
	"eval": {
		usage: "<expression>", help: "evaluate an expression on the REPL session", minArgs: 1,
		run: runEval,
	},
	"exec": {
		usage: "<command>", help: "run a command on the REPL session", minArgs: 1,
		run: runExec,
	},
	"packages": {
		usage: "installed|available|loaded", help: "list packages", minArgs: 1,
		run: runPackages,
	},
	"install": {
		usage: "<package> [library]", help: "install a package", minArgs: 1,
		run: runInstall,
	},
	"uninstall": {
		usage: "<package> [library]", help: "remove an installed package", minArgs: 1,
		run: runUninstall,
	},
	"brokers": {
		usage: "", help: "list configured brokers",
		run: runBrokers,
	},
	"health": {
		usage: "", help: "probe the active broker's engine",
		run: runHealth,
	},
}

func commandNames() []string {
	return slices.Sorted(maps.Keys(commands))
}

func runEval(ctx context.Context, eng *engine.Engine, args []string, out io.Writer) error {
	if err := eng.Start(ctx, nil); err != nil {
		return err
	}

	res, err := eng.REPL().Evaluate(ctx, strings.Join(args, " "), evaluation.KindNormal)
	if err != nil {
		return err
	}

	printResult(out, res)
	return nil
}

func runExec(ctx context.Context, eng *engine.Engine, args []string, out io.Writer) error {
	if err := eng.Start(ctx, nil); err != nil {
		return err
	}

	res, err := eng.REPL().Execute(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}

	printResult(out, res)
	return nil
}

func runPackages(ctx context.Context, eng *engine.Engine, args []string, out io.Writer) error {
	pm := eng.Packages()

	switch args[0] {
	case "installed":
		pkgs, err := pm.InstalledPackages(ctx)
		if err != nil {
			return err
		}
		return printPackages(out, pkgs)
	case "available":
		pkgs, err := pm.AvailablePackages(ctx)
		if err != nil {
			return err
		}
		return printPackages(out, pkgs)
	case "loaded":
		names, err := pm.LoadedPackages(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(out, n)
		}
		return nil
	default:
		return fmt.Errorf("unknown package list %q (want installed, available or loaded)", args[0])
	}
}

func runInstall(ctx context.Context, eng *engine.Engine, args []string, out io.Writer) error {
	name, lib := args[0], optionalArg(args, 1)
	if err := eng.Packages().InstallPackage(ctx, name, lib); err != nil {
		return err
	}

	fmt.Fprintf(out, "installed %s\n", name)
	return nil
}

func runUninstall(ctx context.Context, eng *engine.Engine, args []string, out io.Writer) error {
	pm := eng.Packages()

	name, lib := args[0], optionalArg(args, 1)
	if lib == "" {
		var err error
		if lib, err = pm.LibraryPath(ctx); err != nil {
			return err
		}
	}

	st, err := pm.UninstallPackage(ctx, name, lib)
	if err != nil {
		return err
	}

	switch st {
	case packages.Unlocked:
		fmt.Fprintf(out, "removed %s from %s\n", name, lib)
		return nil
	case packages.LockedByEngine:
		return fmt.Errorf("%s is loaded in the engine; unload it first", name)
	default:
		return fmt.Errorf("%s is in use by another process", name)
	}
}

func runBrokers(_ context.Context, eng *engine.Engine, _ []string, out io.Writer) error {
	active := eng.ActiveBroker()
	for _, name := range eng.Brokers() {
		marker := " "
		if name == active {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s\n", marker, name)
	}
	return nil
}

func runHealth(ctx context.Context, eng *engine.Engine, _ []string, out io.Writer) error {
	if err := eng.Health(ctx); err != nil {
		return err
	}

	fmt.Fprintf(out, "%s: ok\n", eng.ActiveBroker())
	return nil
}

func optionalArg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
