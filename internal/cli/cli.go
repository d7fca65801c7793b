// Package cli implements the mkrootfs command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/spf13/pflag"

	"github.com/sauzeros/mkrootfs/internal/ui"
)

var (
	version   = "dev"     // overridden at build time
	buildDate = "unknown" // overridden at build time
)

type command struct {
	name string
	args string
	desc string
	run  func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"build", "[--force stage] [--lenient] [stage...]", "Build stale stages (and their upstream stages)", runBuild},
	{"plan", "[stage...]", "Show which stages would be rebuilt and why", runPlan},
	{"resolve", "[--json] [--lenient] name...", "Print the dependency closure of binaries or libraries", runResolve},
	{"show", "", "List recorded stage results", runShow},
	{"clean", "[--state] [stage...]", "Remove stage outputs and their records", runClean},
	{"publish", "[--prefix p] [stage...]", "Upload stage artifacts and a manifest to R2/S3", runPublish},
	{"version", "", "Version information", runVersion},
}

// printHelp prints the commands table
func printHelp(w io.Writer) {
	fmt.Fprintln(w, ui.ColSuccess.Sprint("Usage: mkrootfs <command> [arguments]"))
	fmt.Fprintln(w, ui.ColSuccess.Sprint("Global flags: --config <file> --manifest <file> --debug -v/--verbose"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, color.Info.Sprint("Available Commands:"))

	maxLen := 0
	for _, c := range commands {
		length := len(c.name) + len(c.args)
		if c.args != "" {
			length++
		}
		maxLen = max(maxLen, length)
	}
	columnWidth := maxLen + 4

	for _, c := range commands {
		usage := c.name
		if c.args != "" {
			usage += " " + c.args
		}
		fmt.Fprint(w, "  ", color.Bold.Sprint(c.name))
		if c.args != "" {
			fmt.Fprint(w, " ", color.Cyan.Sprint(c.args))
		}
		fmt.Fprint(w, strings.Repeat(" ", max(columnWidth-len(usage), 1)))
		fmt.Fprintln(w, color.Info.Sprint(c.desc))
	}
	fmt.Fprintln(w)
}

// Main is the entrypoint for cmd/mkrootfs.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			// Stages finish or abort their tool; the pipeline stops before
			// the next one.
			fmt.Fprint(os.Stderr, ui.ColArrow.Sprint("\n-> "))
			fmt.Fprint(os.Stderr, color.Danger.Sprintf("Received %v. Cancelling after the current step\n", sig))
			cancel()

			select {
			case <-sigs:
				fmt.Fprint(os.Stderr, ui.ColArrow.Sprint("\n-> "))
				fmt.Fprintln(os.Stderr, color.Danger.Sprint("Second interrupt received. Forcing immediate exit."))
				os.Exit(130)
			case <-time.After(30 * time.Second):
				fmt.Fprint(os.Stderr, ui.ColArrow.Sprint("\n-> "))
				fmt.Fprintln(os.Stderr, color.Danger.Sprint("Graceful shutdown timeout. Exiting."))
				os.Exit(130)
			}
		case <-ctx.Done():
		}
	}()

	if err := Run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprint(os.Stderr, ui.ColArrow.Sprint("-> "))
		fmt.Fprintln(os.Stderr, ui.ColError.Sprintf("Error: %v", err))
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

// Run executes one command line. Output goes to out.
func Run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printHelp(out)
		return nil
	}
	name := args[0]
	if name == "--version" {
		name = "version"
	}
	for _, c := range commands {
		if c.name != name {
			continue
		}
		a := &app{out: out}
		rest, err := a.parse(c, args[1:])
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		if err != nil {
			return err
		}
		return c.run(ctx, a, rest)
	}
	printHelp(out)
	return fmt.Errorf("unknown command %q", name)
}
