// Command screencore uploads experiment metadata workbooks, generates and
// reschedules ISOs and plans library pool creation against the configured
// stores.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"screencore/internal/core"
	"screencore/internal/events"
	"screencore/pkg/domain"
)

var exitFunc = os.Exit

const usage = `usage: screencore <command> [flags]

commands:
  upload         parse an experiment metadata workbook and store it
  generate-isos  create ISOs for a stored ISO request
  reschedule     copy ISOs with fresh stock tubes
  pool-creation  plan pool stock samples from a library member workbook
`

func main() {
	exitFunc(cli(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

type command func(ctx context.Context, a *app, args []string) (any, error)

var commands = map[string]command{
	"upload":        runUpload,
	"generate-isos": runGenerate,
	"reschedule":    runReschedule,
	"pool-creation": runPoolCreation,
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n%s", args[0], usage)
		return 2
	}

	var opts appOptions
	rest, err := splitGlobal(newGlobalFlags(args[0], &opts, stderr), args[1:])
	if err != nil {
		return 2
	}

	a, err := newApp(ctx, opts, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "screencore: %v\n", err)
		return 1
	}
	out, runErr := cmd(ctx, a, rest)
	if cerr := a.Close(); cerr != nil && runErr == nil {
		runErr = cerr
	}
	if out != nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil && runErr == nil {
			runErr = fmt.Errorf("write result: %w", err)
		}
	}
	if runErr != nil {
		reportError(stderr, runErr)
		if errors.Is(runErr, flag.ErrHelp) || isUsageError(runErr) {
			return 2
		}
		return 1
	}
	return 0
}

func newGlobalFlags(name string, opts *appOptions, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "path to the YAML configuration")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.StringVar(&opts.metricsFile, "metrics-file", "", "write operation metrics to this file on exit")
	fs.StringVar(&opts.traceFile, "trace-file", "", "append JSON trace spans to this file")
	return fs
}

// splitGlobal parses the leading global flags and returns the command's own
// arguments. Global flags may appear anywhere before "--".
func splitGlobal(fs *flag.FlagSet, args []string) ([]string, error) {
	var global, rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			rest = append(rest, args[i+1:]...)
			break
		}
		name := strings.TrimLeft(arg, "-")
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			name = name[:eq]
		}
		if strings.HasPrefix(arg, "-") && fs.Lookup(name) != nil {
			global = append(global, arg)
			if !strings.Contains(arg, "=") && i+1 < len(args) {
				global = append(global, args[i+1])
				i++
			}
			continue
		}
		rest = append(rest, arg)
	}
	return rest, fs.Parse(global)
}

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func isUsageError(err error) bool {
	var u usageError
	return errors.As(err, &u)
}

func reportError(w io.Writer, err error) {
	var abort *events.AbortError
	if errors.As(err, &abort) {
		_, _ = fmt.Fprintf(w, "%s failed:\n", abort.Stage)
		for _, msg := range abort.ErrorMessages() {
			_, _ = fmt.Fprintf(w, "  - %s\n", msg)
		}
		return
	}
	var violation core.RuleViolationError
	if errors.As(err, &violation) {
		_, _ = fmt.Fprintln(w, "commit rejected:")
		for _, v := range violation.Result.Violations {
			_, _ = fmt.Fprintf(w, "  - %s: %s\n", v.Rule, v.Message)
		}
		return
	}
	_, _ = fmt.Fprintf(w, "screencore: %v\n", err)
}

func parseLevel(name string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return lvl, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseIDs(s string) ([]int, error) {
	var ids []int
	for _, part := range splitList(s) {
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid pool id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// poolSet resolves a comma separated list of pool IDs against the catalog.
func (a *app) poolSet(ctx context.Context, ids string, molType string) (*domain.MoleculeDesignPoolSet, error) {
	list, err := parseIDs(ids)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	mt, err := domain.ParseMoleculeType(molType)
	if err != nil {
		return nil, err
	}
	pools, err := a.catalog.PoolsByID(ctx, list)
	if err != nil {
		return nil, err
	}
	members := make([]domain.MoleculeDesignPool, 0, len(list))
	for _, id := range list {
		p, ok := pools[id]
		if !ok {
			return nil, fmt.Errorf("unknown molecule design pool %d", id)
		}
		members = append(members, p)
	}
	set, err := domain.NewMoleculeDesignPoolSet(mt, members...)
	if err != nil {
		return nil, err
	}
	return &set, nil
}
