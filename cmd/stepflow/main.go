// Command stepflow runs workflow files locally against an embedded SQLite
// checkpoint store.
//
//	stepflow run -f workflow.yaml [-inputs inputs.yaml] [-id exec-id] [-resume] [-db stepflow.db]
//	stepflow plan -f workflow.yaml
//	stepflow checkpoints -id exec-id [-db stepflow.db]
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
	"os/signal"
	"strings"
	"syscall"

	"github.com/animus-labs/stepflow/internal/config"
	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/engine"
	"github.com/animus-labs/stepflow/internal/execution/checkpoint"
	"github.com/animus-labs/stepflow/internal/execution/orchestrator"
	"github.com/animus-labs/stepflow/internal/execution/plan"
	"github.com/animus-labs/stepflow/internal/platform/auditlog"
	"github.com/animus-labs/stepflow/internal/platform/env"
	"github.com/animus-labs/stepflow/internal/plugin"
	"github.com/animus-labs/stepflow/internal/plugin/httpexec"
	"github.com/animus-labs/stepflow/internal/repo/sqlite"
	"github.com/animus-labs/stepflow/internal/workflowfile"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	defaultDB   = "stepflow.db"
	usageString = "usage: stepflow <run|plan|checkpoints> [flags]"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usageString)
		return exitUsage
	}
	switch args[0] {
	case "run":
		return runWorkflow(ctx, args[1:], stdout, stderr)
	case "plan":
		return planWorkflow(args[1:], stdout, stderr)
	case "checkpoints":
		return listCheckpoints(ctx, args[1:], stdout, stderr)
	case "-h", "--help", "help":
		fmt.Fprintln(stdout, usageString)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s\n", args[0], usageString)
		return exitUsage
	}
}

func runWorkflow(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		file        = fs.String("f", "", "Workflow file (YAML or JSON)")
		inputsFile  = fs.String("inputs", "", "Inputs file (YAML or JSON)")
		executionID = fs.String("id", "", "Execution id (generated when empty)")
		resume      = fs.Bool("resume", false, "Resume -id from its checkpoints")
		dbPath      = fs.String("db", env.String("STEPFLOW_SQLITE_PATH", defaultDB), "SQLite checkpoint database")
		gateway     = fs.String("gateway", env.String("STEPFLOW_PLUGIN_GATEWAY_URL", ""), "Plugin gateway base URL")
		logLevel    = fs.String("log-level", env.String("STEPFLOW_LOG_LEVEL", "warn"), "Log level")
	)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(stderr, "run: -f is required")
		return exitUsage
	}
	if *resume && strings.TrimSpace(*executionID) == "" {
		fmt.Fprintln(stderr, "run: -resume requires -id")
		return exitUsage
	}
	level, err := config.ParseLogLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))

	wf, err := workflowfile.LoadFile(*file)
	if err != nil {
		return fail(stderr, err)
	}
	inputs := map[string]any{}
	if *inputsFile != "" {
		if inputs, err = workflowfile.LoadInputsFile(*inputsFile); err != nil {
			return fail(stderr, err)
		}
	}
	engineCfg, err := config.EngineFromEnv()
	if err != nil {
		return fail(stderr, err)
	}

	store, err := sqlite.Open(ctx, *dbPath)
	if err != nil {
		return fail(stderr, err)
	}
	defer store.Close()

	deps := engine.Deps{
		Checkpoints: store,
		Executions:  store,
		Outputs:     checkpoint.NewMemoryOutputs(),
		Auditor:     auditlog.LogRecorder{Logger: logger},
		Logger:      logger,
	}
	if *gateway != "" {
		client, err := httpexec.New(*gateway)
		if err != nil {
			return fail(stderr, err)
		}
		deps.Plugins = plugin.NewMux(client)
	}

	result, err := engine.Build(engineCfg, deps).Execute(ctx, orchestrator.Request{
		Workflow:    wf,
		Inputs:      inputs,
		ExecutionID: *executionID,
		Resume:      *resume,
		Actor:       "cli",
	})
	if err != nil {
		return fail(stderr, err)
	}
	if err := writeJSON(stdout, result); err != nil {
		return fail(stderr, err)
	}
	if result.Status == domain.RunFailed {
		return exitFailed
	}
	return exitOK
}

func planWorkflow(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("f", "", "Workflow file (YAML or JSON)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(stderr, "plan: -f is required")
		return exitUsage
	}
	wf, err := workflowfile.LoadFile(*file)
	if err != nil {
		return fail(stderr, err)
	}
	p, err := plan.Build(wf)
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, plan.Describe(p))
	return exitOK
}

func listCheckpoints(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		executionID = fs.String("id", "", "Execution id")
		dbPath      = fs.String("db", env.String("STEPFLOW_SQLITE_PATH", defaultDB), "SQLite checkpoint database")
	)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if strings.TrimSpace(*executionID) == "" {
		fmt.Fprintln(stderr, "checkpoints: -id is required")
		return exitUsage
	}
	store, err := sqlite.Open(ctx, *dbPath)
	if err != nil {
		return fail(stderr, err)
	}
	defer store.Close()

	list, err := store.ListCheckpoints(ctx, *executionID)
	if err != nil {
		return fail(stderr, err)
	}
	if err := writeJSON(stdout, list); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fail(stderr io.Writer, err error) int {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		fmt.Fprintln(stderr, "invalid workflow:")
		for _, issue := range verr.Issues {
			fmt.Fprintf(stderr, "  - %s\n", issue)
		}
		return exitFailed
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return exitFailed
}
