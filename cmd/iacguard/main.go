package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/qualys/iacguard/internal/config"
	"github.com/qualys/iacguard/internal/engine"
	"github.com/qualys/iacguard/internal/models"
	"github.com/qualys/iacguard/internal/parsers"
	"github.com/qualys/iacguard/internal/policy"
	"github.com/qualys/iacguard/internal/reports"
	"github.com/qualys/iacguard/internal/risk"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const usage = `Usage: iacguard <command> [flags] <plan-file>

Commands:
  evaluate   Evaluate an IaC document against the policy set
  report     Evaluate a document and write a report file
  version    Show version information

Exit codes for evaluate: 0 pass/warn, 1 block, 2 error.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	switch os.Args[1] {
	case "evaluate":
		os.Exit(runEvaluate(ctx, os.Args[2:]))
	case "report":
		os.Exit(runReport(ctx, os.Args[2:]))
	case "version":
		fmt.Printf("iacguard v%s (built %s)\n", version, buildTime)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func buildEngine(ctx context.Context, configPath, policyPath string, logger *slog.Logger) (*engine.Engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	policies := policy.DefaultPolicies()
	if policyPath == "" {
		policyPath = cfg.Policies.Path
	}
	if policyPath != "" {
		src := &policy.FileSource{Path: policyPath}
		policies, err = src.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading policies: %w", err)
		}
	}
	library := policy.NewLibrary(policies)

	var predictor risk.Predictor
	if cfg.Predictor.Enabled {
		predictor = risk.NewHTTPPredictor(cfg.Predictor.URL,
			risk.WithTimeout(cfg.Predictor.Timeout),
			risk.WithLogger(logger))
	}

	registry := parsers.DefaultRegistry(logger)
	return engine.New(registry, library, predictor,
		engine.WithWorkers(cfg.Evaluator.Workers),
		engine.WithOracleTimeout(cfg.Evaluator.OracleTimeout),
		engine.WithLogger(logger)), nil
}

func evaluateFile(ctx context.Context, eng *engine.Engine, path string) (*engine.Result, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	return eng.ProcessDocument(ctx, content)
}

func runEvaluate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	policyPath := fs.String("policies", "", "Path to a policy file or directory (overrides config)")
	jsonOut := fs.Bool("json", false, "Print the full result as JSON")
	quiet := fs.Bool("quiet", false, "Suppress log output")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "evaluate: exactly one plan file is required")
		return 2
	}

	logger := newLogger(*quiet)

	eng, err := buildEngine(ctx, *configPath, *policyPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	result, err := evaluateFile(ctx, eng, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 2
		}
	} else {
		printVerdict(result)
	}

	if result.Verdict.Decision == models.DecisionBlock {
		return 1
	}
	return 0
}

func runReport(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	policyPath := fs.String("policies", "", "Path to a policy file or directory (overrides config)")
	format := fs.String("format", "json", "Report format: json, csv or pdf")
	outDir := fs.String("out", "reports", "Output directory for the report")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "report: exactly one plan file is required")
		return 2
	}

	logger := newLogger(true)

	eng, err := buildEngine(ctx, *configPath, *policyPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	result, err := evaluateFile(ctx, eng, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	reporter := reports.NewGenerator(*outDir, reports.WithLogger(logger))
	path, err := reporter.Write(result, reports.ReportFormat(*format))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	fmt.Printf("Report written to %s\n", path)
	return 0
}

func newLogger(quiet bool) *slog.Logger {
	if quiet {
		opts := &slog.HandlerOptions{Level: slog.LevelError}
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func printVerdict(result *engine.Result) {
	fmt.Printf("Plan %s (%s): %d resources, %d violations\n",
		result.Plan.ID, result.Plan.SourceType,
		len(result.Plan.Resources), len(result.Violations))

	for _, severity := range []models.Severity{
		models.SeverityCritical, models.SeverityHigh,
		models.SeverityMedium, models.SeverityLow, models.SeverityError,
	} {
		for _, v := range result.Verdict.ViolationsBySeverity[severity] {
			fmt.Printf("  [%s] %s: %s (%s)\n", v.Severity, v.ResourceID, v.PolicyName, v.Description)
		}
	}

	fmt.Printf("Risk score: %.2f\n", result.Verdict.CombinedRiskScore)
	fmt.Printf("Decision: %s\n", result.Verdict.Decision)
	for _, reason := range result.Verdict.Reasons {
		fmt.Printf("  - %s\n", reason)
	}
}
