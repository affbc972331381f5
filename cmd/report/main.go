// Command report prints round PnL from the configured outcome store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ore-agent/internal/config"
	"ore-agent/internal/logging"
	"ore-agent/internal/reporting"
	"ore-agent/internal/storage/backend"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the agent YAML config")
	limit := flag.Int("limit", 50, "Number of most recent rounds to include")
	format := flag.String("format", "table", "Output format: table, markdown or csv")
	output := flag.String("output", "", "Write to file instead of stdout (markdown and csv)")
	flag.Parse()

	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "Error: --limit must be positive")
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stores, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening stores: %v\n", err)
		os.Exit(1)
	}
	defer stores.Close()

	if stores.OutcomeBackend == "memory" {
		fmt.Fprintln(os.Stderr, "Error: no persistent store configured (storage.sqlite_path, postgres_dsn or clickhouse_dsn)")
		os.Exit(1)
	}

	report, err := reporting.NewGenerator(stores.Outcomes, stores.Latency).Generate(ctx, *limit)
	if errors.Is(err, reporting.ErrNoData) {
		fmt.Println("No evaluated rounds yet.")
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating report: %v\n", err)
		os.Exit(1)
	}

	if err := write(report, *format, *output); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing report: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, tolerating its absence so stores can be
// selected purely from the environment.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		path = ""
	}
	return config.LoadUnchecked(path)
}

func write(report *reporting.Report, format, output string) error {
	var body string
	switch format {
	case "table":
		return reporting.RenderTable(os.Stdout, report)
	case "markdown":
		body = reporting.RenderMarkdown(report)
	case "csv":
		body = reporting.RenderCSV(report)
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	if output == "" {
		_, err := fmt.Print(body)
		return err
	}
	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(output, []byte(body), 0o644); err != nil {
		return err
	}
	fmt.Printf("Report written to %s\n", output)
	return nil
}
