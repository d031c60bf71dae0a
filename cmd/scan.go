package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/peachycloudsecurity/exposed-files-scanner/lib"
	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/discovery"
	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/gitdump"
	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/http_utils"
	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/scan/options"
	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/scan/orchestrator"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

var targetsFile string
var scanTimeoutMs int
var scanMaxConnections int
var onlyFunctions []string
var skipFunctions []string
var checkOpenSource bool
var format string
var outputFile string
var dumpRepositories bool
var saveDir string

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan [targets...]",
	Short: "Scan targets for exposed files",
	Long: `Scans every target for exposed VCS metadata, secrets, config, backup, log, package and
debug files. Targets are read from the arguments, from --file, or from stdin when piped.
Press Ctrl+C once to stop after the current batch and keep partial results.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var stdin io.Reader
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			stdin = os.Stdin
		}
		targets, err := collectTargets(args, targetsFile, stdin, viper.GetInt("scan.max_targets"))
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return errors.New("at least one target should be provided")
		}

		formatType, err := lib.ParseFormatType(format)
		if err != nil {
			return err
		}

		opts, err := options.ScanOptionsFromConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("timeout") {
			opts.TimeoutMs = scanTimeoutMs
		}
		if cmd.Flags().Changed("max-connections") {
			opts.MaxConnections = scanMaxConnections
		}
		if cmd.Flags().Changed("open-source") {
			opts.CheckOpenSource = checkOpenSource
		}
		if err := applyFunctionFilters(&opts, onlyFunctions, skipFunctions); err != nil {
			return err
		}
		if err := opts.Validate(); err != nil {
			return err
		}

		fetcher := http_utils.NewHTTPFetcherFromConfig()
		showProgress := term.IsTerminal(int(os.Stderr.Fd()))
		orch := orchestrator.New(fetcher,
			orchestrator.WithBatchDelay(time.Duration(viper.GetInt("scan.batch_delay_ms"))*time.Millisecond),
			orchestrator.WithProgressHandler(func(p orchestrator.Progress) {
				if showProgress {
					fmt.Fprintf(os.Stderr, "\r\033[K%s", progressLine(p))
				}
			}),
		)

		ctx, stop := context.WithCancel(cmd.Context())
		defer stop()
		interrupts := make(chan os.Signal, 2)
		signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(interrupts)
		go func() {
			select {
			case <-interrupts:
				log.Warn().Msg("Interrupt received, finishing the current batch. Press Ctrl+C again to abort")
				orch.Cancel()
			case <-ctx.Done():
				return
			}
			select {
			case <-interrupts:
				stop()
			case <-ctx.Done():
			}
		}()

		findings, err := orch.Run(ctx, targets, opts)
		if showProgress {
			fmt.Fprintln(os.Stderr)
		}
		if err != nil {
			return err
		}

		if err := writeFindings(findings, formatType, outputFile); err != nil {
			return err
		}

		if saveDir != "" {
			saveFindings(ctx, discovery.NewChecker(fetcher, opts.Timeout()), findings, saveDir)
		}
		if dumpRepositories {
			return dumpFindings(ctx, fetcher, findings, viper.GetString("dump.output_dir"))
		}
		return nil
	},
}

// collectTargets merges targets from the arguments, a file and stdin, keeping
// the first limit unique entries.
func collectTargets(args []string, file string, stdin io.Reader, limit int) ([]string, error) {
	targets := append([]string{}, args...)
	if file != "" {
		fromFile, err := lib.ReadFileByLines(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read targets from file: %w", err)
		}
		targets = append(targets, fromFile...)
	}
	if stdin != nil {
		fromStdin, err := lib.ReadLines(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read targets from stdin: %w", err)
		}
		targets = append(targets, fromStdin...)
	}

	targets = lib.GetUniqueItems(targets)
	if limit > 0 && len(targets) > limit {
		log.Warn().Int("targets", len(targets)).Int("limit", limit).Msg("Too many targets, only the first ones will be scanned")
		targets = targets[:limit]
	}
	return targets, nil
}

// applyFunctionFilters restricts the enabled functions to only, when given, and
// then turns off everything in skip.
func applyFunctionFilters(opts *options.ScanOptions, only, skip []string) error {
	if len(only) > 0 {
		opts.Functions = options.ScanFunctions{}
		for _, key := range only {
			if err := opts.Functions.Set(key, true); err != nil {
				return err
			}
		}
	}
	for _, key := range skip {
		if err := opts.Functions.Set(key, false); err != nil {
			return err
		}
	}
	return nil
}

func progressLine(p orchestrator.Progress) string {
	line := fmt.Sprintf("[%s] %d/%d targets, %d findings", p.Status, p.Completed, p.Total, p.Findings)
	if p.Status == orchestrator.StatusScanning && p.Completed > 0 && p.Completed < p.Total {
		line += fmt.Sprintf(", ~%s left", time.Duration(p.EstimatedTimeRemaining)*time.Second)
	}
	return line
}

func writeFindings(findings []orchestrator.Finding, formatType lib.FormatType, output string) error {
	if output != "" {
		if err := lib.FormatOutputToFile(findings, formatType, output); err != nil {
			return fmt.Errorf("failed to write results: %w", err)
		}
		log.Info().Str("file", output).Int("findings", len(findings)).Msg("Results written")
		return nil
	}
	formattedOutput, err := lib.FormatOutput(findings, formatType)
	if err != nil {
		return fmt.Errorf("error formatting output: %w", err)
	}
	fmt.Println(formattedOutput)
	return nil
}

// saveFindings downloads the content behind every file finding into dir. VCS
// findings are skipped, those are what dump is for.
func saveFindings(ctx context.Context, checker *discovery.Checker, findings []orchestrator.Finding, dir string) {
	for _, finding := range findings {
		switch finding.Type {
		case discovery.FindingGit, discovery.FindingSvn, discovery.FindingHg:
			continue
		}
		file, err := checker.DownloadFile(ctx, finding.FoundAt)
		if err != nil {
			if errors.Is(err, discovery.ErrHTMLFalsePositive) {
				log.Warn().Str("url", finding.FoundAt).Msg("Skipping download, response looks like an HTML page")
			} else {
				log.Error().Err(err).Str("url", finding.FoundAt).Msg("Could not download finding")
			}
			continue
		}

		target := filepath.Join(dir, lib.OriginSlug(finding.Domain), file.Name)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			log.Error().Err(err).Str("dir", filepath.Dir(target)).Msg("Could not create directory")
			continue
		}
		if err := os.WriteFile(target, file.Body, 0644); err != nil {
			log.Error().Err(err).Str("file", target).Msg("Could not save finding")
			continue
		}
		log.Info().Str("url", finding.FoundAt).Str("file", target).Msg("Finding saved")
	}
}

func dumpFindings(ctx context.Context, fetcher *http_utils.HTTPFetcher, findings []orchestrator.Finding, dir string) error {
	dumpOpts, err := gitdump.DumpOptionsFromConfig()
	if err != nil {
		return err
	}
	for _, finding := range findings {
		if finding.Type != discovery.FindingGit {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if _, err := dumpRepository(ctx, fetcher, finding.Domain, dumpOpts, dir); err != nil {
			log.Error().Err(err).Str("origin", finding.Domain).Msg("Repository dump failed")
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVarP(&targetsFile, "file", "f", "", "File with one target per line")
	scanCmd.Flags().IntVar(&scanTimeoutMs, "timeout", options.DefaultTimeoutMs, "Per request timeout in milliseconds (3000-30000)")
	scanCmd.Flags().IntVarP(&scanMaxConnections, "max-connections", "c", options.DefaultMaxConnections, "Targets scanned concurrently (5-50)")
	scanCmd.Flags().StringSliceVar(&onlyFunctions, "only", []string{}, "Only run these checks, e.g. git,env,backup_files")
	scanCmd.Flags().StringSliceVar(&skipFunctions, "skip", []string{}, "Skip these checks")
	scanCmd.Flags().BoolVar(&checkOpenSource, "open-source", false, "Check whether exposed git repositories are public on GitHub/GitLab")
	scanCmd.Flags().StringVar(&format, "format", "table", "Output format (table, pretty, text, json, yaml, csv)")
	scanCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write results to this file instead of stdout")
	scanCmd.Flags().BoolVar(&dumpRepositories, "dump", false, "Dump every exposed git repository into a zip archive")
	scanCmd.Flags().StringVar(&saveDir, "save-dir", "", "Download the content of file findings into this directory")
}
