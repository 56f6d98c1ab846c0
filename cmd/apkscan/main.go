// Command apkscan analyzes APK files locally and prints a risk verdict for each.
//
// Exit codes: 0 all benign, 1 worst verdict suspicious, 2 worst verdict
// malicious, 3 at least one file could not be analyzed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apk-analysis/apk-risk-go/internal/analysis"
	"github.com/apk-analysis/apk-risk-go/internal/config"
	"github.com/apk-analysis/apk-risk-go/internal/verdict"
	"github.com/apk-analysis/apk-risk-go/internal/worker"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	exitBenign     = 0
	exitSuspicious = 1
	exitMalicious  = 2
	exitError      = 3
)

var (
	infoColor    = color.New(color.FgBlue).SprintFunc()
	successColor = color.New(color.FgGreen).SprintFunc()
	warningColor = color.New(color.FgYellow).SprintFunc()
	errorColor   = color.New(color.FgRed).SprintFunc()
	alertColor   = color.New(color.FgRed, color.Bold).SprintFunc()
)

// fileResult 单个文件的结果（-json 输出）
type fileResult struct {
	File   string           `json:"file"`
	Report *analysis.Report `json:"report,omitempty"`
	Error  string           `json:"error,omitempty"`
	Kind   string           `json:"kind,omitempty"`
}

func main() {
	_ = godotenv.Load()
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("apkscan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath = fs.String("config", "", "Path to config file (optional)")
		jsonOut    = fs.Bool("json", false, "Print reports as JSON")
		verbose    = fs.Bool("verbose", false, "Show every rule hit and log output")
		noColor    = fs.Bool("no-color", false, "Disable coloured output")
		timeout    = fs.Duration("timeout", 2*time.Minute, "Per-file analysis timeout")
		workers    = fs.Int("workers", 0, "Number of files analyzed in parallel (default: worker.concurrency)")
	)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage:")
		fmt.Fprintln(stderr, "  apkscan [flags] <file.apk|dir> [...]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitError
	}
	if *noColor || *jsonOut {
		color.NoColor = true
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "%s Failed to load config: %v\n", errorColor("[-]"), err)
		return exitError
	}
	if !*verbose {
		cfg.Log.Level = "error"
	}
	logger := config.NewLogger(&cfg.Log, stderr)

	analyzer, release, err := analysis.NewFromConfig(cfg, nil, logger)
	if err != nil {
		fmt.Fprintf(stderr, "%s Failed to init analyzer: %v\n", errorColor("[-]"), err)
		return exitError
	}
	defer release()

	files, err := gatherFiles(fs.Args(), cfg.Watcher.Pattern)
	if err != nil {
		fmt.Fprintf(stderr, "%s %v\n", errorColor("[-]"), err)
		return exitError
	}
	if len(files) == 0 {
		fmt.Fprintf(stderr, "%s No APK files found\n", warningColor("[!]"))
		return exitError
	}

	n := *workers
	if n <= 0 {
		n = cfg.Worker.Concurrency
	}
	results := analyzeAll(analyzer, files, n, *timeout, logger)

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if len(results) == 1 {
			enc.Encode(results[0])
		} else {
			enc.Encode(results)
		}
	} else {
		for _, r := range results {
			printResult(stdout, r, *verbose)
		}
		if len(results) > 1 {
			printSummary(stdout, results)
		}
	}

	return exitCode(results)
}

// analyzeAll 用 worker 池并行分析，结果保持 files 的顺序
func analyzeAll(analyzer *analysis.Analyzer, files []string, workers int, timeout time.Duration, logger *logrus.Logger) []fileResult {
	results := make([]fileResult, len(files))
	var mu sync.Mutex

	pool := worker.NewPool(workers, len(files), func(ctx context.Context, job worker.Job) error {
		i, err := strconv.Atoi(job.AnalysisID)
		if err != nil {
			return fmt.Errorf("bad job index %q: %w", job.AnalysisID, err)
		}
		r := analyzeFile(analyzer, job.APKPath, timeout)
		mu.Lock()
		results[i] = r
		mu.Unlock()
		return nil
	}, logger)
	pool.Start(context.Background())
	defer pool.Stop()

	var wg sync.WaitGroup
	for i, path := range files {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			job := worker.Job{AnalysisID: strconv.Itoa(i), APKPath: path}
			if err := pool.SubmitAndWait(context.Background(), job); err != nil {
				mu.Lock()
				results[i] = fileResult{File: path, Error: err.Error(), Kind: analysis.FailureKind(err)}
				mu.Unlock()
			}
		}(i, path)
	}
	wg.Wait()
	return results
}

func analyzeFile(analyzer *analysis.Analyzer, path string, timeout time.Duration) fileResult {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	report, err := analyzer.AnalyzeFile(ctx, path)
	if err != nil {
		return fileResult{File: path, Error: err.Error(), Kind: analysis.FailureKind(err)}
	}
	return fileResult{File: path, Report: report}
}

// gatherFiles 展开目录参数，目录内只取匹配 pattern 的文件
func gatherFiles(args []string, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*.apk"
	}
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", arg, err)
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if ok, _ := filepath.Match(strings.ToLower(pattern), strings.ToLower(d.Name())); ok {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", arg, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

func printResult(w io.Writer, r fileResult, verbose bool) {
	if r.Report == nil {
		fmt.Fprintf(w, "%s %s: %s (%s)\n", errorColor("[-]"), r.File, r.Error, r.Kind)
		return
	}

	rep := r.Report
	fmt.Fprintf(w, "%s %s  %s  score=%.2f  package=%s\n",
		verdictTag(rep.Verdict), r.File, strings.ToUpper(string(rep.Verdict)), rep.RiskScore, rep.PackageName)
	fmt.Fprintf(w, "    %s %s\n", infoColor("explain:"), rep.Explain)
	fmt.Fprintf(w, "    %s %s\n", infoColor("action:"), rep.RecommendedAction)

	if verbose {
		for _, h := range rep.Hits {
			fmt.Fprintf(w, "    - %s (%s) +%.2f %s\n", h.RuleID, h.Category, h.Weight, strings.Join(h.Evidence, ", "))
		}
	}
}

func verdictTag(v verdict.Verdict) string {
	switch v {
	case verdict.Malicious:
		return alertColor("[!!!]")
	case verdict.Suspicious:
		return warningColor("[!]")
	default:
		return successColor("[+]")
	}
}

func printSummary(w io.Writer, results []fileResult) {
	counts := map[verdict.Verdict]int{}
	failed := 0
	for _, r := range results {
		if r.Report == nil {
			failed++
			continue
		}
		counts[r.Report.Verdict]++
	}

	fmt.Fprintln(w, "\n=== Analysis Summary ===")
	fmt.Fprintf(w, "Total files analyzed: %d\n", len(results))
	fmt.Fprintf(w, "%s Benign: %d\n", successColor("[+]"), counts[verdict.Benign])
	if counts[verdict.Suspicious] > 0 {
		fmt.Fprintf(w, "%s Suspicious: %d\n", warningColor("[!]"), counts[verdict.Suspicious])
	}
	if counts[verdict.Malicious] > 0 {
		fmt.Fprintf(w, "%s Malicious: %d\n", alertColor("[!!!]"), counts[verdict.Malicious])
	}
	if failed > 0 {
		fmt.Fprintf(w, "%s Failed: %d\n", errorColor("[-]"), failed)
	}
}

// exitCode 任何失败返回 3，否则取最严重的结论
func exitCode(results []fileResult) int {
	code := exitBenign
	for _, r := range results {
		if r.Report == nil {
			return exitError
		}
		switch r.Report.Verdict {
		case verdict.Malicious:
			code = exitMalicious
		case verdict.Suspicious:
			if code < exitSuspicious {
				code = exitSuspicious
			}
		}
	}
	return code
}
