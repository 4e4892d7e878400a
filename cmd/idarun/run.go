package main

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/binslab/idarun/internal/dispatch"
	"github.com/binslab/idarun/internal/ida"
	"github.com/binslab/idarun/internal/log"
	"github.com/binslab/idarun/internal/walk"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	flagIDAPath  string
	flagScript   string
	flagNop      bool
	flagOptions  []string
	flagWorkers  int
	flagTimeout  time.Duration
	flagLogFile  string
	flagDatabase string
	flagDetach   bool
)

var runCmd = &cobra.Command{
	Use:   "run <file|dir> [params...]",
	Short: "run executes an IDA script on a binary file, or on every binary inside a directory",
	Long: `run executes IDA Pro in headless batch mode.

With a single file the exit code of IDA becomes the exit code of idarun.
With a directory, every executable binary found inside is analyzed on a
fixed pool of workers and a summary is printed. Extra arguments after the
target are forwarded to the script (idc.ARGV).`,
	Args: cobra.MinimumNArgs(1),
	RunE: doRun,
}

func init() {
	runCmd.Flags().StringVarP(&flagIDAPath, "ida-path", "i", "", "IDA Pro installation directory (default: $"+ida.PathEnv+", then $PATH)")
	runCmd.Flags().StringVarP(&flagScript, "script", "s", "", "IDAPython script to execute")
	runCmd.Flags().BoolVar(&flagNop, "nop", false, "run the builtin no-op script, producing only the database")
	runCmd.Flags().StringArrayVarP(&flagOptions, "option", "O", nil, "direct key:value option passed to IDA as -O (repeatable)")
	runCmd.Flags().IntVarP(&flagWorkers, "workers", "w", 0, "number of parallel workers (clamped to the CPU count)")
	runCmd.Flags().DurationVarP(&flagTimeout, "timeout", "t", 0, "per-job timeout, 0 means no timeout")
	runCmd.Flags().StringVarP(&flagLogFile, "log-file", "l", "", "CSV file to write per-binary results to")
	runCmd.Flags().StringVarP(&flagDatabase, "database", "o", "", "output database path passed to IDA as -o")
	runCmd.Flags().BoolVar(&flagDetach, "detach", false, "strip an active virtualenv from the IDA environment")
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(),
		slog.String("run", uuid.NewString()),
		slog.Int("pid", os.Getpid()),
	)

	target, params := args[0], args[1:]

	if flagIDAPath != "" {
		if err := os.Setenv(ida.PathEnv, flagIDAPath); err != nil {
			return err
		}
	} else if path := config.IDAPath(); path != "" {
		if err := os.Setenv(ida.PathEnv, path); err != nil {
			return err
		}
	}
	// resolve once, before any work
	binary, err := ida.Locate()
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "ida resolved", "binary", binary)

	script := flagScript
	if flagNop {
		if script != "" {
			return fmt.Errorf("--nop and --script are mutually exclusive")
		}
		script, err = ida.NopScript(os.TempDir())
		if err != nil {
			return fmt.Errorf("materializing no-op script: %w", err)
		}
	}

	options := jobOptions(binary, script, params)

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("target %s: %w", target, err)
	}
	if info.IsDir() {
		return runDir(ctx, target, options)
	}
	return runFile(ctx, target, options)
}

// jobOptions translates flags and config into the per-job option set.
func jobOptions(binary, script string, params []string) []ida.Option {
	options := []ida.Option{ida.WithBinary(binary)}
	if script != "" {
		options = append(options, ida.WithScript(script, params...))
	}
	if len(flagOptions) > 0 {
		options = append(options, ida.WithOptions(flagOptions...))
	}
	if timeout := jobTimeout(); timeout > 0 {
		options = append(options, ida.WithTimeout(timeout))
	}
	if flagDatabase != "" {
		options = append(options, ida.WithOutputDB(flagDatabase))
	}
	if flagDetach || config.DetachEnv() {
		options = append(options, ida.WithDetachedEnv())
	}
	return options
}

func jobTimeout() time.Duration {
	if flagTimeout > 0 {
		return flagTimeout
	}
	return config.Timeout(0)
}

// runFile executes a single job and exits with the real exit code of IDA,
// so idarun is scriptable the same way the tool itself is.
func runFile(ctx context.Context, target string, options []ida.Option) error {
	job, err := ida.New(target, options...)
	if err != nil {
		return err
	}
	if err := job.Start(); err != nil {
		return err
	}
	code, err := job.Wait(ctx)
	if err != nil {
		return err
	}

	if code != 0 {
		stderr, _ := job.Stderr()
		if stderr != "" {
			fmt.Fprint(os.Stderr, stderr)
		}
		slog.WarnContext(ctx, "ida run failed", "target", target, "exit_code", code, "timed_out", code == ida.TimeoutExitCode)
		if code == ida.TimeoutExitCode {
			// same shell convention as timeout(1)
			os.Exit(124)
		}
		os.Exit(code & 0xFF)
	}
	return nil
}

// runDir walks the directory for executable binaries and fans the jobs out
// over the worker pool, streaming counters to a progress bar.
func runDir(ctx context.Context, dir string, options []ida.Option) error {
	fmt.Fprintln(os.Stderr, "Counting files to analyse..")
	total := 0
	for range binaries(ctx, dir) {
		total++
	}
	if total == 0 {
		slog.WarnContext(ctx, "no binary files found", "dir", dir)
		return nil
	}

	workers := clampWorkers(flagWorkers)
	factory := func(target string) (*ida.Job, error) {
		return ida.New(target, options...)
	}

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("OK:0 KO:0 TO:0"),
		progressbar.OptionThrottle(100*time.Millisecond),
	)

	var ok, ko, to int
	results := make(map[string]int, total)
	for r, err := range dispatch.Run(ctx, binaries(ctx, dir), factory, workers) {
		if err != nil {
			return err
		}
		switch {
		case r.OK():
			ok++
		case r.TimedOut():
			to++
		default:
			ko++
		}
		results[r.Path] = r.ExitCode
		bar.Describe(fmt.Sprintf("OK:%d KO:%d TO:%d", ok, ko, to))
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)

	if flagLogFile != "" {
		if err := writeResults(flagLogFile, results); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Log file written in %s\n", flagLogFile)
	}
	return nil
}

// binaries adapts the walk iterator to a plain path sequence, walk errors
// are logged and skipped.
func binaries(ctx context.Context, dir string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for path, err := range walk.Binaries(ctx, dir) {
			if err != nil {
				slog.WarnContext(ctx, "walk failed, skipping entry", "error", err)
				continue
			}
			if !yield(path) {
				return
			}
		}
	}
}

func clampWorkers(n int) int {
	if n < 1 {
		n = config.Workers(runtime.NumCPU())
	}
	return max(1, min(n, runtime.NumCPU()))
}

func writeResults(path string, results map[string]int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating log file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	for file, code := range results {
		var verdict string
		switch code {
		case 0:
			verdict = "OK"
		case ida.TimeoutExitCode:
			verdict = "TO"
		default:
			verdict = "KO"
		}
		if _, err := fmt.Fprintf(f, "%s,%s\n", file, verdict); err != nil {
			return err
		}
	}
	return nil
}
