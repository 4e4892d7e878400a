// Package dispatch fans IDA jobs out over a fixed pool of workers and
// streams (file, exit code) pairs back as jobs finish. Results are an
// iterator, so callers see completions incrementally instead of waiting on
// the whole batch, and memory stays bounded on large file sets.
package dispatch

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/binslab/idarun/internal/ida"
	"github.com/binslab/idarun/internal/log"

	"golang.org/x/sync/errgroup"
)

// Factory builds a Job bound to one input file. Run treats a Factory error
// as a programming error and fails the whole dispatch with it.
type Factory func(target string) (*ida.Job, error)

// Result is the terminal outcome of one input file.
type Result struct {
	// Path is the input file the job ran on.
	Path string
	// ExitCode is the real exit status of IDA, or ida.TimeoutExitCode
	// when the job ran past its deadline.
	ExitCode int
}

// OK reports a clean zero exit.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// TimedOut reports that the job was terminated on timeout.
func (r Result) TimedOut() bool {
	return r.ExitCode == ida.TimeoutExitCode
}

// Run consumes inputs, runs one job per input on a pool of workers and
// yields every Result as it arrives. Ordering across inputs is first
// finished first yielded; the only guarantee is exactly one Result per
// input. Per job failures, non zero exits and timeouts included, are
// ordinary Results. A Factory or Start error cancels the pool and is
// yielded once as the terminal error.
//
// Every invocation owns its queues and workers, concurrent Runs in one
// process do not interact.
func Run(parentCtx context.Context, inputs iter.Seq[string], newJob Factory, workers int) iter.Seq2[Result, error] {
	if workers < 1 {
		workers = 1
	}

	return func(yield func(Result, error) bool) {
		ctx, cancel := context.WithCancel(parentCtx)
		defer cancel()

		logger := log.WithComponent("dispatch")

		// drain inputs up front: the total is what tells the pool,
		// and the caller, when to stop
		var targets []string
		for target := range inputs {
			targets = append(targets, target)
		}
		if len(targets) == 0 {
			logger.WarnContext(ctx, "dispatch has no input files, nothing to do")
			return
		}

		ingress := make(chan string, len(targets))
		for _, target := range targets {
			ingress <- target
		}
		close(ingress)

		if workers > len(targets) {
			workers = len(targets)
		}

		logger.DebugContext(ctx, "dispatch started", "inputs", len(targets), "workers", workers)

		egress := make(chan Result, workers)
		g, gctx := errgroup.WithContext(ctx)
		for range workers {
			g.Go(func() error {
				return work(gctx, logger, ingress, egress, newJob)
			})
		}

		go func() {
			_ = g.Wait()
			close(egress)
		}()

		for r := range egress {
			if !yield(r, nil) {
				return
			}
		}

		// the group is done once egress closes; a worker error is
		// infrastructural and surfaces here exactly once
		if err := g.Wait(); err != nil && parentCtx.Err() == nil {
			yield(Result{}, err)
		}
	}
}

// work is the persistent worker loop: pull a target, run a job to
// completion, report the outcome. It exits when the ingress queue drains
// or the pool shuts down.
func work(ctx context.Context, logger *slog.Logger, ingress <-chan string, egress chan<- Result, newJob Factory) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case target, ok := <-ingress:
			if !ok {
				return nil
			}

			code, err := runOne(ctx, logger, target, newJob)
			if err != nil {
				return err
			}

			select {
			case egress <- Result{Path: target, ExitCode: code}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func runOne(ctx context.Context, logger *slog.Logger, target string, newJob Factory) (int, error) {
	job, err := newJob(target)
	if err != nil {
		return 0, fmt.Errorf("building job for %s: %w", target, err)
	}
	if err := job.Start(); err != nil {
		return 0, fmt.Errorf("starting job for %s: %w", target, err)
	}

	code, err := job.Wait(ctx)
	if err != nil {
		// pool shutdown while the job ran, the child was terminated
		return 0, err
	}
	logger.DebugContext(ctx, "job finished", "target", target, "exit_code", code)
	return code, nil
}
