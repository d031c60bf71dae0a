// Package orchestrator runs the enabled probes and catalog checks over a list
// of targets in bounded batches, streaming findings and progress as it goes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/peachycloudsecurity/exposed-files-scanner/lib"
	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/discovery"
	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/http_utils"
	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/scan/control"
	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/scan/options"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const DefaultBatchDelay = 100 * time.Millisecond

// ErrScanInProgress is returned by Run while another run is active on the same orchestrator.
var ErrScanInProgress = errors.New("a scan is already in progress")

type FindingHandler func(Finding)

type ProgressHandler func(Progress)

type Option func(*Orchestrator)

// WithFindingHandler registers a callback invoked once per emitted finding.
func WithFindingHandler(handler FindingHandler) Option {
	return func(o *Orchestrator) {
		o.onFinding = handler
	}
}

// WithProgressHandler registers a callback invoked on every progress change.
func WithProgressHandler(handler ProgressHandler) Option {
	return func(o *Orchestrator) {
		o.onProgress = handler
	}
}

// WithBatchDelay overrides the pause between batches.
func WithBatchDelay(delay time.Duration) Option {
	return func(o *Orchestrator) {
		o.batchDelay = delay
	}
}

// Orchestrator drives scans. A single orchestrator runs one scan at a time and
// resets its state at the start of every run.
type Orchestrator struct {
	fetcher    http_utils.Fetcher
	onFinding  FindingHandler
	onProgress ProgressHandler
	batchDelay time.Duration

	// emitMu serializes callbacks so consumers observe snapshots in order.
	emitMu sync.Mutex

	mu        sync.Mutex
	running   bool
	control   *control.ScanControl
	progress  Progress
	findings  []Finding
	seen      map[string]struct{}
	startedAt time.Time
}

func New(fetcher http_utils.Fetcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fetcher:    fetcher,
		batchDelay: DefaultBatchDelay,
		progress:   Progress{Status: StatusIdle},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Progress returns the latest snapshot.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// Findings returns a copy of the findings emitted by the current or last run.
func (o *Orchestrator) Findings() []Finding {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Finding(nil), o.findings...)
}

func (o *Orchestrator) currentControl() *control.ScanControl {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.control
}

// Cancel stops the running scan at the next batch or target boundary. Requests
// already in flight are allowed to finish.
func (o *Orchestrator) Cancel() {
	if ctrl := o.currentControl(); ctrl != nil {
		ctrl.SetCancelled()
	}
}

// Pause holds the running scan at the next batch boundary.
func (o *Orchestrator) Pause() {
	if ctrl := o.currentControl(); ctrl != nil {
		ctrl.SetPaused()
	}
}

func (o *Orchestrator) Resume() {
	if ctrl := o.currentControl(); ctrl != nil {
		ctrl.SetRunning()
	}
}

// Run scans every valid target and returns the findings. Cancellation, through
// Cancel or ctx, is not an error: the partial result set is returned.
func (o *Orchestrator) Run(ctx context.Context, targets []string, opts options.ScanOptions) ([]Finding, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if o.fetcher == nil {
		return nil, fmt.Errorf("orchestrator has no fetcher")
	}

	origins := lib.NormalizeTargets(targets)
	ctrl := control.New()

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrScanInProgress
	}
	o.running = true
	o.control = ctrl
	o.findings = nil
	o.seen = make(map[string]struct{})
	o.startedAt = time.Now()
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	log.Info().Int("targets", len(origins)).Int("dropped", len(targets)-len(origins)).Int("max_connections", opts.MaxConnections).Msg("Starting exposure scan")
	o.update(func(p *Progress) {
		*p = Progress{Total: len(origins), Status: StatusScanning}
	})

	checker := discovery.NewChecker(o.fetcher, opts.Timeout())
	// Requests outlive cancellation and are bounded only by their own timeout.
	requestCtx := context.WithoutCancel(ctx)

	for start := 0; start < len(origins); start += opts.MaxConnections {
		if ctx.Err() != nil || !ctrl.CheckpointWithContext(ctx) {
			break
		}

		end := min(start+opts.MaxConnections, len(origins))
		var wg conc.WaitGroup
		for _, origin := range origins[start:end] {
			wg.Go(func() {
				o.scanTarget(ctx, requestCtx, ctrl, checker, origin, opts)
			})
		}
		wg.Wait()

		if end < len(origins) && o.batchDelay > 0 {
			select {
			case <-time.After(o.batchDelay):
			case <-ctx.Done():
			case <-ctrl.Context().Done():
			}
		}
	}

	if cancelled(ctx, ctrl) {
		o.update(func(p *Progress) {
			p.Status = StatusCancelled
		})
		log.Info().Msg("Exposure scan cancelled")
	} else {
		o.update(func(p *Progress) {
			p.Status = StatusCompleted
			p.CurrentDomain = ""
		})
		log.Info().Int("findings", len(o.Findings())).Msg("Exposure scan completed")
	}
	return o.Findings(), nil
}

func cancelled(ctx context.Context, ctrl *control.ScanControl) bool {
	return ctx.Err() != nil || ctrl.IsCancelled()
}

func (o *Orchestrator) scanTarget(ctx, requestCtx context.Context, ctrl *control.ScanControl, checker *discovery.Checker, origin string, opts options.ScanOptions) {
	if cancelled(ctx, ctrl) {
		return
	}
	o.update(func(p *Progress) {
		p.CurrentDomain = origin
	})
	log.Debug().Str("target", origin).Msg("Scanning target")

	// Paths owned by an enabled probe are reported with the probe's type only.
	probed := make(map[string]struct{})
	var wg conc.WaitGroup
	for _, probe := range discovery.Probes {
		if !opts.Functions.Enabled(probe.Function) {
			continue
		}
		probed[probe.Path] = struct{}{}
		wg.Go(func() {
			if !probe.Check(checker, requestCtx, origin) {
				return
			}
			finding := newFinding(origin, probe.Type, probe.Path, nil)
			if probe.Type == discovery.FindingGit && opts.CheckOpenSource {
				if repo, ok := checker.CheckOpenSource(requestCtx, origin); ok {
					finding.IsOpenSource = true
					finding.OpenSourceURL = repo
				}
			}
			o.record(ctx, ctrl, finding)
		})
	}

	for _, category := range discovery.Categories {
		if !opts.Functions.Enabled(category.Function) {
			continue
		}
		for _, path := range category.Paths {
			if _, ok := probed[path]; ok {
				continue
			}
			wg.Go(func() {
				result := checker.CheckPath(requestCtx, origin, path)
				if result.Found {
					o.record(ctx, ctrl, newFinding(origin, category.Type, path, result.Size))
				}
			})
		}
	}
	wg.Wait()

	o.update(func(p *Progress) {
		p.Completed++
		elapsed := time.Since(o.startedAt)
		average := elapsed / time.Duration(p.Completed)
		remaining := time.Duration(p.Total - p.Completed)
		p.EstimatedTimeRemaining = int(math.Round((average * remaining).Seconds()))
	})
}

// record stores and emits a finding unless the scan was cancelled or the same
// path was already reported for the target.
func (o *Orchestrator) record(ctx context.Context, ctrl *control.ScanControl, finding Finding) {
	if cancelled(ctx, ctrl) {
		return
	}

	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	key := finding.Domain + "\x00" + finding.Path
	o.mu.Lock()
	if _, dup := o.seen[key]; dup {
		o.mu.Unlock()
		return
	}
	o.seen[key] = struct{}{}
	o.findings = append(o.findings, finding)
	o.progress.Findings = len(o.findings)
	snapshot := o.progress
	o.mu.Unlock()

	log.Info().Str("type", string(finding.Type)).Str("url", finding.FoundAt).Msg("Exposure found")
	if o.onFinding != nil {
		o.onFinding(finding)
	}
	if o.onProgress != nil {
		o.onProgress(snapshot)
	}
}

// update mutates progress and emits the resulting snapshot.
func (o *Orchestrator) update(mutate func(p *Progress)) {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	o.mu.Lock()
	mutate(&o.progress)
	snapshot := o.progress
	o.mu.Unlock()

	if o.onProgress != nil {
		o.onProgress(snapshot)
	}
}
