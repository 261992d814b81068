// Package scan implements the driver (C8) that ties the rest of cryptoscan
// together: it walks a directory of dump/log files, decodes each one into
// an event stream, feeds that stream through a fresh set of detectors, and
// fans every finding out to one or more independent sinks.
package scan

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/traceforge/cryptoscan/internal/detect"
	"github.com/traceforge/cryptoscan/internal/dllregistry"
	"github.com/traceforge/cryptoscan/internal/trace"
)

// eventSource is the common shape of [trace.Decoder] and [trace.LogReader]:
// both lazily pull one [trace.Event] at a time.
type eventSource interface {
	Next() (trace.Event, error)
}

// FindingSink receives every finding a scan run emits, tagged with the
// source file it came from. Implementations must not block the caller for
// long; a slow or failing sink must never suppress another sink's delivery
// (§5).
type FindingSink interface {
	Handle(sourceFile string, f trace.Finding)
}

// FindingSinkFunc adapts a plain function to FindingSink.
type FindingSinkFunc func(sourceFile string, f trace.Finding)

func (fn FindingSinkFunc) Handle(sourceFile string, f trace.Finding) { fn(sourceFile, f) }

// DetectorConfig carries the tunable thresholds for the arithmetic-mix,
// entropy, and taint-graph detectors, mirroring internal/config.DetectorConfig
// field-for-field. A zero-value field falls back to the reference threshold
// from spec.md, so callers that only care about a subset of tunables (or
// tests constructing a Driver directly) need not populate every field.
type DetectorConfig struct {
	SymmetricMinTotal        int
	SymmetricRatioThreshold  float64
	AsymmetricMinTotal       int
	AsymmetricRatioThreshold float64

	EntropyDiffThreshold float64
	EntropyMinSamples    int

	TaintThreshold     int
	TaintNeighborhood  int
	TaintNeededEdges   int
	TaintMinBlockSize  int
	TaintEmitBlockSize int
}

// Driver walks a directory of dump/log files and runs them through the
// detector set, fanning findings out to every registered sink.
type Driver struct {
	dir            string
	sinks          []FindingSink
	logger         *slog.Logger
	workers        int
	registry       *dllregistry.Registry
	detectorConfig DetectorConfig
}

// Option configures a Driver.
type Option func(*Driver)

// WithSinks registers one or more finding sinks. Order is not significant:
// every sink receives every finding independently.
func WithSinks(sinks ...FindingSink) Option {
	return func(d *Driver) { d.sinks = append(d.sinks, sinks...) }
}

// WithLogger overrides the driver's logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// WithWorkers sets the bounded worker pool size for processing independent
// dump files in parallel. Defaults to runtime.NumCPU(); n <= 0 leaves the
// default in place (matching internal/config's "0 means NumCPU" contract).
func WithWorkers(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithRegistry attaches a module registry whose module count is reported in
// the driver's startup log line (known_modules); it is never consulted by
// detector logic.
func WithRegistry(r *dllregistry.Registry) Option {
	return func(d *Driver) { d.registry = r }
}

// WithDetectorConfig overrides the detector thresholds used for every file
// this driver processes. Fields left at their zero value keep the spec.md
// reference threshold for that tunable.
func WithDetectorConfig(cfg DetectorConfig) Option {
	return func(d *Driver) { d.detectorConfig = cfg }
}

// New returns a Driver that scans every *.dump and *.log file directly under
// dir.
func New(dir string, opts ...Option) *Driver {
	d := &Driver{
		dir:     dir,
		logger:  slog.Default(),
		workers: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.workers <= 0 {
		d.workers = 1
	}
	return d
}

// Run scans every dump/log file in the driver's directory once, processing
// independent files in parallel across a bounded worker pool, and returns
// after every file has been fully processed (or ctx is cancelled).
func (d *Driver) Run(ctx context.Context) error {
	files, err := d.listFiles()
	if err != nil {
		return fmt.Errorf("scan: list files: %w", err)
	}

	d.logger.Info("scan: starting run",
		slog.String("dir", d.dir),
		slog.Int("files", len(files)),
		slog.Int("workers", d.workers),
		slog.Int("known_modules", d.knownModuleCount()),
	)

	arithCfg, entropyCfg, taintCfg := d.resolveDetectorConfigs()

	sem := make(chan struct{}, d.workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, path := range files {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		default:
		}

		path := path
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if err := d.processFile(ctx, path, arithCfg, entropyCfg, taintCfg); err != nil {
				d.logger.Error("scan: file processing failed", slog.String("file", path), slog.Any("error", err))
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	d.logger.Info("scan: run complete", slog.String("dir", d.dir))
	return firstErr
}

func (d *Driver) listFiles() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".dump") || strings.HasSuffix(name, ".log") {
			files = append(files, filepath.Join(d.dir, name))
		}
	}
	return files, nil
}

func (d *Driver) knownModuleCount() int {
	if d.registry == nil {
		return 0
	}
	return len(d.registry.Modules())
}

// resolveDetectorConfigs maps the driver's DetectorConfig onto each
// detector's own config type, substituting the spec.md reference threshold
// for any field left at its zero value.
func (d *Driver) resolveDetectorConfigs() (detect.ArithmeticConfig, detect.EntropyConfig, detect.TaintConfig) {
	c := d.detectorConfig

	arith := detect.DefaultArithmeticConfig()
	if c.SymmetricMinTotal != 0 {
		arith.SymmetricMinTotal = c.SymmetricMinTotal
	}
	if c.SymmetricRatioThreshold != 0 {
		arith.SymmetricRatioThreshold = c.SymmetricRatioThreshold
	}
	if c.AsymmetricMinTotal != 0 {
		arith.AsymmetricMinTotal = c.AsymmetricMinTotal
	}
	if c.AsymmetricRatioThreshold != 0 {
		arith.AsymmetricRatioThreshold = c.AsymmetricRatioThreshold
	}

	entropy := detect.DefaultEntropyConfig()
	if c.EntropyDiffThreshold != 0 {
		entropy.DiffThreshold = c.EntropyDiffThreshold
	}
	if c.EntropyMinSamples != 0 {
		entropy.MinSamples = c.EntropyMinSamples
	}

	taint := detect.DefaultTaintConfig()
	if c.TaintThreshold != 0 {
		taint.Threshold = c.TaintThreshold
	}
	if c.TaintNeighborhood != 0 {
		taint.Neighborhood = c.TaintNeighborhood
	}
	if c.TaintNeededEdges != 0 {
		taint.NeededEdges = c.TaintNeededEdges
	}
	if c.TaintMinBlockSize != 0 {
		taint.MinBlockSize = c.TaintMinBlockSize
	}
	if c.TaintEmitBlockSize != 0 {
		taint.EmitBlockSize = c.TaintEmitBlockSize
	}

	return arith, entropy, taint
}

// parseDumpFilename extracts the process name, pid, and tid from a
// "<name> <pid> <tid>.dump" filename by splitting on the first two spaces
// (§6). The result is used solely for display (log lines); it never
// influences detection behavior.
func parseDumpFilename(base string) (name, pid, tid string, ok bool) {
	trimmed := strings.TrimSuffix(base, ".dump")
	if trimmed == base {
		return "", "", "", false
	}
	first := strings.IndexByte(trimmed, ' ')
	if first < 0 {
		return "", "", "", false
	}
	rest := trimmed[first+1:]
	second := strings.IndexByte(rest, ' ')
	if second < 0 {
		return "", "", "", false
	}
	return trimmed[:first], rest[:second], rest[second+1:], true
}

// processFile decodes one dump/log file sequentially, instantiating a fresh
// set of detectors bound to this file's sink so no state leaks across
// files (C4: "a fresh instance is created per dump file").
func (d *Driver) processFile(ctx context.Context, path string, arithCfg detect.ArithmeticConfig, entropyCfg detect.EntropyConfig, taintCfg detect.TaintConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	base := filepath.Base(path)
	if name, pid, tid, ok := parseDumpFilename(base); ok {
		d.logger.Debug("scan: processing dump file",
			slog.String("file", path),
			slog.String("name", name),
			slog.String("pid", pid),
			slog.String("tid", tid),
		)
	} else {
		d.logger.Debug("scan: processing file", slog.String("file", path))
	}

	sink := func(finding trace.Finding) {
		for _, s := range d.sinks {
			// Each sink is independent: a panic-free, best-effort dispatch so
			// one sink's failure never suppresses another's (§5). Sinks are
			// responsible for their own error handling/logging.
			s.Handle(base, finding)
		}
	}

	var src eventSource
	if strings.HasSuffix(path, ".log") {
		src = trace.NewLogReader(f)
	} else {
		src = trace.NewDecoder(f)
	}

	detectors := []detect.Detector{
		detect.NewArithmeticMix(sink, arithCfg),
		detect.NewEntropy(sink, entropyCfg),
		detect.NewTaint(sink, taintCfg),
		detect.NewPassThrough(sink),
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ev, err := src.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			d.logger.Error("scan: decode error, abandoning file", slog.String("file", path), slog.Any("error", err))
			return fmt.Errorf("decode %s: %w", path, err)
		}

		for _, det := range detectors {
			det.Feed(ev)
		}
	}
}
