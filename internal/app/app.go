// Package app composes the cache store, the traversal engine, and the
// renderer into one run: serve a fresh snapshot from the cache when it is
// valid, otherwise scan and publish, then render.
package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/temirov/ptree/internal/cache"
	"github.com/temirov/ptree/internal/clipboard"
	"github.com/temirov/ptree/internal/render"
	"github.com/temirov/ptree/internal/skip"
	"github.com/temirov/ptree/internal/snapshot"
	"github.com/temirov/ptree/internal/traverse"
	"github.com/temirov/ptree/internal/types"
)

// Services are the process-scoped dependencies handed to the orchestrator at
// construction instead of being read from globals in deep code.
type Services struct {
	Logger     *zap.Logger
	IsTerminal func() bool
	Clock      func() time.Time
	Clipboard  clipboard.Copier
}

// Orchestrator ties cache, engine, and renderer together.
type Orchestrator struct {
	services Services
}

// NewOrchestrator builds an orchestrator, filling in missing services with
// safe defaults.
func NewOrchestrator(services Services) *Orchestrator {
	if services.Logger == nil {
		services.Logger = zap.NewNop()
	}
	if services.IsTerminal == nil {
		services.IsTerminal = func() bool { return false }
	}
	if services.Clock == nil {
		services.Clock = time.Now
	}
	if services.Clipboard == nil {
		services.Clipboard = clipboard.NewService()
	}
	return &Orchestrator{services: services}
}

// RunOptions carries one fully resolved invocation.
type RunOptions struct {
	Root            string
	CachePath       string
	Force           bool
	NoCache         bool
	Quiet           bool
	TrustCache      bool
	Format          string
	ColorMode       string
	MaxDisplayDepth int
	FileCounts      bool
	Threads         int
	MaxNodes        uint32
	CacheTTL        time.Duration
	Mode            types.ScanMode
	SkipNames       []string
	ShowStats       bool
	ShowSkipStats   bool
	CopyToClipboard bool
	Cancel          *atomic.Bool
	Stdout          io.Writer
	Stderr          io.Writer
}

type runTimings struct {
	cacheLoad time.Duration
	scan      time.Duration
	render    time.Duration
}

// Run executes one invocation. The returned error is nil on success,
// types.ErrCancelled after a cancelled scan, types.ErrCacheCorrupt when a
// damaged cache file was encountered (the run itself still completes with a
// fresh scan), and any other error for fatal conditions.
func (o *Orchestrator) Run(options RunOptions) error {
	logger := o.services.Logger
	if options.Stdout == nil {
		options.Stdout = os.Stdout
	}
	if options.Stderr == nil {
		options.Stderr = os.Stderr
	}

	canonicalRoot, rootError := canonicalizeRoot(options.Root)
	if rootError != nil {
		return rootError
	}

	cacheOptions := cache.Options{
		TTL:         options.CacheTTL,
		TrustCache:  options.TrustCache,
		Fingerprint: cache.HostFingerprint(canonicalRoot),
		Now:         o.services.Clock,
	}

	var timings runTimings
	var snap *snapshot.Snapshot
	var skipCounts map[string]uint64
	cacheUsed := false
	corruptCache := false

	if !options.Force && !options.NoCache && options.CachePath != "" {
		cacheLoadStart := time.Now()
		loaded, loadError := cache.Load(options.CachePath, cacheOptions)
		timings.cacheLoad = time.Since(cacheLoadStart)
		switch {
		case loadError == nil && loaded != nil:
			if loaded.RootPath() == canonicalRoot {
				snap = loaded
				cacheUsed = true
			} else {
				// Valid cache for a different scan root: a miss.
				_ = loaded.Close()
			}
		case errors.Is(loadError, types.ErrCacheCorrupt):
			corruptCache = true
			logger.Warn("cache file corrupt, falling back to fresh scan", zap.String("path", options.CachePath))
		case errors.Is(loadError, types.ErrCacheStale):
			// Expected miss; nothing to report.
		case loadError != nil:
			logger.Warn("cache read failed", zap.String("path", options.CachePath), zap.Error(loadError))
		}
	}

	var cancelError error
	if snap == nil {
		scanStart := time.Now()
		result, scanError := traverse.Scan(canonicalRoot, traverse.Options{
			Threads:     options.Threads,
			MaxNodes:    options.MaxNodes,
			Policy:      skip.NewPolicy(options.Mode, options.SkipNames),
			Cancel:      options.Cancel,
			Fingerprint: cacheOptions.Fingerprint,
			Now:         o.services.Clock,
		})
		timings.scan = time.Since(scanStart)
		if scanError != nil && !errors.Is(scanError, types.ErrCancelled) {
			return scanError
		}
		if errors.Is(scanError, types.ErrCancelled) {
			cancelError = scanError
		}
		snap = result.Snapshot
		skipCounts = result.SkipCounts

		if !options.NoCache && options.CachePath != "" && cancelError == nil {
			if storeError := cache.Store(options.CachePath, snap, cacheOptions); storeError != nil {
				// Best effort: the fresh snapshot still serves this run.
				logger.Warn("cache not published", zap.String("path", options.CachePath), zap.Error(storeError))
			}
		}
	}
	defer func() { _ = snap.Close() }()

	if !options.Quiet {
		renderStart := time.Now()
		if renderError := o.renderSnapshot(snap, options); renderError != nil {
			return renderError
		}
		timings.render = time.Since(renderStart)
	}

	if options.ShowSkipStats {
		writeSkipReport(options.Stderr, skipCounts, cacheUsed)
	}
	if options.ShowStats {
		writeStatsSummary(options.Stderr, snap, options, cacheUsed, timings)
	}

	if cancelError != nil {
		return cancelError
	}
	if corruptCache {
		return fmt.Errorf("%w: fresh scan succeeded, cache rewritten", types.ErrCacheCorrupt)
	}
	return nil
}

func (o *Orchestrator) renderSnapshot(snap *snapshot.Snapshot, options RunOptions) error {
	colorEnabled := false
	if options.Format == types.FormatTree {
		switch options.ColorMode {
		case types.ColorAlways:
			colorEnabled = true
		case types.ColorAuto:
			colorEnabled = o.services.IsTerminal()
		}
	}
	renderOptions := render.Options{
		Format:          options.Format,
		ColorEnabled:    colorEnabled,
		MaxDisplayDepth: options.MaxDisplayDepth,
		FileCounts:      options.FileCounts,
	}

	if !options.CopyToClipboard {
		return render.Render(options.Stdout, snap, renderOptions)
	}

	var buffer strings.Builder
	if renderError := render.Render(io.MultiWriter(options.Stdout, &buffer), snap, renderOptions); renderError != nil {
		return renderError
	}
	if copyError := o.services.Clipboard.Copy(buffer.String()); copyError != nil {
		o.services.Logger.Warn("clipboard copy failed", zap.Error(copyError))
	}
	return nil
}

func canonicalizeRoot(root string) (string, error) {
	if root == "" {
		workingDirectory, workingDirectoryError := os.Getwd()
		if workingDirectoryError != nil {
			return "", &types.RootUnavailableError{Path: ".", Cause: workingDirectoryError}
		}
		root = workingDirectory
	}
	absolutePath, absoluteError := filepath.Abs(root)
	if absoluteError != nil {
		return "", &types.RootUnavailableError{Path: root, Cause: absoluteError}
	}
	canonicalPath, canonicalError := filepath.EvalSymlinks(absolutePath)
	if canonicalError != nil {
		return "", &types.RootUnavailableError{Path: absolutePath, Cause: canonicalError}
	}
	information, statError := os.Stat(canonicalPath)
	if statError != nil {
		return "", &types.RootUnavailableError{Path: canonicalPath, Cause: statError}
	}
	if !information.IsDir() {
		return "", &types.RootUnavailableError{Path: canonicalPath, Cause: errors.New("not a directory")}
	}
	return canonicalPath, nil
}
