package analysis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/scanners"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/store"
)

// Options selects the tool set and cache behaviour of one run
type Options struct {
	UseAllTools bool
	ForceRerun  bool
}

// Analyzer is the capability both static profiles expose
type Analyzer interface {
	Analyze(ctx context.Context, target schema.TargetRef, opts Options) (*schema.AnalysisResult, error)
	Summarize(issues []schema.Issue) schema.Stats
}

// SourceResolver maps a target onto the root of its source tree
type SourceResolver interface {
	SourcePath(target schema.TargetRef) (string, error)
}

// ResultStore persists full-run snapshots
type ResultStore interface {
	LoadAnalysis(target schema.TargetRef, kind string) (*schema.CachedResult, error)
	SaveAnalysis(target schema.TargetRef, kind string, res *schema.CachedResult) error
}

// Deps are the collaborators shared by every profile
type Deps struct {
	Resolver    SourceResolver
	Runner      scanners.Runner
	Prober      scanners.Prober
	Store       ResultStore
	Logger      *zap.Logger
	ToolTimeout time.Duration
	MaxWorkers  int
}

// Orchestrator runs a profile's tools concurrently and merges their issues
type Orchestrator struct {
	profile Profile
	deps    Deps
	logger  *zap.Logger
}

// NewOrchestrator builds an orchestrator for profile
func NewOrchestrator(profile Profile, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Prober == nil {
		deps.Prober = scanners.NewPathProber()
	}
	if deps.ToolTimeout <= 0 {
		deps.ToolTimeout = 60 * time.Second
	}
	return &Orchestrator{
		profile: profile,
		deps:    deps,
		logger:  deps.Logger.With(zap.String("profile", profile.Name)),
	}
}

// Profile returns the profile this orchestrator was built with
func (o *Orchestrator) Profile() Profile { return o.profile }

type plannedRun struct {
	spec ToolSpec
	cmd  scanners.Command
}

// Analyze runs the selected tools against target. Tool failures never
// surface as errors; only an unresolvable target does.
func (o *Orchestrator) Analyze(ctx context.Context, target schema.TargetRef, opts Options) (*schema.AnalysisResult, error) {
	kind := o.profile.Kind
	log := o.logger.With(zap.Stringer("target", target), zap.Bool("full", opts.UseAllTools))

	if opts.UseAllTools && !opts.ForceRerun && o.deps.Store != nil {
		cached, err := o.deps.Store.LoadAnalysis(target, kind)
		switch {
		case err == nil && cached != nil:
			log.Info("using cached analysis", zap.Time("timestamp", cached.Timestamp))
			o.backfillStatus(cached)
			return &schema.AnalysisResult{
				Issues:     cached.Issues,
				ToolStatus: cached.ToolStatus,
				ToolOutput: cached.ToolOutput,
			}, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			log.Warn("cache load failed", zap.Error(err))
		}
	}

	root, err := o.deps.Resolver.SourcePath(target)
	if err != nil {
		return nil, &TargetError{Target: target, Err: err}
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		if err == nil {
			err = errors.New("not a directory")
		}
		return nil, &TargetError{Target: target, Path: root, Err: err}
	}
	dir := o.profile.Locate(root)

	requested := o.profile.DefaultTools()
	if opts.UseAllTools {
		requested = o.profile.Tools
	}

	files := o.profile.SourceFiles(dir)
	status := make(map[string]string, len(o.profile.Tools))
	output := make(map[string]string, len(o.profile.Tools))

	if len(files) == 0 && allNeedSource(requested) {
		return nil, &TargetError{Target: target, Path: dir, Err: ErrNoSourceFiles}
	}

	var plan []plannedRun
	for _, spec := range requested {
		switch {
		case !o.deps.Prober.Available(spec.Binary):
			status[spec.Name] = scanners.StatusNotAvail
		case spec.Kind == SourceTool && len(files) == 0:
			status[spec.Name] = scanners.StatusNoFiles
		case spec.Kind == ManifestTool && !fileExists(filepath.Join(dir, spec.Manifest)):
			status[spec.Name] = scanners.StatusNoManifest
		default:
			plan = append(plan, plannedRun{spec: spec, cmd: o.command(spec, dir, files)})
		}
	}

	log.Info("starting static analysis",
		zap.String("dir", dir),
		zap.Int("files", len(files)),
		zap.Int("tools", len(plan)))

	results := o.execute(ctx, plan)

	issues := make([]schema.Issue, 0)
	for i, run := range plan {
		res := results[i]
		status[run.spec.Name] = res.Status
		output[run.spec.Name] = res.RawOutput
		issues = append(issues, res.Issues...)
	}
	schema.SortIssues(issues)

	for _, spec := range o.profile.Tools {
		if _, ok := status[spec.Name]; ok {
			continue
		}
		if !o.deps.Prober.Available(spec.Binary) {
			status[spec.Name] = scanners.StatusNotAvail
		} else {
			status[spec.Name] = scanners.StatusSkipped
		}
	}

	result := &schema.AnalysisResult{Issues: issues, ToolStatus: status, ToolOutput: output}

	switch {
	case !opts.UseAllTools || o.deps.Store == nil:
	case interrupted(ctx, status):
		log.Warn("run interrupted, not caching snapshot")
	default:
		snap := &schema.CachedResult{
			Target:     target.String(),
			Kind:       kind,
			Timestamp:  time.Now().UTC(),
			Issues:     issues,
			ToolStatus: status,
			ToolOutput: output,
		}
		if err := o.deps.Store.SaveAnalysis(target, kind, snap); err != nil {
			log.Warn("cache save failed", zap.Error(err))
		}
	}

	log.Info("static analysis finished", zap.Int("issues", len(issues)))
	return result, nil
}

// interrupted reports whether the run was cut short; such a run must not
// become the cached full snapshot.
func interrupted(ctx context.Context, status map[string]string) bool {
	if ctx.Err() != nil {
		return true
	}
	for _, st := range status {
		if st == scanners.StatusCancelled {
			return true
		}
	}
	return false
}

// backfillStatus gives every catalog tool a status on snapshots that were
// written without one.
func (o *Orchestrator) backfillStatus(res *schema.CachedResult) {
	if res.ToolStatus == nil {
		res.ToolStatus = make(map[string]string, len(o.profile.Tools))
	}
	counts := make(map[string]int)
	for _, is := range res.Issues {
		counts[is.Tool]++
	}
	for _, spec := range o.profile.Tools {
		if _, ok := res.ToolStatus[spec.Name]; ok {
			continue
		}
		if n := counts[spec.Name]; n > 0 {
			res.ToolStatus[spec.Name] = fmt.Sprintf("Found %d issues", n)
		} else {
			res.ToolStatus[spec.Name] = scanners.StatusNotRecorded
		}
	}
}

func (o *Orchestrator) command(spec ToolSpec, dir string, files []string) scanners.Command {
	timeout := spec.Timeout
	if timeout <= 0 || timeout < o.deps.ToolTimeout {
		timeout = o.deps.ToolTimeout
	}
	var args []string
	if spec.Args != nil {
		args = spec.Args(dir, files)
	}
	var parse scanners.Parser
	if spec.NewParser != nil {
		parse = spec.NewParser(dir)
	}
	return scanners.Command{
		Tool:    spec.Name,
		Name:    spec.Binary,
		Args:    args,
		Dir:     dir,
		Timeout: timeout,
		Parse:   parse,
	}
}

// execute runs plan on a bounded pool; results[i] belongs to plan[i].
func (o *Orchestrator) execute(ctx context.Context, plan []plannedRun) []schema.ToolRunResult {
	results := make([]schema.ToolRunResult, len(plan))
	if len(plan) == 0 {
		return results
	}
	workers := o.deps.MaxWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(plan) {
		workers = len(plan)
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i := range plan {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = o.deps.Runner.Run(ctx, plan[i].cmd)
		}(i)
	}
	wg.Wait()
	return results
}

// Summarize counts issues by severity, confidence, tool and type
func (o *Orchestrator) Summarize(issues []schema.Issue) schema.Stats {
	return Summarize(issues)
}

// Summarize is the profile-independent implementation behind Analyzer.Summarize.
func Summarize(issues []schema.Issue) schema.Stats {
	st := schema.Stats{
		Total:        len(issues),
		BySeverity:   map[string]int{string(schema.SeverityHigh): 0, string(schema.SeverityMedium): 0, string(schema.SeverityLow): 0},
		ByConfidence: map[string]int{string(schema.ConfidenceHigh): 0, string(schema.ConfidenceMedium): 0, string(schema.ConfidenceLow): 0},
		ByTool:       map[string]int{},
		IssueTypes:   map[string]int{},
	}
	files := map[string]struct{}{}
	for _, is := range issues {
		st.BySeverity[string(is.Severity)]++
		st.ByConfidence[string(is.Confidence)]++
		st.ByTool[is.Tool]++
		st.IssueTypes[is.IssueType]++
		if is.Filename != "" {
			files[is.Filename] = struct{}{}
		}
	}
	st.FilesAffected = len(files)
	return st
}

func allNeedSource(tools []ToolSpec) bool {
	for _, t := range tools {
		if t.Kind != SourceTool {
			return false
		}
	}
	return true
}

// BackendAnalyzer analyzes Python backends
type BackendAnalyzer struct{ *Orchestrator }

func NewBackendAnalyzer(deps Deps) *BackendAnalyzer {
	return &BackendAnalyzer{NewOrchestrator(BackendProfile(), deps)}
}

// FrontendAnalyzer analyzes JavaScript frontends
type FrontendAnalyzer struct{ *Orchestrator }

func NewFrontendAnalyzer(deps Deps) *FrontendAnalyzer {
	return &FrontendAnalyzer{NewOrchestrator(FrontendProfile(), deps)}
}

var (
	_ Analyzer = (*BackendAnalyzer)(nil)
	_ Analyzer = (*FrontendAnalyzer)(nil)
)
