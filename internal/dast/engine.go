package dast

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/config"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/report"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/scanstate"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
)

// ErrScanNotRunning is returned when stopping a scan that already finished
var ErrScanNotRunning = errors.New("scan is not running")

// errStopped unwinds a worker whose scan was stopped or cancelled
var errStopped = errors.New("scan stopped")

const (
	msgStoppedByUser = "Scan stopped by user"
	msgShutdown      = "Scan aborted: analyzer shutting down"
	reportFileName   = "zap_scan_report.md"
)

// scanFailure is a scan-level failure the daemon itself reported
type scanFailure struct{ err error }

func (f *scanFailure) Error() string { return f.err.Error() }
func (f *scanFailure) Unwrap() error { return f.err }

// Targets resolves where a target is served and where its sources live
type Targets interface {
	BaseURL(t schema.TargetRef) (string, error)
	SourcePath(t schema.TargetRef) (string, error)
}

// ResultSink persists the outcome of a finished scan
type ResultSink interface {
	SaveDynamic(t schema.TargetRef, res *schema.DynamicResult) error
	Dir(t schema.TargetRef) string
}

// Engine runs dynamic scans in the background, one daemon at a time
type Engine struct {
	cfg      config.DASTConfig
	scans    *scanstate.Store
	launcher Launcher
	targets  Targets
	results  ResultSink
	fetcher  Fetcher
	logger   *zap.Logger

	onTransition func(id string, status schema.ScanStatus)
	onComplete   func(counts schema.RiskCounts)

	mu     sync.Mutex
	active *scanRun
	runs   map[string]*scanRun
	wg     sync.WaitGroup
}

type scanRun struct {
	id      string
	cancel  context.CancelFunc
	session Session
	done    chan struct{}
	after   <-chan struct{} // teardown of the superseded run
}

// EngineOption customizes an Engine
type EngineOption func(*Engine)

// WithFetcher replaces the HTTP fetcher used for static assets
func WithFetcher(f Fetcher) EngineOption {
	return func(e *Engine) { e.fetcher = f }
}

// WithTransitionHook is called after every successful status change
func WithTransitionHook(fn func(id string, status schema.ScanStatus)) EngineOption {
	return func(e *Engine) { e.onTransition = fn }
}

// WithCompletionHook receives the risk counts of every completed scan
func WithCompletionHook(fn func(counts schema.RiskCounts)) EngineOption {
	return func(e *Engine) { e.onComplete = fn }
}

func NewEngine(cfg config.DASTConfig, scans *scanstate.Store, launcher Launcher, targets Targets, results ResultSink, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:      cfg,
		scans:    scans,
		launcher: launcher,
		targets:  targets,
		results:  results,
		fetcher:  NewHTTPFetcher(),
		logger:   logger,
		runs:     make(map[string]*scanRun),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Submit registers a scan of target and starts it in the background. Any
// scan still running is stopped first, and the new worker waits for its
// daemon to be torn down before launching its own.
func (e *Engine) Submit(target schema.TargetRef) (string, error) {
	base, err := e.targets.BaseURL(target)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", target, err)
	}

	id := e.scans.Create(target)
	ctx, cancel := context.WithCancel(context.Background())
	run := &scanRun{id: id, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	prev := e.active
	if prev != nil {
		run.after = prev.done
	}
	e.active = run
	e.runs[id] = run
	e.mu.Unlock()

	if prev != nil {
		e.logger.Info("stopping previous scan", zap.String("scan_id", prev.id), zap.String("superseded_by", id))
		e.halt(prev, fmt.Sprintf("Scan stopped: superseded by %s", id))
	}

	e.wg.Add(1)
	go e.run(ctx, run, target, base)
	e.logger.Info("scan submitted", zap.String("scan_id", id), zap.Stringer("target", target), zap.String("base_url", base))
	return id, nil
}

// Stop moves a running scan to STOPPED and cancels its worker, which tears
// the daemon down in the background. Stopping a finished scan changes
// nothing and returns ErrScanNotRunning.
func (e *Engine) Stop(id string) error {
	rec, ok := e.scans.Get(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, scanstate.ErrNotFound)
	}
	if !rec.Status.Active() {
		return fmt.Errorf("%s is %s: %w", id, rec.Status, ErrScanNotRunning)
	}

	e.mu.Lock()
	run := e.runs[id]
	e.mu.Unlock()
	if run == nil {
		if _, err := e.markStopped(id, msgStoppedByUser); err != nil {
			return err
		}
		return nil
	}
	return e.halt(run, msgStoppedByUser)
}

func (e *Engine) halt(run *scanRun, msg string) error {
	_, err := e.markStopped(run.id, msg)
	run.cancel()
	return err
}

func (e *Engine) markStopped(id, msg string) (schema.ScanRecord, error) {
	rec, err := e.scans.Update(id, schema.ScanUpdate{
		Status: schema.Ptr(schema.StatusStopped),
		Error:  schema.Ptr(msg),
	})
	if errors.Is(err, scanstate.ErrTerminal) {
		return rec, fmt.Errorf("%s: %w", id, ErrScanNotRunning)
	}
	if err == nil {
		e.notify(id, schema.StatusStopped)
	}
	return rec, err
}

// Done is closed once the worker of id has finished its teardown. Unknown
// or already finished ids yield a closed channel.
func (e *Engine) Done(id string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if run, ok := e.runs[id]; ok {
		return run.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Close stops every running scan and waits for the workers to exit
func (e *Engine) Close() {
	e.mu.Lock()
	runs := make([]*scanRun, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()
	for _, r := range runs {
		_ = e.halt(r, msgShutdown)
	}
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context, r *scanRun, target schema.TargetRef, base string) {
	log := e.logger.With(zap.String("scan_id", r.id))
	defer e.wg.Done()
	defer close(r.done)
	defer func() {
		e.mu.Lock()
		s := r.session
		delete(e.runs, r.id)
		if e.active == r {
			e.active = nil
		}
		e.mu.Unlock()
		if s != nil {
			_ = s.Close()
		}
		r.cancel()
		log.Info("scan worker finished")
	}()
	defer func() {
		if p := recover(); p != nil {
			log.Error("scan worker panicked", zap.Any("panic", p))
			e.finish(ctx, r.id, fmt.Errorf("internal error: %v", p), log)
		}
	}()

	err := e.execute(ctx, r, target, base, log)
	e.finish(ctx, r.id, err, log)
}

// finish records how the worker ended. Writes to an already terminal
// record are rejected by the store and ignored here.
func (e *Engine) finish(ctx context.Context, id string, err error, log *zap.Logger) {
	if err == nil {
		return
	}
	var sf *scanFailure
	switch {
	case errors.Is(err, errStopped) || ctx.Err() != nil:
		log.Info("scan stopped")
		_, _ = e.markStopped(id, msgStoppedByUser)
	case errors.As(err, &sf):
		log.Warn("scan failed", zap.Error(err))
		e.setFinal(id, schema.StatusFailed, err.Error())
	default:
		log.Error("scan error", zap.Error(err))
		e.setFinal(id, schema.StatusError, err.Error())
	}
}

func (e *Engine) setFinal(id string, status schema.ScanStatus, msg string) {
	if _, err := e.scans.Update(id, schema.ScanUpdate{Status: &status, Error: &msg}); err == nil {
		e.notify(id, status)
	}
}

func (e *Engine) notify(id string, status schema.ScanStatus) {
	if e.onTransition != nil {
		e.onTransition(id, status)
	}
}

func (e *Engine) transition(id string, status schema.ScanStatus, log *zap.Logger) error {
	if _, err := e.scans.Update(id, schema.WithStatus(status)); err != nil {
		if errors.Is(err, scanstate.ErrTerminal) {
			return errStopped
		}
		return err
	}
	log.Info("scan phase", zap.String("phase", string(status)))
	e.notify(id, status)
	return nil
}

func (e *Engine) progress(id string, u schema.ScanUpdate) {
	_, _ = e.scans.Update(id, u)
}

func checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return errStopped
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, r *scanRun, target schema.TargetRef, base string, log *zap.Logger) error {
	started := time.Now().UTC()

	if r.after != nil {
		select {
		case <-r.after:
		case <-ctx.Done():
			return errStopped
		}
	}
	session, err := e.launcher.Launch(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	r.session = session
	e.mu.Unlock()
	if err := checkpoint(ctx); err != nil {
		return err
	}
	api := session.API()

	if err := api.AccessURL(ctx, base); err != nil {
		return fmt.Errorf("seed %s: %w", base, err)
	}
	Discover(ctx, api, base, e.cfg.DiscoveryRPS, log)
	if err := checkpoint(ctx); err != nil {
		return err
	}

	if err := e.transition(r.id, schema.StatusSpidering, log); err != nil {
		return err
	}
	if err := e.spider(ctx, r.id, api, base, log); err != nil {
		return err
	}
	if e.cfg.AjaxEnabled {
		if err := e.ajaxSpider(ctx, r.id, api, base, log); err != nil {
			return err
		}
	}
	if err := checkpoint(ctx); err != nil {
		return err
	}
	if err := e.drainPassive(ctx, r.id, api, log); err != nil {
		return err
	}
	if err := checkpoint(ctx); err != nil {
		return err
	}

	if err := e.transition(r.id, schema.StatusScanning, log); err != nil {
		return err
	}
	if err := e.activeScan(ctx, r.id, api, base, log); err != nil {
		return err
	}
	if err := checkpoint(ctx); err != nil {
		return err
	}

	alerts, err := api.Alerts(ctx, base)
	if err != nil {
		return fmt.Errorf("retrieve alerts: %w", err)
	}
	vulns := e.vulnerabilities(ctx, target, alerts, log)
	var counts schema.RiskCounts
	for _, v := range vulns {
		counts.Add(v.Risk)
	}
	if err := checkpoint(ctx); err != nil {
		return err
	}

	finished := time.Now().UTC()
	result := &schema.DynamicResult{
		Target:          target.String(),
		ScanID:          r.id,
		BaseURL:         base,
		Status:          schema.StatusComplete,
		Vulnerabilities: vulns,
		Summary:         counts,
		StartedAt:       started,
		FinishedAt:      finished,
		DurationSeconds: finished.Sub(started).Seconds(),
	}
	if e.results != nil {
		if err := e.results.SaveDynamic(target, result); err != nil {
			log.Warn("persist scan result", zap.Error(err))
		}
		path := filepath.Join(e.results.Dir(target), reportFileName)
		if err := report.WriteCodeReportFile(path, result); err != nil {
			log.Warn("write code report", zap.Error(err))
		}
	}

	_, err = e.scans.Update(r.id, schema.ScanUpdate{
		Status:         schema.Ptr(schema.StatusComplete),
		Counts:         &counts,
		ActiveProgress: schema.Ptr(100),
		EndTime:        &finished,
	})
	if err != nil {
		if errors.Is(err, scanstate.ErrTerminal) {
			return errStopped
		}
		return err
	}
	e.notify(r.id, schema.StatusComplete)
	log.Info("scan complete",
		zap.Int("high", counts.High),
		zap.Int("medium", counts.Medium),
		zap.Int("low", counts.Low),
		zap.Int("info", counts.Info))
	if e.onComplete != nil {
		e.onComplete(counts)
	}
	return nil
}

func (e *Engine) spider(ctx context.Context, id string, api ScannerAPI, base string, log *zap.Logger) error {
	spiderID, err := api.StartSpider(ctx, base, e.cfg.SpiderMaxChildren)
	if err != nil {
		return fmt.Errorf("start spider: %w", err)
	}
	done, err := poll(ctx, e.cfg.SpiderPoll, e.cfg.SpiderMaxWait, func() (bool, error) {
		pct, err := api.SpiderStatus(ctx, spiderID)
		if err != nil {
			return false, fmt.Errorf("spider status: %w", err)
		}
		e.progress(id, schema.ScanUpdate{SpiderProgress: &pct})
		return pct >= 100, nil
	})
	if err != nil {
		return err
	}
	if !done {
		log.Warn("spider exceeded its time budget, stopping it", zap.Duration("max_wait", e.cfg.SpiderMaxWait))
		_ = api.StopSpider(ctx, spiderID)
	}
	e.progress(id, schema.ScanUpdate{SpiderProgress: schema.Ptr(100)})
	return nil
}

func (e *Engine) ajaxSpider(ctx context.Context, id string, api ScannerAPI, base string, log *zap.Logger) error {
	if err := api.StartAjaxSpider(ctx, base); err != nil {
		if ctx.Err() != nil {
			return errStopped
		}
		log.Warn("ajax spider unavailable, skipping", zap.Error(err))
		e.progress(id, schema.ScanUpdate{AjaxProgress: schema.Ptr(100)})
		return nil
	}
	start := time.Now()
	done, err := poll(ctx, e.cfg.AjaxPoll, e.cfg.AjaxTimeout, func() (bool, error) {
		running, err := api.AjaxSpiderRunning(ctx)
		if err != nil {
			return false, fmt.Errorf("ajax spider status: %w", err)
		}
		if running {
			pct := int(float64(time.Since(start)) / float64(e.cfg.AjaxTimeout) * 100)
			e.progress(id, schema.ScanUpdate{AjaxProgress: schema.Ptr(min(pct, 99))})
		}
		return !running, nil
	})
	if err != nil {
		return err
	}
	if !done {
		log.Warn("ajax spider timed out, force stopping", zap.Duration("timeout", e.cfg.AjaxTimeout))
		if err := api.StopAjaxSpider(ctx); err != nil {
			log.Warn("stop ajax spider", zap.Error(err))
		}
	}
	e.progress(id, schema.ScanUpdate{AjaxProgress: schema.Ptr(100)})
	return nil
}

func (e *Engine) drainPassive(ctx context.Context, id string, api ScannerAPI, log *zap.Logger) error {
	initial := -1
	done, err := poll(ctx, e.cfg.PassivePoll, e.cfg.PassiveMaxWait, func() (bool, error) {
		left, err := api.RecordsToScan(ctx)
		if err != nil {
			return false, fmt.Errorf("passive backlog: %w", err)
		}
		if initial < 0 {
			initial = left
		}
		pct := 100
		if initial > 0 {
			pct = (initial - left) * 100 / initial
		}
		e.progress(id, schema.ScanUpdate{PassiveProgress: &pct})
		return left == 0, nil
	})
	if err != nil {
		return err
	}
	if !done {
		log.Warn("passive scan backlog not drained, continuing", zap.Duration("max_wait", e.cfg.PassiveMaxWait))
	}
	e.progress(id, schema.ScanUpdate{PassiveProgress: schema.Ptr(100)})
	return nil
}

func (e *Engine) activeScan(ctx context.Context, id string, api ScannerAPI, base string, log *zap.Logger) error {
	scanID, err := api.StartActiveScan(ctx, base)
	if err != nil {
		if IsAPIError(err) {
			return &scanFailure{fmt.Errorf("active scan rejected: %w", err)}
		}
		return fmt.Errorf("start active scan: %w", err)
	}
	done, err := poll(ctx, e.cfg.ActivePoll, e.cfg.ActiveMaxWait, func() (bool, error) {
		pct, err := api.ActiveScanStatus(ctx, scanID)
		if err != nil {
			if IsAPIError(err) {
				return false, &scanFailure{fmt.Errorf("active scan failed: %w", err)}
			}
			return false, fmt.Errorf("active scan status: %w", err)
		}
		e.progress(id, schema.ScanUpdate{ActiveProgress: &pct})
		return pct >= 100, nil
	})
	if err != nil {
		return err
	}
	if !done {
		log.Warn("active scan exceeded its time budget, stopping with partial coverage", zap.Duration("max_wait", e.cfg.ActiveMaxWait))
		_ = api.StopActiveScan(ctx, scanID)
	}
	return nil
}

// poll calls check until it reports done, the budget runs out or ctx is
// cancelled. Running out of budget is not an error.
func poll(ctx context.Context, interval, budget time.Duration, check func() (bool, error)) (bool, error) {
	deadline := time.Now().Add(budget)
	for {
		done, err := check()
		if err != nil {
			if ctx.Err() != nil {
				return false, errStopped
			}
			return false, err
		}
		if done {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, errStopped
		case <-time.After(interval):
		}
	}
}

func (e *Engine) vulnerabilities(ctx context.Context, target schema.TargetRef, alerts []Alert, log *zap.Logger) []schema.Vulnerability {
	root := e.cfg.SourceRoot
	if root == "" {
		if p, err := e.targets.SourcePath(target); err == nil {
			root = p
		} else {
			log.Debug("no local sources for code mapping", zap.Error(err))
		}
	}
	mappings, err := e.cfg.Mappings()
	if err != nil {
		log.Warn("ignoring invalid path mappings", zap.Error(err))
	}
	mapper := &CodeMapper{
		Root:         root,
		Mappings:     mappings,
		Extensions:   e.cfg.SourceExtensions,
		ContextLines: e.cfg.ContextLines,
		Fetcher:      e.fetcher,
		Logger:       log,
	}

	vulns := make([]schema.Vulnerability, 0, len(alerts))
	located := 0
	for _, a := range alerts {
		v := toVulnerability(a)
		v.Locate(mapper.Map(ctx, v))
		if v.AffectedCode.Located() {
			located++
		}
		vulns = append(vulns, v)
	}
	sort.SliceStable(vulns, func(i, j int) bool {
		ri, rj := riskRank(vulns[i].Risk), riskRank(vulns[j].Risk)
		if ri != rj {
			return ri < rj
		}
		if vulns[i].URL != vulns[j].URL {
			return vulns[i].URL < vulns[j].URL
		}
		return vulns[i].Name < vulns[j].Name
	})
	log.Info("alerts mapped", zap.Int("alerts", len(vulns)), zap.Int("located", located))
	return vulns
}

func riskRank(r schema.Risk) int {
	for i, x := range schema.RiskOrder {
		if x == r {
			return i
		}
	}
	return len(schema.RiskOrder)
}

func toVulnerability(a Alert) schema.Vulnerability {
	name := a.Name
	if name == "" {
		name = a.Alert
	}
	issueType := a.PluginID
	if issueType == "" {
		issueType = name
	}
	risk := schema.ParseRisk(a.Risk)
	return schema.Vulnerability{
		Filename:      a.URL,
		LineRange:     []int{},
		IssueText:     name,
		Severity:      risk.Severity(),
		Confidence:    schema.NormalizeConfidence(a.Confidence, schema.ConfidenceMedium),
		IssueType:     issueType,
		Code:          "N/A",
		Tool:          "zap",
		FixSuggestion: a.Solution,
		URL:           a.URL,
		Name:          name,
		Risk:          risk,
		Description:   a.Description,
		Solution:      a.Solution,
		Reference:     a.Reference,
		Parameter:     a.Param,
		Attack:        a.Attack,
		Evidence:      a.Evidence,
		CWEID:         a.CWEID,
		WASCID:        a.WASCID,
		PluginID:      a.PluginID,
		Method:        a.Method,
	}
}
