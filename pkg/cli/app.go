package cli

import (
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/analysis"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/config"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/dast"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/logging"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/metrics"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/scanners"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/scanstate"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/store"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/targets"
)

// app holds the collaborators every command builds from configuration
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	resolver *targets.Resolver
	results  *store.Store
	scans    *scanstate.Store
	metrics  *metrics.Metrics
}

func newApp() (*app, error) {
	v := viper.GetViper()
	if err := config.Prepare(v, v.GetString("config")); err != nil {
		return nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	scans := scanstate.New()
	return &app{
		cfg:      cfg,
		logger:   logger,
		resolver: targets.NewResolver(cfg.AppsRoot, cfg.PortsFile),
		results:  store.New(cfg.ResultsRoot),
		scans:    scans,
		metrics:  metrics.New(scans),
	}, nil
}

func (a *app) close() {
	_ = a.logger.Sync()
}

func (a *app) analyzers() map[string]analysis.Analyzer {
	runner := scanners.NewExecRunner(a.logger,
		scanners.WithRetries(a.cfg.Static.Retries, a.cfg.Static.RetryDelay),
		scanners.WithObserver(a.metrics.ObserveTool),
	)
	deps := analysis.Deps{
		Resolver:    a.resolver,
		Runner:      runner,
		Prober:      scanners.NewPathProber(),
		Store:       a.results,
		Logger:      a.logger,
		ToolTimeout: a.cfg.Static.ToolTimeout,
		MaxWorkers:  a.cfg.Static.MaxWorkers,
	}
	return map[string]analysis.Analyzer{
		"backend":  analysis.NewBackendAnalyzer(deps),
		"frontend": analysis.NewFrontendAnalyzer(deps),
	}
}

func (a *app) engine(opts ...dast.EngineOption) *dast.Engine {
	opts = append([]dast.EngineOption{dast.WithCompletionHook(a.metrics.ObserveAlerts)}, opts...)
	return dast.NewEngine(a.cfg.DAST, a.scans, dast.NewZapLauncher(a.cfg.DAST, a.logger),
		a.resolver, a.results, a.logger, opts...)
}

// containers returns the Docker status provider, or a permissive stub when
// Docker checks are disabled or unavailable.
func (a *app) containers() (targets.StatusProvider, func()) {
	if !a.cfg.Docker.Enabled {
		return targets.NoContainers{}, func() {}
	}
	ds, err := targets.NewDockerStatus(a.cfg.Docker.ContainerPattern)
	if err != nil {
		a.logger.Warn("docker status unavailable", zap.Error(err))
		return targets.NoContainers{}, func() {}
	}
	return ds, func() { _ = ds.Close() }
}

func parseTarget(model, app string) (schema.TargetRef, error) {
	return schema.ParseTargetRef(model + "/" + app)
}
