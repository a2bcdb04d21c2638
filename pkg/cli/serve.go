package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/api"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve analysis and dynamic scans over HTTP",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "Listen address (default from config, :8088)")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	containers, closeContainers := a.containers()
	defer closeContainers()

	engine := a.engine()
	defer engine.Close()

	srv := api.New(api.Deps{
		Analyzers:  a.analyzers(),
		Scanner:    engine,
		Scans:      a.scans,
		Results:    a.results,
		Containers: containers,
		Metrics:    a.metrics,
		Logger:     a.logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.logger.Info("starting analyzer",
		zap.String("version", Version),
		zap.String("apps_root", a.cfg.AppsRoot),
		zap.String("results_root", a.cfg.ResultsRoot))
	return srv.Run(ctx, a.cfg.Server.Addr, a.cfg.Scans.Retention, a.cfg.Scans.CleanupInterval)
}
