package cli

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/analysis"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/report"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
)

func newAnalyzeCmd() *cobra.Command {
	var full, force bool
	cmd := &cobra.Command{
		Use:       "analyze <backend|frontend> <model> <app>",
		Short:     "Run static analysis tools against a generated application",
		Example:   "yoro analyze backend gpt4 3 --full",
		Args:      cobra.ExactArgs(3),
		ValidArgs: []string{"backend", "frontend"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, args, analysis.Options{UseAllTools: full, ForceRerun: force})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Run the full tool set instead of the default one")
	cmd.Flags().BoolVar(&force, "force", false, "Ignore cached full-tool-set results")
	return cmd
}

func runAnalyze(cmd *cobra.Command, args []string, opts analysis.Options) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	kind := args[0]
	analyzer, ok := a.analyzers()[kind]
	if !ok {
		return fmt.Errorf("unknown analysis kind %q (want backend or frontend)", kind)
	}
	target, err := parseTarget(args[1], args[2])
	if err != nil {
		return err
	}

	res, err := analyzer.Analyze(cmd.Context(), target, opts)
	if err != nil {
		return err
	}
	a.metrics.ObserveAnalysis(kind, opts.UseAllTools)

	out := cmd.OutOrStdout()
	stats := analyzer.Summarize(res.Issues)
	fmt.Fprintf(out, "🔎 %s analysis of %s\n", kind, target)
	for _, tool := range sortedKeys(res.ToolStatus) {
		fmt.Fprintf(out, "   %-12s %s\n", tool, res.ToolStatus[tool])
	}
	fmt.Fprintf(out, "   Total issues: %d in %d files\n", stats.Total, stats.FilesAffected)
	for _, sev := range []schema.Severity{schema.SeverityHigh, schema.SeverityMedium, schema.SeverityLow} {
		if n := stats.BySeverity[string(sev)]; n > 0 {
			fmt.Fprintf(out, "   %-6s %d\n", sev, n)
		}
	}

	snap := &schema.CachedResult{
		Target:     target.String(),
		Kind:       kind + "_security",
		Timestamp:  time.Now(),
		Issues:     res.Issues,
		ToolStatus: res.ToolStatus,
		ToolOutput: res.ToolOutput,
	}
	path := filepath.Join(a.results.Dir(target), snap.Kind+"_report.md")
	if err := report.WriteIssueReportFile(path, snap); err != nil {
		a.logger.Warn("failed to write issue report", zap.String("path", path), zap.Error(err))
		return nil
	}
	fmt.Fprintf(out, "📝 Report: %s\n", path)
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
