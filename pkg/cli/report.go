package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	reportpkg "github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/report"
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "report",
		Short:   "Render Markdown/HTML/PDF reports from a results file",
		Example: "yoro report --from ./results/gpt4/app3/zap_scan.json --format md,html,pdf",
		RunE:    runReport,
	}

	cmd.Flags().String("from", "", "Results JSON file (static analysis or dynamic scan)")
	cmd.Flags().String("format", "md,html", "Output formats: md,html,pdf")

	_ = viper.BindPFlag("report.from", cmd.Flags().Lookup("from"))
	_ = viper.BindPFlag("report.format", cmd.Flags().Lookup("format"))
	return cmd
}

func runReport(cmd *cobra.Command, _ []string) error {
	from := viper.GetString("report.from")
	if from == "" {
		return errors.New("please provide --from pointing to a results JSON file")
	}

	formats := strings.Split(viper.GetString("report.format"), ",")
	for i := range formats {
		formats[i] = strings.TrimSpace(strings.ToLower(formats[i]))
	}

	doc, err := reportpkg.LoadDocument(from)
	if err != nil {
		return err
	}
	outDir := filepath.Dir(from)
	out := cmd.OutOrStdout()

	if contains(formats, "md") || contains(formats, "markdown") {
		mdPath, err := reportpkg.GenerateMarkdown(doc, outDir)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "📝 Markdown report: %s\n", mdPath)
	}

	// PDF is printed from the HTML page
	if !contains(formats, "html") && !contains(formats, "pdf") {
		return nil
	}
	htmlPath, err := reportpkg.GenerateHTML(doc, outDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "🌐 HTML report: %s\n", htmlPath)

	if contains(formats, "pdf") {
		pdfPath, err := reportpkg.GeneratePDF(cmd.Context(), htmlPath)
		if err != nil {
			fmt.Fprintf(out, "⚠️  PDF generation failed: %v\n", err)
		} else {
			fmt.Fprintf(out, "📄 PDF report:  %s\n", pdfPath)
		}
	}
	return nil
}

func contains(arr []string, v string) bool {
	for _, x := range arr {
		if x == v {
			return true
		}
	}
	return false
}
