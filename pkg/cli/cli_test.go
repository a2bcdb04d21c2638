package cli

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/pkg/utils"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "yoro "+Version+"\n", out)
}

func TestReportCommandRendersDynamicResult(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "zap_scan.json")
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, utils.WriteJSON(from, &schema.DynamicResult{
		Target:  "gpt4/app3",
		ScanID:  "zap_gpt4_app3_1",
		BaseURL: "http://localhost:5003",
		Status:  schema.StatusComplete,
		Vulnerabilities: []schema.Vulnerability{{
			Name:     "Cross Site Scripting (Reflected)",
			Risk:     schema.RiskHigh,
			Severity: schema.SeverityHigh,
			URL:      "http://localhost:5003/search?q=x",
			Tool:     "zap",
		}},
		Summary:    schema.RiskCounts{High: 1},
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
	}))

	out, err := execute(t, "report", "--from", from, "--format", "md,html")
	require.NoError(t, err)
	assert.Contains(t, out, "Markdown report")
	assert.Contains(t, out, "HTML report")
	assert.FileExists(t, filepath.Join(dir, "report.md"))
	assert.FileExists(t, filepath.Join(dir, "report.html"))
	assert.NoFileExists(t, filepath.Join(dir, "report.pdf"))
}

func TestReportCommandRequiresFrom(t *testing.T) {
	_, err := execute(t, "report", "--from", "")
	assert.ErrorContains(t, err, "--from")
}

func TestParseTarget(t *testing.T) {
	for _, app := range []string{"3", "app3"} {
		got, err := parseTarget("gpt4", app)
		require.NoError(t, err, app)
		assert.Equal(t, schema.TargetRef{Model: "gpt4", App: 3}, got)
	}
	_, err := parseTarget("gpt4", "zero")
	assert.Error(t, err)
}

func TestContains(t *testing.T) {
	assert.True(t, contains([]string{"md", "pdf"}, "pdf"))
	assert.False(t, contains([]string{"md"}, "html"))
}
