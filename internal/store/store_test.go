package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
)

var target = schema.TargetRef{Model: "anthropic_claude", App: 3}

func TestSaveLoadAnalysis(t *testing.T) {
	s := New(t.TempDir())
	want := &schema.CachedResult{
		Target:    target.String(),
		Kind:      "backend_security",
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Issues: []schema.Issue{{Filename: "app.py", LineNumber: 4, LineRange: []int{4},
			Severity: schema.SeverityHigh, Confidence: schema.ConfidenceHigh, Tool: "bandit", Code: "N/A"}},
		ToolStatus: map[string]string{"bandit": "Found 1 issues"},
		ToolOutput: map[string]string{"bandit": "{}"},
	}
	require.NoError(t, s.SaveAnalysis(target, "backend_security", want))
	assert.FileExists(t, filepath.Join(s.Root(), "anthropic_claude", "app3", "backend_security.json"))

	got, err := s.LoadAnalysis(target, "backend_security")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadAnalysisMissing(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.LoadAnalysis(target, "frontend_security")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLoadAnalysisLegacyArray(t *testing.T) {
	s := New(t.TempDir())
	dir := s.Dir(target)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	legacy := `[{"filename": "x.js", "line_number": 2, "line_range": [2], "issue_text": "eval",
	  "severity": "HIGH", "confidence": "HIGH", "issue_type": "no-eval", "code": "eval(a)", "tool": "eslint"}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".frontend_security_results.json"), []byte(legacy), 0o644))

	got, err := s.LoadAnalysis(target, "frontend_security")
	require.NoError(t, err)
	require.Len(t, got.Issues, 1)
	assert.Equal(t, "no-eval", got.Issues[0].IssueType)
	assert.Equal(t, target.String(), got.Target)
	assert.Equal(t, "frontend_security", got.Kind)
	assert.NotNil(t, got.ToolStatus)
	assert.False(t, got.Timestamp.IsZero())
}

func TestLoadAnalysisNormalizesAndSorts(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, os.MkdirAll(s.Dir(target), 0o755))
	legacy := `[{"filename": "z.py", "severity": "low", "confidence": "tentative"},
	  {"filename": "a.py", "severity": "critical", "confidence": "HIGH"}]`
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(target), ".backend_security_results.json"), []byte(legacy), 0o644))

	got, err := s.LoadAnalysis(target, "backend_security")
	require.NoError(t, err)
	require.Len(t, got.Issues, 2)
	assert.Equal(t, "a.py", got.Issues[0].Filename)
	assert.Equal(t, schema.SeverityHigh, got.Issues[0].Severity)
	assert.Equal(t, schema.SeverityLow, got.Issues[1].Severity)
	assert.Equal(t, schema.ConfidenceLow, got.Issues[1].Confidence)
}

func TestCanonicalPathWinsOverLegacy(t *testing.T) {
	s := New(t.TempDir())
	dir := s.Dir(target)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".backend_security_results.json"), []byte(`[]`), 0o644))
	require.NoError(t, s.SaveAnalysis(target, "backend_security", &schema.CachedResult{
		Issues: []schema.Issue{{Filename: "new.py"}},
	}))

	got, err := s.LoadAnalysis(target, "backend_security")
	require.NoError(t, err)
	require.Len(t, got.Issues, 1)
	assert.Equal(t, "new.py", got.Issues[0].Filename)
}

func TestLoadAnalysisCorrupt(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, os.MkdirAll(s.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(s.Path(target, "backend_security"), []byte("{not json"), 0o644))

	_, err := s.LoadAnalysis(target, "backend_security")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestDynamicResultRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.LatestResult(target)
	assert.ErrorIs(t, err, ErrNotFound)

	res := &schema.DynamicResult{
		Target:  target.String(),
		ScanID:  "scan-1",
		BaseURL: "http://localhost:5003",
		Status:  schema.StatusComplete,
		Vulnerabilities: []schema.Vulnerability{{
			URL: "http://localhost:5003/", Name: "X-Frame-Options Header Not Set",
			Risk: schema.RiskMedium, Severity: schema.SeverityMedium,
		}},
		Summary: schema.RiskCounts{Medium: 1},
	}
	require.NoError(t, s.SaveDynamic(target, res))

	got, err := s.LatestResult(target)
	require.NoError(t, err)
	assert.Equal(t, "scan-1", got.ScanID)
	assert.Equal(t, 1, got.Summary.Medium)
	assert.Nil(t, got.Vulnerabilities[0].AffectedCode)
}
