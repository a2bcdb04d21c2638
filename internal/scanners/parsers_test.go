package scanners

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
)

func assertNormalized(t *testing.T, issues []schema.Issue) {
	t.Helper()
	for _, is := range issues {
		assert.True(t, is.Severity.Valid(), "severity %q", is.Severity)
		assert.True(t, is.Confidence.Valid(), "confidence %q", is.Confidence)
	}
}

func TestParseBandit(t *testing.T) {
	out := []byte(`{"errors": [], "results": [
	 {"code": "5 app.run(debug=True)\n", "filename": "./app.py", "issue_confidence": "MEDIUM",
	  "issue_severity": "HIGH", "issue_text": "A Flask app appears to be run with debug=True",
	  "line_number": 5, "line_range": [5], "more_info": "https://bandit.readthedocs.io/b201", "test_id": "B201"},
	 {"code": "1 import subprocess\n", "filename": "./util.py", "issue_confidence": "HIGH",
	  "issue_severity": "UNDEFINED", "issue_text": "subprocess module", "line_number": 1,
	  "line_range": [1], "more_info": "https://bandit.readthedocs.io/b404", "test_id": "B404"}]}`)
	issues, err := ParseBandit(out)
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assertNormalized(t, issues)

	assert.Equal(t, schema.SeverityHigh, issues[0].Severity)
	assert.Equal(t, schema.ConfidenceMedium, issues[0].Confidence)
	assert.Equal(t, "B201", issues[0].IssueType)
	assert.Contains(t, issues[0].FixSuggestion, "debug=True")
	assert.Equal(t, schema.SeverityLow, issues[1].Severity)
	assert.Equal(t, "See https://bandit.readthedocs.io/b404", issues[1].FixSuggestion)

	_, err = ParseBandit([]byte("Traceback (most recent call last)"))
	assert.Error(t, err)
}

func TestParseSafetyBothLayouts(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "requirements.txt")
	require.NoError(t, os.WriteFile(manifest, []byte("# pinned\nflask==0.12\nJinja2==2.10\n"), 0o644))
	parse := NewSafetyParser(manifest)

	legacy := []byte(`[["flask", "<0.12.3", "0.12", "Flask before 0.12.3 allows DoS", "36388"]]`)
	issues, err := parse(legacy)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, 2, issues[0].LineNumber)
	assert.Equal(t, schema.SeverityHigh, issues[0].Severity)
	assert.Equal(t, "safety-36388", issues[0].IssueType)

	modern := []byte(`{"vulnerabilities": [
	  {"vulnerability_id": "38330", "package_name": "jinja2", "analyzed_version": "2.10",
	   "advisory": "Sandbox escape", "CVE": "CVE-2019-10906", "fixed_versions": ["2.10.1"],
	   "severity": {"source": "CVE-2019-10906", "cvssv3": {"base_severity": "MEDIUM"}}},
	  {"vulnerability_id": "1", "package_name": "flask", "analyzed_version": "0.12",
	   "advisory": "ignored", "ignored_reason": "accepted risk"}]}`)
	issues, err = parse(modern)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, 3, issues[0].LineNumber)
	assert.Equal(t, schema.SeverityMedium, issues[0].Severity)
	assert.Equal(t, "Upgrade jinja2 to 2.10.1", issues[0].FixSuggestion)
	assert.Contains(t, issues[0].IssueText, "CVE-2019-10906")
}

func TestParsePylint(t *testing.T) {
	out := []byte(`[
	 {"type": "error", "module": "app", "obj": "", "line": 3, "column": 0, "path": "app.py",
	  "symbol": "import-error", "message": "Unable to import 'flask'", "message-id": "E0401"},
	 {"type": "convention", "module": "app", "obj": "", "line": 1, "column": 0, "endLine": 4, "path": "app.py",
	  "symbol": "missing-module-docstring", "message": "Missing module docstring", "message-id": "C0114"},
	 {"type": "warning", "module": "app", "obj": "f", "line": 9, "column": 4, "path": "app.py",
	  "symbol": "broad-except", "message": "Catching too general exception", "message-id": "W0703"}]`)
	issues, err := ParsePylint(out)
	require.NoError(t, err)
	require.Len(t, issues, 3)
	assertNormalized(t, issues)
	assert.Equal(t, schema.SeverityHigh, issues[0].Severity)
	assert.Equal(t, schema.ConfidenceHigh, issues[0].Confidence)
	assert.Equal(t, []int{1, 4}, issues[1].LineRange)
	assert.Equal(t, schema.SeverityLow, issues[1].Severity)
	assert.Equal(t, schema.SeverityMedium, issues[2].Severity)

	json2 := []byte(`{"messages": [{"type": "fatal", "line": 1, "path": "x.py", "symbol": "syntax-error",
	  "message": "bad", "messageId": "E0001", "confidence": "UNDEFINED"}], "statistics": {}}`)
	issues, err = ParsePylint(json2)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "E0001", issues[0].IssueType)
	assert.Equal(t, schema.ConfidenceMedium, issues[0].Confidence)
}

func TestParseVulture(t *testing.T) {
	out := []byte("app.py:12: unused function 'helper' (60% confidence, 3 lines)\n" +
		"models.py:4: unused import 'os' (90% confidence)\n" +
		"models.py:8: unused variable 'x' (75% confidence)\n")
	issues, err := ParseVulture(out)
	require.NoError(t, err)
	require.Len(t, issues, 3)
	assertNormalized(t, issues)
	assert.Equal(t, []int{12, 14}, issues[0].LineRange)
	assert.Equal(t, schema.ConfidenceLow, issues[0].Confidence)
	assert.Equal(t, schema.ConfidenceHigh, issues[1].Confidence)
	assert.Equal(t, schema.ConfidenceMedium, issues[2].Confidence)

	_, err = ParseVulture([]byte("SyntaxError: invalid syntax"))
	assert.Error(t, err)
}

func TestParseESLint(t *testing.T) {
	out := []byte(`[{"filePath": "/work/src/main.js", "source": "const a = 1\neval(input)\n", "messages": [
	  {"ruleId": "no-eval", "severity": 2, "message": "eval can be harmful.", "line": 2, "column": 1},
	  {"ruleId": "semi", "severity": 1, "message": "Missing semicolon.", "line": 1, "column": 12, "fix": {"text": ";"}},
	  {"ruleId": "no-unused-vars", "severity": 2, "message": "'a' is assigned a value but never used.", "line": 1},
	  {"ruleId": null, "fatal": true, "severity": 2, "message": "Parsing error", "line": 3}]}]`)
	issues, err := ParseESLint(out)
	require.NoError(t, err)
	require.Len(t, issues, 4)
	assertNormalized(t, issues)
	assert.Equal(t, schema.SeverityHigh, issues[0].Severity)
	assert.Equal(t, "eval(input)", issues[0].Code)
	assert.Equal(t, schema.SeverityLow, issues[1].Severity)
	assert.NotEmpty(t, issues[1].FixSuggestion)
	assert.Equal(t, schema.SeverityMedium, issues[2].Severity)
	assert.Equal(t, "parse-error", issues[3].IssueType)
	assert.Equal(t, schema.SeverityHigh, issues[3].Severity)
}

func TestParseNpmAuditV2(t *testing.T) {
	out := []byte(`{"auditReportVersion": 2, "vulnerabilities": {
	  "lodash": {"name": "lodash", "severity": "high", "range": "<=4.17.20",
	    "via": [{"source": 1065, "title": "Prototype Pollution", "url": "https://github.com/advisories/GHSA-1", "severity": "high"}],
	    "fixAvailable": true},
	  "axios": {"name": "axios", "severity": "moderate", "range": "<0.21.1",
	    "via": ["follow-redirects"], "fixAvailable": {"name": "axios", "version": "1.6.0", "isSemVerMajor": true}}}}`)
	issues, err := ParseNpmAudit(out)
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assertNormalized(t, issues)
	assert.Equal(t, "npm-audit-axios", issues[0].IssueType)
	assert.Equal(t, schema.SeverityMedium, issues[0].Severity)
	assert.Contains(t, issues[0].FixSuggestion, "breaking change")
	assert.Contains(t, issues[0].IssueText, "via follow-redirects")
	assert.Equal(t, schema.SeverityHigh, issues[1].Severity)
	assert.Contains(t, issues[1].FixSuggestion, "npm audit fix")
}

func TestParseNpmAuditV1AndError(t *testing.T) {
	v1 := []byte(`{"advisories": {"118": {"module_name": "minimist", "severity": "low",
	  "title": "Prototype Pollution", "url": "https://npmjs.com/advisories/118",
	  "recommendation": "Upgrade to version 1.2.3 or later", "vulnerable_versions": "<1.2.3"}}}`)
	issues, err := ParseNpmAudit(v1)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, schema.SeverityLow, issues[0].Severity)

	_, err = ParseNpmAudit([]byte(`{"error": {"code": "ENOLOCK", "summary": "This command requires an existing lockfile."}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENOLOCK")
}

func TestParseJSHint(t *testing.T) {
	out := []byte("src/app.js: line 3, col 10, Missing semicolon. (W033)\n" +
		"src/app.js: line 7, col 1, Unmatched '{'. (E019)\n" +
		"\n2 errors\n")
	issues, err := ParseJSHint(out)
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assertNormalized(t, issues)
	assert.Equal(t, "W033", issues[0].IssueType)
	assert.Equal(t, "Missing semicolon", issues[0].IssueText)
	assert.Equal(t, schema.SeverityMedium, issues[1].Severity)
}

func TestParseSnyk(t *testing.T) {
	out := []byte(`{"ok": false, "vulnerabilities": [
	  {"id": "SNYK-JS-LODASH-567746", "title": "Prototype Pollution", "severity": "high",
	   "packageName": "lodash", "version": "4.17.15", "from": ["app@1.0.0", "lodash@4.17.15"],
	   "fixedIn": ["4.17.16"], "identifiers": {"CVE": ["CVE-2020-8203"]}},
	  {"id": "SNYK-JS-LODASH-567746", "title": "Prototype Pollution", "severity": "high",
	   "packageName": "lodash", "version": "4.17.15", "from": ["app@1.0.0", "other@1.0.0", "lodash@4.17.15"]},
	  {"id": "SNYK-JS-X-1", "title": "ReDoS", "severity": "critical", "packageName": "x", "version": "1.0.0"}]}`)
	issues, err := ParseSnyk(out)
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assertNormalized(t, issues)
	assert.Equal(t, "app@1.0.0 > lodash@4.17.15", issues[0].Code)
	assert.Equal(t, schema.SeverityHigh, issues[1].Severity)

	_, err = ParseSnyk([]byte(`{"ok": false, "error": "Authentication failed"}`))
	assert.Error(t, err)
}
