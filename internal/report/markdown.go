package report

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/pkg/utils"
)

var fenceLang = map[string]string{
	".py": "python", ".js": "javascript", ".mjs": "javascript", ".cjs": "javascript",
	".jsx": "jsx", ".ts": "typescript", ".tsx": "tsx", ".vue": "vue", ".svelte": "svelte",
	".html": "html", ".htm": "html", ".css": "css", ".json": "json", ".xml": "xml",
	".yml": "yaml", ".yaml": "yaml", ".sql": "sql", ".sh": "bash",
}

var riskTitle = map[schema.Risk]string{
	schema.RiskHigh:   "High",
	schema.RiskMedium: "Medium",
	schema.RiskLow:    "Low",
	schema.RiskInfo:   "Informational",
}

// WriteCodeReport renders the dynamic findings of res grouped by risk, with
// the located source excerpt of each finding.
func WriteCodeReport(w io.Writer, res *schema.DynamicResult) error {
	var b bytes.Buffer

	fmt.Fprintf(&b, "# Dynamic Scan Code Report: %s\n\n", res.Target)
	fmt.Fprintf(&b, "- **Base URL:** %s\n", res.BaseURL)
	fmt.Fprintf(&b, "- **Scan ID:** `%s`\n", res.ScanID)
	fmt.Fprintf(&b, "- **Status:** %s\n", res.Status)
	if !res.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "- **Finished:** %s\n", res.FinishedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "- **Duration:** %.1fs\n\n", res.DurationSeconds)

	b.WriteString("## Summary\n\n| Risk | Alerts |\n|---|---|\n")
	fmt.Fprintf(&b, "| High | %d |\n| Medium | %d |\n| Low | %d |\n| Informational | %d |\n| **Total** | **%d** |\n\n",
		res.Summary.High, res.Summary.Medium, res.Summary.Low, res.Summary.Info, res.Summary.Total())

	if len(res.Vulnerabilities) == 0 {
		b.WriteString("No vulnerabilities were reported.\n")
		_, err := w.Write(b.Bytes())
		return err
	}

	groups := make(map[schema.Risk][]schema.Vulnerability)
	for _, v := range res.Vulnerabilities {
		groups[v.Risk] = append(groups[v.Risk], v)
	}
	for _, risk := range schema.RiskOrder {
		vulns := groups[risk]
		if len(vulns) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s Risk (%d)\n\n", riskTitle[risk], len(vulns))
		for i, v := range vulns {
			writeVulnerability(&b, i+1, v)
		}
	}

	_, err := w.Write(b.Bytes())
	return err
}

// WriteCodeReportFile writes the code report of res to path atomically
func WriteCodeReportFile(path string, res *schema.DynamicResult) error {
	var buf bytes.Buffer
	if err := WriteCodeReport(&buf, res); err != nil {
		return err
	}
	return utils.WriteFile(path, buf.Bytes())
}

func writeVulnerability(b *bytes.Buffer, n int, v schema.Vulnerability) {
	fmt.Fprintf(b, "### %d. %s\n\n", n, v.Name)
	fmt.Fprintf(b, "- **URL:** `%s`\n", v.URL)
	if v.Method != "" {
		fmt.Fprintf(b, "- **Method:** %s\n", v.Method)
	}
	fmt.Fprintf(b, "- **Parameter:** %s\n", inlineOr(v.Parameter, "-"))
	if v.Attack != "" {
		fmt.Fprintf(b, "- **Attack:** `%s`\n", v.Attack)
	}
	fmt.Fprintf(b, "- **Confidence:** %s\n", v.Confidence)
	if v.CWEID != "" && v.CWEID != "0" && v.CWEID != "-1" {
		fmt.Fprintf(b, "- **CWE:** %s\n", v.CWEID)
	}
	if v.WASCID != "" && v.WASCID != "0" && v.WASCID != "-1" {
		fmt.Fprintf(b, "- **WASC:** %s\n", v.WASCID)
	}
	b.WriteString("\n")

	if d := strings.TrimSpace(v.Description); d != "" {
		fmt.Fprintf(b, "**Description**\n\n%s\n\n", d)
	}
	if s := strings.TrimSpace(v.Solution); s != "" {
		fmt.Fprintf(b, "**Solution**\n\n%s\n\n", s)
	}

	cc := v.AffectedCode
	switch {
	case cc.Located():
		snippet := NumberedSnippet(cc)
		fence := Fence(snippet)
		fmt.Fprintf(b, "**Affected code:** `%s` line %d\n\n", cc.FilePath, cc.LineNumber)
		fmt.Fprintf(b, "%s%s\n", fence, fenceLang[strings.ToLower(path.Ext(cc.FilePath))])
		b.WriteString(snippet)
		fmt.Fprintf(b, "%s\n\n", fence)
	case cc != nil:
		evidence := strings.TrimRight(cc.Snippet, "\n")
		fence := Fence(evidence)
		fmt.Fprintf(b, "**Evidence** (not located in source)\n\n%s\n%s\n%s\n\n", fence, evidence, fence)
	}
}

// Fence returns a backtick fence longer than any backtick run in content,
// and at least three backticks long.
func Fence(content string) string {
	longest, run := 0, 0
	for _, r := range content {
		if r == '`' {
			run++
			longest = max(longest, run)
			continue
		}
		run = 0
	}
	return strings.Repeat("`", max(3, longest+1))
}

// NumberedSnippet prefixes every snippet line with its line number and marks
// vulnerable lines with ">>".
func NumberedSnippet(cc *schema.CodeContext) string {
	vulnerable := make(map[int]bool, len(cc.VulnerableLines))
	for _, n := range cc.VulnerableLines {
		vulnerable[n] = true
	}
	width := len(strconv.Itoa(cc.EndLine))

	var b strings.Builder
	for i, line := range strings.Split(cc.Snippet, "\n") {
		n := cc.StartLine + i
		marker := "  "
		if vulnerable[n] {
			marker = ">>"
		}
		fmt.Fprintf(&b, "%s %*d | %s\n", marker, width, n, line)
	}
	return b.String()
}

func inlineOr(s, fb string) string {
	if strings.TrimSpace(s) == "" {
		return fb
	}
	return "`" + s + "`"
}

// WriteIssueReport renders a static analysis result grouped by severity
func WriteIssueReport(w io.Writer, res *schema.CachedResult) error {
	var b bytes.Buffer
	files := make(map[string]struct{})
	for _, is := range res.Issues {
		files[is.Filename] = struct{}{}
	}

	fmt.Fprintf(&b, "# Static Analysis Report: %s (%s)\n\n", res.Target, res.Kind)
	if !res.Timestamp.IsZero() {
		fmt.Fprintf(&b, "- **Generated:** %s\n", res.Timestamp.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "- **Issues:** %d in %d files\n\n", len(res.Issues), len(files))

	if len(res.ToolStatus) > 0 {
		b.WriteString("## Tools\n\n| Tool | Status |\n|---|---|\n")
		tools := make([]string, 0, len(res.ToolStatus))
		for t := range res.ToolStatus {
			tools = append(tools, t)
		}
		sort.Strings(tools)
		for _, t := range tools {
			fmt.Fprintf(&b, "| %s | %s |\n", t, res.ToolStatus[t])
		}
		b.WriteString("\n")
	}

	groups := make(map[schema.Severity][]schema.Issue)
	for _, is := range res.Issues {
		groups[is.Severity] = append(groups[is.Severity], is)
	}
	for _, sev := range []schema.Severity{schema.SeverityHigh, schema.SeverityMedium, schema.SeverityLow} {
		issues := groups[sev]
		if len(issues) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s (%d)\n\n", sev, len(issues))
		for _, is := range issues {
			fmt.Fprintf(&b, "- **%s:%d** [%s/%s] %s (confidence %s)\n",
				is.Filename, is.LineNumber, is.Tool, is.IssueType, strings.TrimSpace(is.IssueText), is.Confidence)
			if code := strings.TrimSpace(is.Code); code != "" && code != "N/A" {
				fence := Fence(code)
				fmt.Fprintf(&b, "\n  %s%s\n", fence, fenceLang[strings.ToLower(path.Ext(is.Filename))])
				for _, line := range strings.Split(code, "\n") {
					fmt.Fprintf(&b, "  %s\n", line)
				}
				fmt.Fprintf(&b, "  %s\n\n", fence)
			}
			if is.FixSuggestion != "" {
				fmt.Fprintf(&b, "  Fix: %s\n", is.FixSuggestion)
			}
		}
		b.WriteString("\n")
	}
	if len(res.Issues) == 0 {
		b.WriteString("No issues found.\n")
	}

	_, err := w.Write(b.Bytes())
	return err
}

// WriteIssueReportFile writes the issue report of res to path atomically
func WriteIssueReportFile(path string, res *schema.CachedResult) error {
	var buf bytes.Buffer
	if err := WriteIssueReport(&buf, res); err != nil {
		return err
	}
	return utils.WriteFile(path, buf.Bytes())
}
