package scanners

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
)

type eslintFile struct {
	FilePath string `json:"filePath"`
	Source   string `json:"source"`
	Messages []struct {
		RuleID   *string `json:"ruleId"`
		Severity int     `json:"severity"`
		Message  string  `json:"message"`
		Line     int     `json:"line"`
		EndLine  int     `json:"endLine"`
		Fatal    bool    `json:"fatal"`
		Fix      *struct {
			Text string `json:"text"`
		} `json:"fix"`
	} `json:"messages"`
}

// rules whose violations are security relevant on their own
var eslintSecurityRules = map[string]bool{
	"no-eval":         true,
	"no-implied-eval": true,
	"no-new-func":     true,
	"no-script-url":   true,
}

// ParseESLint parses `eslint --format json` output.
func ParseESLint(out []byte) ([]schema.Issue, error) {
	var files []eslintFile
	if err := json.Unmarshal(out, &files); err != nil {
		return nil, fmt.Errorf("decode eslint json: %w", err)
	}
	var issues []schema.Issue
	for _, f := range files {
		var src []string
		if f.Source != "" {
			src = strings.Split(f.Source, "\n")
		}
		for _, m := range f.Messages {
			rule := "parse-error"
			if m.RuleID != nil {
				rule = *m.RuleID
			}
			sev := schema.SeverityLow
			switch {
			case m.Fatal:
				sev = schema.SeverityHigh
			case m.Severity >= 2 && (strings.HasPrefix(rule, "security/") || eslintSecurityRules[rule]):
				sev = schema.SeverityHigh
			case m.Severity >= 2:
				sev = schema.SeverityMedium
			}
			lr := []int{m.Line}
			if m.EndLine > m.Line {
				lr = []int{m.Line, m.EndLine}
			}
			code := ""
			if m.Line > 0 && m.Line <= len(src) {
				code = strings.TrimRight(src[m.Line-1], "\r")
			}
			var fix string
			if m.Fix != nil {
				fix = "Autofix available: run eslint --fix"
			}
			issues = append(issues, schema.Issue{
				Filename:      f.FilePath,
				LineNumber:    m.Line,
				LineRange:     lr,
				IssueText:     m.Message,
				Severity:      sev,
				Confidence:    schema.ConfidenceHigh,
				IssueType:     rule,
				Code:          code,
				Tool:          "eslint",
				FixSuggestion: fix,
			})
		}
	}
	return issues, nil
}

// npm audit severities: critical, high, moderate, low, info
var npmSeverity = map[string]schema.Severity{
	"critical": schema.SeverityHigh,
	"high":     schema.SeverityHigh,
	"moderate": schema.SeverityMedium,
	"low":      schema.SeverityLow,
	"info":     schema.SeverityLow,
}

type npmAuditReport struct {
	Error *struct {
		Code    string `json:"code"`
		Summary string `json:"summary"`
	} `json:"error"`
	// auditReportVersion 2 (npm 7+)
	Vulnerabilities map[string]struct {
		Name         string            `json:"name"`
		Severity     string            `json:"severity"`
		Range        string            `json:"range"`
		Via          []json.RawMessage `json:"via"`
		FixAvailable json.RawMessage   `json:"fixAvailable"`
	} `json:"vulnerabilities"`
	// auditReportVersion 1 (npm 6)
	Advisories map[string]struct {
		ModuleName         string `json:"module_name"`
		Severity           string `json:"severity"`
		Title              string `json:"title"`
		URL                string `json:"url"`
		Recommendation     string `json:"recommendation"`
		VulnerableVersions string `json:"vulnerable_versions"`
		CWE                any    `json:"cwe"`
	} `json:"advisories"`
}

type npmVia struct {
	Source any    `json:"source"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Range  string `json:"range"`
}

// ParseNpmAudit parses `npm audit --json` in both report versions.
func ParseNpmAudit(out []byte) ([]schema.Issue, error) {
	var rep npmAuditReport
	if err := json.Unmarshal(out, &rep); err != nil {
		return nil, fmt.Errorf("decode npm audit json: %w", err)
	}
	if rep.Error != nil {
		return nil, fmt.Errorf("npm audit %s: %s", rep.Error.Code, rep.Error.Summary)
	}

	var issues []schema.Issue
	for _, key := range sortedKeys(rep.Vulnerabilities) {
		v := rep.Vulnerabilities[key]
		var titles []string
		var link string
		for _, raw := range v.Via {
			var via npmVia
			if json.Unmarshal(raw, &via) != nil {
				// string entries name another vulnerable package
				var dep string
				if json.Unmarshal(raw, &dep) == nil && dep != "" {
					titles = append(titles, "via "+dep)
				}
				continue
			}
			if via.Title != "" {
				titles = append(titles, via.Title)
			}
			if link == "" {
				link = via.URL
			}
		}
		text := fmt.Sprintf("%s %s: %s", v.Name, v.Range, strings.Join(titles, "; "))
		issues = append(issues, schema.Issue{
			Filename:      "package.json",
			IssueText:     strings.TrimSuffix(text, ": "),
			Severity:      npmSeverityOf(v.Severity),
			Confidence:    schema.ConfidenceHigh,
			IssueType:     "npm-audit-" + v.Name,
			Code:          v.Name + "@" + v.Range,
			Tool:          "npm-audit",
			FixSuggestion: npmFixText(v.Name, v.FixAvailable, link),
		})
	}
	for _, key := range sortedKeys(rep.Advisories) {
		a := rep.Advisories[key]
		issues = append(issues, schema.Issue{
			Filename:      "package.json",
			IssueText:     fmt.Sprintf("%s %s: %s", a.ModuleName, a.VulnerableVersions, a.Title),
			Severity:      npmSeverityOf(a.Severity),
			Confidence:    schema.ConfidenceHigh,
			IssueType:     "npm-audit-" + key,
			Code:          a.ModuleName + "@" + a.VulnerableVersions,
			Tool:          "npm-audit",
			FixSuggestion: strings.TrimSpace(a.Recommendation + " " + a.URL),
		})
	}
	return issues, nil
}

func npmSeverityOf(s string) schema.Severity {
	if sev, ok := npmSeverity[strings.ToLower(s)]; ok {
		return sev
	}
	return schema.SeverityLow
}

func npmFixText(name string, raw json.RawMessage, link string) string {
	var fix string
	var flag bool
	var target struct {
		Name          string `json:"name"`
		Version       string `json:"version"`
		IsSemVerMajor bool   `json:"isSemVerMajor"`
	}
	switch {
	case json.Unmarshal(raw, &flag) == nil && flag:
		fix = "Run npm audit fix"
	case json.Unmarshal(raw, &target) == nil && target.Name != "":
		fix = fmt.Sprintf("Upgrade %s to %s", target.Name, target.Version)
		if target.IsSemVerMajor {
			fix += " (breaking change)"
		}
	default:
		fix = "No fix available for " + name + "; consider replacing the dependency"
	}
	if link != "" {
		fix += " - " + link
	}
	return fix
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var jshintLine = regexp.MustCompile(`^(.+?): line (\d+), col (\d+), (.+?)(?: \(([EWI])(\d{3})\))?$`)

// ParseJSHint parses the default jshint reporter run with --verbose.
func ParseJSHint(out []byte) ([]schema.Issue, error) {
	var issues []schema.Issue
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		m := jshintLine.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		line, _ := strconv.Atoi(m[2])
		sev := schema.SeverityLow
		if m[5] == "E" {
			sev = schema.SeverityMedium
		}
		issueType := "jshint"
		if m[5] != "" {
			issueType = m[5] + m[6]
		}
		issues = append(issues, schema.Issue{
			Filename:   m[1],
			LineNumber: line,
			LineRange:  []int{line},
			IssueText:  strings.TrimSuffix(m[4], "."),
			Severity:   sev,
			Confidence: schema.ConfidenceMedium,
			IssueType:  issueType,
			Tool:       "jshint",
		})
	}
	return issues, sc.Err()
}

type snykReport struct {
	OK              bool   `json:"ok"`
	Error           string `json:"error"`
	Vulnerabilities []struct {
		ID          string   `json:"id"`
		Title       string   `json:"title"`
		Severity    string   `json:"severity"`
		PackageName string   `json:"packageName"`
		Version     string   `json:"version"`
		From        []string `json:"from"`
		FixedIn     []string `json:"fixedIn"`
		Identifiers struct {
			CWE []string `json:"CWE"`
			CVE []string `json:"CVE"`
		} `json:"identifiers"`
	} `json:"vulnerabilities"`
}

// ParseSnyk parses `snyk test --json` output, collapsing duplicate paths to one issue per advisory.
func ParseSnyk(out []byte) ([]schema.Issue, error) {
	var rep snykReport
	if err := json.Unmarshal(out, &rep); err != nil {
		return nil, fmt.Errorf("decode snyk json: %w", err)
	}
	if rep.Error != "" {
		return nil, fmt.Errorf("snyk: %s", rep.Error)
	}
	seen := map[string]bool{}
	var issues []schema.Issue
	for _, v := range rep.Vulnerabilities {
		key := v.ID + "|" + v.PackageName + "|" + v.Version
		if seen[key] {
			continue
		}
		seen[key] = true
		text := fmt.Sprintf("%s in %s@%s", v.Title, v.PackageName, v.Version)
		if len(v.Identifiers.CVE) > 0 {
			text += " (" + strings.Join(v.Identifiers.CVE, ", ") + ")"
		}
		fix := "No upgrade path available"
		if len(v.FixedIn) > 0 {
			fix = fmt.Sprintf("Upgrade %s to %s", v.PackageName, strings.Join(v.FixedIn, " or "))
		}
		issues = append(issues, schema.Issue{
			Filename:      "package.json",
			IssueText:     text,
			Severity:      schema.NormalizeSeverity(v.Severity, schema.SeverityMedium),
			Confidence:    schema.ConfidenceHigh,
			IssueType:     v.ID,
			Code:          strings.Join(v.From, " > "),
			Tool:          "snyk",
			FixSuggestion: fix,
		})
	}
	return issues, nil
}
