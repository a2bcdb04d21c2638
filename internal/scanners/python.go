package scanners

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
)

type banditReport struct {
	Results []struct {
		Code            string `json:"code"`
		Filename        string `json:"filename"`
		IssueConfidence string `json:"issue_confidence"`
		IssueSeverity   string `json:"issue_severity"`
		IssueText       string `json:"issue_text"`
		LineNumber      int    `json:"line_number"`
		LineRange       []int  `json:"line_range"`
		MoreInfo        string `json:"more_info"`
		TestID          string `json:"test_id"`
		TestName        string `json:"test_name"`
	} `json:"results"`
}

var banditFixes = map[string]string{
	"B105": "Load secrets from environment variables or a secret store instead of hardcoding them.",
	"B106": "Load secrets from environment variables or a secret store instead of hardcoding them.",
	"B201": "Never run Flask with debug=True outside local development.",
	"B303": "Use a modern hash such as SHA-256, or a password KDF for credentials.",
	"B311": "Use the secrets module for security-sensitive randomness.",
	"B506": "Use yaml.safe_load instead of yaml.load.",
	"B602": "Avoid shell=True; pass the command as an argument list.",
	"B608": "Use parameterized queries instead of string-built SQL.",
}

// ParseBandit parses `bandit -f json` output.
func ParseBandit(out []byte) ([]schema.Issue, error) {
	var rep banditReport
	if err := json.Unmarshal(out, &rep); err != nil {
		return nil, fmt.Errorf("decode bandit json: %w", err)
	}
	issues := make([]schema.Issue, 0, len(rep.Results))
	for _, r := range rep.Results {
		fix := banditFixes[r.TestID]
		if fix == "" && r.MoreInfo != "" {
			fix = "See " + r.MoreInfo
		}
		issues = append(issues, schema.Issue{
			Filename:      r.Filename,
			LineNumber:    r.LineNumber,
			LineRange:     r.LineRange,
			IssueText:     r.IssueText,
			Severity:      schema.NormalizeSeverity(r.IssueSeverity, schema.SeverityLow),
			Confidence:    schema.NormalizeConfidence(r.IssueConfidence, schema.ConfidenceLow),
			IssueType:     r.TestID,
			Code:          r.Code,
			Tool:          "bandit",
			FixSuggestion: fix,
		})
	}
	return issues, nil
}

type safetyVuln struct {
	VulnerabilityID string          `json:"vulnerability_id"`
	PackageName     string          `json:"package_name"`
	AnalyzedVersion string          `json:"analyzed_version"`
	Advisory        string          `json:"advisory"`
	CVE             string          `json:"CVE"`
	FixedVersions   []string        `json:"fixed_versions"`
	MoreInfoURL     string          `json:"more_info_url"`
	Severity        *safetySeverity `json:"severity"`
	IgnoredReason   *string         `json:"ignored_reason"`
}

type safetySeverity struct {
	Source string `json:"source"`
	CVSSv3 *struct {
		BaseSeverity string `json:"base_severity"`
	} `json:"cvssv3"`
	CVSSv2 *struct {
		BaseSeverity string `json:"base_severity"`
	} `json:"cvssv2"`
}

func (s *safetySeverity) level() string {
	switch {
	case s == nil:
		return ""
	case s.CVSSv3 != nil && s.CVSSv3.BaseSeverity != "":
		return s.CVSSv3.BaseSeverity
	case s.CVSSv2 != nil:
		return s.CVSSv2.BaseSeverity
	}
	return ""
}

// NewSafetyParser parses `safety check --json` output. Both the legacy
// list-of-lists layout and the 2.x report object are accepted. The
// manifest is read to attribute findings to requirement lines.
func NewSafetyParser(manifest string) Parser {
	return func(out []byte) ([]schema.Issue, error) {
		lines := requirementLines(manifest)
		trimmed := bytes.TrimSpace(out)
		var vulns []safetyVuln

		if len(trimmed) > 0 && trimmed[0] == '[' {
			var legacy [][]string
			if err := json.Unmarshal(trimmed, &legacy); err != nil {
				return nil, fmt.Errorf("decode safety json: %w", err)
			}
			for _, row := range legacy {
				if len(row) < 5 {
					continue
				}
				vulns = append(vulns, safetyVuln{
					PackageName:     row[0],
					AnalyzedVersion: row[2],
					Advisory:        row[3],
					VulnerabilityID: row[4],
				})
			}
		} else {
			var rep struct {
				Vulnerabilities []safetyVuln `json:"vulnerabilities"`
			}
			if err := json.Unmarshal(trimmed, &rep); err != nil {
				return nil, fmt.Errorf("decode safety json: %w", err)
			}
			vulns = rep.Vulnerabilities
		}

		issues := make([]schema.Issue, 0, len(vulns))
		for _, v := range vulns {
			if v.IgnoredReason != nil {
				continue
			}
			text := fmt.Sprintf("%s %s: %s", v.PackageName, v.AnalyzedVersion, strings.TrimSpace(v.Advisory))
			if v.CVE != "" {
				text = v.CVE + " " + text
			}
			fix := "Upgrade " + v.PackageName + " to a patched release"
			if v.MoreInfoURL != "" {
				fix += " (" + v.MoreInfoURL + ")"
			}
			if len(v.FixedVersions) > 0 {
				fix = fmt.Sprintf("Upgrade %s to %s", v.PackageName, strings.Join(v.FixedVersions, " or "))
			}
			line := lines[strings.ToLower(v.PackageName)]
			issues = append(issues, schema.Issue{
				Filename:      "requirements.txt",
				LineNumber:    line,
				IssueText:     text,
				Severity:      schema.NormalizeSeverity(v.Severity.level(), schema.SeverityHigh),
				Confidence:    schema.ConfidenceHigh,
				IssueType:     "safety-" + v.VulnerabilityID,
				Code:          fmt.Sprintf("%s==%s", v.PackageName, v.AnalyzedVersion),
				Tool:          "safety",
				FixSuggestion: fix,
			})
		}
		return issues, nil
	}
}

var reqName = regexp.MustCompile(`^\s*([A-Za-z0-9][A-Za-z0-9._-]*)`)

// requirementLines maps lower-cased package names to their 1-based line in a requirements file.
func requirementLines(path string) map[string]int {
	out := map[string]int{}
	if path == "" {
		return out
	}
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		n++
		if m := reqName.FindStringSubmatch(sc.Text()); m != nil {
			name := strings.ToLower(m[1])
			if _, seen := out[name]; !seen {
				out[name] = n
			}
		}
	}
	return out
}

type pylintMessage struct {
	Type       string `json:"type"`
	Module     string `json:"module"`
	Obj        string `json:"obj"`
	Line       int    `json:"line"`
	EndLine    *int   `json:"endLine"`
	Path       string `json:"path"`
	AbsPath    string `json:"absolutePath"`
	Symbol     string `json:"symbol"`
	Message    string `json:"message"`
	MessageID  string `json:"message-id"`
	MessageID2 string `json:"messageId"`
	Confidence string `json:"confidence"`
}

// pylint message types, in the tool's documented order of gravity
var pylintSeverity = map[string]schema.Severity{
	"fatal":      schema.SeverityHigh,
	"error":      schema.SeverityHigh,
	"warning":    schema.SeverityMedium,
	"refactor":   schema.SeverityLow,
	"convention": schema.SeverityLow,
	"info":       schema.SeverityLow,
}

var pylintConfidence = map[string]schema.Confidence{
	"HIGH":              schema.ConfidenceHigh,
	"CONTROL_FLOW":      schema.ConfidenceHigh,
	"INFERENCE":         schema.ConfidenceMedium,
	"INFERENCE_FAILURE": schema.ConfidenceLow,
	"UNDEFINED":         schema.ConfidenceMedium,
}

// ParsePylint parses `pylint --output-format=json` and `json2` output.
func ParsePylint(out []byte) ([]schema.Issue, error) {
	trimmed := bytes.TrimSpace(out)
	var msgs []pylintMessage
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var rep struct {
			Messages []pylintMessage `json:"messages"`
		}
		if err := json.Unmarshal(trimmed, &rep); err != nil {
			return nil, fmt.Errorf("decode pylint json2: %w", err)
		}
		msgs = rep.Messages
	} else if err := json.Unmarshal(trimmed, &msgs); err != nil {
		return nil, fmt.Errorf("decode pylint json: %w", err)
	}

	issues := make([]schema.Issue, 0, len(msgs))
	for _, m := range msgs {
		sev, ok := pylintSeverity[m.Type]
		if !ok {
			sev = schema.SeverityLow
		}
		conf, ok := pylintConfidence[strings.ToUpper(m.Confidence)]
		if !ok {
			conf = schema.ConfidenceMedium
			if sev == schema.SeverityHigh {
				conf = schema.ConfidenceHigh
			}
		}
		id := m.MessageID
		if id == "" {
			id = m.MessageID2
		}
		lr := []int{m.Line}
		if m.EndLine != nil && *m.EndLine > m.Line {
			lr = []int{m.Line, *m.EndLine}
		}
		issues = append(issues, schema.Issue{
			Filename:   m.Path,
			LineNumber: m.Line,
			LineRange:  lr,
			IssueText:  fmt.Sprintf("%s (%s)", m.Message, m.Symbol),
			Severity:   sev,
			Confidence: conf,
			IssueType:  id,
			Tool:       "pylint",
		})
	}
	return issues, nil
}

var vultureLine = regexp.MustCompile(`^(.+?):(\d+): (.+?) \((\d+)% confidence(?:, (\d+) lines?)?\)\s*$`)

// ParseVulture parses vulture's line-oriented text report.
func ParseVulture(out []byte) ([]schema.Issue, error) {
	var issues []schema.Issue
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		m := vultureLine.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		line, _ := strconv.Atoi(m[2])
		pct, _ := strconv.Atoi(m[4])
		lr := []int{line}
		if m[5] != "" {
			if n, err := strconv.Atoi(m[5]); err == nil && n > 1 {
				lr = []int{line, line + n - 1}
			}
		}
		conf := schema.ConfidenceLow
		switch {
		case pct >= 90:
			conf = schema.ConfidenceHigh
		case pct >= 70:
			conf = schema.ConfidenceMedium
		}
		issues = append(issues, schema.Issue{
			Filename:      m[1],
			LineNumber:    line,
			LineRange:     lr,
			IssueText:     m[3],
			Severity:      schema.SeverityLow,
			Confidence:    conf,
			IssueType:     "dead-code",
			Tool:          "vulture",
			FixSuggestion: "Remove the unused code or whitelist it if it is used dynamically.",
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(issues) == 0 && len(bytes.TrimSpace(out)) > 0 && !bytes.Contains(out, []byte("confidence")) {
		return nil, fmt.Errorf("unrecognized vulture output")
	}
	return issues, nil
}
