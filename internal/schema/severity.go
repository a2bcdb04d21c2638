package schema

import (
	"sort"
	"strings"
)

// Severity is the normalized three-level severity of a finding
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// Rank orders severities for sorting: HIGH=0, MEDIUM=1, LOW=2.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	default:
		return 2
	}
}

// Valid reports whether s is one of the three normalized values
func (s Severity) Valid() bool {
	return s == SeverityHigh || s == SeverityMedium || s == SeverityLow
}

// Confidence is the normalized three-level confidence of a finding
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Rank orders confidences the same way as Severity.Rank.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 0
	case ConfidenceMedium:
		return 1
	default:
		return 2
	}
}

func (c Confidence) Valid() bool {
	return c == ConfidenceHigh || c == ConfidenceMedium || c == ConfidenceLow
}

// Risk is the dynamic scanner's four-level alert risk
type Risk string

const (
	RiskHigh   Risk = "High"
	RiskMedium Risk = "Medium"
	RiskLow    Risk = "Low"
	RiskInfo   Risk = "Informational"
)

// RiskOrder is the display order for grouped reports
var RiskOrder = []Risk{RiskHigh, RiskMedium, RiskLow, RiskInfo}

// ParseRisk maps the daemon's risk string onto a Risk. Unknown values are informational.
func ParseRisk(s string) Risk {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "critical":
		return RiskHigh
	case "medium":
		return RiskMedium
	case "low":
		return RiskLow
	default:
		return RiskInfo
	}
}

// Severity collapses a risk onto the three-level scale.
func (r Risk) Severity() Severity {
	switch r {
	case RiskHigh:
		return SeverityHigh
	case RiskMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// vocabulary shared by most tools; tool-specific tables live with their parsers
var severityWords = map[string]Severity{
	"critical": SeverityHigh,
	"high":     SeverityHigh,
	"error":    SeverityHigh,
	"major":    SeverityHigh,
	"medium":   SeverityMedium,
	"moderate": SeverityMedium,
	"warning":  SeverityMedium,
	"low":      SeverityLow,
	"minor":    SeverityLow,
	"info":     SeverityLow,
	"note":     SeverityLow,
}

// NormalizeSeverity maps a tool-native severity word onto the three-level
// scale, falling back to def for unknown words.
func NormalizeSeverity(raw string, def Severity) Severity {
	if sev, ok := severityWords[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return sev
	}
	if !def.Valid() {
		return SeverityLow
	}
	return def
}

var confidenceWords = map[string]Confidence{
	"confirmed":      ConfidenceHigh,
	"certain":        ConfidenceHigh,
	"high":           ConfidenceHigh,
	"firm":           ConfidenceMedium,
	"medium":         ConfidenceMedium,
	"inference":      ConfidenceMedium,
	"tentative":      ConfidenceLow,
	"low":            ConfidenceLow,
	"undefined":      ConfidenceLow,
	"false positive": ConfidenceLow,
}

// NormalizeConfidence maps a tool-native confidence word onto the three-level scale.
func NormalizeConfidence(raw string, def Confidence) Confidence {
	if c, ok := confidenceWords[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return c
	}
	if !def.Valid() {
		return ConfidenceLow
	}
	return def
}

// SortIssues orders issues by severity, confidence, filename and line, in place.
func SortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		return IssueLess(issues[i], issues[j])
	})
}

// IssueLess reports whether a sorts strictly before b.
func IssueLess(a, b Issue) bool {
	if a.Severity.Rank() != b.Severity.Rank() {
		return a.Severity.Rank() < b.Severity.Rank()
	}
	if a.Confidence.Rank() != b.Confidence.Rank() {
		return a.Confidence.Rank() < b.Confidence.Rank()
	}
	if a.Filename != b.Filename {
		return a.Filename < b.Filename
	}
	return a.LineNumber < b.LineNumber
}
