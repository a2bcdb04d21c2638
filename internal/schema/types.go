package schema

import "time"

// Issue is a normalized static analysis finding
type Issue struct {
	Filename      string     `json:"filename"`
	LineNumber    int        `json:"line_number"`
	LineRange     []int      `json:"line_range"`
	IssueText     string     `json:"issue_text"`
	Severity      Severity   `json:"severity"`
	Confidence    Confidence `json:"confidence"`
	IssueType     string     `json:"issue_type"`
	Code          string     `json:"code"`
	Tool          string     `json:"tool"`
	FixSuggestion string     `json:"fix_suggestion,omitempty"`
}

// Vulnerability is a normalized dynamic scan finding. It carries the Issue
// fields so static and dynamic results can be read with one schema; the
// location fields are filled from AffectedCode once evidence is located,
// otherwise Filename is the alert URL and LineNumber is zero.
type Vulnerability struct {
	Filename      string       `json:"filename"`
	LineNumber    int          `json:"line_number"`
	LineRange     []int        `json:"line_range"`
	IssueText     string       `json:"issue_text"`
	Severity      Severity     `json:"severity"`
	Confidence    Confidence   `json:"confidence"`
	IssueType     string       `json:"issue_type"`
	Code          string       `json:"code"`
	Tool          string       `json:"tool"`
	FixSuggestion string       `json:"fix_suggestion,omitempty"`
	URL           string       `json:"url"`
	Name          string       `json:"name"`
	Risk          Risk         `json:"risk"`
	Description   string       `json:"description"`
	Solution      string       `json:"solution"`
	Reference     string       `json:"reference,omitempty"`
	Parameter     string       `json:"parameter"`
	Attack        string       `json:"attack"`
	Evidence      string       `json:"evidence"`
	CWEID         string       `json:"cwe_id"`
	WASCID        string       `json:"wascid"`
	PluginID      string       `json:"plugin_id,omitempty"`
	Method        string       `json:"method,omitempty"`
	AffectedCode  *CodeContext `json:"affected_code"`
}

// Locate copies the location of cc into the Issue fields of v
func (v *Vulnerability) Locate(cc *CodeContext) {
	v.AffectedCode = cc
	if !cc.Located() {
		v.Filename = v.URL
		v.LineNumber = 0
		v.LineRange = []int{}
		v.Code = "N/A"
		return
	}
	v.Filename = cc.FilePath
	v.LineNumber = cc.LineNumber
	v.LineRange = append([]int(nil), cc.VulnerableLines...)
	if len(v.LineRange) == 0 {
		v.LineRange = []int{cc.LineNumber}
	}
	v.Code = cc.Snippet
}

// Span is a half-open [Start, End) character range
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// CodeContext ties a dynamic finding back to the source text it came from.
// LineNumber is zero when the evidence could not be located and Snippet
// only carries the raw evidence.
type CodeContext struct {
	Snippet            string `json:"snippet"`
	FilePath           string `json:"file_path"`
	LineNumber         int    `json:"line_number"`
	StartLine          int    `json:"start_line"`
	EndLine            int    `json:"end_line"`
	VulnerableLines    []int  `json:"vulnerable_lines"`
	HighlightPositions []Span `json:"highlight_positions"`
}

// Located reports whether the evidence was found in a source text
func (c *CodeContext) Located() bool {
	return c != nil && c.LineNumber > 0
}

// ToolRunResult is the outcome of one tool invocation
type ToolRunResult struct {
	Issues    []Issue `json:"issues"`
	RawOutput string  `json:"raw_output"`
	Status    string  `json:"status"`
}

// AnalysisResult is what a static analysis run hands back to its caller
type AnalysisResult struct {
	Issues     []Issue           `json:"issues"`
	ToolStatus map[string]string `json:"tool_status"`
	ToolOutput map[string]string `json:"tool_output"`
}

// CachedResult is the persisted form of a full-tool-set static run
type CachedResult struct {
	Target     string            `json:"target"`
	Kind       string            `json:"kind"`
	Timestamp  time.Time         `json:"timestamp"`
	Issues     []Issue           `json:"issues"`
	ToolStatus map[string]string `json:"tool_status"`
	ToolOutput map[string]string `json:"tool_output"`
}

// RiskCounts holds alert counts per risk level
type RiskCounts struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
	Info   int `json:"info"`
}

// Add counts one alert of the given risk
func (c *RiskCounts) Add(r Risk) {
	switch r {
	case RiskHigh:
		c.High++
	case RiskMedium:
		c.Medium++
	case RiskLow:
		c.Low++
	default:
		c.Info++
	}
}

// Total returns the sum of all counts
func (c RiskCounts) Total() int {
	return c.High + c.Medium + c.Low + c.Info
}

// DynamicResult groups all vulnerabilities for one dynamic scan
type DynamicResult struct {
	Target          string          `json:"target"`
	ScanID          string          `json:"scan_id"`
	BaseURL         string          `json:"base_url"`
	Status          ScanStatus      `json:"status"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	Summary         RiskCounts      `json:"summary"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
	DurationSeconds float64         `json:"duration_seconds"`
}

// Stats summarizes a list of issues
type Stats struct {
	Total         int            `json:"total"`
	BySeverity    map[string]int `json:"by_severity"`
	ByConfidence  map[string]int `json:"by_confidence"`
	ByTool        map[string]int `json:"by_tool"`
	IssueTypes    map[string]int `json:"issue_types"`
	FilesAffected int            `json:"files_affected"`
}
