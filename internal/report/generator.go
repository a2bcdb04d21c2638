package report

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/store"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/pkg/utils"
)

//go:embed templates/report.html.tmpl
var reportHTMLTemplate string

// Document is a persisted result of either kind, as read back for rendering
type Document struct {
	Path    string
	Static  *schema.CachedResult
	Dynamic *schema.DynamicResult
}

// Target returns the target the document describes
func (d Document) Target() string {
	if d.Dynamic != nil {
		return d.Dynamic.Target
	}
	if d.Static != nil {
		return d.Static.Target
	}
	return ""
}

// ---------- Public API ----------

// LoadDocument reads a results file written by the result store. Static
// documents, including older ones, are decoded by the store.
func LoadDocument(path string) (Document, error) {
	doc := Document{Path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}

	if isDynamic(data) {
		var res schema.DynamicResult
		if err := json.Unmarshal(data, &res); err != nil {
			return doc, fmt.Errorf("parse %s: %w", path, err)
		}
		doc.Dynamic = &res
		return doc, nil
	}
	res, err := store.DecodeAnalysis(data)
	if err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	doc.Static = res
	return doc, nil
}

func isDynamic(data []byte) bool {
	if t := bytes.TrimSpace(data); len(t) == 0 || t[0] != '{' {
		return false
	}
	var head struct {
		ScanID          string          `json:"scan_id"`
		Vulnerabilities json.RawMessage `json:"vulnerabilities"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return false
	}
	return head.ScanID != "" || head.Vulnerabilities != nil
}

// GenerateMarkdown writes the Markdown report for doc into outDir
func GenerateMarkdown(doc Document, outDir string) (string, error) {
	out := filepath.Join(outDir, "report.md")
	var err error
	if doc.Dynamic != nil {
		err = WriteCodeReportFile(out, doc.Dynamic)
	} else {
		err = WriteIssueReportFile(out, doc.Static)
	}
	if err != nil {
		return "", fmt.Errorf("write report.md: %w", err)
	}
	return out, nil
}

func GenerateHTML(doc Document, outDir string) (string, error) {
	vm := buildViewModel(doc, time.Now().UTC())

	tmpl, err := template.New("report").Parse(reportHTMLTemplate)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vm); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}

	htmlPath := filepath.Join(outDir, "report.html")
	if err := utils.WriteFile(htmlPath, buf.Bytes()); err != nil {
		return "", fmt.Errorf("write report.html: %w", err)
	}

	return htmlPath, nil
}

// GeneratePDF prints htmlPath to a PDF next to it with headless Chrome
func GeneratePDF(ctx context.Context, htmlPath string) (string, error) {
	abs, err := filepath.Abs(htmlPath)
	if err != nil {
		return "", err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var pdf []byte
	err = chromedp.Run(browserCtx,
		chromedp.Navigate("file://"+filepath.ToSlash(abs)),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.27).
				WithPaperHeight(11.69).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return "", fmt.Errorf("print pdf: %w", err)
	}

	pdfPath := strings.TrimSuffix(htmlPath, ".html") + ".pdf"
	if err := utils.WriteFile(pdfPath, pdf); err != nil {
		return "", fmt.Errorf("write %s: %w", pdfPath, err)
	}
	return pdfPath, nil
}

// ---------- View Model & helpers ----------

type viewModel struct {
	Title          string
	Target         string
	ScanTime       string
	TotalFindings  int
	Counts         []severityCount
	Score          int
	Grade          string
	Findings       []findingRow
	ToolStatus     []toolRow
	Generator      string
	GeneratedAt    string
	LegendSeverity []string
	Year           int
}

type severityCount struct {
	Severity string
	Count    int
}

type toolRow struct {
	Tool   string
	Status string
}

type findingRow struct {
	Severity    string
	ID          string
	Location    string
	Description string
	Evidence    string
	Tool        string
}

var (
	sevOrder  = []string{"high", "medium", "low", "info"}
	sevWeight = map[string]int{"high": 3, "medium": 2, "low": 1, "info": 0}
)

func buildViewModel(doc Document, now time.Time) viewModel {
	var (
		rows    []findingRow
		tools   []toolRow
		title   string
		scanned time.Time
	)

	switch {
	case doc.Dynamic != nil:
		title = "Dynamic Scan Report"
		scanned = doc.Dynamic.FinishedAt
		for _, v := range doc.Dynamic.Vulnerabilities {
			rows = append(rows, vulnerabilityRow(v))
		}
	case doc.Static != nil:
		title = "Static Analysis Report"
		scanned = doc.Static.Timestamp
		for _, is := range doc.Static.Issues {
			rows = append(rows, issueRow(is))
		}
		for tool, status := range doc.Static.ToolStatus {
			tools = append(tools, toolRow{Tool: tool, Status: status})
		}
		sort.Slice(tools, func(i, j int) bool { return tools[i].Tool < tools[j].Tool })
	}

	// Sort findings: severity -> ID -> location
	sort.SliceStable(rows, func(i, j int) bool {
		ai := indexOf(sevOrder, strings.ToLower(rows[i].Severity))
		bi := indexOf(sevOrder, strings.ToLower(rows[j].Severity))
		if ai != bi {
			return ai < bi
		}
		if rows[i].ID != rows[j].ID {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].Location < rows[j].Location
	})

	counts := map[string]int{}
	weighted := 0
	for _, r := range rows {
		sev := strings.ToLower(r.Severity)
		counts[sev]++
		weighted += sevWeight[sev]
	}
	total := len(rows)
	score := 100
	if total > 0 {
		penalty := min(100, (weighted*100)/(total*3))
		score = 100 - penalty
	}

	scanTime := "-"
	if !scanned.IsZero() {
		scanTime = scanned.UTC().Format(time.RFC3339)
	}

	return viewModel{
		Title:          title,
		Target:         emptyFallback(doc.Target(), "unknown"),
		ScanTime:       scanTime,
		TotalFindings:  total,
		Counts:         orderedCounts(counts),
		Score:          score,
		Grade:          scoreToGrade(score),
		Findings:       rows,
		ToolStatus:     tools,
		Generator:      "yorosec-analyzer",
		GeneratedAt:    now.Format(time.RFC3339),
		LegendSeverity: []string{"HIGH", "MEDIUM", "LOW", "INFO"},
		Year:           now.Year(),
	}
}

func issueRow(is schema.Issue) findingRow {
	code := is.Code
	if code == "N/A" {
		code = ""
	}
	return findingRow{
		Severity:    string(is.Severity),
		ID:          emptyFallback(is.IssueType, "N/A"),
		Location:    is.Filename + ":" + strconv.Itoa(is.LineNumber),
		Description: trimTo(is.IssueText, 500),
		Evidence:    trimTo(code, 200),
		Tool:        is.Tool,
	}
}

func vulnerabilityRow(v schema.Vulnerability) findingRow {
	sev := "INFO"
	if v.Risk != schema.RiskInfo {
		sev = string(v.Severity)
	}
	id := v.Name
	if v.CWEID != "" && v.CWEID != "-1" && v.CWEID != "0" {
		id = "CWE-" + v.CWEID + " " + v.Name
	}
	loc := v.URL
	if v.AffectedCode.Located() {
		loc = fmt.Sprintf("%s (%s:%d)", v.URL, v.AffectedCode.FilePath, v.AffectedCode.LineNumber)
	}
	return findingRow{
		Severity:    sev,
		ID:          id,
		Location:    loc,
		Description: trimTo(v.Description, 500),
		Evidence:    trimTo(v.Evidence, 200),
		Tool:        v.Tool,
	}
}

func indexOf(arr []string, s string) int {
	for i, v := range arr {
		if v == s {
			return i
		}
	}
	return len(arr)
}

func scoreToGrade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func orderedCounts(in map[string]int) []severityCount {
	out := make([]severityCount, 0, len(sevOrder))
	for _, k := range sevOrder {
		out = append(out, severityCount{Severity: strings.ToUpper(k), Count: in[k]})
	}
	return out
}

func trimTo(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func emptyFallback(s, fb string) string {
	if strings.TrimSpace(s) == "" {
		return fb
	}
	return s
}
