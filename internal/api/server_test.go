package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/analysis"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/dast"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/metrics"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/scanstate"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/store"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/targets"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeAnalyzer struct {
	lastOpts analysis.Options
}

func (f *fakeAnalyzer) Analyze(_ context.Context, t schema.TargetRef, opts analysis.Options) (*schema.AnalysisResult, error) {
	f.lastOpts = opts
	if t.Model == "ghost" {
		return nil, &analysis.TargetError{Target: t, Err: targets.ErrTargetNotFound}
	}
	return &schema.AnalysisResult{
		Issues:     []schema.Issue{{Filename: "app.py", Severity: schema.SeverityHigh, Confidence: schema.ConfidenceHigh, Tool: "bandit"}},
		ToolStatus: map[string]string{"bandit": "Found 1 issues"},
		ToolOutput: map[string]string{"bandit": "{}"},
	}, nil
}

func (f *fakeAnalyzer) Summarize(issues []schema.Issue) schema.Stats {
	return analysis.Summarize(issues)
}

// fakeScanner registers records in a real store and honours stop semantics
type fakeScanner struct {
	scans *scanstate.Store
}

func (f *fakeScanner) Submit(t schema.TargetRef) (string, error) {
	if t.Model == "ghost" {
		return "", fmt.Errorf("resolve: %w", targets.ErrTargetNotFound)
	}
	return f.scans.Create(t), nil
}

func (f *fakeScanner) Stop(id string) error {
	rec, ok := f.scans.Get(id)
	if !ok {
		return scanstate.ErrNotFound
	}
	if rec.Status.Terminal() {
		return dast.ErrScanNotRunning
	}
	_, err := f.scans.Update(id, schema.WithStatus(schema.StatusStopped))
	return err
}

type stubContainers struct{ running bool }

func (s stubContainers) Status(context.Context, schema.TargetRef) targets.ContainerStatus {
	return targets.ContainerStatus{Running: s.running, Detail: "gpt4_app1_backend: exited"}
}

type apiFixture struct {
	srv      *Server
	scans    *scanstate.Store
	results  *store.Store
	analyzer *fakeAnalyzer
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	scans := scanstate.New()
	results := store.New(t.TempDir())
	an := &fakeAnalyzer{}
	srv := New(Deps{
		Analyzers:  map[string]analysis.Analyzer{"backend": an},
		Scanner:    &fakeScanner{scans: scans},
		Scans:      scans,
		Results:    results,
		Containers: stubContainers{running: false},
		Metrics:    metrics.New(scans),
	})
	return &apiFixture{srv: srv, scans: scans, results: results, analyzer: an}
}

func (f *apiFixture) do(method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestAnalyzeEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/analysis/backend/gpt4/app1?full=true&force=1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Len(t, body["issues"], 1)
	assert.Equal(t, "Found 1 issues", body["tool_status"].(map[string]any)["bandit"])
	assert.EqualValues(t, 1, body["summary"].(map[string]any)["total"])
	assert.Equal(t, analysis.Options{UseAllTools: true, ForceRerun: true}, f.analyzer.lastOpts)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/analysis/backend/ghost/1").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/analysis/mobile/gpt4/1").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/analysis/backend/gpt4/zero").Code)
}

func TestSubmitPollStop(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/dast/gpt4/1")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decode(t, w)
	id := body["scan_id"].(string)
	assert.True(t, strings.HasPrefix(id, "zap_gpt4_app1_"))
	assert.Equal(t, false, body["container"].(map[string]any)["running"])

	w = f.do(http.MethodGet, "/api/dast/scans/"+id)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(schema.StatusStarting), decode(t, w)["status"])

	w = f.do(http.MethodGet, "/api/dast/gpt4/app1/latest")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, decode(t, w)["scan_id"])

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/dast/scans/"+id+"/stop").Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/dast/scans/"+id+"/stop").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/dast/scans/zap_missing/stop").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/dast/scans/zap_missing").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/dast/ghost/1").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/dast/gpt4/2/latest").Code)
}

func TestResultsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	target := schema.TargetRef{Model: "gpt4", App: 3}

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/dast/gpt4/3/results").Code)

	require.NoError(t, f.results.SaveDynamic(target, &schema.DynamicResult{
		Target:  target.String(),
		ScanID:  "zap_gpt4_app3_x",
		Summary: schema.RiskCounts{High: 2},
	}))
	w := f.do(http.MethodGet, "/api/dast/gpt4/3/results")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["summary"].(map[string]any)["high"])
}

func TestMetricsAndHealth(t *testing.T) {
	f := newAPIFixture(t)
	f.scans.Create(schema.TargetRef{Model: "gpt4", App: 1})

	w := f.do(http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `yoro_dast_scans{status="STARTING"} 1`)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health").Code)
}

func TestServerErrorMapsTo500(t *testing.T) {
	srv := New(Deps{Scanner: failingScanner{}, Scans: scanstate.New()})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/dast/scans/x/stop", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

type failingScanner struct{}

func (failingScanner) Submit(schema.TargetRef) (string, error) { return "", errors.New("boom") }
func (failingScanner) Stop(string) error                       { return errors.New("boom") }
