// Package store keeps analysis results as JSON documents on disk, one file
// per target and analysis kind.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/pkg/utils"
)

// KindDynamic is the kind under which dynamic scan results are filed
const KindDynamic = "zap_scan"

// ErrNotFound means no document exists for the requested target and kind
var ErrNotFound = errors.New("result not found")

// Store is a file-backed result repository rooted at one directory
type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the results directory
func (s *Store) Root() string { return s.root }

// Dir returns the directory holding every document of target
func (s *Store) Dir(target schema.TargetRef) string {
	return filepath.Join(s.root, utils.SafeName(target.Model), "app"+strconv.Itoa(target.App))
}

// Path is the canonical location of a document
func (s *Store) Path(target schema.TargetRef, kind string) string {
	return filepath.Join(s.Dir(target), kind+".json")
}

func (s *Store) legacyPath(target schema.TargetRef, kind string) string {
	return filepath.Join(s.Dir(target), "."+kind+"_results.json")
}

// SaveAnalysis writes a full static run snapshot
func (s *Store) SaveAnalysis(target schema.TargetRef, kind string, res *schema.CachedResult) error {
	if err := utils.WriteJSON(s.Path(target, kind), res); err != nil {
		return fmt.Errorf("save %s for %s: %w", kind, target, err)
	}
	return nil
}

// LoadAnalysis reads the snapshot for target. Documents written by older
// releases (hidden legacy file name, or a bare array of issues) are upgraded
// in memory; they are never rewritten here.
func (s *Store) LoadAnalysis(target schema.TargetRef, kind string) (*schema.CachedResult, error) {
	data, path, err := s.read(target, kind)
	if err != nil {
		return nil, err
	}
	res, err := DecodeAnalysis(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if res.Target == "" {
		res.Target = target.String()
	}
	if res.Kind == "" {
		res.Kind = kind
	}
	if res.Timestamp.IsZero() {
		if info, err := os.Stat(path); err == nil {
			res.Timestamp = info.ModTime().UTC()
		}
	}
	return res, nil
}

// SaveDynamic writes the result document of a dynamic scan
func (s *Store) SaveDynamic(target schema.TargetRef, res *schema.DynamicResult) error {
	if err := utils.WriteJSON(s.Path(target, KindDynamic), res); err != nil {
		return fmt.Errorf("save %s for %s: %w", KindDynamic, target, err)
	}
	return nil
}

// LatestResult loads the most recently persisted dynamic scan of target
func (s *Store) LatestResult(target schema.TargetRef) (*schema.DynamicResult, error) {
	data, path, err := s.read(target, KindDynamic)
	if err != nil {
		return nil, err
	}
	var res schema.DynamicResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &res, nil
}

func (s *Store) read(target schema.TargetRef, kind string) ([]byte, string, error) {
	for _, path := range []string{s.Path(target, kind), s.legacyPath(target, kind)} {
		data, err := os.ReadFile(path)
		if err == nil {
			return data, path, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, path, fmt.Errorf("read %s: %w", path, err)
		}
	}
	return nil, "", fmt.Errorf("%s for %s: %w", kind, target, ErrNotFound)
}

// DecodeAnalysis parses a static analysis document in either the current
// shape or the legacy bare array of issues. Severities and confidences are
// normalized and issues come back in canonical order.
func DecodeAnalysis(data []byte) (*schema.CachedResult, error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		var issues []schema.Issue
		if err := json.Unmarshal(data, &issues); err != nil {
			return nil, err
		}
		res := &schema.CachedResult{
			Issues:     issues,
			ToolStatus: map[string]string{},
			ToolOutput: map[string]string{},
		}
		normalizeIssues(res.Issues)
		return res, nil
	}
	var res schema.CachedResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	if res.Issues == nil {
		res.Issues = []schema.Issue{}
	}
	if res.ToolStatus == nil {
		res.ToolStatus = map[string]string{}
	}
	if res.ToolOutput == nil {
		res.ToolOutput = map[string]string{}
	}
	normalizeIssues(res.Issues)
	return &res, nil
}

func normalizeIssues(issues []schema.Issue) {
	for i := range issues {
		issues[i].Severity = schema.NormalizeSeverity(string(issues[i].Severity), schema.SeverityLow)
		issues[i].Confidence = schema.NormalizeConfidence(string(issues[i].Confidence), schema.ConfidenceMedium)
	}
	schema.SortIssues(issues)
}
