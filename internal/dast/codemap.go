package dast

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
)

// Fetcher retrieves the body of a URL
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// HTTPFetcher fetches static assets directly from the target
type HTTPFetcher struct {
	Client  *http.Client
	MaxBody int64
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: 15 * time.Second}, MaxBody: 2 << 20}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: %s", rawURL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxBody))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

var staticAssetExt = map[string]bool{
	".js": true, ".mjs": true, ".css": true, ".html": true, ".htm": true, ".json": true,
	".map": true, ".svg": true, ".txt": true, ".xml": true,
}

// inference tries these sub-roots, in order, when no explicit mapping applies
var sourceSubdirs = []string{"", "frontend", "frontend/src", "frontend/public", "frontend/static",
	"backend", "backend/static", "backend/templates", "static", "public", "src", "templates"}

// CodeMapper correlates alert evidence with source text
type CodeMapper struct {
	Root         string
	Mappings     map[string]string
	Extensions   []string
	ContextLines int
	Fetcher      Fetcher
	Logger       *zap.Logger
}

// Map resolves the CodeContext of v. It returns nil only when the alert has
// no evidence at all; evidence that cannot be located still comes back as a
// context holding the raw text with no line number.
func (m *CodeMapper) Map(ctx context.Context, v schema.Vulnerability) *schema.CodeContext {
	if strings.TrimSpace(v.Evidence) == "" {
		return nil
	}

	if file, rel := m.LocalFile(v.URL); file != "" {
		if data, err := os.ReadFile(file); err == nil {
			if cc := ExtractContext(string(data), v.Evidence, m.ContextLines); cc != nil {
				cc.FilePath = rel
				return cc
			}
		}
	}

	if m.Fetcher != nil && looksStatic(v.URL) {
		body, err := m.Fetcher.Fetch(ctx, v.URL)
		if err != nil {
			m.logger().Debug("fetch asset", zap.String("url", v.URL), zap.Error(err))
		} else if cc := ExtractContext(body, v.Evidence, m.ContextLines); cc != nil {
			cc.FilePath = v.URL
			return cc
		}
	}

	return &schema.CodeContext{
		Snippet:            v.Evidence,
		FilePath:           v.URL,
		VulnerableLines:    []int{},
		HighlightPositions: []schema.Span{},
	}
}

func (m *CodeMapper) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

// LocalFile maps a URL onto a file below Root. It returns the absolute path
// and the path relative to Root, or empty strings.
func (m *CodeMapper) LocalFile(rawURL string) (string, string) {
	if m.Root == "" {
		return "", ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", ""
	}
	p := path.Clean("/" + u.Path)

	// longest prefix wins
	prefixes := make([]string, 0, len(m.Mappings))
	for prefix := range m.Mappings {
		prefixes = append(prefixes, prefix)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, prefix := range prefixes {
		if !underPrefix(p, prefix) {
			continue
		}
		dir := m.Mappings[prefix]
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(m.Root, dir)
		}
		if file := m.probe(filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(p, prefix)))); file != "" {
			return file, m.rel(file)
		}
	}

	for _, sub := range sourceSubdirs {
		base := filepath.Join(m.Root, filepath.FromSlash(sub), filepath.FromSlash(strings.TrimPrefix(p, "/")))
		if file := m.probe(base); file != "" {
			return file, m.rel(file)
		}
	}
	return "", ""
}

// underPrefix matches whole path segments only, so /static does not claim
// /staticfoo.
func underPrefix(p, prefix string) bool {
	return p == prefix || strings.HasPrefix(p, strings.TrimSuffix(prefix, "/")+"/")
}

// probe accepts candidate as is, then with each known extension, then as a
// directory holding an index file.
func (m *CodeMapper) probe(candidate string) string {
	if isFile(candidate) && m.knownExt(candidate) {
		return candidate
	}
	for _, ext := range m.Extensions {
		if isFile(candidate + ext) {
			return candidate + ext
		}
	}
	for _, ext := range m.Extensions {
		if idx := filepath.Join(candidate, "index"+ext); isFile(idx) {
			return idx
		}
	}
	return ""
}

func (m *CodeMapper) knownExt(file string) bool {
	ext := strings.ToLower(filepath.Ext(file))
	for _, e := range m.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

func (m *CodeMapper) rel(file string) string {
	if r, err := filepath.Rel(m.Root, file); err == nil {
		return filepath.ToSlash(r)
	}
	return file
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func looksStatic(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return staticAssetExt[strings.ToLower(path.Ext(u.Path))]
}

// ExtractContext finds the first exact occurrence of evidence in source and
// returns the surrounding window of lines. Highlight offsets count
// characters from the start of the snippet. nil means not found.
func ExtractContext(source, evidence string, contextLines int) *schema.CodeContext {
	if evidence == "" {
		return nil
	}
	idx := strings.Index(source, evidence)
	if idx < 0 {
		return nil
	}
	if contextLines < 0 {
		contextLines = 0
	}

	lines := strings.Split(source, "\n")
	if len(lines) > 1 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	first := strings.Count(source[:idx], "\n") + 1
	last := first + strings.Count(evidence, "\n")
	if last > len(lines) {
		last = len(lines)
	}
	start := max(1, first-contextLines)
	end := min(len(lines), last+contextLines)

	// byte offset of the window's first line inside source
	windowOff := 0
	for _, l := range lines[:start-1] {
		windowOff += len(l) + 1
	}
	snippet := strings.Join(lines[start-1:end], "\n")

	hlStart := utf8.RuneCountInString(snippet[:idx-windowOff])
	hlEnd := min(hlStart+utf8.RuneCountInString(evidence), utf8.RuneCountInString(snippet))

	vulnerable := make([]int, 0, last-first+1)
	for n := first; n <= last; n++ {
		vulnerable = append(vulnerable, n)
	}
	return &schema.CodeContext{
		Snippet:            snippet,
		LineNumber:         first,
		StartLine:          start,
		EndLine:            end,
		VulnerableLines:    vulnerable,
		HighlightPositions: []schema.Span{{Start: hlStart, End: hlEnd}},
	}
}
