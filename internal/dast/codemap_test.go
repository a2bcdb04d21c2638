package dast

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
)

func runeSlice(s string, span schema.Span) string {
	r := []rune(s)
	return string(r[span.Start:span.End])
}

func TestExtractContextLocatesEvidence(t *testing.T) {
	var lines []string
	for i := 1; i <= 20; i++ {
		lines = append(lines, "line "+strings.Repeat("x", i))
	}
	lines[11] = `    query = "SELECT * FROM users WHERE id=" + uid`
	source := strings.Join(lines, "\n") + "\n"
	evidence := `"SELECT * FROM users WHERE id="`

	cc := ExtractContext(source, evidence, 5)
	require.NotNil(t, cc)
	assert.Equal(t, 12, cc.LineNumber)
	assert.Equal(t, 7, cc.StartLine)
	assert.Equal(t, 17, cc.EndLine)
	assert.Equal(t, []int{12}, cc.VulnerableLines)
	assert.Len(t, strings.Split(cc.Snippet, "\n"), 11)
	require.Len(t, cc.HighlightPositions, 1)
	assert.Equal(t, evidence, runeSlice(cc.Snippet, cc.HighlightPositions[0]))
}

func TestExtractContextClampsWindow(t *testing.T) {
	source := "<script>alert(1)</script>\n<p>hi</p>"
	cc := ExtractContext(source, "alert(1)", 5)
	require.NotNil(t, cc)
	assert.Equal(t, 1, cc.LineNumber)
	assert.Equal(t, 1, cc.StartLine)
	assert.Equal(t, 2, cc.EndLine)
	assert.Equal(t, schema.Span{Start: 8, End: 16}, cc.HighlightPositions[0])
}

func TestExtractContextMultiLineEvidence(t *testing.T) {
	source := "a\nb\nfunc() {\n  eval(x)\n}\nc\n"
	cc := ExtractContext(source, "func() {\n  eval(x)", 1)
	require.NotNil(t, cc)
	assert.Equal(t, 3, cc.LineNumber)
	assert.Equal(t, []int{3, 4}, cc.VulnerableLines)
	assert.Equal(t, 2, cc.StartLine)
	assert.Equal(t, 5, cc.EndLine)
	assert.Equal(t, "func() {\n  eval(x)", runeSlice(cc.Snippet, cc.HighlightPositions[0]))
}

func TestExtractContextCountsRunes(t *testing.T) {
	source := "// héllo wörld\nconst tökén = 'abc'\n"
	cc := ExtractContext(source, "'abc'", 0)
	require.NotNil(t, cc)
	assert.Equal(t, "const tökén = 'abc'", cc.Snippet)
	span := cc.HighlightPositions[0]
	assert.Equal(t, "'abc'", runeSlice(cc.Snippet, span))
	assert.Equal(t, utf8.RuneCountInString(cc.Snippet), span.End)
}

func TestExtractContextMissing(t *testing.T) {
	assert.Nil(t, ExtractContext("nothing here", "needle", 5))
	assert.Nil(t, ExtractContext("nothing here", "", 5))
}

func TestCodeMapperMapping(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "backend", "routes", "users.py"), "def get():\n    return db.raw(q)\n")
	writeFile(t, filepath.Join(root, "frontend", "src", "app.js"), "fetch('/api')\nel.innerHTML = data\n")
	writeFile(t, filepath.Join(root, "static", "index.html"), "<html>\n<form action=/login>\n</html>\n")

	m := &CodeMapper{
		Root:         root,
		Mappings:     map[string]string{"/api": "backend/routes", "/": "nowhere"},
		Extensions:   []string{".py", ".js", ".html"},
		ContextLines: 5,
	}

	file, rel := m.LocalFile("http://localhost:5000/api/users?id=1")
	assert.Equal(t, filepath.Join(root, "backend", "routes", "users.py"), file)
	assert.Equal(t, "backend/routes/users.py", rel)

	_, rel = m.LocalFile("http://localhost:5000/app.js")
	assert.Equal(t, "frontend/src/app.js", rel)

	_, rel = m.LocalFile("http://localhost:5000/")
	assert.Equal(t, "static/index.html", rel)

	file, _ = m.LocalFile("http://localhost:5000/does/not/exist")
	assert.Empty(t, file)

	cc := m.Map(context.Background(), schema.Vulnerability{URL: "http://localhost:5000/api/users", Evidence: "db.raw(q)"})
	require.True(t, cc.Located())
	assert.Equal(t, "backend/routes/users.py", cc.FilePath)
	assert.Equal(t, 2, cc.LineNumber)
}

func TestCodeMapperPrefixMatchesWholeSegments(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "assets", "foo", "x.js"), "let a = 1\n")
	m := &CodeMapper{
		Root:       root,
		Mappings:   map[string]string{"/static": "assets"},
		Extensions: []string{".js"},
	}

	_, rel := m.LocalFile("http://localhost:5000/static/foo/x")
	assert.Equal(t, "assets/foo/x.js", rel)

	file, _ := m.LocalFile("http://localhost:5000/staticfoo/x")
	assert.Empty(t, file)

	assert.True(t, underPrefix("/static", "/static"))
	assert.True(t, underPrefix("/static/a", "/static/"))
	assert.True(t, underPrefix("/anything", "/"))
	assert.False(t, underPrefix("/staticfoo", "/static"))
}

type stubFetcher map[string]string

func (s stubFetcher) Fetch(_ context.Context, u string) (string, error) {
	if body, ok := s[u]; ok {
		return body, nil
	}
	return "", errors.New("404")
}

func TestCodeMapperFetchesStaticAssets(t *testing.T) {
	m := &CodeMapper{
		Root:    t.TempDir(),
		Fetcher: stubFetcher{"http://app/static/bundle.js": "var a;\nvar token = localStorage.jwt;\n"},
	}
	cc := m.Map(context.Background(), schema.Vulnerability{URL: "http://app/static/bundle.js", Evidence: "localStorage.jwt"})
	require.True(t, cc.Located())
	assert.Equal(t, "http://app/static/bundle.js", cc.FilePath)
	assert.Equal(t, 2, cc.LineNumber)

	// dynamic pages are never fetched
	cc = m.Map(context.Background(), schema.Vulnerability{URL: "http://app/search", Evidence: "<b>"})
	require.NotNil(t, cc)
	assert.False(t, cc.Located())
}

func TestCodeMapperFallback(t *testing.T) {
	m := &CodeMapper{}
	cc := m.Map(context.Background(), schema.Vulnerability{URL: "http://app/x", Evidence: "X-Powered-By: Express"})
	require.NotNil(t, cc)
	assert.Equal(t, "X-Powered-By: Express", cc.Snippet)
	assert.Zero(t, cc.LineNumber)
	assert.Empty(t, cc.VulnerableLines)
	assert.NotNil(t, cc.HighlightPositions)

	assert.Nil(t, m.Map(context.Background(), schema.Vulnerability{URL: "http://app/x", Evidence: "  "}))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
