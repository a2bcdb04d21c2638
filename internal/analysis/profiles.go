package analysis

import (
	"path/filepath"
	"time"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/scanners"
)

const (
	KindBackend  = "backend_security"
	KindFrontend = "frontend_security"
)

func staticParser(p scanners.Parser) func(string) scanners.Parser {
	return func(string) scanners.Parser { return p }
}

// BackendProfile covers Python services
func BackendProfile() Profile {
	return Profile{
		Name:       "backend",
		Kind:       KindBackend,
		Extensions: []string{".py"},
		Candidates: []string{"backend", "server", "api", ""},
		Marker:     "requirements.txt",
		Tools: []ToolSpec{
			{
				Name:    "bandit",
				Binary:  "bandit",
				Kind:    SourceTool,
				Default: true,
				Args: func(string, []string) []string {
					return []string{"-r", ".", "-f", "json", "-q", "-x", "./venv,./.venv,./node_modules"}
				},
				NewParser: staticParser(scanners.ParseBandit),
			},
			{
				Name:     "safety",
				Binary:   "safety",
				Kind:     ManifestTool,
				Manifest: "requirements.txt",
				Timeout:  120 * time.Second,
				Args: func(string, []string) []string {
					return []string{"check", "--json", "-r", "requirements.txt"}
				},
				NewParser: func(dir string) scanners.Parser {
					return scanners.NewSafetyParser(filepath.Join(dir, "requirements.txt"))
				},
			},
			{
				Name:   "pylint",
				Binary: "pylint",
				Kind:   SourceTool,
				Args: func(_ string, files []string) []string {
					return append([]string{"--output-format=json", "--exit-zero", "--disable=C0301"}, files...)
				},
				NewParser: staticParser(scanners.ParsePylint),
			},
			{
				Name:   "vulture",
				Binary: "vulture",
				Kind:   SourceTool,
				Args: func(string, []string) []string {
					return []string{".", "--min-confidence", "60", "--exclude", "venv,.venv"}
				},
				NewParser: staticParser(scanners.ParseVulture),
			},
		},
	}
}

// FrontendProfile covers JavaScript/TypeScript single page apps
func FrontendProfile() Profile {
	return Profile{
		Name:       "frontend",
		Kind:       KindFrontend,
		Extensions: []string{".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs", ".svelte", ".vue"},
		Candidates: []string{"frontend", "client", "web", ""},
		Marker:     "package.json",
		Tools: []ToolSpec{
			{
				Name:    "eslint",
				Binary:  "npx",
				Kind:    SourceTool,
				Default: true,
				Timeout: 120 * time.Second,
				Args: func(string, []string) []string {
					return []string{"--yes", "eslint", "--format", "json", "--no-error-on-unmatched-pattern", "."}
				},
				NewParser: staticParser(scanners.ParseESLint),
			},
			{
				Name:     "npm-audit",
				Binary:   "npm",
				Kind:     ManifestTool,
				Manifest: "package.json",
				Timeout:  120 * time.Second,
				Args: func(string, []string) []string {
					return []string{"audit", "--json"}
				},
				NewParser: staticParser(scanners.ParseNpmAudit),
			},
			{
				Name:   "jshint",
				Binary: "jshint",
				Kind:   SourceTool,
				Args: func(_ string, files []string) []string {
					js := filterExt(files, ".js", ".mjs", ".cjs")
					if len(js) == 0 {
						js = []string{"."}
					}
					return append([]string{"--verbose", "--extract=auto"}, js...)
				},
				NewParser: staticParser(scanners.ParseJSHint),
			},
			{
				Name:     "snyk",
				Binary:   "snyk",
				Kind:     ManifestTool,
				Manifest: "package.json",
				Timeout:  180 * time.Second,
				Args: func(string, []string) []string {
					return []string{"test", "--json"}
				},
				NewParser: staticParser(scanners.ParseSnyk),
			},
		},
	}
}
