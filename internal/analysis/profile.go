package analysis

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/scanners"
)

// ToolKind says what a tool needs on disk before it can run
type ToolKind int

const (
	// SourceTool needs at least one source file matching the profile's extensions
	SourceTool ToolKind = iota
	// ManifestTool audits a dependency manifest and runs regardless of source files
	ManifestTool
)

// ToolSpec is one entry of a profile's tool registry
type ToolSpec struct {
	Name     string
	Binary   string
	Kind     ToolKind
	Default  bool
	Manifest string
	Timeout  time.Duration
	// Args builds the argument list from the resolved directory and its source files (relative paths).
	Args      func(dir string, files []string) []string
	NewParser func(dir string) scanners.Parser
}

// Profile parameterizes the generic orchestrator for one kind of target
type Profile struct {
	Name       string
	Kind       string
	Extensions []string
	Tools      []ToolSpec
	// Candidates lists subdirectories of the app root to try, in order; "" is the root itself.
	Candidates []string
	// Marker is a file whose presence picks a candidate directly (package.json, requirements.txt).
	Marker string
}

// DefaultTools returns the fast subset used when the caller did not ask for a full run
func (p Profile) DefaultTools() []ToolSpec {
	var out []ToolSpec
	for _, t := range p.Tools {
		if t.Default {
			out = append(out, t)
		}
	}
	return out
}

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	"env":          true,
	"dist":         true,
	"build":        true,
	".svelte-kit":  true,
	".next":        true,
	"coverage":     true,
}

// SourceFiles lists files under dir matching the profile's extensions, relative and sorted.
func (p Profile) SourceFiles(dir string) []string {
	var files []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if p.matches(d.Name()) {
			if rel, err := filepath.Rel(dir, path); err == nil {
				files = append(files, filepath.ToSlash(rel))
			}
		}
		return nil
	})
	sort.Strings(files)
	return files
}

func (p Profile) matches(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range p.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Locate picks the directory inside an app root that actually holds this
// profile's sources. It returns root itself when no candidate qualifies.
func (p Profile) Locate(root string) string {
	var existing []string
	for _, c := range p.Candidates {
		dir := filepath.Join(root, c)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			existing = append(existing, dir)
		}
	}
	if p.Marker != "" {
		for _, dir := range existing {
			if fileExists(filepath.Join(dir, p.Marker)) {
				return dir
			}
		}
	}
	for _, dir := range existing {
		if len(p.SourceFiles(dir)) > 0 {
			return dir
		}
	}
	if len(existing) > 0 {
		return existing[0]
	}
	return root
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func filterExt(files []string, exts ...string) []string {
	var out []string
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f))
		for _, e := range exts {
			if ext == e {
				out = append(out, f)
				break
			}
		}
	}
	return out
}
