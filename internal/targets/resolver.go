// Package targets answers questions about the generated applications the
// analyzer points at: where their sources live, where they are served and
// whether their containers are up.
package targets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
)

// ErrTargetNotFound means the target is unknown, as opposed to known but empty
var ErrTargetNotFound = errors.New("target not found")

// FSResolver maps targets onto <apps_root>/<model>/app<N>
type FSResolver struct {
	root string
}

func NewFSResolver(root string) *FSResolver {
	return &FSResolver{root: root}
}

// SourcePath returns the app directory, or ErrTargetNotFound when it does not exist
func (r *FSResolver) SourcePath(t schema.TargetRef) (string, error) {
	dir := filepath.Join(r.root, t.Model, "app"+strconv.Itoa(t.App))
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%s: %w", dir, ErrTargetNotFound)
	}
	return dir, nil
}

// PortEntry is one row of the port registry file
type PortEntry struct {
	Model        string `yaml:"model"`
	App          int    `yaml:"app"`
	Host         string `yaml:"host"`
	BackendPort  int    `yaml:"backend_port"`
	FrontendPort int    `yaml:"frontend_port"`
}

type portFile struct {
	Apps []PortEntry `yaml:"apps"`
}

// PortRegistry resolves base URLs from a YAML registry that is reread
// whenever the file changes on disk.
type PortRegistry struct {
	path string

	mu      sync.Mutex
	modTime int64
	entries map[schema.TargetRef]PortEntry
}

func NewPortRegistry(path string) *PortRegistry {
	return &PortRegistry{path: path}
}

// Lookup returns the registry row of t
func (p *PortRegistry) Lookup(t schema.TargetRef) (PortEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.reload(); err != nil {
		return PortEntry{}, err
	}
	e, ok := p.entries[t]
	if !ok {
		return PortEntry{}, fmt.Errorf("%s has no port assignment: %w", t, ErrTargetNotFound)
	}
	return e, nil
}

// BaseURL is the address a dynamic scan should start from. The frontend
// port wins because it serves the pages users actually reach.
func (p *PortRegistry) BaseURL(t schema.TargetRef) (string, error) {
	e, err := p.Lookup(t)
	if err != nil {
		return "", err
	}
	host := e.Host
	if host == "" {
		host = "localhost"
	}
	port := e.FrontendPort
	if port == 0 {
		port = e.BackendPort
	}
	if port == 0 {
		return "", fmt.Errorf("%s has no port assignment: %w", t, ErrTargetNotFound)
	}
	return fmt.Sprintf("http://%s:%d", host, port), nil
}

func (p *PortRegistry) reload() error {
	info, err := os.Stat(p.path)
	if err != nil {
		return fmt.Errorf("port registry %s: %w", p.path, err)
	}
	if p.entries != nil && info.ModTime().UnixNano() == p.modTime {
		return nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read port registry: %w", err)
	}
	var pf portFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse port registry: %w", err)
	}
	entries := make(map[schema.TargetRef]PortEntry, len(pf.Apps))
	for _, e := range pf.Apps {
		entries[schema.TargetRef{Model: e.Model, App: e.App}] = e
	}
	p.entries = entries
	p.modTime = info.ModTime().UnixNano()
	return nil
}

// Resolver bundles both lookups behind one value
type Resolver struct {
	*FSResolver
	*PortRegistry
}

func NewResolver(appsRoot, portsFile string) *Resolver {
	return &Resolver{FSResolver: NewFSResolver(appsRoot), PortRegistry: NewPortRegistry(portsFile)}
}
