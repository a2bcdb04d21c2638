package scanners

import (
	"os/exec"
	"sync"
)

// Prober reports whether a tool's executable can be launched
type Prober interface {
	Available(binary string) bool
}

// PathProber checks PATH once per binary and remembers the answer
type PathProber struct {
	mu     sync.Mutex
	cache  map[string]bool
	lookup func(string) (string, error)
}

func NewPathProber() *PathProber {
	return &PathProber{cache: make(map[string]bool), lookup: exec.LookPath}
}

func (p *PathProber) Available(binary string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok, seen := p.cache[binary]; seen {
		return ok
	}
	_, err := p.lookup(binary)
	p.cache[binary] = err == nil
	return err == nil
}

// StaticProber answers from a fixed set; handy for tests and pinned environments.
type StaticProber map[string]bool

func (s StaticProber) Available(binary string) bool {
	return s[binary]
}
