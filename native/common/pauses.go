package common

import (
	"strings"
	"sync"
)

// PauseRegistry is an in-memory PauseView with governance toggles. The
// administrative layer flips modules here; operations only read.
type PauseRegistry struct {
	mu     sync.RWMutex
	paused map[string]struct{}
}

// NewPauseRegistry returns a registry with every module running.
func NewPauseRegistry() *PauseRegistry {
	return &PauseRegistry{paused: make(map[string]struct{})}
}

// SetPaused toggles the pause flag for the named module.
func (r *PauseRegistry) SetPaused(module string, paused bool) {
	if r == nil {
		return
	}
	normalized := strings.ToLower(strings.TrimSpace(module))
	if normalized == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if paused {
		r.paused[normalized] = struct{}{}
		return
	}
	delete(r.paused, normalized)
}

// IsPaused implements PauseView.
func (r *PauseRegistry) IsPaused(module string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.paused[strings.ToLower(strings.TrimSpace(module))]
	return ok
}
