package common

import "errors"

// ErrModulePaused is returned when a mutating entry point is invoked while its
// module pause toggle is enabled.
var ErrModulePaused = errors.New("module paused")

// PauseView exposes the pause toggles consulted before state mutation.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when the named module is paused. A nil view or empty
// module name disables the check.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
