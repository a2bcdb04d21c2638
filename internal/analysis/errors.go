package analysis

import (
	"errors"
	"fmt"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
)

// ErrNoSourceFiles is returned when every requested tool needs source files and the target has none.
var ErrNoSourceFiles = errors.New("no source files to analyze")

// TargetError means the target could not be analyzed at all; no tool was run.
type TargetError struct {
	Target schema.TargetRef
	Path   string
	Err    error
}

func (e *TargetError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("target %s (%s): %v", e.Target, e.Path, e.Err)
	}
	return fmt.Sprintf("target %s: %v", e.Target, e.Err)
}

func (e *TargetError) Unwrap() error { return e.Err }
