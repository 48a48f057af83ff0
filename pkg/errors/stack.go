package errors

import (
	"fmt"
	"runtime"
	"strings"
)

type stack []uintptr

const maxStackDepth = 32

// callers skips runtime.Callers, callers itself and the reporter calling it.
func callers() stack {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(3, pcs)
	return pcs[:n]
}

// fullStack renders "function file:line" frames, dropping this package's own frames
// so the first entry is the call site that produced the error.
func (s stack) fullStack() []string {
	frames := runtime.CallersFrames(s)
	out := make([]string, 0, len(s))
	for {
		f, more := frames.Next()
		if !strings.Contains(f.File, "/pkg/errors/") {
			out = append(out, fmt.Sprintf("%s %s:%d", f.Function, f.File, f.Line))
		}
		if !more {
			break
		}
	}
	return out
}

// topFrame is the rate limiting key: the first frame outside this package.
func (s stack) topFrame() string {
	frames := s.fullStack()
	if len(frames) == 0 {
		return "unknown"
	}
	return frames[0]
}
