package hooks

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

const maxDepth = 24

// ContextHook adds the "file:line" of the code that logged. Frames inside
// logrus and this package are skipped.
type ContextHook struct{}

func NewContextHook() ContextHook {
	return ContextHook{}
}

func (ContextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (ContextHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if !internalFrame(f.Function) {
			entry.Data["file:line"] = fmt.Sprintf("%s/%s:%d", filepath.Base(filepath.Dir(f.File)), filepath.Base(f.File), f.Line)
			return nil
		}
		if !more {
			return nil
		}
	}
}

func internalFrame(fn string) bool {
	return strings.Contains(fn, "sirupsen/logrus") || strings.Contains(fn, "common/log/hooks")
}
