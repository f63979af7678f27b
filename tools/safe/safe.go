package safe

import (
	"KelmahIM/logger"
	"KelmahIM/tools/errs"

	"go.uber.org/zap"
)

// SafeGo starts a new goroutine that recovers from panic,
// so that panics don't crash the entire program.
func SafeGo(name string, f func()) {
	go func() {
		defer Recover(name)
		f()
	}()
}

// Recover logs a recovered panic; use as `defer safe.Recover("x")`.
func Recover(name string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered", zap.String("goroutine", name), zap.Error(errs.ErrPanic(r)))
	}
}

// DefaultInt returns v when positive, otherwise fallback.
func DefaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
