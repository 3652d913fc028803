// Package safego launches goroutines that cannot take the process down.
package safego

import (
	"go.uber.org/zap"
)

// Go runs fn on a new goroutine with panic recovery. A panic is logged with
// its stack and the goroutine exits cleanly instead of crashing the process.
// A nil logger falls back to zap.NewNop.
func Go(logger *zap.Logger, name string, fn func()) {
	if logger == nil {
		logger = zap.NewNop()
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}
