package common

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/ternarybob/arbor"
)

// goroutineCounter tracks goroutines spawned via SafeGo for diagnostics.
var goroutineCounter int64

// GetGoroutineCount returns the number of goroutines spawned via SafeGo.
func GetGoroutineCount() int64 {
	return atomic.LoadInt64(&goroutineCounter)
}

// SafeGo runs fn in a goroutine with panic recovery. A panicking worker
// task must never take the whole worker pool down with it; it logs and
// the poll loop keeps running.
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	atomic.AddInt64(&goroutineCounter, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				stack := string(buf[:n])

				if logger != nil {
					logger.Error().
						Str("goroutine", name).
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", stack).
						Msg("recovered from panic in goroutine")
				} else {
					fmt.Fprintf(os.Stderr, "PANIC in goroutine %s: %v\n%s\n", name, r, stack)
				}
			}
		}()

		fn()
	}()
}
