package dispatch

import (
	"log/slog"
	"sync"

	"github.com/jmylchreest/echolistener/internal/transient"
)

var (
	defaultMu    sync.Mutex
	defaultQueue *Queue
)

// Default returns the process-wide queue, creating it on first use.
//
// The arguments only take effect on the call that creates the queue; later
// calls return the existing queue and ignore them, including a different
// gap. Prefer New and pass the queue explicitly.
func Default(player Player, store *transient.Store, opts Options, logger *slog.Logger) *Queue {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultQueue == nil {
		defaultQueue = New(player, store, opts, logger)
	}
	return defaultQueue
}
