package cleanup

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/lattesec/log"
	"github.com/lattesec/modfleet/internal/helpers/nopanic"
)

type CleanupFunc func() error

var (
	errMu      sync.Mutex
	errorIdGen uint64
	errorFns   = make(map[uint64]CleanupFunc)

	mu           sync.Mutex
	cleanupIdGen uint64
	cleanupFns   = make(map[uint64]CleanupFunc)
	order        []uint64
)

// Register registers a cleanup function
// that is called on exit. Functions run in reverse registration order.
func Register(fn CleanupFunc) uint64 {
	id := atomic.AddUint64(&cleanupIdGen, 1)
	mu.Lock()
	cleanupFns[id] = fn
	order = append(order, id)
	mu.Unlock()
	return id
}

// RegisterError registers an error cleanup function
// that is called on error exit
func RegisterError(fn CleanupFunc) uint64 {
	id := atomic.AddUint64(&errorIdGen, 1)
	errMu.Lock()
	errorFns[id] = fn
	errMu.Unlock()
	return id
}

// UnregisterError drops an error cleanup once the state it guards is
// committed.
func UnregisterError(id uint64) {
	errMu.Lock()
	delete(errorFns, id)
	errMu.Unlock()
}

func RunErrorCleanup() {
	errMu.Lock()
	fns := make([]CleanupFunc, 0, len(errorFns))
	for _, fn := range errorFns {
		fns = append(fns, fn)
	}
	errorFns = make(map[uint64]CleanupFunc)
	errMu.Unlock()
	runAll("error cleanup", fns)
}

func RunCleanup() {
	mu.Lock()
	fns := make([]CleanupFunc, 0, len(cleanupFns))
	for i := len(order) - 1; i >= 0; i-- {
		if fn, ok := cleanupFns[order[i]]; ok {
			fns = append(fns, fn)
		}
	}
	cleanupFns = make(map[uint64]CleanupFunc)
	order = nil
	mu.Unlock()
	runAll("cleanup", fns)
}

func runAll(kind string, fns []CleanupFunc) {
	for i, fn := range fns {
		name := fmt.Sprintf("%s %d", kind, i)
		if err := nopanic.Call(name, fn); err != nil {
			log.Error().
				WithMeta("scope", "cleanup").
				Msgf("%s failed: %v", name, err).Send()
		}
	}
}

// Notify returns a context that is cancelled on SIGINT or SIGTERM. It
// runs no cleanup itself: the caller runs RunCleanup once the work bound
// to ctx has returned. A second signal gets the default behaviour.
func Notify(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			log.Info().
				WithMeta("scope", "cleanup").
				WithMeta("signal", sig.String()).
				Msg("shutting down").Send()
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
