package nopanic

import (
	"errors"
	"fmt"
	"time"

	"github.com/lattesec/log"
)

var ErrPanic = errors.New("recovered panic")

// RerunDelay is the pause between reruns of a panicking function.
var RerunDelay = 1 * time.Second

func run[T any](name string, rerun bool, fn func() T) (out T, recovered any) {
	for {
		var panicked bool

		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						WithMeta("scope", "nopanic").
						Msgf("panic in %s: %v", name, r).Send()
					panicked = true
					recovered = r
				}
			}()

			out = fn()
		}()

		if !panicked || !rerun {
			return
		}

		time.Sleep(RerunDelay)
	}
}

func NoPanicRunVoid(name string, fn func()) {
	run(name, false, func() any {
		fn()
		return nil
	})
}

// NoPanicReRun runs fn again, after RerunDelay, every time it panics.
func NoPanicReRun[T any](name string, fn func() T) (out T) {
	out, _ = run(name, true, fn)
	return out
}

// Call runs fn once and turns a panic into an error wrapping ErrPanic.
func Call(name string, fn func() error) error {
	err, r := run(name, false, fn)
	if r != nil {
		return fmt.Errorf("%w in %s: %v", ErrPanic, name, r)
	}
	return err
}
