// Env package is meant to be used for loading config files
//
// Usage:
//
//	cfg := config.DefaultAgent()
//	loader := env.NewLoader()
//	if err := loader.Load("agent", cfg); err != nil {
//		panic(err)
//	}
//	apply := env.MustFn(env.FromYAML[*config.Agent]("/path/to/agent.yml"))
//	if err := apply(cfg); err != nil {
//		panic(err)
//	}
package env

import (
	"errors"
	"reflect"
)

var (
	ErrNotPointer         = errors.New("not a pointer")
	ErrNilPointer         = errors.New("nil pointer")
	ErrInvalidPointerKind = errors.New("invalid pointer")
)

// Configurable is any config value object that can check itself.
type Configurable interface {
	Validate() error
}

func isStructPointer(v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer {
		return ErrNotPointer
	}
	if rv.IsNil() {
		return ErrNilPointer
	}
	if rv.Elem().Kind() != reflect.Struct {
		return ErrInvalidPointerKind
	}
	return nil
}

// newEmpty returns a pointer to a zero value of the struct v points to.
func newEmpty(v any) any {
	return reflect.New(reflect.TypeOf(v).Elem()).Interface()
}
