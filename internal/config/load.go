package config

import (
	"fmt"

	"github.com/lattesec/modfleet/internal/env"
	"github.com/spf13/pflag"
)

type bindable interface {
	env.Configurable
	BindFlags(fs *pflag.FlagSet)
}

// Load builds a config from defaults, the config search path (files named
// name.yml / name.yaml), an optional --config file and finally the command
// line flags. Flags that were set on the command line always win.
func Load[T bindable](name string, def func() T, loader *env.Loader, args []string) (T, error) {
	var zero T

	cfg := def()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	cfgFile := fs.String("config", "", "explicit config file (applied after the search path)")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return zero, err
	}

	merged := def()
	if loader != nil {
		if err := loader.Load(name, merged); err != nil {
			return zero, err
		}
	}
	if *cfgFile != "" {
		apply, err := env.FromYAML[T](*cfgFile)
		if err != nil {
			return zero, err
		}
		if err := apply(merged); err != nil {
			return zero, err
		}
	}

	final := pflag.NewFlagSet(name, pflag.ContinueOnError)
	merged.BindFlags(final)
	var setErr error
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" || setErr != nil {
			return
		}
		if err := final.Set(f.Name, f.Value.String()); err != nil {
			setErr = fmt.Errorf("flag --%s: %w", f.Name, err)
		}
	})
	if setErr != nil {
		return zero, setErr
	}

	if err := merged.Validate(); err != nil {
		return zero, err
	}
	return merged, nil
}
