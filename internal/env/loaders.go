package env

import (
	"path/filepath"

	"github.com/goccy/go-yaml"
	"github.com/lattesec/log"
)

// MustFn unwraps a (func, error) pair from FromYAML and friends, panicking
// on a bad filename.
func MustFn[T any](fn func(T) error, err error) func(T) error {
	if err != nil {
		panic(err)
	}
	return fn
}

// FromYAML returns a func that merges the file at pth into a config. pth
// may name the file with or without its .yml/.yaml extension. A missing
// file is not an error.
func FromYAML[T Configurable](pth string) (func(T) error, error) {
	pth = filepath.Clean(pth)
	if pth == "." {
		return nil, ErrInvalidConfigFilename
	}

	candidates := []string{pth + ".yml", pth + ".yaml"}
	if ext := filepath.Ext(pth); ext != "" {
		if ext != ".yaml" && ext != ".yml" {
			log.Warn().
				WithMeta("scope", "env").
				WithMeta("path", pth).
				Msg("invalid config extension").Send()
			return nil, ErrInvalidConfigFilename
		}
		candidates = []string{pth}
	}

	return func(cfg T) error {
		if err := isStructPointer(cfg); err != nil {
			return err
		}
		for _, cfgPath := range candidates {
			if _, err := mergeFile(cfgPath, cfg, unmarshalGoccy); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

func unmarshalGoccy(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}

// FromYAMLConfigs applies FromYAML for filename in every search directory.
func FromYAMLConfigs[T Configurable](filename string) (func(T) error, error) {
	filename = filepath.Clean(filename)
	if filename == "." {
		return nil, ErrInvalidConfigFilename
	}

	return func(cfg T) error {
		for _, dir := range resolvePaths() {
			apply, err := FromYAML[T](filepath.Join(dir, filename))
			if err != nil {
				return err
			}
			if err := apply(cfg); err != nil {
				return err
			}
		}
		return nil
	}, nil
}
