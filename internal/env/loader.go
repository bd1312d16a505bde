package env

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/lattesec/log"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfigFilename = errors.New("invalid config filename")
	validConfigExtensions    = []string{".yaml", ".yml"}
)

// Loader merges every <name>.yaml / <name>.yml found along its search path,
// lowest priority first.
type Loader struct {
	paths []string
}

func NewLoader() *Loader {
	paths := resolvePaths()

	log.Debug().
		WithMeta("scope", "env").
		Msgf("using config paths: %s", strings.Join(paths, ", ")).Send()

	return &Loader{paths}
}

// NewLoaderWithPaths is NewLoader with an explicit search path.
func NewLoaderWithPaths(paths ...string) *Loader {
	return &Loader{paths: paths}
}

// Load merges config files into `out` (struct pointer). Values found in
// files override what `out` already holds; missing files are skipped.
//
// Usage:
//
//	l := NewLoader()
//	l.Load("agent", &config)
func (l *Loader) Load(filename string, out any) error {
	if err := isStructPointer(out); err != nil {
		return err
	}

	filename = filepath.Base(filename)
	if filename == "." || filename == string(filepath.Separator) {
		return ErrInvalidConfigFilename
	}

	found := 0
	for _, dir := range l.paths {
		for _, ext := range validConfigExtensions {
			ok, err := mergeFile(filepath.Join(dir, filename+ext), out, yaml.Unmarshal)
			if err != nil {
				return err
			}
			if ok {
				found++
			}
		}
	}

	log.Debug().
		WithMeta("scope", "env").
		WithMeta("files", found).
		Msgf("config loaded: %+v", out).Send()
	return nil
}
