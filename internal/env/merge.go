package env

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"github.com/lattesec/log"
)

type unmarshalFunc func(data []byte, v any) error

// mergeFile overlays the YAML file at cfgPath onto out. It reports false
// when the file does not exist.
func mergeFile(cfgPath string, out any, unmarshal unmarshalFunc) (bool, error) {
	log.Debug().
		WithMeta("scope", "env").
		WithMeta("path", cfgPath).
		Msg("attempting to load config").Send()

	data, err := os.ReadFile(cfgPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		log.Error().
			WithMeta("scope", "env").
			WithMeta("path", cfgPath).
			Msgf("failed to read config file: %v", err).Send()
		return false, err
	}

	tmp := newEmpty(out)
	if err := unmarshal(data, tmp); err != nil {
		log.Warn().
			WithMeta("scope", "env").
			WithMeta("path", cfgPath).
			Msgf("failed to parse: %v", err).Send()
		return false, fmt.Errorf("failed to parse config from %s: %w", cfgPath, err)
	}

	if err := mergo.Merge(out, tmp, mergo.WithOverride); err != nil {
		return false, fmt.Errorf("failed to merge config from %s: %w", cfgPath, err)
	}

	log.Info().
		WithMeta("scope", "env").
		WithMeta("path", cfgPath).
		Msg("loaded config").Send()
	return true, nil
}
