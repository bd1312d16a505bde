package env

import (
	"os"
	"path/filepath"
)

const (
	MODFLEET_CONFIG_DIR_NAME = "modfleet"

	MODFLEET_CONFIG_DIR_ENV = "MODFLEET_CONFIG_DIR"
	MODFLEET_CWD_CONFIG_DIR = ".modfleet"
)

// In increasing priority order (later files override earlier ones)
//
// Check in these locations:
// /etc/modfleet/
// $XDG_CONFIG_HOME/modfleet/ OR $HOME/.config/modfleet/
// ./.modfleet/
// $MODFLEET_CONFIG_DIR/
func resolvePaths() []string {
	paths := []string{filepath.Join("/etc/", MODFLEET_CONFIG_DIR_NAME)}

	if cfgDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(cfgDir, MODFLEET_CONFIG_DIR_NAME))
	}

	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, MODFLEET_CWD_CONFIG_DIR))
	}

	if p := os.Getenv(MODFLEET_CONFIG_DIR_ENV); p != "" {
		paths = append(paths, p)
	}

	return paths
}
