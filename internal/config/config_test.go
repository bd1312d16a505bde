package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lattesec/modfleet/internal/env"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	a := DefaultAgent()
	require.NoError(t, a.Validate())
	assert.Equal(t, "127.0.0.1:65432", a.Address())
	assert.Equal(t, 1024, a.BufferSize)
	assert.Equal(t, 10, a.MaxErrors)

	require.NoError(t, DefaultController().Validate())
}

func TestAgent_Validate(t *testing.T) {
	a := DefaultAgent()
	a.ControllerHost = ""
	a.ControllerPort = 70000
	a.BufferSize = 0
	a.MaxErrors = 0
	a.Level = "chatty"

	err := a.Validate()
	assert.ErrorIs(t, err, ErrAddressRequired)
	assert.ErrorIs(t, err, ErrInvalidPort)
	assert.ErrorIs(t, err, ErrInvalidBufferSize)
	assert.ErrorIs(t, err, ErrInvalidMaxErrors)
}

func TestController_Validate(t *testing.T) {
	c := DefaultController()
	c.TLS.Enabled = true
	assert.Error(t, c.Validate())

	c.TLS.CertFile, c.TLS.KeyFile = "cert.pem", "key.pem"
	assert.NoError(t, c.Validate())

	c.FullReportEvery = 0
	assert.Error(t, c.Validate())
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent.yml"), []byte(
		"controller_host: 10.1.1.1\ncontroller_port: 7000\nmax_errors: 4\ninterface: wlan0\n"), 0o644))

	explicit := filepath.Join(t.TempDir(), "override.yml")
	require.NoError(t, os.WriteFile(explicit, []byte("controller_port: 8000\nbuffer_size: 2048\n"), 0o644))

	cfg, err := Load("agent", DefaultAgent, env.NewLoaderWithPaths(dir), []string{
		"--config", explicit,
		"--max-errors", "6",
		"--retry-interval", "250ms",
	})
	require.NoError(t, err)

	assert.Equal(t, "10.1.1.1", cfg.ControllerHost) // file
	assert.Equal(t, "wlan0", cfg.Interface)         // file
	assert.Equal(t, 8000, cfg.ControllerPort)       // --config
	assert.Equal(t, 2048, cfg.BufferSize)           // --config
	assert.Equal(t, 6, cfg.MaxErrors)               // flag
	assert.Equal(t, 250*time.Millisecond, cfg.RetryInterval)
	assert.Equal(t, "/var/lib/modfleet/modules", cfg.DownloadDir) // default
}

func TestLoad_InvalidResult(t *testing.T) {
	_, err := Load("controller", DefaultController, env.NewLoaderWithPaths(t.TempDir()), []string{"--max-sessions", "0"})
	assert.Error(t, err)

	_, err = Load("controller", DefaultController, nil, []string{"--no-such-flag"})
	assert.Error(t, err)
}
