// Package kmod loads and unloads kernel modules through the platform's
// insmod and rmmod tools.
package kmod

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/lattesec/modfleet/pkg/log"
)

var ErrEmptyName = errors.New("module name is empty")

// Runner executes one command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs real subprocesses. There is no timeout: a hung insmod
// blocks its caller.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// CommandError carries the failing command line and what it printed.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed: %v", e.Args, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

type Manager struct {
	Insmod string
	Rmmod  string
	Runner Runner
}

func NewManager(insmod, rmmod string, runner Runner) *Manager {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Manager{Insmod: insmod, Rmmod: rmmod, Runner: runner}
}

// Install loads the module file at path. Failures are logged and dropped;
// the controller never hears about them.
func (m *Manager) Install(ctx context.Context, path string) {
	out, err := m.Runner.Run(ctx, m.Insmod, path)
	if err != nil {
		log.Infof("Exception: %v", &CommandError{Args: []string{m.Insmod, path}, Output: string(out), Err: err})
		return
	}
	log.Infof("installed %s", path)
}

// Revoke unloads the named module. Any failure, including a missing rmmod
// binary, is returned as a *CommandError for the caller to report.
func (m *Manager) Revoke(ctx context.Context, name string) error {
	if name == "" {
		return ErrEmptyName
	}
	out, err := m.Runner.Run(ctx, m.Rmmod, name)
	if err != nil {
		return &CommandError{Args: []string{m.Rmmod, name}, Output: string(out), Err: err}
	}
	return nil
}
