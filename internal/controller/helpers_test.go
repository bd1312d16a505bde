package controller

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lattesec/modfleet/internal/agent"
	"github.com/lattesec/modfleet/internal/config"
	"github.com/lattesec/modfleet/internal/identity"
	"github.com/lattesec/modfleet/internal/kmod"
	"github.com/lattesec/modfleet/internal/socket"
	"github.com/lattesec/modfleet/internal/status"
	"github.com/lattesec/modfleet/pkg/log"
)

func TestMain(m *testing.M) {
	if err := log.Init("", log.TRACE); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

var hostIdentity = identity.Static{MAC: "00:1a:2b:3c:4d:5e", Release: "6.1.0-test"}

// moduleTable stands in for insmod/rmmod: rmmod fails for anything not
// loaded, the way the real tool exits non-zero.
type moduleTable struct {
	mu     sync.Mutex
	loaded map[string]bool
	calls  []string
}

func newModuleTable(loaded ...string) *moduleTable {
	t := &moduleTable{loaded: map[string]bool{}}
	for _, name := range loaded {
		t.loaded[name] = true
	}
	return t
}

func (t *moduleTable) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, name+" "+strings.Join(args, " "))
	switch name {
	case "insmod":
		t.loaded[args[0]] = true
		return nil, nil
	case "rmmod":
		if !t.loaded[args[0]] {
			return []byte("rmmod: ERROR: Module " + args[0] + " is not currently loaded"), errors.New("exit status 1")
		}
		delete(t.loaded, args[0])
		return nil, nil
	}
	return nil, errors.New("unexpected command " + name)
}

func (t *moduleTable) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

type staticStatus struct{}

func (staticStatus) Report() (status.Report, error) {
	return status.Report{"uptime": 1}, nil
}

func (staticStatus) Challenge(id, iv, msg string) (status.Report, error) {
	return status.Report{"id": id, "answer": iv + msg}, nil
}

func agentConfig(t *testing.T) *config.Agent {
	t.Helper()
	cfg := config.DefaultAgent()
	cfg.DownloadDir = t.TempDir()
	cfg.RetryInterval = 10 * time.Millisecond
	return cfg
}

func agentDeps(mods *moduleTable) agent.Deps {
	return agent.Deps{
		Status:   staticStatus{},
		Modules:  kmod.NewManager("insmod", "rmmod", mods),
		Identity: hostIdentity,
	}
}

// pairSessions connects a controller Session to a live agent Session.
func pairSessions(t *testing.T, cfg *config.Agent, mods *moduleTable) *Session {
	t.Helper()
	ctrl, dev := net.Pipe()

	agentConn := socket.DefaultConnConfig("pipe", "agent", nil)
	agentConn.BufferSize = cfg.BufferSize
	as := agent.NewSession(socket.NewConnWithRaw(dev, agentConn), cfg, agentDeps(mods))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = as.Serve(context.Background())
		_ = dev.Close()
	}()
	t.Cleanup(func() {
		_ = ctrl.Close()
		<-done
	})

	ctrlConn := socket.DefaultConnConfig("pipe", "controller", nil)
	return NewSession("test", socket.NewConnWithRaw(ctrl, ctrlConn), 1024, 10, 5*time.Second)
}
