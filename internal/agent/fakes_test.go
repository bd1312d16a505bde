package agent

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lattesec/modfleet/internal/config"
	"github.com/lattesec/modfleet/internal/identity"
	"github.com/lattesec/modfleet/internal/socket"
	"github.com/lattesec/modfleet/internal/status"
	"github.com/stretchr/testify/require"
)

var testIdentity = identity.Static{MAC: "00:1a:2b:3c:4d:5e", Release: "6.1.0-test"}

type fakeStatus struct {
	mu         sync.Mutex
	reports    int
	challenges [][3]string
	err        error
}

func (f *fakeStatus) Report() (status.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports++
	if f.err != nil {
		return nil, f.err
	}
	return status.Report{"uptime": 5}, nil
}

func (f *fakeStatus) Challenge(id, iv, msg string) (status.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challenges = append(f.challenges, [3]string{id, iv, msg})
	return status.Report{"answer": id + iv + msg}, nil
}

func (f *fakeStatus) Reports() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reports
}

type fakeModules struct {
	mu        sync.Mutex
	installed []string
	revoked   []string
	loaded    map[string]bool
	panicOn   string
}

func (f *fakeModules) Install(_ context.Context, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed = append(f.installed, path)
}

func (f *fakeModules) Revoke(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == f.panicOn {
		panic("rmmod exploded")
	}
	if !f.loaded[name] {
		return errors.New("Command '['rmmod', '" + name + "']' returned non-zero exit status 1.")
	}
	delete(f.loaded, name)
	f.revoked = append(f.revoked, name)
	return nil
}

func testConfig(t *testing.T) *config.Agent {
	t.Helper()
	cfg := config.DefaultAgent()
	cfg.MaxErrors = 3
	cfg.DownloadDir = t.TempDir()
	cfg.RetryInterval = 5 * time.Millisecond
	return cfg
}

type servedSession struct {
	session *Session
	peer    net.Conn
	done    chan error
}

// serve runs a Session over an in-memory pipe; the returned peer plays
// the controller.
func serve(t *testing.T, cfg *config.Agent, deps Deps) *servedSession {
	t.Helper()
	local, peer := net.Pipe()
	require.NoError(t, peer.SetDeadline(time.Now().Add(5*time.Second)))

	connCfg := socket.DefaultConnConfig("pipe", "test-session", nil)
	connCfg.BufferSize = cfg.BufferSize
	s := NewSession(socket.NewConnWithRaw(local, connCfg), cfg, deps)

	done := make(chan error, 1)
	go func() {
		done <- s.Serve(context.Background())
		_ = local.Close()
	}()
	t.Cleanup(func() { _ = peer.Close() })
	return &servedSession{session: s, peer: peer, done: done}
}

func (s *servedSession) send(t *testing.T, msg string) {
	t.Helper()
	_, err := s.peer.Write([]byte(msg))
	require.NoError(t, err)
}

func (s *servedSession) recv(t *testing.T) string {
	t.Helper()
	buf := make([]byte, 64<<10)
	n, err := s.peer.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func (s *servedSession) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}
