package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/lattesec/modfleet/internal/filexfer"
	"github.com/lattesec/modfleet/internal/protocol"
	"github.com/lattesec/modfleet/internal/status"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultDeps() (Deps, *fakeStatus, *fakeModules) {
	st := &fakeStatus{}
	mods := &fakeModules{loaded: map[string]bool{}}
	return Deps{Status: st, Modules: mods, Identity: testIdentity}, st, mods
}

func decodeReply(t *testing.T, s string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &out), s)
	return out
}

func TestSession_ErrorCeiling(t *testing.T) {
	deps, _, _ := defaultDeps()
	s := serve(t, testConfig(t), deps)

	for i := 0; i < 3; i++ {
		s.send(t, "{not json")
	}
	assert.ErrorIs(t, s.wait(t), ErrTooManyErrors)
	assert.Equal(t, 3, s.session.Errors())
}

func TestSession_BelowCeilingThenSuccess(t *testing.T) {
	deps, st, _ := defaultDeps()
	s := serve(t, testConfig(t), deps)

	s.send(t, "{not json")
	s.send(t, "garbage")
	s.send(t, `{"cmd": "run_report"}`)
	assert.Equal(t, float64(5), decodeReply(t, s.recv(t))["uptime"])

	require.NoError(t, s.peer.Close())
	err := s.wait(t)
	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrTooManyErrors)
	assert.Equal(t, 2, s.session.Errors())
	assert.Equal(t, 1, st.Reports())
}

func TestSession_ParseFailureRedispatchesLast(t *testing.T) {
	deps, st, _ := defaultDeps()
	s := serve(t, testConfig(t), deps)

	s.send(t, `{"cmd": "run_report"}`)
	s.recv(t)
	s.send(t, `{"cmd": "run_rep`)
	assert.Equal(t, float64(5), decodeReply(t, s.recv(t))["uptime"])

	require.NoError(t, s.peer.Close())
	s.wait(t)
	assert.Equal(t, 2, st.Reports())
	assert.Equal(t, 1, s.session.Errors())
}

func TestSession_UnknownCommandIgnored(t *testing.T) {
	deps, _, _ := defaultDeps()
	s := serve(t, testConfig(t), deps)

	s.send(t, `{"cmd": "reboot"}`)
	s.send(t, `{"cmd": "run_report"}`)
	s.recv(t)

	require.NoError(t, s.peer.Close())
	s.wait(t)
	assert.Zero(t, s.session.Errors())
}

func TestSession_CommandFaults(t *testing.T) {
	deps, _, mods := defaultDeps()
	mods.panicOn = "boom.ko"
	s := serve(t, testConfig(t), deps)

	s.send(t, `{"name": "no-cmd.ko"}`)
	s.send(t, `{"cmd": "recv_module"}`)
	s.send(t, `{"cmd": "revoke_module", "name": "boom.ko"}`)
	assert.ErrorIs(t, s.wait(t), ErrTooManyErrors)
}

func TestSession_RevokeModule(t *testing.T) {
	deps, _, mods := defaultDeps()
	mods.loaded["foo.ko"] = true
	s := serve(t, testConfig(t), deps)

	s.send(t, `{"cmd": "revoke_module", "name": "foo.ko"}`)
	assert.Equal(t, protocol.AckSuccess, s.recv(t))

	s.send(t, `{"cmd": "revoke_module", "name": "foo.ko"}`)
	reply := s.recv(t)
	assert.NotEqual(t, protocol.AckSuccess, reply)
	assert.Contains(t, reply, "non-zero exit status")

	require.NoError(t, s.peer.Close())
	s.wait(t)
	assert.Equal(t, []string{"foo.ko"}, mods.revoked)
	assert.Zero(t, s.session.Errors(), "revoke failures are reported, not counted")
	ok, failed := s.session.Revokes()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)
}

func TestSession_RecvModules(t *testing.T) {
	deps, _, mods := defaultDeps()
	cfg := testConfig(t)
	s := serve(t, cfg, deps)

	s.send(t, `{"cmd": "recv_module", "count": 2}`)
	assert.Equal(t, protocol.AckClearToSend, s.recv(t))

	bodies := []string{"first module body", "second"}
	for i, name := range []string{"a.ko", "b.ko"} {
		hdr, err := protocol.MarshalIndent(protocol.FileHeader{Name: name, Size: int64(len(bodies[i]))})
		require.NoError(t, err)
		s.send(t, string(hdr))
		assert.Equal(t, protocol.AckClearToSend, s.recv(t))
		s.send(t, bodies[i])
	}

	require.NoError(t, s.peer.Close())
	s.wait(t)

	assert.Equal(t, []string{
		filepath.Join(cfg.DownloadDir, "a.ko"),
		filepath.Join(cfg.DownloadDir, "b.ko"),
	}, mods.installed)
	got, err := os.ReadFile(filepath.Join(cfg.DownloadDir, "b.ko"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
	assert.Zero(t, s.session.Errors())
}

func TestSession_RecvModuleTraversalCounted(t *testing.T) {
	deps, _, mods := defaultDeps()
	s := serve(t, testConfig(t), deps)

	s.send(t, `{"cmd": "recv_module", "count": 1}`)
	s.recv(t)
	s.send(t, `{"name": "../../lib/evil.ko", "size": 4}`)
	assert.Contains(t, s.recv(t), filexfer.RefusalPrefix)

	require.NoError(t, s.peer.Close())
	s.wait(t)
	assert.Empty(t, mods.installed)
	assert.Equal(t, 1, s.session.Errors())
}

func TestSession_SendSymvers(t *testing.T) {
	deps, _, _ := defaultDeps()
	cfg := testConfig(t)
	cfg.SymversPath = filepath.Join(t.TempDir(), "Module.symvers")
	require.NoError(t, os.WriteFile(cfg.SymversPath, []byte("0x1234\tprintk\tvmlinux\tEXPORT_SYMBOL\n"), 0o644))
	s := serve(t, cfg, deps)

	s.send(t, `{"cmd": "send_symvers"}`)
	hdr := decodeReply(t, s.recv(t))
	assert.Equal(t, protocol.DefaultSymversName, hdr["name"])
	assert.Equal(t, float64(36), hdr["size"])

	s.send(t, protocol.AckClearToSend)
	assert.Contains(t, s.recv(t), "printk")

	require.NoError(t, s.peer.Close())
	s.wait(t)
	assert.Zero(t, s.session.Errors())
}

func TestSession_SendSymversMissingFile(t *testing.T) {
	deps, _, _ := defaultDeps()
	cfg := testConfig(t)
	cfg.SymversPath = filepath.Join(t.TempDir(), "missing")
	s := serve(t, cfg, deps)

	s.send(t, `{"cmd": "send_symvers"}`)
	hdr := decodeReply(t, s.recv(t))
	assert.Equal(t, protocol.DefaultSymversName, hdr["name"])
	assert.Equal(t, float64(filexfer.UnavailableSize), hdr["size"])

	// The agent does not wait for a clearance and keeps serving.
	s.send(t, `{"cmd": "run_report"}`)
	assert.Contains(t, s.recv(t), "uptime")

	require.NoError(t, s.peer.Close())
	s.wait(t)
	assert.Equal(t, 1, s.session.Errors())
}

func TestSession_RecvModuleHugeCount(t *testing.T) {
	deps, _, mods := defaultDeps()
	s := serve(t, testConfig(t), deps)

	s.send(t, `{"cmd": "recv_module", "count": 68719476736}`)
	assert.Contains(t, s.recv(t), filexfer.RefusalPrefix)

	s.send(t, `{"cmd": "run_report"}`)
	assert.Contains(t, s.recv(t), "uptime")

	require.NoError(t, s.peer.Close())
	s.wait(t)
	assert.Equal(t, 1, s.session.Errors())
	assert.Empty(t, mods.installed)
}

func TestSession_FullReportAndChallenge(t *testing.T) {
	deps, st, _ := defaultDeps()
	s := serve(t, testConfig(t), deps)

	s.send(t, `{"cmd": "run_full_report"}`)
	full := decodeReply(t, s.recv(t))
	assert.Equal(t, testIdentity.MAC, full["mac"])
	assert.Equal(t, testIdentity.Release, full["release"])
	assert.Equal(t, float64(5), full["uptime"])

	s.send(t, `{"cmd": "challenge", "id": 7, "iv": "abcd", "msg": "nonce"}`)
	assert.Equal(t, "7abcdnonce", decodeReply(t, s.recv(t))["answer"])

	require.NoError(t, s.peer.Close())
	s.wait(t)
	assert.Equal(t, [][3]string{{"7", "abcd", "nonce"}}, st.challenges)
}

func TestSession_StatusSentinelIsEmptyReport(t *testing.T) {
	deps, _, _ := defaultDeps()
	deps.Status = &status.Client{
		MsgType: netlink.Done,
		Dial: func() (status.Conn, error) {
			return nltest.Dial(func([]netlink.Message) ([]netlink.Message, error) {
				return []netlink.Message{{Data: []byte("Failed to create cust report")}}, nil
			}), nil
		},
	}
	s := serve(t, testConfig(t), deps)

	s.send(t, `{"cmd": "run_report"}`)
	assert.Equal(t, map[string]any{}, decodeReply(t, s.recv(t)))

	require.NoError(t, s.peer.Close())
	s.wait(t)
	assert.Zero(t, s.session.Errors())
}
