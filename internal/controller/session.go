package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lattesec/modfleet/internal/filexfer"
	"github.com/lattesec/modfleet/internal/protocol"
	"github.com/lattesec/modfleet/internal/socket"
	"github.com/lattesec/modfleet/pkg/log"
)

// ErrTransport marks failures of the connection itself. A session that
// sees one is over.
var ErrTransport = errors.New("agent connection failed")

// Session is the controller's end of one agent connection. Every method
// sends one command and waits for its reply; calls must not overlap.
type Session struct {
	ID   string
	conn *socket.Conn

	bufSize      int
	maxErrors    int
	replyTimeout time.Duration

	errors int
}

func NewSession(id string, conn *socket.Conn, bufSize, maxErrors int, replyTimeout time.Duration) *Session {
	return &Session{
		ID:           id,
		conn:         conn,
		bufSize:      bufSize,
		maxErrors:    maxErrors,
		replyTimeout: replyTimeout,
	}
}

func (s *Session) String() string { return s.conn.Logf("session=%s", s.ID) }

// Fault counts one failed exchange and reports whether the session has
// reached its error ceiling.
func (s *Session) Fault() bool {
	s.errors++
	return s.errors >= s.maxErrors
}

func (s *Session) Errors() int { return s.errors }

// Handshake reads the identity an agent sends right after connecting.
func (s *Session) Handshake(timeout time.Duration) (protocol.HostIdentity, error) {
	var id protocol.HostIdentity
	if err := s.deadline(timeout); err != nil {
		return id, err
	}
	b, err := s.conn.ReadJSON()
	if err != nil {
		return id, fmt.Errorf("%w: handshake: %w", ErrTransport, err)
	}
	if err := json.Unmarshal(b, &id); err != nil {
		return id, fmt.Errorf("%w: handshake %s: %v", protocol.ErrMalformed, protocol.Quote(b), err)
	}
	if id.MAC == "" {
		return id, fmt.Errorf("%w: handshake without mac", protocol.ErrMissingField)
	}
	return id, nil
}

// RequestSymvers asks for the agent's dependency file and stores it in dir.
// An agent without the file answers with filexfer.ErrUnavailable.
func (s *Session) RequestSymvers(dir string) (filexfer.Received, error) {
	if err := s.command(protocol.CmdSendSymvers, nil); err != nil {
		return filexfer.Received{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return filexfer.Received{}, err
	}
	rcv, err := filexfer.Receive(s.conn.Stream(), s.bufSize, dir)
	if err != nil {
		return rcv, s.transport(err)
	}
	log.Infof("%s: received %s (%d bytes)", s, rcv.Header.FileName(), rcv.Written)
	return rcv, nil
}

// PushModules delivers the given module files in one recv_module batch.
func (s *Session) PushModules(paths []string) error {
	if err := s.command(protocol.CmdRecvModule, map[string]any{"count": len(paths)}); err != nil {
		return err
	}
	if _, err := s.conn.ExpectAck(protocol.AckClearToSend); err != nil {
		return s.transport(err)
	}

	for _, p := range paths {
		if err := s.pushOne(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) pushOne(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	hdr := protocol.FileHeader{Name: filepath.Base(path), Size: st.Size()}
	if err := s.deadline(s.replyTimeout); err != nil {
		return err
	}
	n, err := filexfer.SendHeaderAndBody(s.conn.Stream(), s.bufSize, hdr, f)
	if err != nil {
		return s.transport(err)
	}
	log.Infof("%s: pushed %s (%d bytes)", s, hdr.Name, n)
	return nil
}

// Report pulls a status report.
func (s *Session) Report() (map[string]any, error) {
	r, _, err := s.report(protocol.CmdRunReport, nil)
	return r, err
}

// FullReport pulls a status report with the host identity merged in. The
// raw reply is returned for storage.
func (s *Session) FullReport() (map[string]any, []byte, error) {
	return s.report(protocol.CmdRunFullReport, nil)
}

// Challenge relays a challenge to the agent's status interface and
// returns the decoded and the raw answer.
func (s *Session) Challenge(id, iv, msg string) (map[string]any, []byte, error) {
	return s.report(protocol.CmdChallenge, map[string]any{"id": id, "iv": iv, "msg": msg})
}

func (s *Session) report(cmd protocol.Command, fields map[string]any) (map[string]any, []byte, error) {
	if err := s.command(cmd, fields); err != nil {
		return nil, nil, err
	}
	b, err := s.conn.ReadJSON()
	if err != nil {
		return nil, nil, s.transport(err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, b, fmt.Errorf("%w: %s reply %s: %v", protocol.ErrMalformed, cmd, protocol.Quote(b), err)
	}
	return out, b, nil
}

// RevokeModule asks the agent to unload name and returns its one-read
// reply: "success" or the agent's failure text.
func (s *Session) RevokeModule(name string) (string, error) {
	if err := s.command(protocol.CmdRevokeModule, map[string]any{"name": name}); err != nil {
		return "", err
	}
	b, err := s.conn.ReadMessage()
	if err != nil {
		return "", s.transport(err)
	}
	return string(b), nil
}

func (s *Session) command(cmd protocol.Command, fields map[string]any) error {
	env, err := protocol.NewEnvelope(cmd, fields)
	if err != nil {
		return err
	}
	b, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := s.deadline(s.replyTimeout); err != nil {
		return err
	}
	log.Debugf("%s: send %s", s, cmd)
	if _, err := s.conn.Write(b); err != nil {
		return s.transport(err)
	}
	return nil
}

func (s *Session) deadline(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if err := s.conn.Raw().SetDeadline(time.Now().Add(d)); err != nil {
		return s.transport(err)
	}
	return nil
}

func (s *Session) transport(err error) error {
	if errors.Is(err, protocol.ErrUnexpectedAck) || errors.Is(err, filexfer.ErrRefused) ||
		errors.Is(err, filexfer.ErrUnsafeName) || errors.Is(err, filexfer.ErrInvalidSize) ||
		errors.Is(err, filexfer.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
