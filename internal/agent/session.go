package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/lattesec/modfleet/internal/config"
	"github.com/lattesec/modfleet/internal/helpers/nopanic"
	"github.com/lattesec/modfleet/internal/identity"
	"github.com/lattesec/modfleet/internal/protocol"
	"github.com/lattesec/modfleet/internal/socket"
	"github.com/lattesec/modfleet/internal/status"
	"github.com/lattesec/modfleet/pkg/log"
)

var (
	ErrTooManyErrors = errors.New("session error ceiling reached")
	ErrTransport     = errors.New("transport fault")
)

// StatusSource answers report and challenge requests.
type StatusSource interface {
	Report() (status.Report, error)
	Challenge(id, iv, msg string) (status.Report, error)
}

// ModuleManager loads and unloads kernel modules.
type ModuleManager interface {
	Install(ctx context.Context, path string)
	Revoke(ctx context.Context, name string) error
}

// Deps are the collaborators a session dispatches to.
type Deps struct {
	Status   StatusSource
	Modules  ModuleManager
	Identity identity.Source
}

// Session is the read/parse/dispatch loop of one connection. It owns the
// connection's error counter; a new connection gets a new Session.
type Session struct {
	conn *socket.Conn
	cfg  *config.Agent
	deps Deps

	errors int
	last   *protocol.Envelope

	revokedOK, revokeFailed int
}

func NewSession(conn *socket.Conn, cfg *config.Agent, deps Deps) *Session {
	return &Session{conn: conn, cfg: cfg, deps: deps}
}

// Errors is the current value of the session error counter.
func (s *Session) Errors() int { return s.errors }

// Revokes tells how many revoke_module commands ended in RevokeOK and in
// RevokeFailed on this connection.
func (s *Session) Revokes() (ok, failed int) { return s.revokedOK, s.revokeFailed }

// Serve runs until the connection fails or the error counter reaches
// MaxErrors. The returned error says which.
//
// A message that fails to parse leaves the previous envelope in place, so
// the last good command is dispatched again. Nothing is dispatched when
// no envelope has been parsed yet on this connection.
func (s *Session) Serve(ctx context.Context) error {
	for {
		b, err := s.conn.ReadMessage()
		if err != nil {
			log.New(log.INFO, "read failed, closing session").
				WithMeta("conn", s.conn.Config.Name).
				WithMeta("error", err).
				Send()
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}

		env, err := protocol.ParseEnvelope(b)
		if err != nil {
			log.New(log.WARN, "unparseable message").
				WithMeta("raw", protocol.Quote(b)).
				WithMeta("error", err).
				WithMetaf("errors", "%d", s.errors+1).
				Send()
			if s.fault() {
				log.Infof("max json errors reached")
				return ErrTooManyErrors
			}
			if s.last == nil {
				continue
			}
			env = s.last
		} else {
			log.Debugf("Received message: %s", env.Raw)
			s.last = env
		}

		name := env.Cmd.String()
		if err := nopanic.Call(name, func() error { return s.dispatch(ctx, env) }); err != nil {
			log.New(log.ERROR, "Command parsing error").
				WithMeta("cmd", name).
				WithMeta("envelope", string(env.Raw)).
				WithMeta("error", err).
				WithMetaf("errors", "%d", s.errors+1).
				WithCaller().
				Send()
			if s.fault() {
				log.Infof("Max exceptions recv, breaking connection")
				return ErrTooManyErrors
			}
		}
	}
}

func (s *Session) fault() bool {
	s.errors++
	return s.errors >= s.cfg.MaxErrors
}

func (s *Session) dispatch(ctx context.Context, env *protocol.Envelope) error {
	if !env.HasCmd() {
		return protocol.ErrMissingCmd
	}

	switch env.Cmd.Kind() {
	case protocol.CmdSendSymvers:
		log.Infof("requested module.symvers file")
		return s.sendSymvers()
	case protocol.CmdRecvModule:
		count, err := env.IntField("count")
		if err != nil {
			return err
		}
		log.Infof("prepare to recv modules, count = %d", count)
		return s.recvModules(ctx, count)
	case protocol.CmdRevokeModule:
		name, err := env.StringField("name")
		if err != nil {
			return err
		}
		log.Infof("revoke request received")
		result, err := s.revoke(ctx, name)
		if result == RevokeOK {
			s.revokedOK++
		} else {
			s.revokeFailed++
		}
		log.New(log.INFO, "revoke finished").
			WithMeta("module", name).
			WithMeta("result", result).
			Send()
		return err
	case protocol.CmdRunReport:
		log.Infof("report request received")
		return s.report(false)
	case protocol.CmdRunFullReport:
		log.Infof("full report request")
		return s.report(true)
	case protocol.CmdChallenge:
		log.Infof("challenge request")
		return s.challenge(env)
	case protocol.CmdUnknown:
		log.Debugf("ignoring command %q", string(env.Cmd))
	}
	return nil
}
