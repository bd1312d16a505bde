package controller

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lattesec/modfleet/internal/config"
	"github.com/lattesec/modfleet/internal/filexfer"
	"github.com/lattesec/modfleet/internal/fleetstore"
	"github.com/lattesec/modfleet/internal/helpers/nopanic"
	"github.com/lattesec/modfleet/internal/protocol"
	"github.com/lattesec/modfleet/internal/socket"
	"github.com/lattesec/modfleet/pkg/log"
	"golang.org/x/sync/errgroup"
)

// Server accepts agents and runs one session per connected host.
type Server struct {
	cfg   *config.Controller
	store *fleetstore.Store
	tls   *tls.Config

	listener net.Listener
}

func NewServer(cfg *config.Controller, store *fleetstore.Store) (*Server, error) {
	s := &Server{cfg: cfg, store: store}
	if cfg.TLS.Enabled {
		tlsCfg, err := socket.ServerTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		s.tls = tlsCfg
	}
	return s, nil
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	l, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	if s.tls != nil {
		l = tls.NewListener(l, s.tls)
	}
	s.listener = l
	log.Infof("listening on %s (tls: %v)", l.Addr(), s.tls != nil)
	return nil
}

func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts agents until ctx is done, then waits for the running
// sessions to end. At most MaxSessions sessions run at once.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = s.listener.Close() })
	defer stop()

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxSessions)

	var err error
	for {
		raw, aerr := s.listener.Accept()
		if aerr != nil {
			if ctx.Err() == nil && !errors.Is(aerr, net.ErrClosed) {
				err = aerr
			}
			break
		}
		g.Go(func() error {
			nopanic.NoPanicRunVoid("controller session", func() { s.handle(ctx, raw) })
			return nil
		})
	}
	return errors.Join(err, g.Wait())
}

func (s *Server) handle(ctx context.Context, raw net.Conn) {
	id := uuid.New().String()
	conn := socket.NewConnWithRaw(raw, &socket.ConnConfig{
		Address:    raw.RemoteAddr().String(),
		Name:       "agent-" + id[:8],
		UseTLS:     s.tls != nil,
		BufferSize: s.cfg.BufferSize,
	})
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sess := NewSession(id, conn, s.cfg.BufferSize, s.cfg.MaxErrors, s.cfg.ReplyTimeout)
	ident, err := sess.Handshake(s.cfg.HandshakeTimeout)
	if err != nil {
		log.New(log.WARN, "handshake failed").WithMeta("session", id).WithMeta("error", err).Send()
		return
	}

	host, err := s.store.UpsertHost(ctx, ident, time.Now())
	if err != nil {
		log.New(log.ERROR, "register host").WithMeta("mac", ident.MAC).WithMeta("error", err).Send()
		return
	}
	log.New(log.INFO, "agent connected").
		WithMeta("session", id).
		WithMeta("host", host.ID).
		WithMeta("mac", host.MAC).
		WithMeta("release", host.Release).
		Send()

	w := &worker{srv: s, sess: sess, host: host, revoker: NewRevoker(s.store, sess)}
	err = w.run(ctx)
	log.New(log.INFO, "session closed").
		WithMeta("session", id).
		WithMeta("host", host.ID).
		WithMeta("errors", sess.Errors()).
		WithMeta("reason", err).
		Send()
}

// worker is the per host loop of a session.
type worker struct {
	srv     *Server
	sess    *Session
	host    fleetstore.Host
	revoker *Revoker
	cycles  int
}

var errCeiling = errors.New("session error ceiling reached")

func (w *worker) run(ctx context.Context) error {
	if dir := w.symversDir(); dir != "" {
		_, err := w.sess.RequestSymvers(dir)
		if err := w.check("symvers", err); err != nil {
			return err
		}
	}

	t := time.NewTicker(w.srv.cfg.PollInterval)
	defer t.Stop()
	for {
		if err := w.cycle(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// symversDir is where the host's dependency file goes, or "" when it is
// already on file or collection is disabled.
func (w *worker) symversDir() string {
	if w.srv.cfg.SymversDir == "" {
		return ""
	}
	dir := filepath.Join(w.srv.cfg.SymversDir, hostDir(w.host.MAC))
	if _, err := os.Stat(filepath.Join(dir, protocol.DefaultSymversName)); err == nil {
		return ""
	}
	return dir
}

// cycle delivers queued modules, sweeps pending revocations, relays
// queued challenges and pulls a report. Every FullReportEvery cycles,
// starting with the first, the report is a full one and is stored.
func (w *worker) cycle(ctx context.Context) error {
	if err := w.check("deliver", w.deliver(ctx)); err != nil {
		return err
	}

	n, err := w.revoker.RevokePending(ctx, w.host.ID)
	if n > 0 {
		log.Infof("%s: %d revocation(s) completed", w.sess, n)
	}
	if err := w.check("revoke", err); err != nil {
		return err
	}

	if err := w.check("challenge", w.challenges(ctx)); err != nil {
		return err
	}

	full := w.cycles%w.srv.cfg.FullReportEvery == 0
	w.cycles++
	if !full {
		_, err := w.sess.Report()
		if err == nil {
			err = w.srv.store.TouchHost(ctx, w.host.ID, time.Now())
		}
		return w.check("report", err)
	}
	_, raw, err := w.sess.FullReport()
	if err == nil {
		err = w.srv.store.RecordReport(ctx, w.host.ID, raw, time.Now())
	}
	return w.check("full report", err)
}

// challenges relays every unanswered challenge of the host and stores the
// answers.
func (w *worker) challenges(ctx context.Context) error {
	pending, err := w.srv.store.PendingChallenges(ctx, w.host.ID)
	if err != nil {
		return fmt.Errorf("%w: pending challenges: %w", ErrStore, err)
	}
	for _, c := range pending {
		_, raw, err := w.sess.Challenge(c.CustID, c.IV, c.Msg)
		if err != nil {
			return err
		}
		if err := w.srv.store.RecordChallengeReply(ctx, c.ID, raw, time.Now()); err != nil {
			return fmt.Errorf("%w: challenge %d: %w", ErrStore, c.ID, err)
		}
		log.New(log.INFO, "challenge answered").
			WithMeta("session", w.sess.ID).
			WithMeta("challenge", c.ID).
			Send()
	}
	return nil
}

// deliver pushes every module waiting in the host's outbox directory,
// registers it as built and removes it from the outbox.
func (w *worker) deliver(ctx context.Context) error {
	if w.srv.cfg.OutboxDir == "" {
		return nil
	}
	dir := filepath.Join(w.srv.cfg.OutboxDir, hostDir(w.host.MAC))
	paths, err := filepath.Glob(filepath.Join(dir, "*.ko"))
	if err != nil || len(paths) == 0 {
		return err
	}
	sort.Strings(paths)
	if len(paths) > filexfer.MaxBatch {
		paths = paths[:filexfer.MaxBatch]
	}

	if err := w.sess.PushModules(paths); err != nil {
		return err
	}
	for _, p := range paths {
		if _, err := w.srv.store.AddBuiltModule(ctx, w.host.ID, filepath.Base(p), time.Now()); err != nil {
			return errors.Join(ErrStore, err)
		}
		if err := os.Remove(p); err != nil {
			return err
		}
	}
	return nil
}

// check logs err and decides whether the session goes on. A transport
// error ends it. Revocations the host refused are an answer, not a fault,
// and are not counted.
func (w *worker) check(step string, err error) error {
	if err == nil {
		return nil
	}
	log.New(log.WARN, step+" failed").
		WithMeta("session", w.sess.ID).
		WithMeta("host", w.host.ID).
		WithMeta("error", err).
		Send()
	if errors.Is(err, ErrTransport) {
		return err
	}
	if errors.Is(err, ErrDeviceReported) && !errors.Is(err, ErrStore) {
		return nil
	}
	if w.sess.Fault() {
		return errCeiling
	}
	return nil
}

// hostDir names a host's directory after its MAC.
func hostDir(mac string) string {
	return strings.ReplaceAll(strings.ToLower(mac), ":", "-")
}
