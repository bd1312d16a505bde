// Package agent is the host resident side of the protocol: it keeps a
// connection to the controller alive forever and serves the controller's
// commands over it.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/lattesec/modfleet/internal/config"
	"github.com/lattesec/modfleet/internal/socket"
	"github.com/lattesec/modfleet/pkg/log"
)

// Manager owns the connection lifecycle. Only Run changes its state.
type Manager struct {
	cfg  *config.Agent
	conn *socket.ConnConfig
	deps Deps

	state socket.AtomicState
}

// NewManager builds the connection settings from cfg. dialer may be nil.
func NewManager(cfg *config.Agent, deps Deps, dialer socket.Dialer) (*Manager, error) {
	var tlsCfg *tls.Config
	if cfg.TLS.Enabled {
		var err error
		tlsCfg, err = socket.ClientTLSConfig(cfg.TLS.CAFile, cfg.TLS.ServerName, cfg.TLS.InsecureSkipVerify)
		if err != nil {
			return nil, err
		}
	}

	conn := socket.DefaultConnConfig(cfg.Address(), "controller", tlsCfg)
	conn.ReconnectionDelay = cfg.RetryInterval
	conn.BufferSize = cfg.BufferSize
	conn.Dialer = dialer
	if err := conn.Validate(); err != nil {
		return nil, err
	}

	return &Manager{cfg: cfg, conn: conn, deps: deps}, nil
}

func (m *Manager) State() socket.ConnState { return m.state.Load() }

// Run connects, hands the connection to a Session and starts over when
// the session ends. It only returns once ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	for {
		err := m.runOnce(ctx)
		m.state.Store(socket.ConnStateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.New(log.INFO, "session ended, reconnecting").
			WithMeta("peer", m.conn.Address).
			WithMeta("reason", err).
			Send()
	}
}

func (m *Manager) runOnce(ctx context.Context) error {
	m.state.Store(socket.ConnStateConnecting)
	conn, err := socket.DailForever(ctx, m.conn)
	if err != nil {
		return err
	}
	defer conn.Close()

	// A blocked read only returns once the socket is closed.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	m.state.Store(socket.ConnStateHandshaking)
	if err := m.handshake(conn); err != nil {
		m.pause(ctx)
		return err
	}

	m.state.Store(socket.ConnStateServing)
	log.Info(conn.Logf("serving"))
	return NewSession(conn, m.cfg, m.deps).Serve(ctx)
}

// handshake sends the host identity as the initial report.
func (m *Manager) handshake(conn *socket.Conn) error {
	id, err := m.deps.Identity.Identity()
	if err != nil {
		return fmt.Errorf("host identity: %w", err)
	}
	log.New(log.INFO, "Initial report").
		WithMeta("mac", id.MAC).
		WithMeta("release", id.Release).
		Send()
	if err := conn.WriteJSON(id); err != nil {
		return errors.Join(socket.ErrConnectionClosed, err)
	}
	return nil
}

// pause keeps a failing handshake from spinning on a reachable controller.
func (m *Manager) pause(ctx context.Context) {
	t := time.NewTimer(m.cfg.RetryInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
