package socket

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"
)

var (
	ErrAddressRequired   = errors.New("address is required")
	ErrInvalidBufferSize = errors.New("buffer size must be positive")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrTLSUpgradeFailed  = errors.New("tls upgrade failed")
	ErrDialCancelled     = errors.New("dial cancelled")
)

// Dialer is satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type ConnConfig struct {
	Address string // The address to connect to
	Name    string // The name of the connection. This only really holds significance in logs.

	UseTLS    bool
	TLSConfig *tls.Config

	ReconnectionDelay time.Duration // Fixed wait between connection attempts. No backoff, no jitter.

	BufferSize int // Size of the single read that carries one message

	Dialer Dialer // Defaults to a zero net.Dialer
}

func (c *ConnConfig) Validate() error {
	if c.Address == "" {
		return ErrAddressRequired
	}
	if c.BufferSize <= 0 {
		return ErrInvalidBufferSize
	}
	return nil
}

func (c *ConnConfig) dialer() Dialer {
	if c.Dialer != nil {
		return c.Dialer
	}
	return &net.Dialer{}
}

func DefaultConnConfig(address, name string, tlsCfg *tls.Config) *ConnConfig {
	return &ConnConfig{
		Address: address,
		Name:    name,

		UseTLS:    tlsCfg != nil,
		TLSConfig: tlsCfg,

		ReconnectionDelay: 5 * time.Second,

		BufferSize: 1024,
	}
}
