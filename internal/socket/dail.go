package socket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lattesec/modfleet/pkg/log"
)

// DailForever dials until it succeeds or ctx is done. Every failure is
// followed by the same fixed ReconnectionDelay. Only the first failure of
// an outage is logged at info; the rest stay at debug.
func DailForever(ctx context.Context, cfg *ConnConfig) (*Conn, error) {
	notified := false
	for attempt := 1; ; attempt++ {
		conn, err := dialOnce(ctx, cfg)
		if err == nil {
			if notified {
				log.New(log.INFO, "reached controller").
					WithMeta("conn", cfg.Name).
					WithMeta("peer", cfg.Address).
					WithMeta("attempts", attempt).
					Send()
			}
			return conn, nil
		}

		if ctx.Err() != nil {
			return nil, errors.Join(ErrDialCancelled, ctx.Err())
		}

		if !notified {
			log.New(log.INFO, "FAILED to reach controller, retrying quietly").
				WithMeta("conn", cfg.Name).
				WithMeta("peer", cfg.Address).
				WithMeta("error", err).
				Send()
			notified = true
		} else {
			log.New(log.DEBUG, "dial failed").
				WithMeta("conn", cfg.Name).
				WithMeta("peer", cfg.Address).
				WithMetaf("attempt", "%d", attempt).
				WithMeta("error", err).
				Send()
		}

		t := time.NewTimer(cfg.ReconnectionDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Join(ErrDialCancelled, ctx.Err())
		case <-t.C:
		}
	}
}

func dialOnce(ctx context.Context, cfg *ConnConfig) (*Conn, error) {
	raw, err := cfg.dialer().DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Address, err)
	}

	if cfg.UseTLS {
		tlsConn, err := WrapTLS(raw, cfg.TLSConfig)
		if err != nil {
			return nil, errors.Join(ErrTLSUpgradeFailed, err, raw.Close())
		}
		return NewConnWithRaw(tlsConn, cfg), nil
	}

	return NewConnWithRaw(raw, cfg), nil
}
