package agent

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/lattesec/modfleet/internal/filexfer"
	"github.com/lattesec/modfleet/internal/protocol"
	"github.com/lattesec/modfleet/pkg/log"
)

// Revoke results.
const (
	RevokeOK     = 0
	RevokeFailed = -1
)

func (s *Session) sendSymvers() error {
	n, err := filexfer.Send(s.conn.Stream(), s.cfg.BufferSize, protocol.DefaultSymversName, s.cfg.SymversPath)
	if errors.Is(err, filexfer.ErrRefused) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("send symvers: %w", err)
	}
	log.Infof("symvers file sent (%d bytes)", n)
	return nil
}

func (s *Session) recvModules(ctx context.Context, count int) error {
	if err := os.MkdirAll(s.cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("download dir: %w", err)
	}
	_, err := filexfer.ReceiveMany(s.conn.Stream(), s.cfg.BufferSize, s.cfg.DownloadDir, count, func(r filexfer.Received) {
		s.deps.Modules.Install(ctx, r.Path)
		log.Infof("module name = %s completed", r.Header.FileName())
	})
	if err != nil {
		return err
	}
	log.Infof("finished all ko modules")
	return nil
}

// revoke unloads name and tells the controller how it went. An unload
// failure is reported to the peer and as RevokeFailed; only a failed
// reply is an error.
func (s *Session) revoke(ctx context.Context, name string) (int, error) {
	log.Infof("revoke module = %s/%s", s.cfg.DownloadDir, name)

	reply, result := protocol.AckSuccess, RevokeOK
	if err := s.deps.Modules.Revoke(ctx, name); err != nil {
		log.Infof("Exception: %v", err)
		reply, result = err.Error(), RevokeFailed
	}
	if err := s.conn.WriteAck(reply); err != nil {
		return result, fmt.Errorf("revoke reply: %w", err)
	}
	return result, nil
}

func (s *Session) report(full bool) error {
	r, err := s.deps.Status.Report()
	if err != nil {
		return err
	}
	kind := "Periodic report"
	if full {
		id, err := s.deps.Identity.Identity()
		if err != nil {
			return err
		}
		r["mac"] = id.MAC
		r["release"] = id.Release
		kind = "Full report"
	}
	b, err := protocol.MarshalIndent(r)
	if err != nil {
		return err
	}
	log.Infof("%s: %s", kind, b)
	_, err = s.conn.Write(b)
	return err
}

func (s *Session) challenge(env *protocol.Envelope) error {
	var fields [3]string
	for i, key := range []string{"id", "iv", "msg"} {
		v, err := env.TextField(key)
		if err != nil {
			return err
		}
		fields[i] = v
	}
	log.Infof("Challenge message %s", fields[2])

	r, err := s.deps.Status.Challenge(fields[0], fields[1], fields[2])
	if err != nil {
		return err
	}
	return s.conn.WriteJSON(r)
}
