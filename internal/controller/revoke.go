// Package controller is the central side of the protocol: it accepts agent
// connections, drives revocations against them and records the outcome in
// the fleet store.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lattesec/modfleet/internal/fleetstore"
	"github.com/lattesec/modfleet/internal/protocol"
	"github.com/lattesec/modfleet/pkg/log"
)

var (
	// ErrStore wraps every fleet store failure met by the workflow.
	ErrStore = errors.New("fleet store error")
	// ErrDeviceReported matches any *DeviceError.
	ErrDeviceReported = errors.New("device reported revoke error")
)

// DeviceError is an agent's answer other than "success" to revoke_module.
// The revocation is not marked complete.
type DeviceError struct {
	HostID   int64
	ModuleID int64
	Module   string
	Reply    string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error revoking %s (module %d, host %d): %s", e.Module, e.ModuleID, e.HostID, e.Reply)
}

func (e *DeviceError) Is(target error) bool { return target == ErrDeviceReported }

// RevocationStore is the part of the fleet store the workflow needs.
type RevocationStore interface {
	PendingRevocations(ctx context.Context, hostID int64) ([]fleetstore.PendingRevocation, error)
	BuiltModule(ctx context.Context, hostID, moduleID int64) (fleetstore.Module, error)
	RecordRevocation(ctx context.Context, hostID, moduleID int64, completedAt time.Time) error
	MarkRevocationFailed(ctx context.Context, hostID, moduleID int64, failure string, now time.Time) error
}

// RevokePeer is the agent side of revoke_module.
type RevokePeer interface {
	RevokeModule(name string) (string, error)
}

// Revoker drives revocations for one session. The outcome of Revoke is
// nil, an error wrapping ErrStore or a *DeviceError; anything else comes
// from the connection.
type Revoker struct {
	Store RevocationStore
	Peer  RevokePeer
	Now   func() time.Time
}

func NewRevoker(store RevocationStore, peer RevokePeer) *Revoker {
	return &Revoker{Store: store, Peer: peer, Now: time.Now}
}

// RevokePending revokes every pending module of hostID in order. A device
// error parks that request, so later sweeps leave it alone until it is
// requested again, and the sweep moves on. Store and connection failures
// end the sweep. It returns how many revocations completed, and the device
// errors joined with whatever ended the sweep.
func (r *Revoker) RevokePending(ctx context.Context, hostID int64) (int, error) {
	pending, err := r.Store.PendingRevocations(ctx, hostID)
	if err != nil {
		return 0, fmt.Errorf("%w: pending revocations of host %d: %w", ErrStore, hostID, err)
	}

	var done int
	var refused []error
	for _, p := range pending {
		err := r.Revoke(ctx, hostID, p.ModuleID, p.ModuleName)
		var devErr *DeviceError
		switch {
		case err == nil:
			done++
		case errors.As(err, &devErr):
			refused = append(refused, err)
			if err := r.Store.MarkRevocationFailed(ctx, hostID, p.ModuleID, devErr.Reply, r.Now()); err != nil {
				return done, errors.Join(append(refused, fmt.Errorf("%w: park revocation of %s: %w", ErrStore, devErr.Module, err))...)
			}
		default:
			return done, errors.Join(append(refused, err)...)
		}
	}
	return done, errors.Join(refused...)
}

// Revoke unloads one module on the host. name is looked up by moduleID
// when empty. Only a literal "success" reply is recorded.
func (r *Revoker) Revoke(ctx context.Context, hostID, moduleID int64, name string) error {
	if name == "" {
		m, err := r.Store.BuiltModule(ctx, hostID, moduleID)
		if err != nil {
			return fmt.Errorf("%w: module %d: %w", ErrStore, moduleID, err)
		}
		name = m.Name
	}

	log.Infof("revoking module %s", name)
	reply, err := r.Peer.RevokeModule(name)
	if err != nil {
		return err
	}
	if reply != protocol.AckSuccess {
		log.New(log.WARN, "Device error").
			WithMeta("host", hostID).
			WithMeta("module", name).
			WithMeta("reply", reply).
			Send()
		return &DeviceError{HostID: hostID, ModuleID: moduleID, Module: name, Reply: reply}
	}

	if err := r.Store.RecordRevocation(ctx, hostID, moduleID, r.Now()); err != nil {
		return fmt.Errorf("%w: record revocation of %s: %w", ErrStore, name, err)
	}
	log.New(log.INFO, "module revoked").
		WithMeta("host", hostID).
		WithMeta("module", name).
		Send()
	return nil
}
