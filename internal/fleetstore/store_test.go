package fleetstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lattesec/modfleet/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Unix(1_700_000_000, 0)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedHost(t *testing.T, s *Store, mac string) Host {
	t.Helper()
	h, err := s.UpsertHost(context.Background(), protocol.HostIdentity{MAC: mac, Release: "6.1.0"}, now)
	require.NoError(t, err)
	return h
}

func TestUpsertHost(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := seedHost(t, s, "00:11:22:33:44:55")
	later := now.Add(time.Hour)
	again, err := s.UpsertHost(ctx, protocol.HostIdentity{MAC: "00:11:22:33:44:55", Release: "6.2.0"}, later)
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "6.2.0", again.Release)
	assert.Equal(t, now, again.FirstSeen)
	assert.Equal(t, later, again.LastSeen)

	_, err = s.HostByMAC(ctx, "ff:ff:ff:ff:ff:ff")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RecordReport(ctx, first.ID, []byte(`{"uptime": 1}`), later))
	hosts, err := s.Hosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, `{"uptime": 1}`, hosts[0].LastReport)

	assert.ErrorIs(t, s.RecordReport(ctx, 999, nil, later), ErrNotFound)
}

func TestPendingAndRecordRevocation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	h := seedHost(t, s, "00:11:22:33:44:55")

	foo, err := s.AddBuiltModule(ctx, h.ID, "foo.ko", now)
	require.NoError(t, err)
	bar, err := s.AddBuiltModule(ctx, h.ID, "bar.ko", now)
	require.NoError(t, err)

	pending, err := s.PendingRevocations(ctx, h.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, s.RequestRevocation(ctx, h.ID, foo.ID, now))
	require.NoError(t, s.RequestRevocation(ctx, h.ID, bar.ID, now.Add(time.Second)))
	require.NoError(t, s.RequestRevocation(ctx, h.ID, foo.ID, now.Add(time.Minute)))

	pending, err = s.PendingRevocations(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "foo.ko", pending[0].ModuleName)
	assert.Equal(t, bar.ID, pending[1].ModuleID)

	require.NoError(t, s.RecordRevocation(ctx, h.ID, foo.ID, now))
	err = s.RecordRevocation(ctx, h.ID, foo.ID, now.Add(time.Minute))
	assert.ErrorIs(t, err, ErrAlreadyRevoked)

	pending, err = s.PendingRevocations(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "bar.ko", pending[0].ModuleName)

	revoked, err := s.Revocations(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	assert.Equal(t, foo.ID, revoked[0].ModuleID)
	assert.Equal(t, now, revoked[0].CompletedAt)
}

func TestRequestRevocation_UnknownModule(t *testing.T) {
	s := openTestStore(t)
	h := seedHost(t, s, "00:11:22:33:44:55")
	other := seedHost(t, s, "66:77:88:99:aa:bb")

	m, err := s.AddBuiltModule(context.Background(), other.ID, "theirs.ko", now)
	require.NoError(t, err)

	err = s.RequestRevocation(context.Background(), h.ID, m.ID, now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordRevocation_ConcurrentAppends(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	h := seedHost(t, s, "00:11:22:33:44:55")
	m, err := s.AddBuiltModule(ctx, h.ID, "race.ko", now)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.RecordRevocation(ctx, h.ID, m.ID, now)
		}()
	}
	wg.Wait()
	close(errs)

	var ok, dup int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, ErrAlreadyRevoked):
			dup++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, dup)

	revoked, err := s.Revocations(ctx, h.ID)
	require.NoError(t, err)
	assert.Len(t, revoked, 1)
}

func TestMarkRevocationFailed_ParksUntilRequestedAgain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	h := seedHost(t, s, "00:11:22:33:44:55")
	foo, err := s.AddBuiltModule(ctx, h.ID, "foo.ko", now)
	require.NoError(t, err)
	bar, err := s.AddBuiltModule(ctx, h.ID, "bar.ko", now)
	require.NoError(t, err)

	require.NoError(t, s.RequestRevocation(ctx, h.ID, foo.ID, now))
	require.NoError(t, s.RequestRevocation(ctx, h.ID, bar.ID, now.Add(time.Second)))
	require.NoError(t, s.MarkRevocationFailed(ctx, h.ID, foo.ID, "not currently loaded", now.Add(time.Minute)))

	pending, err := s.PendingRevocations(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "bar.ko", pending[0].ModuleName)
	assert.True(t, pending[0].FailedAt.IsZero())

	failed, err := s.FailedRevocations(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, foo.ID, failed[0].ModuleID)
	assert.Equal(t, "not currently loaded", failed[0].Failure)
	assert.Equal(t, now.Add(time.Minute), failed[0].FailedAt)

	require.NoError(t, s.RequestRevocation(ctx, h.ID, foo.ID, now.Add(time.Hour)))
	pending, err = s.PendingRevocations(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "foo.ko", pending[0].ModuleName)
	assert.Equal(t, now, pending[0].RequestedAt, "the original request time is kept")
	assert.Empty(t, pending[0].Failure)

	failed, err = s.FailedRevocations(ctx, h.ID)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestChallenges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	h := seedHost(t, s, "00:11:22:33:44:55")

	first, err := s.RequestChallenge(ctx, h.ID, "7", "abcd", "nonce", now)
	require.NoError(t, err)
	_, err = s.RequestChallenge(ctx, h.ID, "8", "ef01", "other", now)
	require.NoError(t, err)

	pending, err := s.PendingChallenges(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "abcd", pending[0].IV)
	assert.False(t, pending[0].Answered())

	require.NoError(t, s.RecordChallengeReply(ctx, first.ID, []byte(`{"answer": "x"}`), now.Add(time.Second)))
	assert.ErrorIs(t, s.RecordChallengeReply(ctx, first.ID, nil, now), ErrNotFound)

	pending, err = s.PendingChallenges(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "8", pending[0].CustID)

	all, err := s.Challenges(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].Answered())
	assert.Equal(t, `{"answer": "x"}`, all[0].Reply)
}

func TestTouchHost(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	h := seedHost(t, s, "00:11:22:33:44:55")

	require.NoError(t, s.TouchHost(ctx, h.ID, now.Add(time.Hour)))
	got, err := s.HostByMAC(ctx, h.MAC)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), got.LastSeen)
	assert.Empty(t, got.LastReport)

	assert.ErrorIs(t, s.TouchHost(ctx, 999, now), ErrNotFound)
}
