// Package fleetstore persists hosts, the modules built for them and the
// revocation workflow's requests and completions in SQLite.
package fleetstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lattesec/modfleet/internal/protocol"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyRevoked = errors.New("module already revoked on host")
)

type Host struct {
	ID         int64
	MAC        string
	Release    string
	FirstSeen  time.Time
	LastSeen   time.Time
	LastReport string
}

// Module is a module built for one host. Name is the on-disk and module
// table name used to load and unload it.
type Module struct {
	ID      int64
	HostID  int64
	Name    string
	BuiltAt time.Time
}

// PendingRevocation is a requested revocation with no completion yet.
// FailedAt and Failure are set once the host refused it; such requests
// wait for the operator to ask again.
type PendingRevocation struct {
	ID          int64
	ModuleID    int64
	ModuleName  string
	RequestedAt time.Time
	FailedAt    time.Time
	Failure     string
}

// Revocation is the durable record that a module was unloaded.
type Revocation struct {
	ID          int64
	HostID      int64
	ModuleID    int64
	CompletedAt time.Time
}

type Store struct {
	db *sql.DB
}

// Open opens or creates the fleet database.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open fleet db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS hosts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mac TEXT NOT NULL UNIQUE,
		kernel_release TEXT NOT NULL DEFAULT '',
		first_seen INTEGER NOT NULL, -- Unix timestamp
		last_seen INTEGER NOT NULL,
		last_report TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS built_modules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		host_id INTEGER NOT NULL REFERENCES hosts(id),
		module TEXT NOT NULL,
		built_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS revocation_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		host_id INTEGER NOT NULL REFERENCES hosts(id),
		module_id INTEGER NOT NULL REFERENCES built_modules(id),
		requested_at INTEGER NOT NULL,
		failed_at INTEGER, -- set when the host answered with an error
		failure TEXT NOT NULL DEFAULT '',
		UNIQUE(host_id, module_id)
	);
	CREATE TABLE IF NOT EXISTS revoked (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		host_id INTEGER NOT NULL REFERENCES hosts(id),
		module_id INTEGER NOT NULL REFERENCES built_modules(id),
		completed_at INTEGER NOT NULL,
		UNIQUE(host_id, module_id)
	);
	CREATE TABLE IF NOT EXISTS challenges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		host_id INTEGER NOT NULL REFERENCES hosts(id),
		cust_id TEXT NOT NULL,
		iv TEXT NOT NULL,
		msg TEXT NOT NULL,
		requested_at INTEGER NOT NULL,
		answered_at INTEGER,
		reply TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_built_modules_host ON built_modules(host_id);
	CREATE INDEX IF NOT EXISTS idx_challenges_host ON challenges(host_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertHost registers a host by MAC or refreshes its release and last
// seen time.
func (s *Store) UpsertHost(ctx context.Context, id protocol.HostIdentity, now time.Time) (Host, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hosts (mac, kernel_release, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(mac) DO UPDATE SET
			kernel_release = excluded.kernel_release,
			last_seen = excluded.last_seen
	`, id.MAC, id.Release, now.Unix(), now.Unix())
	if err != nil {
		return Host{}, err
	}
	return s.HostByMAC(ctx, id.MAC)
}

func (s *Store) HostByMAC(ctx context.Context, mac string) (Host, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, mac, kernel_release, first_seen, last_seen, last_report
		FROM hosts WHERE mac = ?
	`, mac)
	return scanHost(row)
}

func (s *Store) Hosts(ctx context.Context) ([]Host, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mac, kernel_release, first_seen, last_seen, last_report
		FROM hosts ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHost(row scanner) (Host, error) {
	var h Host
	var first, last int64
	err := row.Scan(&h.ID, &h.MAC, &h.Release, &first, &last, &h.LastReport)
	if errors.Is(err, sql.ErrNoRows) {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	h.FirstSeen, h.LastSeen = time.Unix(first, 0), time.Unix(last, 0)
	return h, nil
}

// TouchHost moves a host's last seen time forward.
func (s *Store) TouchHost(ctx context.Context, hostID int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE hosts SET last_seen = ? WHERE id = ?`, now.Unix(), hostID)
	if err != nil {
		return err
	}
	return expectRow(res, "host", hostID)
}

// RecordReport keeps the latest full report of a host.
func (s *Store) RecordReport(ctx context.Context, hostID int64, report []byte, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET last_report = ?, last_seen = ? WHERE id = ?`,
		string(report), now.Unix(), hostID)
	if err != nil {
		return err
	}
	return expectRow(res, "host", hostID)
}

func (s *Store) AddBuiltModule(ctx context.Context, hostID int64, name string, now time.Time) (Module, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO built_modules (host_id, module, built_at) VALUES (?, ?, ?)`,
		hostID, name, now.Unix())
	if err != nil {
		return Module{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Module{}, err
	}
	return Module{ID: id, HostID: hostID, Name: name, BuiltAt: time.Unix(now.Unix(), 0)}, nil
}

// BuiltModule looks a module up by id within a host.
func (s *Store) BuiltModule(ctx context.Context, hostID, moduleID int64) (Module, error) {
	m := Module{ID: moduleID, HostID: hostID}
	var built int64
	err := s.db.QueryRowContext(ctx,
		`SELECT module, built_at FROM built_modules WHERE id = ? AND host_id = ?`,
		moduleID, hostID).Scan(&m.Name, &built)
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("module %d on host %d: %w", moduleID, hostID, ErrNotFound)
	}
	if err != nil {
		return m, err
	}
	m.BuiltAt = time.Unix(built, 0)
	return m, nil
}

func (s *Store) BuiltModules(ctx context.Context, hostID int64) ([]Module, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, module, built_at FROM built_modules WHERE host_id = ? ORDER BY id`, hostID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Module
	for rows.Next() {
		m := Module{HostID: hostID}
		var built int64
		if err := rows.Scan(&m.ID, &m.Name, &built); err != nil {
			return nil, err
		}
		m.BuiltAt = time.Unix(built, 0)
		result = append(result, m)
	}
	return result, rows.Err()
}

// RequestRevocation queues a module for revocation. Asking twice keeps
// the first request; asking again after the host refused it clears the
// failure so the next sweep retries.
func (s *Store) RequestRevocation(ctx context.Context, hostID, moduleID int64, now time.Time) error {
	if _, err := s.BuiltModule(ctx, hostID, moduleID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revocation_requests (host_id, module_id, requested_at)
		VALUES (?, ?, ?)
		ON CONFLICT(host_id, module_id) DO UPDATE SET
			failed_at = NULL,
			failure = ''
		WHERE failed_at IS NOT NULL
	`, hostID, moduleID, now.Unix())
	return err
}

// MarkRevocationFailed parks a request the host answered with an error.
// It stays out of PendingRevocations until requested again.
func (s *Store) MarkRevocationFailed(ctx context.Context, hostID, moduleID int64, failure string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE revocation_requests SET failed_at = ?, failure = ?
		WHERE host_id = ? AND module_id = ?
	`, now.Unix(), failure, hostID, moduleID)
	return err
}

// PendingRevocations lists requests for hostID that have no revocation
// record and no failure, oldest first.
func (s *Store) PendingRevocations(ctx context.Context, hostID int64) ([]PendingRevocation, error) {
	return s.revocationRequests(ctx, hostID, "r.failed_at IS NULL")
}

// FailedRevocations lists requests the host refused, oldest first.
func (s *Store) FailedRevocations(ctx context.Context, hostID int64) ([]PendingRevocation, error) {
	return s.revocationRequests(ctx, hostID, "r.failed_at IS NOT NULL")
}

func (s *Store) revocationRequests(ctx context.Context, hostID int64, cond string) ([]PendingRevocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.module_id, COALESCE(m.module, ''), r.requested_at,
			COALESCE(r.failed_at, 0), r.failure
		FROM revocation_requests r
		LEFT JOIN built_modules m ON m.id = r.module_id
		LEFT JOIN revoked d ON d.host_id = r.host_id AND d.module_id = r.module_id
		WHERE r.host_id = ? AND d.id IS NULL AND `+cond+`
		ORDER BY r.requested_at, r.id
	`, hostID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []PendingRevocation
	for rows.Next() {
		var p PendingRevocation
		var requested, failed int64
		if err := rows.Scan(&p.ID, &p.ModuleID, &p.ModuleName, &requested, &failed, &p.Failure); err != nil {
			return nil, err
		}
		p.RequestedAt = time.Unix(requested, 0)
		if failed != 0 {
			p.FailedAt = time.Unix(failed, 0)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// RecordRevocation appends the completion record. A second record for the
// same host and module is rejected with ErrAlreadyRevoked.
func (s *Store) RecordRevocation(ctx context.Context, hostID, moduleID int64, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked (host_id, module_id, completed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(host_id, module_id) DO NOTHING
	`, hostID, moduleID, completedAt.Unix())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("module %d on host %d: %w", moduleID, hostID, ErrAlreadyRevoked)
	}
	return nil
}

// Revocations lists the completion records of a host.
func (s *Store) Revocations(ctx context.Context, hostID int64) ([]Revocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, module_id, completed_at FROM revoked WHERE host_id = ? ORDER BY id
	`, hostID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Revocation
	for rows.Next() {
		r := Revocation{HostID: hostID}
		var completed int64
		if err := rows.Scan(&r.ID, &r.ModuleID, &completed); err != nil {
			return nil, err
		}
		r.CompletedAt = time.Unix(completed, 0)
		result = append(result, r)
	}
	return result, rows.Err()
}

func expectRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}
