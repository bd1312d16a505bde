package fleetstore

import (
	"context"
	"time"
)

// Challenge is an operator's challenge for a host's kernel module and,
// once relayed, the module's answer.
type Challenge struct {
	ID          int64
	HostID      int64
	CustID      string
	IV          string
	Msg         string
	RequestedAt time.Time
	AnsweredAt  time.Time
	Reply       string
}

func (c Challenge) Answered() bool { return !c.AnsweredAt.IsZero() }

// RequestChallenge queues a challenge for the host's next session cycle.
func (s *Store) RequestChallenge(ctx context.Context, hostID int64, custID, iv, msg string, now time.Time) (Challenge, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO challenges (host_id, cust_id, iv, msg, requested_at)
		VALUES (?, ?, ?, ?, ?)
	`, hostID, custID, iv, msg, now.Unix())
	if err != nil {
		return Challenge{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Challenge{}, err
	}
	return Challenge{
		ID:          id,
		HostID:      hostID,
		CustID:      custID,
		IV:          iv,
		Msg:         msg,
		RequestedAt: time.Unix(now.Unix(), 0),
	}, nil
}

// RecordChallengeReply stores the answer to challenge id.
func (s *Store) RecordChallengeReply(ctx context.Context, id int64, reply []byte, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE challenges SET reply = ?, answered_at = ?
		WHERE id = ? AND answered_at IS NULL
	`, string(reply), now.Unix(), id)
	if err != nil {
		return err
	}
	return expectRow(res, "unanswered challenge", id)
}

// PendingChallenges lists unanswered challenges of a host, oldest first.
func (s *Store) PendingChallenges(ctx context.Context, hostID int64) ([]Challenge, error) {
	return s.challenges(ctx, hostID, true)
}

// Challenges lists every challenge of a host, oldest first.
func (s *Store) Challenges(ctx context.Context, hostID int64) ([]Challenge, error) {
	return s.challenges(ctx, hostID, false)
}

func (s *Store) challenges(ctx context.Context, hostID int64, pendingOnly bool) ([]Challenge, error) {
	onlyPending := 0
	if pendingOnly {
		onlyPending = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cust_id, iv, msg, requested_at, COALESCE(answered_at, 0), reply
		FROM challenges
		WHERE host_id = ? AND (? = 0 OR answered_at IS NULL)
		ORDER BY id
	`, hostID, onlyPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Challenge
	for rows.Next() {
		c := Challenge{HostID: hostID}
		var requested, answered int64
		if err := rows.Scan(&c.ID, &c.CustID, &c.IV, &c.Msg, &requested, &answered, &c.Reply); err != nil {
			return nil, err
		}
		c.RequestedAt = time.Unix(requested, 0)
		if answered != 0 {
			c.AnsweredAt = time.Unix(answered, 0)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}
