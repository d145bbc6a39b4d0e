package sqlite

import (
	"context"
	"database/sql"

	"github.com/aussiebroadwan/opsgate/internal/gate/domain"
)

type challengesRepo struct {
	q querier
}

func (r *challengesRepo) Create(ctx context.Context, c domain.Challenge) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO mfa_challenges (
			id, subject_id, challenge_type, operation, operation_context,
			success, failure_reason, remote_addr, client_name, client_os,
			challenged_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SubjectID, string(c.ChallengeType), c.Operation,
		mapStringNull(c.OperationContext), c.Success,
		mapStringNull(c.FailureReason), mapStringNull(c.RemoteAddr),
		mapStringNull(c.ClientName), mapStringNull(c.ClientOS),
		c.ChallengedAt,
	)
	return err
}

func (r *challengesRepo) ListBySubject(ctx context.Context, subjectID string, limit int) ([]domain.Challenge, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, subject_id, challenge_type, operation, operation_context,
			success, failure_reason, remote_addr, client_name, client_os,
			challenged_at
		FROM mfa_challenges
		WHERE subject_id = ?
		ORDER BY challenged_at DESC, id DESC
		LIMIT ?`,
		subjectID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var challenges []domain.Challenge
	for rows.Next() {
		var (
			c             domain.Challenge
			challengeType string
			opCtx         sql.NullString
			reason        sql.NullString
			remoteAddr    sql.NullString
			clientName    sql.NullString
			clientOS      sql.NullString
		)
		err := rows.Scan(
			&c.ID, &c.SubjectID, &challengeType, &c.Operation, &opCtx,
			&c.Success, &reason, &remoteAddr, &clientName, &clientOS,
			&c.ChallengedAt,
		)
		if err != nil {
			return nil, err
		}

		c.ChallengeType = domain.ChallengeType(challengeType)
		c.OperationContext = mapNullString(opCtx)
		c.FailureReason = mapNullString(reason)
		c.RemoteAddr = mapNullString(remoteAddr)
		c.ClientName = mapNullString(clientName)
		c.ClientOS = mapNullString(clientOS)
		challenges = append(challenges, c)
	}
	return challenges, rows.Err()
}
