package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/opsgate/internal/gate/domain"
	"github.com/aussiebroadwan/opsgate/internal/gate/store"
)

type enrollmentsRepo struct {
	q querier
}

const enrollmentColumns = `id, subject_id, factor_type, secret, status,
	verified_at, last_used_at, created_at, updated_at`

func (r *enrollmentsRepo) GetBySubject(ctx context.Context, subjectID string, status domain.EnrollmentStatus) (domain.Enrollment, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+enrollmentColumns+`
		FROM mfa_enrollments
		WHERE subject_id = ? AND status = ?`,
		subjectID, string(status),
	)
	return scanEnrollment(row)
}

func (r *enrollmentsRepo) Create(ctx context.Context, e domain.Enrollment) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO mfa_enrollments (`+enrollmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SubjectID, e.FactorType, e.Secret, string(e.Status),
		mapTimeNull(e.VerifiedAt), mapTimeNull(e.LastUsedAt), e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (r *enrollmentsRepo) DeletePending(ctx context.Context, subjectID string) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM mfa_enrollments
		WHERE subject_id = ? AND status = 'pending'`,
		subjectID,
	)
	return err
}

func (r *enrollmentsRepo) MarkVerified(ctx context.Context, id string, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE mfa_enrollments
		SET status = 'active', verified_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		at, at, id,
	)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

func (r *enrollmentsRepo) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE mfa_enrollments
		SET last_used_at = ?, updated_at = ?
		WHERE id = ?`,
		at, at, id,
	)
	return err
}

func (r *enrollmentsRepo) Disable(ctx context.Context, id string, at time.Time) error {
	// Idempotent: disabling an already-disabled row affects nothing and is
	// not an error.
	_, err := r.q.ExecContext(ctx, `
		UPDATE mfa_enrollments
		SET status = 'disabled', updated_at = ?
		WHERE id = ? AND status = 'active'`,
		at, id,
	)
	return err
}

func scanEnrollment(row *sql.Row) (domain.Enrollment, error) {
	var (
		e          domain.Enrollment
		status     string
		verifiedAt sql.NullTime
		lastUsedAt sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.SubjectID, &e.FactorType, &e.Secret, &status,
		&verifiedAt, &lastUsedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return domain.Enrollment{}, mapNotFound(err)
	}

	e.Status = domain.EnrollmentStatus(status)
	e.VerifiedAt = mapNullTimePtr(verifiedAt)
	e.LastUsedAt = mapNullTimePtr(lastUsedAt)
	return e, nil
}

func mapTimeNull(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
