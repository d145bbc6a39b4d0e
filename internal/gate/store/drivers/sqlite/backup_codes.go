package sqlite

import (
	"context"

	"github.com/aussiebroadwan/opsgate/internal/gate/domain"
)

type backupCodesRepo struct {
	q querier
}

func (r *backupCodesRepo) Create(ctx context.Context, code domain.BackupCode) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO mfa_backup_codes (id, enrollment_id, code_hash, created_at)
		VALUES (?, ?, ?, ?)`,
		code.ID, code.EnrollmentID, code.CodeHash, code.CreatedAt,
	)
	return err
}

func (r *backupCodesRepo) ListByEnrollment(ctx context.Context, enrollmentID string) ([]domain.BackupCode, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, enrollment_id, code_hash, created_at
		FROM mfa_backup_codes
		WHERE enrollment_id = ?
		ORDER BY created_at, id`,
		enrollmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []domain.BackupCode
	for rows.Next() {
		var c domain.BackupCode
		if err := rows.Scan(&c.ID, &c.EnrollmentID, &c.CodeHash, &c.CreatedAt); err != nil {
			return nil, err
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

func (r *backupCodesRepo) Delete(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `
		DELETE FROM mfa_backup_codes WHERE id = ?`,
		id,
	)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

func (r *backupCodesRepo) DeleteAllForEnrollment(ctx context.Context, enrollmentID string) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM mfa_backup_codes WHERE enrollment_id = ?`,
		enrollmentID,
	)
	return err
}

func (r *backupCodesRepo) CountForEnrollment(ctx context.Context, enrollmentID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mfa_backup_codes WHERE enrollment_id = ?`,
		enrollmentID,
	).Scan(&n)
	return n, err
}
