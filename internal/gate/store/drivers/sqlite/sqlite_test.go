package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/opsgate/internal/gate/domain"
	"github.com/aussiebroadwan/opsgate/internal/gate/store"
	"github.com/aussiebroadwan/opsgate/pkg/idx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.ApplyMigrations())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestEnrollment(subjectID string, status domain.EnrollmentStatus) domain.Enrollment {
	now := time.Now().UTC().Truncate(time.Second)
	return domain.Enrollment{
		ID:         idx.New().String(),
		SubjectID:  subjectID,
		FactorType: domain.FactorTypeTOTP,
		Secret:     "JBSWY3DPEHPK3PXP",
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestEnrollments_CreateAndGet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	e := newTestEnrollment("subject-1", domain.EnrollmentPending)
	require.NoError(t, s.Enrollments().Create(ctx, e))

	got, err := s.Enrollments().GetBySubject(ctx, "subject-1", domain.EnrollmentPending)
	require.NoError(t, err)
	require.Equal(t, e.ID, got.ID)
	require.Equal(t, e.Secret, got.Secret)
	require.Equal(t, domain.EnrollmentPending, got.Status)
	require.Nil(t, got.VerifiedAt)
	require.Nil(t, got.LastUsedAt)

	_, err = s.Enrollments().GetBySubject(ctx, "subject-1", domain.EnrollmentActive)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Enrollments().GetBySubject(ctx, "nobody", domain.EnrollmentPending)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnrollments_OnePendingPerSubject(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enrollments().Create(ctx, newTestEnrollment("subject-1", domain.EnrollmentPending)))

	// A second pending row for the same subject violates the partial
	// unique index.
	err := s.Enrollments().Create(ctx, newTestEnrollment("subject-1", domain.EnrollmentPending))
	require.Error(t, err)

	// Clearing the pending row makes room for a fresh one.
	require.NoError(t, s.Enrollments().DeletePending(ctx, "subject-1"))
	require.NoError(t, s.Enrollments().Create(ctx, newTestEnrollment("subject-1", domain.EnrollmentPending)))
}

func TestEnrollments_MarkVerified(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	e := newTestEnrollment("subject-1", domain.EnrollmentPending)
	require.NoError(t, s.Enrollments().Create(ctx, e))

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.Enrollments().MarkVerified(ctx, e.ID, at))

	got, err := s.Enrollments().GetBySubject(ctx, "subject-1", domain.EnrollmentActive)
	require.NoError(t, err)
	require.Equal(t, e.ID, got.ID)
	require.NotNil(t, got.VerifiedAt)
	require.True(t, got.VerifiedAt.Equal(at))

	// Verifying twice fails: the row is no longer pending.
	err = s.Enrollments().MarkVerified(ctx, e.ID, at)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnrollments_DisableIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	e := newTestEnrollment("subject-1", domain.EnrollmentActive)
	require.NoError(t, s.Enrollments().Create(ctx, e))

	at := time.Now().UTC()
	require.NoError(t, s.Enrollments().Disable(ctx, e.ID, at))
	require.NoError(t, s.Enrollments().Disable(ctx, e.ID, at))

	got, err := s.Enrollments().GetBySubject(ctx, "subject-1", domain.EnrollmentDisabled)
	require.NoError(t, err)
	require.Equal(t, domain.EnrollmentDisabled, got.Status)
}

func TestEnrollments_TouchLastUsed(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	e := newTestEnrollment("subject-1", domain.EnrollmentActive)
	require.NoError(t, s.Enrollments().Create(ctx, e))

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.Enrollments().TouchLastUsed(ctx, e.ID, at))

	got, err := s.Enrollments().GetBySubject(ctx, "subject-1", domain.EnrollmentActive)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	require.True(t, got.LastUsedAt.Equal(at))
}

func TestBackupCodes_Lifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	e := newTestEnrollment("subject-1", domain.EnrollmentActive)
	require.NoError(t, s.Enrollments().Create(ctx, e))

	for i := 0; i < 3; i++ {
		code := domain.BackupCode{
			ID:           idx.New().String(),
			EnrollmentID: e.ID,
			CodeHash:     "$argon2id$v=19$m=19456,t=2,p=1$c2FsdA$aGFzaA",
			CreatedAt:    time.Now().UTC(),
		}
		require.NoError(t, s.BackupCodes().Create(ctx, code))
	}

	codes, err := s.BackupCodes().ListByEnrollment(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, codes, 3)

	n, err := s.BackupCodes().CountForEnrollment(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.NoError(t, s.BackupCodes().Delete(ctx, codes[0].ID))
	require.ErrorIs(t, s.BackupCodes().Delete(ctx, codes[0].ID), store.ErrNotFound)

	n, err = s.BackupCodes().CountForEnrollment(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, s.BackupCodes().DeleteAllForEnrollment(ctx, e.ID))
	n, err = s.BackupCodes().CountForEnrollment(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestBackupCodes_CascadeOnEnrollmentDelete(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	e := newTestEnrollment("subject-1", domain.EnrollmentPending)
	require.NoError(t, s.Enrollments().Create(ctx, e))
	require.NoError(t, s.BackupCodes().Create(ctx, domain.BackupCode{
		ID:           idx.New().String(),
		EnrollmentID: e.ID,
		CodeHash:     "$argon2id$v=19$m=19456,t=2,p=1$c2FsdA$aGFzaA",
		CreatedAt:    time.Now().UTC(),
	}))

	require.NoError(t, s.Enrollments().DeletePending(ctx, "subject-1"))

	n, err := s.BackupCodes().CountForEnrollment(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestChallenges_CreateAndList(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		c := domain.Challenge{
			ID:            idx.New().String(),
			SubjectID:     "subject-1",
			ChallengeType: domain.ChallengeTOTP,
			Operation:     "doc.delete",
			Success:       i == 2,
			ChallengedAt:  base.Add(time.Duration(i) * time.Second),
		}
		if !c.Success {
			c.FailureReason = domain.ReasonInvalidCode
		}
		require.NoError(t, s.Challenges().Create(ctx, c))
	}

	challenges, err := s.Challenges().ListBySubject(ctx, "subject-1", 10)
	require.NoError(t, err)
	require.Len(t, challenges, 3)

	// Newest first.
	require.True(t, challenges[0].Success)
	require.Empty(t, challenges[0].FailureReason)
	require.Equal(t, domain.ReasonInvalidCode, challenges[1].FailureReason)

	// Limit applies.
	challenges, err = s.Challenges().ListBySubject(ctx, "subject-1", 1)
	require.NoError(t, err)
	require.Len(t, challenges, 1)

	challenges, err = s.Challenges().ListBySubject(ctx, "nobody", 10)
	require.NoError(t, err)
	require.Empty(t, challenges)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	e := newTestEnrollment("subject-1", domain.EnrollmentPending)
	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Enrollments().Create(ctx, e); err != nil {
			return err
		}
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)

	_, err = s.Enrollments().GetBySubject(ctx, "subject-1", domain.EnrollmentPending)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestWithTx_Commit(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	e := newTestEnrollment("subject-1", domain.EnrollmentPending)
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		return tx.Enrollments().Create(ctx, e)
	}))

	got, err := s.Enrollments().GetBySubject(ctx, "subject-1", domain.EnrollmentPending)
	require.NoError(t, err)
	require.Equal(t, e.ID, got.ID)
}
