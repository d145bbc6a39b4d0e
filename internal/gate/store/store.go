package store

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/opsgate/internal/gate/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the root data access interface. Concrete drivers (sqlite for
// now) implement this. Sub-repositories keep concerns tidy and testable.
// MFA state is the only durable state in the service; provider limit state
// and attempt throttles are deliberately in-memory.
type Store interface {
	Enrollments() Enrollments
	BackupCodes() BackupCodes
	Challenges() Challenges

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise it is committed. This is the
	// recommended way to handle multi-step operations that must be atomic
	// (e.g. consuming a backup code and logging the challenge).
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos but adds Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Enrollments interface {
	// GetBySubject returns the enrollment in the given status for a subject.
	GetBySubject(ctx context.Context, subjectID string, status domain.EnrollmentStatus) (domain.Enrollment, error)

	// Create inserts a new enrollment (id is provided by the service via ULID).
	Create(ctx context.Context, e domain.Enrollment) error

	// DeletePending removes a subject's pending enrollment so re-initiation
	// can overwrite it. Never touches active or disabled rows.
	DeletePending(ctx context.Context, subjectID string) error

	// MarkVerified flips pending -> active and stamps verified_at.
	MarkVerified(ctx context.Context, id string, at time.Time) error

	// TouchLastUsed stamps last_used_at after a successful challenge.
	TouchLastUsed(ctx context.Context, id string, at time.Time) error

	// Disable flips active -> disabled. Idempotent on already-disabled rows.
	Disable(ctx context.Context, id string, at time.Time) error
}

type BackupCodes interface {
	// Create stores one backup code hash for an enrollment.
	Create(ctx context.Context, code domain.BackupCode) error

	// ListByEnrollment returns all stored code hashes for an enrollment.
	ListByEnrollment(ctx context.Context, enrollmentID string) ([]domain.BackupCode, error)

	// Delete removes a specific backup code after use (single use).
	Delete(ctx context.Context, id string) error

	// DeleteAllForEnrollment removes all backup codes for an enrollment
	// (re-enrollment, regeneration).
	DeleteAllForEnrollment(ctx context.Context, enrollmentID string) error

	// CountForEnrollment returns the number of remaining codes.
	CountForEnrollment(ctx context.Context, enrollmentID string) (int, error)
}

type Challenges interface {
	// Create appends a challenge row. Challenges are append-only; there are
	// no update or delete operations.
	Create(ctx context.Context, c domain.Challenge) error

	// ListBySubject returns the most recent challenges for a subject,
	// newest first, for audit review.
	ListBySubject(ctx context.Context, subjectID string, limit int) ([]domain.Challenge, error)
}
