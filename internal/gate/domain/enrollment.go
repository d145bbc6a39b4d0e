package domain

import "time"

// EnrollmentStatus is the lifecycle state of an MFA enrollment.
// unenrolled -> pending -> active -> disabled; the only way back from
// disabled is a fresh enrollment.
type EnrollmentStatus string

const (
	EnrollmentPending  EnrollmentStatus = "pending"
	EnrollmentActive   EnrollmentStatus = "active"
	EnrollmentDisabled EnrollmentStatus = "disabled"
)

// FactorTypeTOTP is the only factor type currently supported.
const FactorTypeTOTP = "totp"

// Enrollment is a subject's MFA enrollment record. At most one active and
// one pending enrollment exist per subject (enforced by partial unique
// indexes in the store). Rows are never hard-deleted; disabling keeps the
// row for audit.
type Enrollment struct {
	ID         string // ULID
	SubjectID  string // owning identity, resolved by the caller
	FactorType string // "totp"
	Secret     string // base32 TOTP secret
	Status     EnrollmentStatus
	VerifiedAt *time.Time // set when pending -> active
	LastUsedAt *time.Time // last successful operational challenge
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BackupCode is a single-use recovery credential. Only the Argon2id hash
// is stored; the plaintext is shown once at enrollment.
type BackupCode struct {
	ID           string // ULID
	EnrollmentID string
	CodeHash     string // PHC-format Argon2id
	CreatedAt    time.Time
}

// EnrollmentMaterial is returned from Enroll exactly once. None of it is
// persisted in the clear and none of it may be logged.
type EnrollmentMaterial struct {
	Secret      string   // base32 secret for manual entry
	OTPAuthURL  string   // otpauth:// URL for QR code generation
	BackupCodes []string // plaintext single-use codes
	Issuer      string
	Account     string
}
