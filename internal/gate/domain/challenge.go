package domain

import "time"

// ChallengeType records which factor a verification attempt used.
type ChallengeType string

const (
	ChallengeTOTP       ChallengeType = "totp"
	ChallengeBackupCode ChallengeType = "backup_code"
)

// Failure reasons recorded against challenges. These stay in the audit
// trail; callers only ever see a uniform failure shape.
const (
	ReasonNotEnrolled   = "not_enrolled"
	ReasonRateLimited   = "rate_limited"
	ReasonInvalidCode   = "invalid_code"
	ReasonNoBackupCodes = "no_backup_codes"
)

// Challenge is one recorded verification attempt, success or failure.
// Append-only: rows are never mutated or deleted.
type Challenge struct {
	ID               string // ULID, also the opaque correlation reference returned to callers
	SubjectID        string
	ChallengeType    ChallengeType
	Operation        string // the sensitive command being gated, e.g. "doc.delete"
	OperationContext string // optional free-form context from the dispatcher
	Success          bool
	FailureReason    string // one of the Reason* constants, empty on success
	RemoteAddr       string // origin address, if the dispatcher passed one
	ClientName       string // parsed from the client string
	ClientOS         string
	ChallengedAt     time.Time
}

// ChallengeContext carries per-request metadata from the command dispatcher
// into the challenge audit row.
type ChallengeContext struct {
	Operation        string
	OperationContext string
	RemoteAddr       string
	UserAgent        string // raw client string; parsed before storage
}

// ChallengeResult is the uniform caller-facing verification outcome. OK is
// the only signal a caller gets about why verification failed; internal
// reasons live in the challenge audit row keyed by ChallengeID.
type ChallengeResult struct {
	OK          bool
	ChallengeID string // opaque reference for support correlation
	// RemainingBackupCodes is set only after a successful backup-code
	// verification so the caller can relay a low-water warning.
	RemainingBackupCodes int
	// LowBackupCodes is true when the remaining pool has dropped to the
	// low-water mark and the subject should regenerate codes.
	LowBackupCodes bool
}
