package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mssola/useragent"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/aussiebroadwan/opsgate/internal/gate/audit"
	"github.com/aussiebroadwan/opsgate/internal/gate/domain"
	"github.com/aussiebroadwan/opsgate/internal/gate/store"
	"github.com/aussiebroadwan/opsgate/pkg/cryptox"
	"github.com/aussiebroadwan/opsgate/pkg/fixedwindow"
	"github.com/aussiebroadwan/opsgate/pkg/idx"
)

const (
	backupCodeCount = 10 // Number of backup codes generated at enrollment
	lowWaterMark    = 2  // Remaining codes at or below this trigger a warning

	totpPeriod = 30 // Standard TOTP period in seconds
	totpSkew   = 2  // Accepted steps either side of now, ~±60s of clock drift
)

var (
	ErrAlreadyEnrolled = errors.New("an active MFA enrollment already exists")
	ErrNotEnrolled     = errors.New("no MFA enrollment for this subject")
)

// CodeHasher is the pluggable password-hash capability for backup codes.
// Verify must compare in constant time.
type CodeHasher interface {
	Hash(code string) (string, error)
	Verify(code, encodedHash string) error
}

type argon2Hasher struct{}

func (argon2Hasher) Hash(code string) (string, error) { return cryptox.Hash(code) }

func (argon2Hasher) Verify(code, encodedHash string) error {
	return cryptox.VerifyHash(code, encodedHash)
}

// DefaultCodeHasher returns the production Argon2id hasher.
func DefaultCodeHasher() CodeHasher { return argon2Hasher{} }

// MFAService gates sensitive operations behind a second factor. Enrollment
// and challenge history are durable; the attempt throttle is an in-memory
// fixed-window counter keyed by subject, configured independently of the
// provider limiter.
type MFAService struct {
	Store    store.Store
	Issuer   string // Issuer name for TOTP (e.g., "OpsGate")
	Hasher   CodeHasher
	Throttle *fixedwindow.Counter
	Audit    audit.Publisher

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (s *MFAService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *MFAService) publish(ctx context.Context, ev audit.Event) {
	if s.Audit != nil {
		s.Audit.Publish(ctx, ev)
	}
}

// Enroll creates a pending TOTP enrollment for a subject. It rejects
// subjects with an active enrollment and overwrites any pending one. The
// returned material carries the secret, the otpauth URL and the plaintext
// backup codes exactly once; only Argon2id hashes are persisted.
func (s *MFAService) Enroll(ctx context.Context, subjectID, account string) (domain.EnrollmentMaterial, error) {
	_, err := s.Store.Enrollments().GetBySubject(ctx, subjectID, domain.EnrollmentActive)
	switch {
	case err == nil:
		return domain.EnrollmentMaterial{}, ErrAlreadyEnrolled
	case !errors.Is(err, store.ErrNotFound):
		return domain.EnrollmentMaterial{}, fmt.Errorf("failed to check enrollment: %w", err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.Issuer,
		AccountName: account,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return domain.EnrollmentMaterial{}, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	codes := make([]string, backupCodeCount)
	hashes := make([]string, backupCodeCount)
	for i := range codes {
		code, err := cryptox.GenerateBackupCode()
		if err != nil {
			return domain.EnrollmentMaterial{}, fmt.Errorf("failed to generate backup code: %w", err)
		}
		hash, err := s.Hasher.Hash(code)
		if err != nil {
			return domain.EnrollmentMaterial{}, fmt.Errorf("failed to hash backup code: %w", err)
		}
		codes[i] = code
		hashes[i] = hash
	}

	now := s.now()
	enrollment := domain.Enrollment{
		ID:         idx.New().String(),
		SubjectID:  subjectID,
		FactorType: domain.FactorTypeTOTP,
		Secret:     key.Secret(),
		Status:     domain.EnrollmentPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// Re-initiation replaces the pending row; an active row was already
	// ruled out above and is never touched here.
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Enrollments().DeletePending(ctx, subjectID); err != nil {
			return fmt.Errorf("failed to clear pending enrollment: %w", err)
		}
		if err := tx.Enrollments().Create(ctx, enrollment); err != nil {
			return fmt.Errorf("failed to create enrollment: %w", err)
		}
		for _, hash := range hashes {
			code := domain.BackupCode{
				ID:           idx.New().String(),
				EnrollmentID: enrollment.ID,
				CodeHash:     hash,
				CreatedAt:    now,
			}
			if err := tx.BackupCodes().Create(ctx, code); err != nil {
				return fmt.Errorf("failed to store backup code: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.EnrollmentMaterial{}, err
	}

	s.publish(ctx, audit.Event{
		Kind:      audit.KindEnrollment,
		Subject:   subjectID,
		Outcome:   audit.OutcomeSuccess,
		Timestamp: now,
	})

	return domain.EnrollmentMaterial{
		Secret:      key.Secret(),
		OTPAuthURL:  key.URL(),
		BackupCodes: codes,
		Issuer:      s.Issuer,
		Account:     account,
	}, nil
}

// VerifyEnrollment validates a TOTP code against the subject's pending
// enrollment and activates it on success. Failures leave the pending row
// untouched and are not counted against the operational attempt throttle;
// enrollment and operational challenges are throttled independently.
func (s *MFAService) VerifyEnrollment(ctx context.Context, subjectID, code string) (bool, error) {
	enrollment, err := s.Store.Enrollments().GetBySubject(ctx, subjectID, domain.EnrollmentPending)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load pending enrollment: %w", err)
	}

	if !s.validateTOTP(code, enrollment.Secret) {
		s.publish(ctx, audit.Event{
			Kind:      audit.KindEnrollment,
			Subject:   subjectID,
			Outcome:   audit.OutcomeFailure,
			Reason:    domain.ReasonInvalidCode,
			Timestamp: s.now(),
		})
		return false, nil
	}

	now := s.now()
	if err := s.Store.Enrollments().MarkVerified(ctx, enrollment.ID, now); err != nil {
		return false, fmt.Errorf("failed to activate enrollment: %w", err)
	}

	s.publish(ctx, audit.Event{
		Kind:      audit.KindEnrollment,
		Subject:   subjectID,
		Outcome:   audit.OutcomeSuccess,
		Timestamp: now,
	})
	return true, nil
}

// VerifyTOTP runs an operational challenge against the subject's active
// enrollment. The attempt throttle consumes one slot per attempt before
// anything else happens; the check and the increment are one atomic step
// so concurrent attempts cannot slip past the threshold together. A
// throttled subject fails fast without consuming a slot or reading the
// enrollment, a successful verification hands the whole window back.
// Every attempt, throttled included, lands in the challenge history.
// Storage failures deny the operation.
func (s *MFAService) VerifyTOTP(ctx context.Context, subjectID, code string, opCtx domain.ChallengeContext) (domain.ChallengeResult, error) {
	if ok, _ := s.Throttle.Take(subjectID); !ok {
		return s.failChallenge(ctx, subjectID, domain.ChallengeTOTP, opCtx, domain.ReasonRateLimited)
	}

	enrollment, err := s.Store.Enrollments().GetBySubject(ctx, subjectID, domain.EnrollmentActive)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.failChallenge(ctx, subjectID, domain.ChallengeTOTP, opCtx, domain.ReasonNotEnrolled)
		}
		return domain.ChallengeResult{}, fmt.Errorf("failed to load enrollment: %w", err)
	}

	if !s.validateTOTP(code, enrollment.Secret) {
		return s.failChallenge(ctx, subjectID, domain.ChallengeTOTP, opCtx, domain.ReasonInvalidCode)
	}

	now := s.now()
	challenge := s.newChallenge(subjectID, domain.ChallengeTOTP, opCtx, true, "")
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Enrollments().TouchLastUsed(ctx, enrollment.ID, now); err != nil {
			return fmt.Errorf("failed to stamp last use: %w", err)
		}
		if err := tx.Challenges().Create(ctx, challenge); err != nil {
			return fmt.Errorf("failed to record challenge: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.ChallengeResult{}, err
	}

	s.Throttle.Reset(subjectID)
	s.publishChallenge(ctx, challenge)

	return domain.ChallengeResult{OK: true, ChallengeID: challenge.ID}, nil
}

// VerifyBackupCode runs an operational challenge against the subject's
// stored backup codes. The supplied code is compared against every stored
// hash; matching never exits early so a miss costs the same as a hit. A
// matched code is deleted in the same transaction that records the
// challenge (single use). When the remaining pool reaches the low-water
// mark the result carries a warning for the caller to relay.
func (s *MFAService) VerifyBackupCode(ctx context.Context, subjectID, code string, opCtx domain.ChallengeContext) (domain.ChallengeResult, error) {
	if ok, _ := s.Throttle.Take(subjectID); !ok {
		return s.failChallenge(ctx, subjectID, domain.ChallengeBackupCode, opCtx, domain.ReasonRateLimited)
	}

	enrollment, err := s.Store.Enrollments().GetBySubject(ctx, subjectID, domain.EnrollmentActive)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.failChallenge(ctx, subjectID, domain.ChallengeBackupCode, opCtx, domain.ReasonNotEnrolled)
		}
		return domain.ChallengeResult{}, fmt.Errorf("failed to load enrollment: %w", err)
	}

	stored, err := s.Store.BackupCodes().ListByEnrollment(ctx, enrollment.ID)
	if err != nil {
		return domain.ChallengeResult{}, fmt.Errorf("failed to load backup codes: %w", err)
	}
	if len(stored) == 0 {
		return s.failChallenge(ctx, subjectID, domain.ChallengeBackupCode, opCtx, domain.ReasonNoBackupCodes)
	}

	// Check every hash so the comparison cost does not depend on where
	// (or whether) the match sits.
	normalized := normalizeBackupCode(code)
	matchedID := ""
	for _, candidate := range stored {
		if err := s.Hasher.Verify(normalized, candidate.CodeHash); err == nil {
			matchedID = candidate.ID
		}
	}
	if matchedID == "" {
		return s.failChallenge(ctx, subjectID, domain.ChallengeBackupCode, opCtx, domain.ReasonInvalidCode)
	}

	now := s.now()
	challenge := s.newChallenge(subjectID, domain.ChallengeBackupCode, opCtx, true, "")
	remaining := 0
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.BackupCodes().Delete(ctx, matchedID); err != nil {
			return fmt.Errorf("failed to consume backup code: %w", err)
		}
		if err := tx.Enrollments().TouchLastUsed(ctx, enrollment.ID, now); err != nil {
			return fmt.Errorf("failed to stamp last use: %w", err)
		}
		if err := tx.Challenges().Create(ctx, challenge); err != nil {
			return fmt.Errorf("failed to record challenge: %w", err)
		}
		var err error
		remaining, err = tx.BackupCodes().CountForEnrollment(ctx, enrollment.ID)
		return err
	})
	if err != nil {
		return domain.ChallengeResult{}, err
	}

	s.Throttle.Reset(subjectID)
	s.publishChallenge(ctx, challenge)

	return domain.ChallengeResult{
		OK:                   true,
		ChallengeID:          challenge.ID,
		RemainingBackupCodes: remaining,
		LowBackupCodes:       remaining <= lowWaterMark,
	}, nil
}

// IsEnabled reports whether the subject has an active enrollment. Read
// only; repeated calls never mutate state.
func (s *MFAService) IsEnabled(ctx context.Context, subjectID string) (bool, error) {
	_, err := s.Store.Enrollments().GetBySubject(ctx, subjectID, domain.EnrollmentActive)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("failed to check enrollment: %w", err)
	}
}

// Disable flips the subject's active enrollment to disabled. Authorization
// is the caller's job; this only performs and audits the privileged
// action. Calling it with no active enrollment is a no-op.
func (s *MFAService) Disable(ctx context.Context, subjectID, actor string) error {
	enrollment, err := s.Store.Enrollments().GetBySubject(ctx, subjectID, domain.EnrollmentActive)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load enrollment: %w", err)
	}

	now := s.now()
	if err := s.Store.Enrollments().Disable(ctx, enrollment.ID, now); err != nil {
		return fmt.Errorf("failed to disable enrollment: %w", err)
	}

	s.publish(ctx, audit.Event{
		Kind:      audit.KindDisable,
		Subject:   subjectID,
		Outcome:   audit.OutcomeSuccess,
		Timestamp: now,
		Metadata:  map[string]string{"actor": actor},
	})
	return nil
}

// validateTOTP accepts codes within the configured skew either side of the
// current step. Replay of a code inside that window is accepted; see the
// challenge history for when a factor was last used.
func (s *MFAService) validateTOTP(code, secret string) bool {
	valid, err := totp.ValidateCustom(strings.TrimSpace(code), secret, s.now(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}

// failChallenge records a failed attempt and returns the uniform failure
// shape. The throttle slot was already consumed at the gate; the recorded
// reason never leaves the audit trail.
func (s *MFAService) failChallenge(ctx context.Context, subjectID string, ctype domain.ChallengeType, opCtx domain.ChallengeContext, reason string) (domain.ChallengeResult, error) {
	challenge := s.newChallenge(subjectID, ctype, opCtx, false, reason)
	if err := s.Store.Challenges().Create(ctx, challenge); err != nil {
		// Fail closed: an attempt that cannot be recorded is denied
		// without a challenge reference.
		return domain.ChallengeResult{}, fmt.Errorf("failed to record challenge: %w", err)
	}

	s.publishChallenge(ctx, challenge)
	return domain.ChallengeResult{OK: false, ChallengeID: challenge.ID}, nil
}

func (s *MFAService) newChallenge(subjectID string, ctype domain.ChallengeType, opCtx domain.ChallengeContext, success bool, reason string) domain.Challenge {
	clientName, clientOS := parseClient(opCtx.UserAgent)
	return domain.Challenge{
		ID:               idx.New().String(),
		SubjectID:        subjectID,
		ChallengeType:    ctype,
		Operation:        opCtx.Operation,
		OperationContext: opCtx.OperationContext,
		Success:          success,
		FailureReason:    reason,
		RemoteAddr:       opCtx.RemoteAddr,
		ClientName:       clientName,
		ClientOS:         clientOS,
		ChallengedAt:     s.now(),
	}
}

func (s *MFAService) publishChallenge(ctx context.Context, c domain.Challenge) {
	outcome := audit.OutcomeSuccess
	if !c.Success {
		outcome = audit.OutcomeFailure
	}
	s.publish(ctx, audit.Event{
		Kind:      audit.KindChallenge,
		Subject:   c.SubjectID,
		Operation: c.Operation,
		Outcome:   outcome,
		Reason:    c.FailureReason,
		Timestamp: c.ChallengedAt,
		Metadata:  map[string]string{"challenge_id": c.ID, "type": string(c.ChallengeType)},
	})
}

func parseClient(raw string) (name, osName string) {
	if raw == "" {
		return "", ""
	}
	ua := useragent.New(raw)
	name, _ = ua.Browser()
	return name, ua.OS()
}

func normalizeBackupCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
