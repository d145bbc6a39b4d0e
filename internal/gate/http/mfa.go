package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aussiebroadwan/opsgate/internal/gate/domain"
	"github.com/aussiebroadwan/opsgate/internal/gate/service"
	"github.com/aussiebroadwan/opsgate/pkg/httpx"
	"github.com/aussiebroadwan/opsgate/pkg/slogx"
)

// MFAHandler handles all MFA-related endpoints.
type MFAHandler struct {
	MFAService *service.MFAService
}

type enrollRequest struct {
	SubjectID string `json:"subject_id"`
	Account   string `json:"account"`
}

type enrollResponse struct {
	Secret      string   `json:"secret"`
	OTPAuthURL  string   `json:"otpauth_url"`
	BackupCodes []string `json:"backup_codes"`
	Issuer      string   `json:"issuer"`
	Account     string   `json:"account"`
}

// HandleEnroll handles POST /v1/mfa/enroll. The response carries the
// secret and plaintext backup codes exactly once; it is never cacheable.
func (h *MFAHandler) HandleEnroll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SubjectID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "subject_id is required")
		return
	}
	if req.Account == "" {
		req.Account = req.SubjectID
	}

	material, err := h.MFAService.Enroll(ctx, req.SubjectID, req.Account)
	if err != nil {
		if errors.Is(err, service.ErrAlreadyEnrolled) {
			httpx.WriteError(w, http.StatusConflict, "already_enrolled", "an active enrollment already exists for this subject")
			return
		}
		log.Error("enrollment failed", "subject", req.SubjectID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "unable to enroll")
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, enrollResponse{
		Secret:      material.Secret,
		OTPAuthURL:  material.OTPAuthURL,
		BackupCodes: material.BackupCodes,
		Issuer:      material.Issuer,
		Account:     material.Account,
	})
}

type enrollVerifyRequest struct {
	SubjectID string `json:"subject_id"`
	Code      string `json:"code"`
}

// HandleEnrollVerify handles POST /v1/mfa/enroll/verify.
func (h *MFAHandler) HandleEnrollVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req enrollVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SubjectID == "" || req.Code == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "subject_id and code are required")
		return
	}

	verified, err := h.MFAService.VerifyEnrollment(ctx, req.SubjectID, req.Code)
	if err != nil {
		log.Error("enrollment verification failed", "subject", req.SubjectID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "unable to verify enrollment")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"verified": verified})
}

type verifyRequest struct {
	SubjectID        string `json:"subject_id"`
	Code             string `json:"code"`
	Operation        string `json:"operation"`
	OperationContext string `json:"operation_context,omitempty"`
	RemoteAddr       string `json:"remote_addr,omitempty"`
	UserAgent        string `json:"user_agent,omitempty"`
}

func (req verifyRequest) challengeContext() domain.ChallengeContext {
	return domain.ChallengeContext{
		Operation:        req.Operation,
		OperationContext: req.OperationContext,
		RemoteAddr:       req.RemoteAddr,
		UserAgent:        req.UserAgent,
	}
}

type verifySuccessResponse struct {
	Verified    bool   `json:"verified"`
	ChallengeID string `json:"challenge_id"`
	// Set only on backup-code verification.
	RemainingBackupCodes *int `json:"remaining_backup_codes,omitempty"`
	LowBackupCodes       bool `json:"low_backup_codes,omitempty"`
}

// writeVerifyResult maps an engine result to the wire. Failures share one
// generic body whatever the internal reason; the challenge id is the only
// correlation handle a caller gets.
func writeVerifyResult(w http.ResponseWriter, result domain.ChallengeResult, backup bool) {
	if !result.OK {
		httpx.WriteJSON(w, http.StatusForbidden, map[string]string{
			"error":             "verification_failed",
			"error_description": "the operation could not be verified",
			"challenge_id":      result.ChallengeID,
		})
		return
	}

	resp := verifySuccessResponse{
		Verified:    true,
		ChallengeID: result.ChallengeID,
	}
	if backup {
		remaining := result.RemainingBackupCodes
		resp.RemainingBackupCodes = &remaining
		resp.LowBackupCodes = result.LowBackupCodes
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// HandleVerifyTOTP handles POST /v1/mfa/verify/totp.
func (h *MFAHandler) HandleVerifyTOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SubjectID == "" || req.Code == "" || req.Operation == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "subject_id, code and operation are required")
		return
	}

	result, err := h.MFAService.VerifyTOTP(ctx, req.SubjectID, req.Code, req.challengeContext())
	if err != nil {
		// Fail closed: storage trouble denies without detail.
		log.Error("challenge verification errored", "subject", req.SubjectID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "unable to verify")
		return
	}
	writeVerifyResult(w, result, false)
}

// HandleVerifyBackup handles POST /v1/mfa/verify/backup.
func (h *MFAHandler) HandleVerifyBackup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SubjectID == "" || req.Code == "" || req.Operation == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "subject_id, code and operation are required")
		return
	}

	result, err := h.MFAService.VerifyBackupCode(ctx, req.SubjectID, req.Code, req.challengeContext())
	if err != nil {
		log.Error("backup challenge verification errored", "subject", req.SubjectID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "unable to verify")
		return
	}
	writeVerifyResult(w, result, true)
}

// HandleStatus handles GET /v1/mfa/status/{subject}.
func (h *MFAHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	subjectID := r.PathValue("subject")
	if subjectID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "subject is required")
		return
	}

	enabled, err := h.MFAService.IsEnabled(ctx, subjectID)
	if err != nil {
		log.Error("status lookup failed", "subject", subjectID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "unable to read status")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"subject_id": subjectID,
		"enabled":    enabled,
	})
}

type disableRequest struct {
	SubjectID string `json:"subject_id"`
}

// HandleDisable handles POST /v1/mfa/disable. The acting admin comes from
// the verified token, not the request body.
func (h *MFAHandler) HandleDisable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req disableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SubjectID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "subject_id is required")
		return
	}

	actor := httpx.SubjectFromCtx(ctx)
	if err := h.MFAService.Disable(ctx, req.SubjectID, actor); err != nil {
		log.Error("disable failed", "subject", req.SubjectID, "actor", actor, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "unable to disable")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
