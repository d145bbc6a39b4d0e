package gate_test

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/opsgate/internal/gate/audit"
	gatehttp "github.com/aussiebroadwan/opsgate/internal/gate/http"
	"github.com/aussiebroadwan/opsgate/internal/gate/ratelimit"
	"github.com/aussiebroadwan/opsgate/internal/gate/service"
	"github.com/aussiebroadwan/opsgate/internal/gate/store/drivers/sqlite"
	"github.com/aussiebroadwan/opsgate/pkg/cryptox"
	"github.com/aussiebroadwan/opsgate/pkg/fixedwindow"
	"github.com/aussiebroadwan/opsgate/pkg/httpx"
	"github.com/aussiebroadwan/opsgate/pkg/jwtx"
)

/*
 * End-to-end tests for the gate service. These drive the full HTTP surface
 * against a real in-memory store, real argon2 hashing and real TOTP codes,
 * the same wiring the application assembles at boot.
 */

const (
	testIssuer  = "auth-service"
	testKeyID   = "e2e-key"
	adminUserID = "admin"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "opsgate-e2e")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}
	cryptox.SetPepperPath(filepath.Join(dir, "pepper"))

	// Relax the HTTP rate limit profiles so rapid test traffic does not
	// trip the per-caller limits meant for production.
	relaxed := httpx.RateLimitConfig{RequestsPerWindow: 1000, Window: time.Minute, Burst: 1000}
	httpx.StrictLimit = relaxed
	httpx.ModerateLimit = relaxed
	httpx.LenientLimit = relaxed

	code := m.Run()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

// gateServer holds a running test server plus the signing key used to
// mint bearer tokens for it.
type gateServer struct {
	baseURL string
	priv    ed25519.PrivateKey
	client  *http.Client
}

// setupGateServer assembles the router the same way the application does
// and serves it over a local listener.
func setupGateServer(t *testing.T) *gateServer {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	ks := jwtx.NewKeySet()
	require.NoError(t, ks.AddJWK(jwtx.JWK{
		Kty: "OKP",
		Crv: "Ed25519",
		Kid: testKeyID,
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}))
	verifier := jwtx.NewVerifierEdDSA(ks, testIssuer, nil)

	st, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.ApplyMigrations())
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := gatehttp.NewRouter(verifier, "e2e", st, logger)
	router.MFAService = &service.MFAService{
		Store:    st,
		Issuer:   "OpsGate",
		Hasher:   service.DefaultCodeHasher(),
		Throttle: fixedwindow.New(5, 15*time.Minute),
		Audit:    audit.Nop{},
	}
	router.Limiter = ratelimit.New(ratelimit.DefaultPolicies())
	router.ApplyRoutes()

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &gateServer{baseURL: srv.URL, priv: priv, client: srv.Client()}
}

// token mints a signed bearer token for the given subject and scopes.
func (s *gateServer) token(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	now := time.Now().UTC()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, &jwtx.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
		Scopes: scopes,
	})
	tok.Header["kid"] = testKeyID
	signed, err := tok.SignedString(s.priv)
	require.NoError(t, err)
	return signed
}

// do issues a request and decodes the JSON response body into out when the
// body is non-empty and out is non-nil.
func (s *gateServer) do(t *testing.T, method, path, bearer string, body, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.baseURL+path, reader)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, out), "body: %s", raw)
	}
	return resp.StatusCode
}

type enrollResponse struct {
	Secret      string   `json:"secret"`
	OTPAuthURL  string   `json:"otpauth_url"`
	BackupCodes []string `json:"backup_codes"`
	Issuer      string   `json:"issuer"`
	Account     string   `json:"account"`
}

type verifyResponse struct {
	Verified             bool   `json:"verified"`
	ChallengeID          string `json:"challenge_id"`
	RemainingBackupCodes *int   `json:"remaining_backup_codes"`
	LowBackupCodes       bool   `json:"low_backup_codes"`
	Error                string `json:"error"`
}

type statusResponse struct {
	SubjectID string `json:"subject_id"`
	Enabled   bool   `json:"enabled"`
}

// enrollAndActivate enrolls a subject and completes enrollment verification
// with a freshly generated code. Returns the enrollment material.
func enrollAndActivate(t *testing.T, s *gateServer, subject string) enrollResponse {
	t.Helper()
	manage := s.token(t, adminUserID, gatehttp.ScopeManage)

	var material enrollResponse
	code := s.do(t, http.MethodPost, "/v1/mfa/enroll", manage,
		map[string]string{"subject_id": subject}, &material)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, material.Secret)
	require.Len(t, material.BackupCodes, 10)

	otpCode, err := totp.GenerateCode(material.Secret, time.Now())
	require.NoError(t, err)

	var verified struct {
		Verified bool `json:"verified"`
	}
	code = s.do(t, http.MethodPost, "/v1/mfa/enroll/verify", manage,
		map[string]string{"subject_id": subject, "code": otpCode}, &verified)
	require.Equal(t, http.StatusOK, code)
	require.True(t, verified.Verified)

	return material
}

func TestE2E_FullLifecycle(t *testing.T) {
	t.Parallel()
	s := setupGateServer(t)

	const subject = "usr_lifecycle"
	verify := s.token(t, "dispatcher", gatehttp.ScopeVerify)
	admin := s.token(t, adminUserID, gatehttp.ScopeAdmin)

	// Not yet enrolled.
	var status statusResponse
	code := s.do(t, http.MethodGet, "/v1/mfa/status/"+subject, verify, nil, &status)
	require.Equal(t, http.StatusOK, code)
	require.False(t, status.Enabled)

	material := enrollAndActivate(t, s, subject)

	code = s.do(t, http.MethodGet, "/v1/mfa/status/"+subject, verify, nil, &status)
	require.Equal(t, http.StatusOK, code)
	require.True(t, status.Enabled)

	// Operational TOTP verification.
	otpCode, err := totp.GenerateCode(material.Secret, time.Now())
	require.NoError(t, err)

	var result verifyResponse
	code = s.do(t, http.MethodPost, "/v1/mfa/verify/totp", verify, map[string]string{
		"subject_id": subject,
		"code":       otpCode,
		"operation":  "drive.delete",
	}, &result)
	require.Equal(t, http.StatusOK, code)
	require.True(t, result.Verified)
	require.NotEmpty(t, result.ChallengeID)

	// Backup codes are single use.
	backup := material.BackupCodes[0]
	result = verifyResponse{}
	code = s.do(t, http.MethodPost, "/v1/mfa/verify/backup", verify, map[string]string{
		"subject_id": subject,
		"code":       backup,
		"operation":  "chat.purge",
	}, &result)
	require.Equal(t, http.StatusOK, code)
	require.True(t, result.Verified)
	require.NotNil(t, result.RemainingBackupCodes)
	require.Equal(t, 9, *result.RemainingBackupCodes)

	result = verifyResponse{}
	code = s.do(t, http.MethodPost, "/v1/mfa/verify/backup", verify, map[string]string{
		"subject_id": subject,
		"code":       backup,
		"operation":  "chat.purge",
	}, &result)
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "verification_failed", result.Error)

	// Disable and confirm the subject can no longer verify.
	code = s.do(t, http.MethodPost, "/v1/mfa/disable", admin,
		map[string]string{"subject_id": subject}, nil)
	require.Equal(t, http.StatusNoContent, code)

	code = s.do(t, http.MethodGet, "/v1/mfa/status/"+subject, admin, nil, &status)
	require.Equal(t, http.StatusOK, code)
	require.False(t, status.Enabled)

	otpCode, err = totp.GenerateCode(material.Secret, time.Now())
	require.NoError(t, err)
	result = verifyResponse{}
	code = s.do(t, http.MethodPost, "/v1/mfa/verify/totp", verify, map[string]string{
		"subject_id": subject,
		"code":       otpCode,
		"operation":  "drive.delete",
	}, &result)
	require.Equal(t, http.StatusForbidden, code)
}

func TestE2E_BackupCodeLowWaterAndExhaustion(t *testing.T) {
	t.Parallel()
	s := setupGateServer(t)

	const subject = "usr_backup"
	verify := s.token(t, "dispatcher", gatehttp.ScopeVerify)
	material := enrollAndActivate(t, s, subject)

	var low bool
	for i, backup := range material.BackupCodes {
		var result verifyResponse
		code := s.do(t, http.MethodPost, "/v1/mfa/verify/backup", verify, map[string]string{
			"subject_id": subject,
			"code":       backup,
			"operation":  "llm.retrain",
		}, &result)
		require.Equal(t, http.StatusOK, code, "code %d should be accepted", i)
		require.True(t, result.Verified)
		require.NotNil(t, result.RemainingBackupCodes)
		require.Equal(t, 9-i, *result.RemainingBackupCodes)
		low = result.LowBackupCodes
	}
	require.True(t, low, "final redemption should warn about the empty pool")

	// The pool is drained; even a well-formed code is rejected.
	var result verifyResponse
	code := s.do(t, http.MethodPost, "/v1/mfa/verify/backup", verify, map[string]string{
		"subject_id": subject,
		"code":       "AAAAA-AAAAA",
		"operation":  "llm.retrain",
	}, &result)
	require.Equal(t, http.StatusForbidden, code)
}

func TestE2E_AttemptThrottling(t *testing.T) {
	t.Parallel()
	s := setupGateServer(t)

	const subject = "usr_throttle"
	verify := s.token(t, "dispatcher", gatehttp.ScopeVerify)
	material := enrollAndActivate(t, s, subject)

	// Burn the attempt budget with bad codes.
	for i := 0; i < 5; i++ {
		var result verifyResponse
		code := s.do(t, http.MethodPost, "/v1/mfa/verify/totp", verify, map[string]string{
			"subject_id": subject,
			"code":       "000000",
			"operation":  "drive.delete",
		}, &result)
		require.Equal(t, http.StatusForbidden, code)
	}

	// A valid code is now refused until the window rolls over.
	otpCode, err := totp.GenerateCode(material.Secret, time.Now())
	require.NoError(t, err)

	var result verifyResponse
	code := s.do(t, http.MethodPost, "/v1/mfa/verify/totp", verify, map[string]string{
		"subject_id": subject,
		"code":       otpCode,
		"operation":  "drive.delete",
	}, &result)
	require.Equal(t, http.StatusForbidden, code)
	require.False(t, result.Verified)
}

func TestE2E_SystemEndpoints(t *testing.T) {
	t.Parallel()
	s := setupGateServer(t)

	var health struct {
		Status string `json:"status"`
	}
	code := s.do(t, http.MethodGet, "/livez", "", nil, &health)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", health.Status)

	code = s.do(t, http.MethodGet, "/readyz", "", nil, &health)
	require.Equal(t, http.StatusOK, code)

	// Limits snapshot needs the admin scope.
	admin := s.token(t, adminUserID, gatehttp.ScopeAdmin)
	var limits struct {
		Providers []ratelimit.ProviderStats `json:"providers"`
	}
	code = s.do(t, http.MethodGet, "/v1/limits", admin, nil, &limits)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, limits.Providers, 4)

	resp, err := s.client.Get(s.baseURL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
