package http

import (
	"net/http"

	"github.com/aussiebroadwan/opsgate/internal/gate/ratelimit"
	"github.com/aussiebroadwan/opsgate/pkg/httpx"
)

// LimitsHandler exposes provider limiter state to admin tooling.
type LimitsHandler struct {
	Limiter *ratelimit.Limiter
}

// HandleSnapshot handles GET /v1/limits.
func (h *LimitsHandler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"providers": h.Limiter.Snapshot(),
	})
}
