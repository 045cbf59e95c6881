package handler

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/microjpeg/gateway/internal/auth"
	"github.com/microjpeg/gateway/internal/db"
	"github.com/microjpeg/gateway/internal/tier"
)

// apiKeyTier is the plan granted to requests authenticated with an API key.
const apiKeyTier = "premium"

// EnsureVisitor resolves the caller's identity: an API key in the
// Authorization header wins, otherwise the signed visitor cookie, otherwise
// a freshly minted visitor ID set on the response. The plan in the URL only
// applies to anonymous and cookie visitors; key holders always get the key
// tier.
func (h *Handler) EnsureVisitor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer "+auth.APIKeyPrefix) {
			key := strings.TrimPrefix(authHeader, "Bearer ")
			ownerEmail, ok := h.validateAPIKey(key)
			if !ok {
				jsonError(w, "invalid API key", http.StatusUnauthorized)
				return
			}
			ctx := auth.ContextWithVisitor(r.Context(), "key:"+ownerEmail, apiKeyTier)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		visitorID, ok := auth.GetVisitorID(r, h.Cfg.SessionSecret)
		if !ok {
			visitorID = uuid.New().String()
			auth.SetVisitorCookie(w, visitorID, h.Cfg.SessionSecret,
				strings.HasPrefix(h.Cfg.BaseURL, "https"))
		}

		ctx := auth.ContextWithVisitor(r.Context(), visitorID, "")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) validateAPIKey(key string) (string, bool) {
	prefix, ok := auth.KeyLookupPrefix(key)
	if !ok {
		return "", false
	}

	apiKey, err := db.GetAPIKeyByPrefix(h.DB, prefix)
	if err != nil || apiKey == nil {
		return "", false
	}
	if !auth.CheckAPIKey(apiKey.KeyHash, key) {
		return "", false
	}

	go db.TouchAPIKeyUsed(h.DB, apiKey.ID)

	return apiKey.OwnerEmail, true
}

// requestTier resolves the effective plan: the tier attached by
// authentication when present, else the plan segment of the URL. Unknown
// plans fall back to anonymous limits.
func (h *Handler) requestTier(r *http.Request, urlPlan string) tier.Tier {
	if name := auth.TierFromContext(r.Context()); name != "" {
		return tier.Get(name)
	}
	return tier.Get(urlPlan)
}
