package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	CookieName    = "microjpeg_visitor"
	VisitorMaxAge = 365 * 24 * time.Hour

	// APIKeyPrefix leads every issued key; the 8 hex chars after it are
	// stored in clear for lookup, the full key only as a bcrypt hash.
	APIKeyPrefix = "mj_"
)

type contextKey string

const VisitorIDKey contextKey = "visitor_id"
const TierKey contextKey = "tier"

func SetVisitorCookie(w http.ResponseWriter, visitorID, secret string, secure bool) {
	sig := sign(visitorID, secret)
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    visitorID + "." + sig,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(VisitorMaxAge.Seconds()),
	})
}

func ClearVisitorCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

// GetVisitorID validates the signed visitor cookie. A missing cookie or a
// bad signature both report false; callers mint a fresh identity.
func GetVisitorID(r *http.Request, secret string) (string, bool) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return "", false
	}
	parts := strings.SplitN(cookie.Value, ".", 2)
	if len(parts) != 2 {
		return "", false
	}
	visitorID, sig := parts[0], parts[1]
	expected := sign(visitorID, secret)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return "", false
	}
	return visitorID, true
}

func VisitorFromContext(ctx context.Context) string {
	v, _ := ctx.Value(VisitorIDKey).(string)
	return v
}

func TierFromContext(ctx context.Context) string {
	v, _ := ctx.Value(TierKey).(string)
	return v
}

func ContextWithVisitor(ctx context.Context, visitorID, tierName string) context.Context {
	ctx = context.WithValue(ctx, VisitorIDKey, visitorID)
	ctx = context.WithValue(ctx, TierKey, tierName)
	return ctx
}

// GenerateAPIKey mints a new key and returns the full secret (shown to the
// caller exactly once), its lookup prefix, and the bcrypt hash to store.
func GenerateAPIKey() (key, prefix, hash string, err error) {
	raw := make([]byte, 32)
	if _, err = rand.Read(raw); err != nil {
		return "", "", "", err
	}
	key = APIKeyPrefix + hex.EncodeToString(raw)
	prefix = hex.EncodeToString(raw)[:8]

	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", err
	}
	return key, prefix, string(h), nil
}

// KeyLookupPrefix extracts the 8-char lookup prefix from a presented key.
func KeyLookupPrefix(key string) (string, bool) {
	rest := strings.TrimPrefix(key, APIKeyPrefix)
	if rest == key || len(rest) < 8 {
		return "", false
	}
	return rest[:8], true
}

func CheckAPIKey(hash, key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

func sign(data, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
