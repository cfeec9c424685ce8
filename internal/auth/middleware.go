package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKey is used for context keys to avoid collisions
type ContextKey string

const (
	// ResultKey is the context key for auth result
	ResultKey ContextKey = "auth_result"
)

// Tokens holds the shared secrets for the control surface.
//
// Admin endpoints require the admin token and are refused outright when it
// is empty. Control endpoints require the control token when one is set;
// the admin token is accepted there as well.
type Tokens struct {
	Admin   string
	Control string
}

// Authorize checks r against the privilege need. The returned status is
// the HTTP code to answer with when err is non-nil.
func (t Tokens) Authorize(r *http.Request, need Level) (Result, int, error) {
	switch need {
	case LevelAdmin:
		if t.Admin == "" {
			return Result{}, http.StatusForbidden, ErrAdminDisabled
		}
		tok, ok := BearerToken(r)
		if !ok {
			return Result{}, http.StatusUnauthorized, ErrMissingToken
		}
		if !equal(tok, t.Admin) {
			return Result{}, http.StatusForbidden, ErrInvalidCredentials
		}
		return Result{Level: LevelAdmin}, http.StatusOK, nil
	case LevelControl:
		if t.Control == "" {
			return Result{Level: LevelControl}, http.StatusOK, nil
		}
		tok, ok := BearerToken(r)
		if !ok {
			return Result{}, http.StatusUnauthorized, ErrMissingToken
		}
		if equal(tok, t.Control) {
			return Result{Level: LevelControl}, http.StatusOK, nil
		}
		if t.Admin != "" && equal(tok, t.Admin) {
			return Result{Level: LevelAdmin}, http.StatusOK, nil
		}
		return Result{}, http.StatusForbidden, ErrInvalidCredentials
	default:
		return Result{Level: LevelRead}, http.StatusOK, nil
	}
}

// GinRequire returns a Gin middleware enforcing need.
func (t Tokens) GinRequire(need Level) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, code, err := t.Authorize(c.Request, need)
		if err != nil {
			c.AbortWithStatusJSON(code, gin.H{"error": err.Error(), "required": need.String()})
			return
		}
		c.Set(string(ResultKey), res)
		c.Next()
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
