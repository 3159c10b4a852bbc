package error

import "net/http"

// AuthError marks a connection as needing human re-authorization when
// RequiresReauth is set. Reason distinguishes an invalid refresh token from a
// plain expired token so the UI can show the right prompt.
type AuthError struct {
	Reason         string
	RequiresReauth bool
}

func (e *AuthError) Error() string {
	return e.Reason
}

func (e *AuthError) ErrCode() string {
	if e.RequiresReauth {
		return "REAUTH_REQUIRED"
	}
	return "AUTH_ERROR"
}

func (e *AuthError) StatusCode() int {
	return http.StatusUnauthorized
}

const (
	ReasonInvalidRefreshToken = "invalid_refresh_token"
	ReasonTokenExpired        = "token_expired"
)
