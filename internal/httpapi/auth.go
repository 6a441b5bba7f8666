package httpapi

import (
	"crypto/subtle"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer checks a static operator token. An empty configured
// token disables authentication entirely (local/dev deployments).
func authorizeBearer(authHeader, configuredToken string) *authError {
	if configuredToken == "" {
		return nil
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	presented := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(configuredToken)) != 1 {
		return &authError{
			status:  401,
			code:    "unauthorized",
			message: "invalid token",
		}
	}
	return nil
}
