package authclient

import "github.com/eattestation/authclient/api"

// Remote API shapes re-exported for callers that only import the root package.
type (
	User                  = api.User
	LoginRequest          = api.LoginRequest
	RegisterRequest       = api.RegisterRequest
	ProfileUpdate         = api.ProfileUpdate
	ChangePasswordRequest = api.ChangePasswordRequest
	HealthResult          = api.HealthResult
	ErrorKind             = api.ErrorKind
)

// Result defines a public type used by authclient APIs.
//
// Session operations never return errors to the caller. Success reports the
// outcome and Message carries a human-readable explanation when present.
type Result struct {
	Success bool
	Message string
	// Kind classifies a failure; it is empty on success.
	Kind ErrorKind
}

func succeeded(message string) Result {
	return Result{Success: true, Message: message}
}

func failed(kind ErrorKind, message string) Result {
	return Result{Message: message, Kind: kind}
}

// Theme is the persisted UI theme preference.
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// Valid reports whether t is a known theme.
func (t Theme) Valid() bool {
	return t == ThemeLight || t == ThemeDark
}
