package authclient

import (
	"errors"

	"github.com/eattestation/authclient/api"
)

var (
	// ErrBuilderUsed is returned when Build is called twice on the same Builder.
	ErrBuilderUsed = errors.New("builder already used")

	// ErrClientClosed is returned by operations on a closed Client.
	ErrClientClosed = errors.New("client closed")

	// ErrInvalidUser is reported when the API returns a user record without id or email.
	ErrInvalidUser = errors.New("user record is structurally invalid")

	// ErrUnknownStorageBackend is returned for a Storage.Backend other than memory, file or redis.
	ErrUnknownStorageBackend = errors.New("unknown storage backend")

	// ErrInvalidTheme is returned by SetTheme for values other than light or dark.
	ErrInvalidTheme = errors.New("invalid theme")

	// ErrMalformedResponse aliases api.ErrMalformedResponse for callers of the root package.
	ErrMalformedResponse = api.ErrMalformedResponse
)

// Human-readable messages surfaced through SessionState.AuthError and
// Result.Message. Raw error text never reaches the UI.
const (
	msgOffline         = "You appear to be offline. Check your connection and try again."
	msgNetwork         = "Unable to reach the server. Please try again."
	msgServer          = "The server encountered an error. Please try again later."
	msgSessionExpired  = "Your session has expired. Please sign in again."
	msgForbidden       = "You do not have permission to perform this action."
	msgMalformed       = "The server returned an unexpected response."
	msgUnknown         = "Something went wrong. Please try again."
	msgInvalidLogin    = "Invalid email or password."
	msgMissingLogin    = "Email and password are required."
	msgStorage         = "Your session could not be saved on this device."
	msgServerRetrying  = "Server unavailable, retrying (%d/%d)..."
	msgNetworkRetrying = "Connection problem, retrying (%d/%d)..."
	msgServerDown      = "Server unavailable. Please try again later."
	msgSyncWarning     = "Could not refresh your session. Showing saved data."
)

// userMessage maps a failure onto the message shown to the user. A message
// sent by the server takes precedence for client-side (4xx) errors.
func userMessage(kind api.ErrorKind, err error) string {
	if kind != api.KindServerError {
		if m := api.ServerMessage(err); m != "" {
			return m
		}
	}
	switch kind {
	case api.KindNetworkOffline:
		return msgOffline
	case api.KindNetworkError:
		return msgNetwork
	case api.KindServerError:
		return msgServer
	case api.KindAuthError:
		return msgSessionExpired
	case api.KindForbiddenError:
		return msgForbidden
	case api.KindMalformedResponse:
		return msgMalformed
	default:
		return msgUnknown
	}
}
