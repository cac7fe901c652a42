package api

import (
	"context"
	"net/http"
	"time"
)

// Endpoint paths of the authentication API.
const (
	PathLogin          = "/auth/login"
	PathRegister       = "/auth/register"
	PathRefreshToken   = "/auth/refresh-token"
	PathProfile        = "/auth/profile"
	PathChangePassword = "/auth/change-password"
	PathLogout         = "/auth/logout"
	PathForgotPassword = "/auth/forgot-password"
	PathResetPassword  = "/auth/reset-password"
)

// PublicPaths lists the endpoints used to obtain tokens. Requests to them
// must never carry a bearer token.
var PublicPaths = []string{
	PathLogin,
	PathRegister,
	PathRefreshToken,
	PathForgotPassword,
	PathResetPassword,
}

// Login and register nest their payload twice: {data:{data:{tokens,user}}}.
type authEnvelope struct {
	Data *struct {
		Data *struct {
			Tokens *TokenSet `json:"tokens"`
			User   *User     `json:"user"`
		} `json:"data"`
	} `json:"data"`
}

type refreshEnvelope struct {
	Tokens *TokenSet `json:"tokens"`
}

type userEnvelope struct {
	User *User `json:"user"`
}

type messageEnvelope struct {
	Message string `json:"message"`
}

// Login authenticates with email and password.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*AuthPayload, error) {
	return c.authenticate(ctx, "login", PathLogin, req)
}

// Register creates an account and returns the same payload as Login.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AuthPayload, error) {
	return c.authenticate(ctx, "register", PathRegister, req)
}

func (c *Client) authenticate(ctx context.Context, op, path string, body any) (*AuthPayload, error) {
	var env authEnvelope
	status, err := c.doJSON(ctx, op, http.MethodPost, path, body, &env)
	if err != nil {
		return nil, err
	}
	switch {
	case env.Data == nil:
		return nil, malformed(op, status, "missing data")
	case env.Data.Data == nil:
		return nil, malformed(op, status, "missing data.data")
	case env.Data.Data.Tokens == nil:
		return nil, malformed(op, status, "missing tokens")
	case env.Data.Data.Tokens.AccessToken == "":
		return nil, malformed(op, status, "missing tokens.accessToken")
	case env.Data.Data.Tokens.RefreshToken == "":
		return nil, malformed(op, status, "missing tokens.refreshToken")
	case env.Data.Data.User == nil:
		return nil, malformed(op, status, "missing user")
	case !env.Data.Data.User.Valid():
		return nil, malformed(op, status, "user record lacks id or email")
	}
	return &AuthPayload{
		Tokens: *env.Data.Data.Tokens,
		User:   *env.Data.Data.User,
	}, nil
}

// RefreshToken exchanges a refresh token for a new token set. The returned
// RefreshToken may be empty when the server keeps the current one.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	const op = "refresh token"
	var env refreshEnvelope
	status, err := c.doJSON(ctx, op, http.MethodPost, PathRefreshToken, map[string]string{"refreshToken": refreshToken}, &env)
	if err != nil {
		return nil, err
	}
	if env.Tokens == nil {
		return nil, malformed(op, status, "missing tokens")
	}
	if env.Tokens.AccessToken == "" {
		return nil, malformed(op, status, "missing tokens.accessToken")
	}
	return env.Tokens, nil
}

// Profile fetches the current user.
func (c *Client) Profile(ctx context.Context) (*User, error) {
	return c.userCall(ctx, "get profile", http.MethodGet, nil)
}

// UpdateProfile patches the current user and returns the updated record.
func (c *Client) UpdateProfile(ctx context.Context, update ProfileUpdate) (*User, error) {
	return c.userCall(ctx, "update profile", http.MethodPatch, update)
}

func (c *Client) userCall(ctx context.Context, op, method string, body any) (*User, error) {
	var env userEnvelope
	status, err := c.doJSON(ctx, op, method, PathProfile, body, &env)
	if err != nil {
		return nil, err
	}
	if env.User == nil {
		return nil, malformed(op, status, "missing user")
	}
	return env.User, nil
}

// ChangePassword returns the server confirmation message.
func (c *Client) ChangePassword(ctx context.Context, req ChangePasswordRequest) (string, error) {
	return c.messageCall(ctx, "change password", PathChangePassword, req)
}

// ForgotPassword asks the server to send a reset link to email.
func (c *Client) ForgotPassword(ctx context.Context, email string) (string, error) {
	return c.messageCall(ctx, "forgot password", PathForgotPassword, map[string]string{"email": email})
}

// ResetPassword completes a reset started by ForgotPassword.
func (c *Client) ResetPassword(ctx context.Context, token, newPassword string) (string, error) {
	return c.messageCall(ctx, "reset password", PathResetPassword, map[string]string{
		"token":    token,
		"password": newPassword,
	})
}

func (c *Client) messageCall(ctx context.Context, op, path string, body any) (string, error) {
	var env messageEnvelope
	if _, err := c.doJSON(ctx, op, http.MethodPost, path, body, &env); err != nil {
		return "", err
	}
	return env.Message, nil
}

// Logout invalidates the current session, or every session of the user when
// logoutAll is set. Any 2xx response is success.
func (c *Client) Logout(ctx context.Context, logoutAll bool) error {
	_, err := c.doJSON(ctx, "logout", http.MethodPost, PathLogout, map[string]bool{"logoutAll": logoutAll}, nil)
	return err
}

// Health probes the liveness endpoint with a short timeout. It never returns
// an error; failures are reported in the result.
func (c *Client) Health(ctx context.Context) HealthResult {
	start := time.Now()
	if c == nil || c.httpClient == nil {
		return HealthResult{Err: &RequestError{Op: "health"}}
	}

	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return HealthResult{Duration: time.Since(start), Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthResult{Duration: time.Since(start), Err: &RequestError{Op: "health", Err: err}}
	}
	defer resp.Body.Close()

	result := HealthResult{
		Healthy:  resp.StatusCode >= 200 && resp.StatusCode < 300,
		Duration: time.Since(start),
		Status:   resp.StatusCode,
	}
	if !result.Healthy {
		result.Err = &RequestError{Op: "health", StatusCode: resp.StatusCode}
	}
	return result
}
