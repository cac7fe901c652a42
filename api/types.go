package api

import (
	"time"
)

// User is the remote user record.
type User struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	FirstName        string `json:"firstName,omitempty"`
	LastName         string `json:"lastName,omitempty"`
	Role             string `json:"role,omitempty"`
	CompanyName      string `json:"companyName,omitempty"`
	Phone            string `json:"phone,omitempty"`
	TwoFactorEnabled bool   `json:"twoFactorEnabled,omitempty"`
	CreatedAt        string `json:"createdAt,omitempty"`
}

// Valid reports whether the record carries the fields the client relies on.
func (u *User) Valid() bool {
	return u != nil && u.ID != "" && u.Email != ""
}

// DisplayName returns "First Last", falling back to the email address.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" {
		return u.Email
	}
	return name
}

// TokenSet is the token object returned by login, register and refresh.
type TokenSet struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
	TokenType    string `json:"tokenType,omitempty"`
}

// AuthPayload is the validated content of a login or register response.
type AuthPayload struct {
	Tokens TokenSet
	User   User
}

type LoginRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	RememberMe    bool   `json:"rememberMe"`
	TwoFactorCode string `json:"twoFactorCode,omitempty"`
}

type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	CompanyName string `json:"companyName,omitempty"`
	Phone       string `json:"phone,omitempty"`
	AcceptTerms bool   `json:"acceptTerms"`
}

// ProfileUpdate carries the mutable profile fields. Nil fields are omitted.
type ProfileUpdate struct {
	FirstName   *string `json:"firstName,omitempty"`
	LastName    *string `json:"lastName,omitempty"`
	CompanyName *string `json:"companyName,omitempty"`
	Phone       *string `json:"phone,omitempty"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// HealthResult is the outcome of a liveness probe. It is always populated;
// Err is set when the probe failed.
type HealthResult struct {
	Healthy  bool
	Duration time.Duration
	Status   int
	Err      error
}
