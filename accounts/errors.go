package accounts

import "errors"

var (
	// ErrInvalidCredentials is returned when the email or password is wrong.
	ErrInvalidCredentials = errors.New("invalid login credentials")
	// ErrEmailTaken is returned when signing up with a registered email.
	ErrEmailTaken = errors.New("user already registered")
	// ErrUserNotFound is returned when no account has the given id.
	ErrUserNotFound = errors.New("user not found")
	// ErrWeakPassword is returned when a password is too short.
	ErrWeakPassword = errors.New("password should be at least 6 characters")
	// ErrInvalidEmail is returned when an email address is malformed.
	ErrInvalidEmail = errors.New("unable to validate email address: invalid format")
	// ErrInvalidResetToken is returned for unknown, used or expired reset tokens.
	ErrInvalidResetToken = errors.New("password reset link is invalid or has expired")
	// ErrInvalidToken is returned when an access token fails verification.
	ErrInvalidToken = errors.New("invalid access token")
)
