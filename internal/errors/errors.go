package errors

import (
	"errors"
	"fmt"
)

// Common error types for the API session client
var (
	// Session errors
	ErrNoRefreshToken = errors.New("no refresh token")
	ErrRefreshFailed  = errors.New("token refresh failed")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrSessionChanged = errors.New("session changed during token refresh")

	// Credential errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoAccessToken      = errors.New("auth response contained no access token")

	// Transport errors
	ErrTransport  = errors.New("transport error")
	ErrForeignURL = errors.New("URL is outside the API base URL")

	// Storage errors
	ErrCorruptStore = errors.New("corrupt token store")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
