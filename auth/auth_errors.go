package auth

import (
	errs "github.com/jrsteele09/go-edu-client/internal/errors"
)

var (
	ErrInvalidCredentials = errs.ErrInvalidCredentials
)
