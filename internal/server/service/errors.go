package service

import "errors"

// Sentinel errors for the service layer.
var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrMissingCredentials = errors.New("username and password are required")
	ErrUsernameTooLong    = errors.New("username is too long")
	ErrUsernameTaken      = errors.New("username already exists")
	ErrPasswordTooLong    = errors.New("password must be at most 72 bytes")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrNoFile             = errors.New("no file selected")
	ErrNotAnImage         = errors.New("only image files are allowed")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
)
