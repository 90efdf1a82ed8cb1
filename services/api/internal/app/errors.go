package app

import "errors"

var (
	// ErrNotAuthenticated covers a missing or unknown account behind a valid token.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrFileNotFound is returned for unknown files and for files owned by someone else.
	ErrFileNotFound = errors.New("file not found")
	ErrInvalidInput = errors.New("invalid input")
	// ErrUpstream wraps failures of embedding, vector index, LLM, storage and billing calls.
	ErrUpstream         = errors.New("upstream failure")
	ErrFileTooLarge     = errors.New("file too large")
	ErrUnsupportedType  = errors.New("only PDF files are supported")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)
