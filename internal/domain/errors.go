package domain

import "github.com/cockroachdb/errors"

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrJobNotQueued = errors.New("job is not queued")
	ErrJobTerminal  = errors.New("job already finished")
	ErrNotReady     = errors.New("artifact not ready")
	ErrInvalidInput = errors.New("invalid input")
	ErrNoRows       = errors.New("no rows to write")
	ErrIOFailure    = errors.New("artifact write failed")
)
