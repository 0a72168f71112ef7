package scsipi

import "errors"

var (
	// ErrRestart is returned by sense handlers to ask for the command to be
	// queued again.
	ErrRestart = errors.New("restart command")

	// ErrDefaultSense is returned by a periph Error hook to fall through to
	// InterpretSense.
	ErrDefaultSense = errors.New("use default sense interpretation")
)
